// Copyright 2022 The txapi Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package transaction

import (
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/alwitt/txapi/common"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// Generator produces synthetic transactions
type Generator interface {
	// Next generate one transaction
	Next() Transaction
	// NextBatch generate a batch of transactions
	NextBatch(count int) []Transaction
}

// GeneratorParams parameters for defining a Generator
type GeneratorParams struct {
	// MaxAmountCents upper bound of generated amounts
	MaxAmountCents uint64 `validate:"gte=1"`
	// Seed seeds the random source. Zero means seed from the clock.
	Seed int64
	// Locations the location table. Empty means DefaultLocations.
	Locations []common.LocationConfig `validate:"omitempty,dive"`
	// Clock overrides time.Now
	Clock func() time.Time `validate:"-"`
}

// GeneratorParamsFromConfig define GeneratorParams from the transaction stream config
func GeneratorParamsFromConfig(cfg common.TransactionStreamConfig) GeneratorParams {
	return GeneratorParams{
		MaxAmountCents: cfg.MaxAmountCents, Seed: cfg.Seed, Locations: cfg.Locations,
	}
}

// generatorImpl implements Generator
type generatorImpl struct {
	common.Component
	lock      sync.Mutex
	rng       *rand.Rand
	locations []Location
	maxAmount uint64
	clock     func() time.Time
}

// GetGenerator define a new Generator
func GetGenerator(params GeneratorParams) (Generator, error) {
	logTags := log.Fields{"module": "transaction", "component": "generator"}

	if err := validator.New().Struct(&params); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid generator parameters")
		return nil, err
	}

	locations := DefaultLocations()
	if len(params.Locations) > 0 {
		locations = make([]Location, len(params.Locations))
		for idx, entry := range params.Locations {
			locations[idx] = Location{
				City:       entry.City,
				CountryISO: strings.ToUpper(entry.CountryISO),
				Latitude:   entry.Latitude,
				Longitude:  entry.Longitude,
			}
		}
	}
	if len(locations) == 0 {
		err := fmt.Errorf("location table is empty")
		log.WithError(err).WithFields(logTags).Error("Invalid generator parameters")
		return nil, err
	}

	seed := params.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	clock := params.Clock
	if clock == nil {
		clock = time.Now
	}
	log.WithFields(logTags).Infof(
		"Generator ready with %d locations, max amount %d cents", len(locations), params.MaxAmountCents,
	)
	return &generatorImpl{
		Component: common.Component{LogTags: logTags},
		rng:       rand.New(rand.NewSource(seed)),
		locations: locations,
		maxAmount: params.MaxAmountCents,
		clock:     clock,
	}, nil
}

// Next generate one transaction
func (g *generatorImpl) Next() Transaction {
	g.lock.Lock()
	defer g.lock.Unlock()
	return g.next()
}

// NextBatch generate a batch of transactions
func (g *generatorImpl) NextBatch(count int) []Transaction {
	g.lock.Lock()
	defer g.lock.Unlock()
	result := make([]Transaction, 0, count)
	for itr := 0; itr < count; itr++ {
		result = append(result, g.next())
	}
	return result
}

func (g *generatorImpl) next() Transaction {
	category := g.category()
	location := g.locations[g.rng.Intn(len(g.locations))]
	return Transaction{
		ID:             strings.ReplaceAll(uuid.NewString(), "-", ""),
		Timestamp:      g.clock().UTC().Format(time.RFC3339Nano),
		CCNumber:       g.ccNumber(),
		Category:       category,
		AmountUSDCents: g.amount(category),
		Latitude:       location.Latitude,
		Longitude:      location.Longitude,
		CountryISO:     location.CountryISO,
		City:           location.City,
		IsOnline:       g.rng.Float64() < 0.3,
	}
}

// category pick a category following typical card spending patterns
func (g *generatorImpl) category() Category {
	val := g.rng.Float64()
	switch {
	case val < 0.25:
		return Grocery
	case val < 0.40:
		return Restaurant
	case val < 0.55:
		return GasStation
	case val < 0.70:
		return OnlineRetail
	case val < 0.80:
		return Entertainment
	case val < 0.90:
		return Utilities
	case val < 0.95:
		return Travel
	default:
		return Healthcare
	}
}

// amount pick an amount within the category range, capped by the configured ceiling
func (g *generatorImpl) amount(category Category) uint64 {
	low, high := category.AmountRange()
	if high > g.maxAmount {
		high = g.maxAmount
	}
	if low > high {
		low = high
	}
	return low + uint64(g.rng.Int63n(int64(high-low+1)))
}

// ccNumber Visa prefixed 16 digit number with a valid Luhn check digit
func (g *generatorImpl) ccNumber() string {
	digits := make([]int, 0, 16)
	digits = append(digits, 4)
	for itr := 0; itr < 14; itr++ {
		digits = append(digits, g.rng.Intn(10))
	}
	digits = append(digits, LuhnCheckDigit(digits))
	var builder strings.Builder
	for _, d := range digits {
		builder.WriteByte(byte('0' + d))
	}
	return builder.String()
}

// LuhnCheckDigit compute the check digit to append to the digits
func LuhnCheckDigit(digits []int) int {
	sum := 0
	for idx := 0; idx < len(digits); idx++ {
		d := digits[len(digits)-1-idx]
		// Double every other digit, starting from the rightmost
		if idx%2 == 0 {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
	}
	return (10 - sum%10) % 10
}

// LuhnValid whether the number string passes the Luhn check
func LuhnValid(number string) bool {
	if len(number) < 2 {
		return false
	}
	digits := make([]int, 0, len(number))
	for _, ch := range number {
		if ch < '0' || ch > '9' {
			return false
		}
		digits = append(digits, int(ch-'0'))
	}
	return LuhnCheckDigit(digits[:len(digits)-1]) == digits[len(digits)-1]
}
