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
	"encoding/json"
	"fmt"
)

// Category merchant category of a transaction
type Category int

// Supported merchant categories
const (
	Grocery Category = iota
	GasStation
	Restaurant
	OnlineRetail
	Entertainment
	Travel
	Healthcare
	Utilities
)

var categoryNames = map[Category]string{
	Grocery:       "grocery",
	GasStation:    "gas_station",
	Restaurant:    "restaurant",
	OnlineRetail:  "online_retail",
	Entertainment: "entertainment",
	Travel:        "travel",
	Healthcare:    "healthcare",
	Utilities:     "utilities",
}

// AllCategories return all supported categories
func AllCategories() []Category {
	return []Category{
		Grocery, GasStation, Restaurant, OnlineRetail, Entertainment, Travel, Healthcare, Utilities,
	}
}

// String toString function
func (c Category) String() string {
	if name, ok := categoryNames[c]; ok {
		return name
	}
	return fmt.Sprintf("category(%d)", int(c))
}

// Valid whether the category is one of the supported categories
func (c Category) Valid() bool {
	_, ok := categoryNames[c]
	return ok
}

// MarshalText implements encoding.TextMarshaler
func (c Category) MarshalText() ([]byte, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("unknown category %d", int(c))
	}
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (c *Category) UnmarshalText(text []byte) error {
	for category, name := range categoryNames {
		if name == string(text) {
			*c = category
			return nil
		}
	}
	return fmt.Errorf("unknown category '%s'", text)
}

// AmountRange typical transaction amount range in USD cents of the category
func (c Category) AmountRange() (uint64, uint64) {
	switch c {
	case Grocery:
		return 500, 15000
	case GasStation:
		return 2000, 8000
	case Restaurant:
		return 1000, 12000
	case OnlineRetail:
		return 1500, 25000
	case Entertainment:
		return 1000, 20000
	case Travel:
		return 5000, 100000
	case Healthcare:
		return 3000, 50000
	case Utilities:
		return 5000, 30000
	default:
		return 100, 10000
	}
}

// ==============================================================================

// Location a city with its country and coordinates
type Location struct {
	City       string  `json:"city"`
	CountryISO string  `json:"country_iso"`
	Latitude   float64 `json:"latitude"`
	Longitude  float64 `json:"longitude"`
}

// DefaultLocations the built-in location table
func DefaultLocations() []Location {
	return []Location{
		{City: "San Francisco", CountryISO: "US", Latitude: 37.774929, Longitude: -122.419418},
		{City: "New York", CountryISO: "US", Latitude: 40.712776, Longitude: -74.005974},
		{City: "Los Angeles", CountryISO: "US", Latitude: 34.052235, Longitude: -118.243683},
		{City: "Chicago", CountryISO: "US", Latitude: 41.878113, Longitude: -87.629799},
		{City: "Miami", CountryISO: "US", Latitude: 25.761681, Longitude: -80.191788},
		{City: "London", CountryISO: "GB", Latitude: 51.507351, Longitude: -0.127758},
		{City: "Paris", CountryISO: "FR", Latitude: 48.856613, Longitude: 2.352222},
		{City: "Tokyo", CountryISO: "JP", Latitude: 35.689487, Longitude: 139.691711},
		{City: "Sydney", CountryISO: "AU", Latitude: -33.868820, Longitude: 151.209290},
		{City: "Toronto", CountryISO: "CA", Latitude: 43.651070, Longitude: -79.347015},
	}
}

// ==============================================================================

// Transaction one synthetic credit card transaction
type Transaction struct {
	// ID unique transaction identifier (32 hex characters)
	ID string `json:"id"`
	// Timestamp transaction timestamp, RFC3339 in UTC
	Timestamp string `json:"timestamp"`
	// CCNumber 16 digit card number. Luhn valid, not a real card.
	CCNumber string `json:"cc_number"`
	// Category merchant category
	Category Category `json:"category"`
	// AmountUSDCents amount in USD cents, 4599 is $45.99
	AmountUSDCents uint64 `json:"amount_usd_cents"`
	Latitude       float64 `json:"latitude"`
	Longitude      float64 `json:"longitude"`
	CountryISO     string  `json:"country_iso"`
	City           string  `json:"city"`
	// IsOnline whether the transaction was a card-not-present purchase
	IsOnline bool `json:"is_online"`
}

// Location the location the transaction was made at
func (t Transaction) Location() Location {
	return Location{
		City: t.City, CountryISO: t.CountryISO, Latitude: t.Latitude, Longitude: t.Longitude,
	}
}

// String toString function
func (t Transaction) String() string {
	t2, _ := json.Marshal(&t)
	return string(t2)
}
