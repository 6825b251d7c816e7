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

package stream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/txapi/common"
	"github.com/alwitt/txapi/protocol"
	"github.com/alwitt/txapi/transaction"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

// TransactionSourceParams parameters of the transaction Source
type TransactionSourceParams struct {
	// Interval time between batches
	Interval time.Duration `validate:"gt=0"`
	// BatchSize transactions per batch
	BatchSize int `validate:"gte=1"`
	// Generator produces the transactions
	Generator transaction.Generator `validate:"-"`
	// Bus destination of the batches
	Bus Publisher `validate:"-"`
	// Mirror optional secondary destination of the batches
	Mirror Mirror `validate:"-"`
}

// transactionSourceImpl emits generated transaction batches on the transactions channel
type transactionSourceImpl struct {
	common.Component
	TransactionSourceParams
	timer common.IntervalTimer
}

// GetTransactionSource define a new transaction Source
func GetTransactionSource(
	rootCtxt context.Context, wg *sync.WaitGroup, params TransactionSourceParams,
) (Source, error) {
	validate := validator.New()
	if err := validate.Struct(&params); err != nil {
		return nil, err
	}
	if params.Generator == nil || params.Bus == nil {
		return nil, fmt.Errorf("transaction source requires a generator and a bus")
	}
	timer, err := common.GetIntervalTimerInstance("transactions", rootCtxt, wg)
	if err != nil {
		return nil, err
	}
	return &transactionSourceImpl{
		Component: common.Component{
			LogTags: log.Fields{"module": "stream", "component": "transactions"},
		},
		TransactionSourceParams: params,
		timer:                   timer,
	}, nil
}

func (s *transactionSourceImpl) Start() error {
	return s.timer.Start(s.Interval, s.emit, false)
}

func (s *transactionSourceImpl) Stop() error {
	return s.timer.Stop()
}

func (s *transactionSourceImpl) emit() error {
	msg, err := protocol.NewTransactionsMessage(s.Generator.NextBatch(s.BatchSize))
	if err != nil {
		return err
	}
	// The same bytes go to the sessions and the mirror
	payload, err := msg.Encode()
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Unable to encode transaction batch")
		return err
	}
	count := s.Bus.PublishEncoded(msg.Channel, payload)
	log.WithFields(s.LogTags).Debugf("Transaction batch sent to %d sessions", count)
	if s.Mirror != nil {
		if err := s.Mirror.Mirror(payload); err != nil {
			log.WithError(err).WithFields(s.LogTags).Warn("Transaction batch not mirrored")
		}
	}
	return nil
}
