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
	"github.com/apex/log"
)

// heartbeatSourceImpl emits a liveness message on the heartbeat channel
type heartbeatSourceImpl struct {
	common.Component
	interval time.Duration
	bus      Publisher
	timer    common.IntervalTimer
}

// GetHeartbeatSource define a new heartbeat Source
func GetHeartbeatSource(
	rootCtxt context.Context, wg *sync.WaitGroup, interval time.Duration, bus Publisher,
) (Source, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("heartbeat interval must be positive")
	}
	timer, err := common.GetIntervalTimerInstance("heartbeat", rootCtxt, wg)
	if err != nil {
		return nil, err
	}
	return &heartbeatSourceImpl{
		Component: common.Component{
			LogTags: log.Fields{"module": "stream", "component": "heartbeat"},
		},
		interval: interval,
		bus:      bus,
		timer:    timer,
	}, nil
}

func (s *heartbeatSourceImpl) Start() error {
	return s.timer.Start(s.interval, s.emit, false)
}

func (s *heartbeatSourceImpl) Stop() error {
	return s.timer.Stop()
}

func (s *heartbeatSourceImpl) emit() error {
	count, err := s.bus.Publish(protocol.NewHeartbeatMessage())
	if err != nil {
		return err
	}
	log.WithFields(s.LogTags).Debugf("Heartbeat sent to %d sessions", count)
	return nil
}
