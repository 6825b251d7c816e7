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

package dataplane

import (
	"errors"
	"fmt"
	"time"

	"github.com/alwitt/txapi/common"
)

// ConnectionHandle identifies one client connection within the ConnectionManager
type ConnectionHandle uint64

// State lifecycle state of a client connection
type State int

// Connection lifecycle states. A connection only moves forward through these.
const (
	StateConnecting State = iota
	StateActive
	StateDraining
	StateClosed
)

// String toString function
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrNotAccepting the manager is shutting down and refuses new connections
var ErrNotAccepting = errors.New("connection manager is not accepting new connections")

// ErrUnknownConnection the handle does not reference a registered connection
var ErrUnknownConnection = errors.New("unknown connection handle")

// SessionParams parameters governing each client session
type SessionParams struct {
	// OutboundQueueSize max number of messages buffered for one client
	OutboundQueueSize int `validate:"gte=1"`
	// WriteTimeout max duration for writing one message
	WriteTimeout time.Duration `validate:"gt=0"`
	// PongTimeout max duration between client pongs
	PongTimeout time.Duration `validate:"gt=0"`
	// PingInterval interval between server pings
	PingInterval time.Duration `validate:"gt=0,ltfield=PongTimeout"`
	// MaxMessageSize max size of a client message in bytes
	MaxMessageSize int64 `validate:"gte=64"`
	// DrainTimeout max duration a closing session is given to flush and complete the
	// close handshake
	DrainTimeout time.Duration `validate:"gt=0"`
	// RequestIDHeader header carrying the caller's request ID
	RequestIDHeader string
}

// SessionParamsFromConfig build SessionParams from the WebSocket config section
func SessionParamsFromConfig(cfg common.WebSocketConfig, requestIDHeader string) SessionParams {
	return SessionParams{
		OutboundQueueSize: cfg.OutboundQueueSize,
		WriteTimeout:      time.Second * time.Duration(cfg.WriteTimeout),
		PongTimeout:       time.Second * time.Duration(cfg.PongTimeout),
		PingInterval:      time.Second * time.Duration(cfg.PingInterval),
		MaxMessageSize:    cfg.MaxMessageSize,
		DrainTimeout:      time.Second * time.Duration(cfg.DrainTimeout),
		RequestIDHeader:   requestIDHeader,
	}
}
