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
	"github.com/alwitt/txapi/protocol"
)

// Publisher destination of the channel messages produced by an event source
type Publisher interface {
	// Publish deliver a channel message to every subscriber of its channel
	Publish(msg protocol.ChannelMessage) (int, error)
	// PublishEncoded deliver an already encoded channel message
	PublishEncoded(channel protocol.Channel, payload []byte) int
}

// Source a periodic event source
type Source interface {
	// Start begin producing events
	Start() error
	// Stop stop producing events, and wait for the source to go idle
	Stop() error
}
