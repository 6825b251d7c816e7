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
	"github.com/alwitt/txapi/common"
	"github.com/alwitt/txapi/protocol"
	"github.com/apex/log"
)

// EventBus fan-out point between the event sources and client sessions
type EventBus interface {
	// Publish deliver a channel message to every session subscribed to its channel.
	//
	// This never blocks on a slow session. Returns the number of sessions the message
	// was queued for.
	Publish(msg protocol.ChannelMessage) (int, error)
	// PublishEncoded deliver an already encoded channel message to every session
	// subscribed to channel. Returns the number of sessions the message was queued for.
	PublishEncoded(channel protocol.Channel, payload []byte) int
}

// eventBusImpl implements EventBus
type eventBusImpl struct {
	common.Component
	sessions ConnectionManager
}

// GetEventBus define a new EventBus delivering to the sessions of a ConnectionManager
func GetEventBus(sessions ConnectionManager) (EventBus, error) {
	logTags := log.Fields{"module": "dataplane", "component": "event-bus"}
	return &eventBusImpl{
		Component: common.Component{LogTags: logTags},
		sessions:  sessions,
	}, nil
}

func (b *eventBusImpl) Publish(msg protocol.ChannelMessage) (int, error) {
	// Encode once, share the bytes between all sessions
	payload, err := msg.Encode()
	if err != nil {
		log.WithError(err).WithFields(b.LogTags).Errorf("Unable to encode '%s' message", msg.Channel)
		return 0, err
	}
	return b.PublishEncoded(msg.Channel, payload), nil
}

func (b *eventBusImpl) PublishEncoded(channel protocol.Channel, payload []byte) int {
	delivered := b.sessions.fanOut(channel, payload)
	log.WithFields(b.LogTags).Debugf("Published '%s' message to %d sessions", channel, delivered)
	return delivered
}
