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

package subscription

import (
	"sort"
	"sync"

	"github.com/alwitt/txapi/protocol"
)

// Registry the set of channels one client session is subscribed to.
//
// Only the owning session's read loop mutates it, while publishers read it concurrently.
type Registry interface {
	// Subscribe add the channel. Subscribing twice is a no-op.
	Subscribe(channel protocol.Channel) error
	// Unsubscribe remove the channel. Removing an absent channel is a no-op.
	Unsubscribe(channel protocol.Channel) error
	// IsSubscribed whether the channel is currently subscribed
	IsSubscribed(channel protocol.Channel) bool
	// Channels the currently subscribed channels in stable order
	Channels() []protocol.Channel
}

// registryImpl implements Registry
type registryImpl struct {
	lock     sync.RWMutex
	channels map[protocol.Channel]bool
}

// NewRegistry define a new empty Registry
func NewRegistry() Registry {
	return &registryImpl{channels: make(map[protocol.Channel]bool)}
}

// Subscribe add the channel
func (r *registryImpl) Subscribe(channel protocol.Channel) error {
	if !channel.Valid() {
		return &protocol.UnknownChannelError{Channel: channel.String()}
	}
	r.lock.Lock()
	defer r.lock.Unlock()
	r.channels[channel] = true
	return nil
}

// Unsubscribe remove the channel
func (r *registryImpl) Unsubscribe(channel protocol.Channel) error {
	if !channel.Valid() {
		return &protocol.UnknownChannelError{Channel: channel.String()}
	}
	r.lock.Lock()
	defer r.lock.Unlock()
	delete(r.channels, channel)
	return nil
}

// IsSubscribed whether the channel is currently subscribed
func (r *registryImpl) IsSubscribed(channel protocol.Channel) bool {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return r.channels[channel]
}

// Channels the currently subscribed channels
func (r *registryImpl) Channels() []protocol.Channel {
	r.lock.RLock()
	defer r.lock.RUnlock()
	result := make([]protocol.Channel, 0, len(r.channels))
	for channel := range r.channels {
		result = append(result, channel)
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result
}

// Apply execute a parsed client request against the registry
func Apply(r Registry, req protocol.Request) error {
	switch req.Method {
	case protocol.MethodSubscribe:
		return r.Subscribe(req.Channel)
	case protocol.MethodUnsubscribe:
		return r.Unsubscribe(req.Channel)
	default:
		return &protocol.ProtocolError{Reason: "unknown method " + string(req.Method)}
	}
}
