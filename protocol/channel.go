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

package protocol

import (
	"fmt"
)

// Channel a named stream clients can subscribe to
type Channel int

// The supported channels. There are no others.
const (
	Heartbeat Channel = iota + 1
	Transactions
)

// AllChannels return all supported channels
func AllChannels() []Channel {
	return []Channel{Heartbeat, Transactions}
}

// ParseChannel parse a channel name
func ParseChannel(name string) (Channel, error) {
	for _, channel := range AllChannels() {
		if channel.String() == name {
			return channel, nil
		}
	}
	return 0, &UnknownChannelError{Channel: name}
}

// String toString function
func (c Channel) String() string {
	switch c {
	case Heartbeat:
		return "heartbeat"
	case Transactions:
		return "transactions"
	default:
		return fmt.Sprintf("channel(%d)", int(c))
	}
}

// Valid whether the channel is one of the supported channels
func (c Channel) Valid() bool {
	for _, channel := range AllChannels() {
		if c == channel {
			return true
		}
	}
	return false
}

// MarshalText implements encoding.TextMarshaler
func (c Channel) MarshalText() ([]byte, error) {
	if !c.Valid() {
		return nil, &UnknownChannelError{Channel: c.String()}
	}
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (c *Channel) UnmarshalText(text []byte) error {
	parsed, err := ParseChannel(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
