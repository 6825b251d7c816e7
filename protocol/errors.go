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

import "fmt"

// Error codes reported to clients
const (
	CodeProtocolError  = "protocol_error"
	CodeUnknownChannel = "unknown_channel"
)

// ProtocolError a client message which could not be understood
type ProtocolError struct {
	Reason string
	Err    error
}

// Error implements error
func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error: %s: %s", e.Reason, e.Err.Error())
	}
	return fmt.Sprintf("protocol error: %s", e.Reason)
}

// Unwrap support errors.Is / errors.As
func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// UnknownChannelError a request referenced a channel that does not exist
type UnknownChannelError struct {
	Channel string
}

// Error implements error
func (e *UnknownChannelError) Error() string {
	return fmt.Sprintf("unknown channel '%s'", e.Channel)
}
