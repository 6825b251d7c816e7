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
	"encoding/json"
	"errors"
	"fmt"

	"github.com/alwitt/txapi/transaction"
	"github.com/go-playground/validator/v10"
)

// Method a client request method
type Method string

// Supported request methods
const (
	MethodSubscribe   Method = "subscribe"
	MethodUnsubscribe Method = "unsubscribe"
)

// ==============================================================================
// Client -> Server

// rawRequest the request as found on the wire
type rawRequest struct {
	Method string `json:"method" validate:"required,oneof=subscribe unsubscribe"`
	Params *struct {
		Channel string `json:"channel" validate:"required"`
	} `json:"params" validate:"required"`
}

// Request a parsed subscribe / unsubscribe request
type Request struct {
	Method  Method
	Channel Channel
}

var requestValidator = validator.New()

// ParseRequest parse a client message.
//
// Malformed messages return *ProtocolError, and requests naming a channel outside the
// supported set return *UnknownChannelError.
func ParseRequest(msg []byte) (Request, error) {
	var raw rawRequest
	if err := json.Unmarshal(msg, &raw); err != nil {
		return Request{}, &ProtocolError{Reason: "malformed JSON", Err: err}
	}
	if err := requestValidator.Struct(&raw); err != nil {
		return Request{}, &ProtocolError{Reason: "invalid request", Err: err}
	}
	channel, err := ParseChannel(raw.Params.Channel)
	if err != nil {
		return Request{}, err
	}
	return Request{Method: Method(raw.Method), Channel: channel}, nil
}

// ==============================================================================
// Server -> Client

// HeartbeatStatus payload of the heartbeat channel
type HeartbeatStatus struct {
	Status string `json:"status"`
}

// ChannelMessage envelope for all channel messages
type ChannelMessage struct {
	Channel Channel     `json:"channel"`
	Data    interface{} `json:"data"`
}

// NewHeartbeatMessage define a heartbeat channel message
func NewHeartbeatMessage() ChannelMessage {
	return ChannelMessage{Channel: Heartbeat, Data: HeartbeatStatus{Status: "ok"}}
}

// NewTransactionsMessage define a transactions channel message
func NewTransactionsMessage(batch []transaction.Transaction) (ChannelMessage, error) {
	if len(batch) == 0 {
		return ChannelMessage{}, fmt.Errorf("transactions message requires at least one transaction")
	}
	return ChannelMessage{Channel: Transactions, Data: batch}, nil
}

// Encode serialize the envelope for transmission
func (m ChannelMessage) Encode() ([]byte, error) {
	if !m.Channel.Valid() {
		return nil, &UnknownChannelError{Channel: m.Channel.String()}
	}
	if m.Data == nil {
		return nil, fmt.Errorf("%s message has no data", m.Channel)
	}
	return json.Marshal(&m)
}

// ResultDetail content of a request acknowledgement
type ResultDetail struct {
	Method  Method  `json:"method"`
	Channel Channel `json:"channel"`
}

// ErrorDetail content of a request rejection
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ControlReply reply to a single client request
type ControlReply struct {
	Result *ResultDetail `json:"result,omitempty"`
	Error  *ErrorDetail  `json:"error,omitempty"`
}

// NewAckReply define a reply acknowledging a processed request
func NewAckReply(req Request) ControlReply {
	return ControlReply{Result: &ResultDetail{Method: req.Method, Channel: req.Channel}}
}

// NewErrorReply define a reply rejecting a request
func NewErrorReply(err error) ControlReply {
	code := CodeProtocolError
	var unknownChannel *UnknownChannelError
	if errors.As(err, &unknownChannel) {
		code = CodeUnknownChannel
	}
	return ControlReply{Error: &ErrorDetail{Code: code, Message: err.Error()}}
}

// Encode serialize the reply for transmission
func (r ControlReply) Encode() ([]byte, error) {
	return json.Marshal(&r)
}
