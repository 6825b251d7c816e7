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

package core

import (
	"context"
	"time"

	"github.com/alwitt/txapi/common"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/nats-io/nats.go"
)

// NATSConnectParams NATS connection parameter
type NATSConnectParams struct {
	// ServerURI connect to NATS server with URI
	ServerURI string `validate:"required,uri"`
	// ConnectTimeout max time to wait for connection
	ConnectTimeout time.Duration `validate:"gt=0"`
	// MaxReconnectAttempt on connection failure, max number of reconnect
	// attempt. "-1" means infinite
	MaxReconnectAttempt int `validate:"gte=-1"`
	// ReconnectWait wait duration between reconnect attempts
	ReconnectWait time.Duration `validate:"gt=0"`
	// OnDisconnectCallback callback on disconnect
	OnDisconnectCallback func(*nats.Conn, error)
	// OnReconnectCallback callback on reconnect
	OnReconnectCallback func(*nats.Conn)
	// OnCloseCallback callback on close
	OnCloseCallback func(*nats.Conn)
}

// NATSConnectParamsFromConfig build NATSConnectParams from the mirror config section
func NATSConnectParamsFromConfig(cfg common.NATSMirrorConfig) NATSConnectParams {
	return NATSConnectParams{
		ServerURI:           cfg.ServerURI,
		ConnectTimeout:      time.Second * time.Duration(cfg.ConnectTimeout),
		MaxReconnectAttempt: cfg.Reconnect.MaxAttempts,
		ReconnectWait:       time.Second * time.Duration(cfg.Reconnect.WaitInterval),
	}
}

// NatsClient NATS client used to mirror event streams
type NatsClient struct {
	common.Component
	nc *nats.Conn
}

// Close flush pending publishes, then close the NATS client
func (c NatsClient) Close(ctxt context.Context) {
	if err := c.nc.FlushWithContext(ctxt); err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf("NATS flush failed")
	}
	c.nc.Close()
	log.WithFields(c.LogTags).Infof("Close NATS client")
}

// Publish publish one message on a subject
func (c NatsClient) Publish(subject string, data []byte) error {
	return c.nc.Publish(subject, data)
}

// Connected whether the client is currently connected to the server
func (c NatsClient) Connected() bool {
	return c.nc.IsConnected()
}

// GetNATSClient define a new NATS client
func GetNATSClient(param NATSConnectParams) (NatsClient, error) {
	validate := validator.New()
	if err := validate.Struct(&param); err != nil {
		return NatsClient{}, err
	}
	logTags := log.Fields{
		"module":    "core",
		"component": "nats-client",
		"instance":  param.ServerURI,
	}
	if param.OnDisconnectCallback == nil {
		param.OnDisconnectCallback = func(_ *nats.Conn, err error) {
			log.WithError(err).WithFields(logTags).Warn("NATS connection lost")
		}
	}
	if param.OnReconnectCallback == nil {
		param.OnReconnectCallback = func(_ *nats.Conn) {
			log.WithFields(logTags).Info("NATS connection restored")
		}
	}
	if param.OnCloseCallback == nil {
		param.OnCloseCallback = func(_ *nats.Conn) {
			log.WithFields(logTags).Info("NATS connection closed")
		}
	}
	nc, err := nats.Connect(
		param.ServerURI,
		nats.Timeout(param.ConnectTimeout),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(param.MaxReconnectAttempt),
		nats.ReconnectWait(param.ReconnectWait),
		nats.DisconnectErrHandler(param.OnDisconnectCallback),
		nats.ReconnectHandler(param.OnReconnectCallback),
		nats.ClosedHandler(param.OnCloseCallback),
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("NATS client connect failed")
		return NatsClient{}, err
	}
	log.WithFields(logTags).Info("Created NATS client")
	return NatsClient{
		Component: common.Component{LogTags: logTags},
		nc:        nc,
	}, nil
}
