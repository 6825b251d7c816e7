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

package common

import (
	"bytes"
	"testing"

	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func TestViperConfigParsing(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	validate := validator.New()

	// Case 0: parse config with no defaults in place
	{
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 1: load the configs
	{
		var cfg SystemConfig
		InstallDefaultConfigValues()
		assert.Nil(viper.Unmarshal(&cfg))
		assert.Nil(validate.Struct(&cfg))
		assert.Equal(uint16(9999), cfg.APIServer.Server.Port)
		assert.Equal(100, cfg.WebSocket.OutboundQueueSize)
		assert.Equal(100, cfg.Streams.Transactions.IntervalMS)
		assert.Equal(10, cfg.Streams.Heartbeat.IntervalSec)
		assert.Empty(cfg.Streams.Transactions.Locations)
		assert.Nil(cfg.Mirror)
	}

	// Case 2: invalid config
	{
		config := []byte(`---
api_server:
  server_config:
    listen_on: 1243`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 3: ping interval must be shorter than the pong timeout
	{
		config := []byte(`---
websocket:
  pong_timeout_sec: 10
  ping_interval_sec: 20`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 4: custom location table
	{
		config := []byte(`---
streams:
  transactions:
    locations:
      - city: Berlin
        country_iso: DE
        latitude: 52.52
        longitude: 13.405`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.Nil(validate.Struct(&cfg))
		assert.Len(cfg.Streams.Transactions.Locations, 1)
		assert.Equal("DE", cfg.Streams.Transactions.Locations[0].CountryISO)
	}

	// Case 5: invalid location table entries
	{
		config := []byte(`---
streams:
  transactions:
    locations:
      - city: Atlantis
        country_iso: XX
        latitude: 10
        longitude: 10
      - city: Nowhere
        country_iso: US
        latitude: 120
        longitude: 10`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 6: mirror config missing server URI
	{
		config := []byte(`---
mirror:
  subject: txapi.transactions`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		InstallMirrorDefaultConfigValues()
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(cfg.Mirror)
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 7: complete mirror config
	{
		config := []byte(`---
mirror:
  server_uri: nats://127.0.0.1:4222
  subject: txapi.transactions`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(cfg.Mirror)
		assert.Nil(validate.Struct(&cfg))
		assert.Equal(256, cfg.Mirror.QueueSize)
		assert.Equal(-1, cfg.Mirror.Reconnect.MaxAttempts)
	}
}

func TestConfigEnvOverride(t *testing.T) {
	assert := assert.New(t)

	t.Setenv("PORT", "8181")
	t.Setenv("BROADCAST_BUFFER_SIZE", "32")
	InstallDefaultConfigValues()

	var cfg SystemConfig
	assert.Nil(viper.Unmarshal(&cfg))
	assert.Equal(uint16(8181), cfg.APIServer.Server.Port)
	assert.Equal(32, cfg.WebSocket.OutboundQueueSize)
}
