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
	"time"

	"github.com/spf13/viper"
)

// ===============================================================================
// HTTP Related Config

// HTTPServerConfig defines the HTTP server parameters
type HTTPServerConfig struct {
	// ListenOn is the interface the HTTP server will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the HTTP server will listen on
	Port uint16 `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0,lt=65536"`
	// ReadTimeout is the maximum duration for reading the entire
	// request, including the body in seconds. A zero or negative
	// value means there will be no timeout.
	ReadTimeout int `mapstructure:"read_timeout_sec" json:"read_timeout_sec" validate:"gte=0"`
	// WriteTimeout is the maximum duration before timing out
	// writes of the response in seconds. A zero or negative value
	// means there will be no timeout.
	//
	// This does not apply to upgraded WebSocket sessions.
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=0"`
	// IdleTimeout is the maximum amount of time to wait for the
	// next request when keep-alives are enabled in seconds. If
	// IdleTimeout is zero, the value of ReadTimeout is used. If
	// both are zero, there is no timeout.
	IdleTimeout int `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" validate:"gte=0"`
}

// HTTPRequestLogging defines HTTP request logging parameters
type HTTPRequestLogging struct {
	// RequestIDHeader is the HTTP header containing the API request ID
	RequestIDHeader string `mapstructure:"request_id_header" json:"request_id_header"`
	// DoNotLogHeaders is the list of headers to not include in logging metadata
	DoNotLogHeaders []string `mapstructure:"do_not_log_headers" json:"do_not_log_headers"`
}

// HTTPConfig defines HTTP API / server parameters
type HTTPConfig struct {
	// Server defines HTTP server parameters
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config"`
}

// ===============================================================================
// WebSocket Session Related Config

// WebSocketConfig defines parameters governing each client WebSocket session
type WebSocketConfig struct {
	// OutboundQueueSize is the max number of messages buffered for one client. Once
	// full, the oldest buffered message is dropped to make room.
	OutboundQueueSize int `mapstructure:"outbound_queue_size" json:"outbound_queue_size" validate:"gte=1"`
	// WriteTimeout is the max duration for writing one message to a client in seconds
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=1"`
	// PongTimeout is the max duration between client pongs in seconds
	PongTimeout int `mapstructure:"pong_timeout_sec" json:"pong_timeout_sec" validate:"gte=1"`
	// PingInterval is the interval between server pings in seconds
	PingInterval int `mapstructure:"ping_interval_sec" json:"ping_interval_sec" validate:"gte=1,ltfield=PongTimeout"`
	// MaxMessageSize is the max size of a client message in bytes
	MaxMessageSize int64 `mapstructure:"max_message_bytes" json:"max_message_bytes" validate:"gte=64"`
	// DrainTimeout is the max duration a closing session is given to flush its
	// outbound queue and complete the close handshake in seconds
	DrainTimeout int `mapstructure:"drain_timeout_sec" json:"drain_timeout_sec" validate:"gte=1"`
}

// ===============================================================================
// Event Source Related Config

// LocationConfig defines one entry of the transaction location table
type LocationConfig struct {
	// City is the city name
	City string `mapstructure:"city" json:"city" validate:"required"`
	// CountryISO is the ISO 3166-1 alpha-2 country code of the city
	CountryISO string `mapstructure:"country_iso" json:"country_iso" validate:"required,iso3166_1_alpha2"`
	// Latitude of the city
	Latitude float64 `mapstructure:"latitude" json:"latitude" validate:"gte=-90,lte=90"`
	// Longitude of the city
	Longitude float64 `mapstructure:"longitude" json:"longitude" validate:"gte=-180,lte=180"`
}

// TransactionStreamConfig defines the synthetic transaction stream parameters
type TransactionStreamConfig struct {
	// IntervalMS is the duration between transaction emissions in milliseconds
	IntervalMS int `mapstructure:"interval_ms" json:"interval_ms" validate:"gte=1"`
	// BatchSize is the number of transactions generated per emission
	BatchSize int `mapstructure:"batch_size" json:"batch_size" validate:"gte=1,lte=1000"`
	// MaxAmountCents is the upper bound of any generated transaction amount in USD cents
	MaxAmountCents uint64 `mapstructure:"max_amount_usd_cents" json:"max_amount_usd_cents" validate:"gte=1"`
	// Seed seeds the generator random source. Zero means seed from the clock.
	Seed int64 `mapstructure:"seed" json:"seed"`
	// Locations overrides the built-in location table when not empty
	Locations []LocationConfig `mapstructure:"locations" json:"locations,omitempty" validate:"omitempty,dive"`
}

// Interval return the emission interval
func (c TransactionStreamConfig) Interval() time.Duration {
	return time.Millisecond * time.Duration(c.IntervalMS)
}

// HeartbeatStreamConfig defines the heartbeat stream parameters
type HeartbeatStreamConfig struct {
	// IntervalSec is the duration between heartbeats in seconds
	IntervalSec int `mapstructure:"interval_sec" json:"interval_sec" validate:"gte=1"`
}

// Interval return the heartbeat interval
func (c HeartbeatStreamConfig) Interval() time.Duration {
	return time.Second * time.Duration(c.IntervalSec)
}

// StreamsConfig defines the event sources parameters
type StreamsConfig struct {
	// Transactions is the transaction stream config
	Transactions TransactionStreamConfig `mapstructure:"transactions" json:"transactions"`
	// Heartbeat is the heartbeat stream config
	Heartbeat HeartbeatStreamConfig `mapstructure:"heartbeat" json:"heartbeat"`
}

// ===============================================================================
// Shutdown Related Config

// ShutdownConfig defines graceful shutdown parameters
type ShutdownConfig struct {
	// GracePeriod is the max duration to wait for all client sessions to close in seconds
	GracePeriod int `mapstructure:"grace_period_sec" json:"grace_period_sec" validate:"gte=1"`
}

// ===============================================================================
// NATS Related Config

// NATSReconnectConfig defines reconnect parameters
type NATSReconnectConfig struct {
	// MaxAttempts sets the max number of reconnect attempts (-1 is unlimited)
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=-1"`
	// WaitInterval is the duration between reconnect attempts in seconds
	WaitInterval int `mapstructure:"wait_interval_sec" json:"wait_interval_sec" validate:"gte=1"`
}

// NATSMirrorConfig defines parameters for mirroring the transaction stream into NATS
type NATSMirrorConfig struct {
	// ServerURI is the NATS connection URI
	ServerURI string `mapstructure:"server_uri" json:"server_uri" validate:"required,uri"`
	// Subject is the NATS subject transaction batches are published on
	Subject string `mapstructure:"subject" json:"subject" validate:"required"`
	// ConnectTimeout is the max duration for connecting to NATS server in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// QueueSize is the max number of batches waiting to be published
	QueueSize int `mapstructure:"queue_size" json:"queue_size" validate:"gte=1"`
	// Reconnect defines reconnect parameters
	Reconnect NATSReconnectConfig `mapstructure:"reconnect" json:"reconnect"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config
type SystemConfig struct {
	// APIServer is the HTTP API / server parameters
	APIServer HTTPConfig `mapstructure:"api_server" json:"api_server"`
	// WebSocket is the client session parameters
	WebSocket WebSocketConfig `mapstructure:"websocket" json:"websocket"`
	// Streams is the event sources parameters
	Streams StreamsConfig `mapstructure:"streams" json:"streams"`
	// Shutdown is the graceful shutdown parameters
	Shutdown ShutdownConfig `mapstructure:"shutdown" json:"shutdown"`
	// Mirror is the optional NATS mirror of the transaction stream
	Mirror *NATSMirrorConfig `mapstructure:"mirror,omitempty" json:"mirror,omitempty" validate:"omitempty"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default HTTP server settings
	viper.SetDefault("api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("api_server.server_config.listen_port", 9999)
	viper.SetDefault("api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault("api_server.server_config.write_timeout_sec", 60)
	viper.SetDefault("api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault(
		"api_server.logging_config.request_id_header", "Txapi-Request-ID",
	)
	viper.SetDefault(
		"api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)

	// Default WebSocket session settings
	viper.SetDefault("websocket.outbound_queue_size", 100)
	viper.SetDefault("websocket.write_timeout_sec", 10)
	viper.SetDefault("websocket.pong_timeout_sec", 60)
	viper.SetDefault("websocket.ping_interval_sec", 54)
	viper.SetDefault("websocket.max_message_bytes", 4096)
	viper.SetDefault("websocket.drain_timeout_sec", 5)

	// Default event source settings
	viper.SetDefault("streams.transactions.interval_ms", 100)
	viper.SetDefault("streams.transactions.batch_size", 1)
	viper.SetDefault("streams.transactions.max_amount_usd_cents", 100000)
	viper.SetDefault("streams.transactions.seed", 0)
	viper.SetDefault("streams.heartbeat.interval_sec", 10)

	// Default shutdown settings
	viper.SetDefault("shutdown.grace_period_sec", 10)

	// Deployment environment overrides
	_ = viper.BindEnv("api_server.server_config.listen_port", "PORT")
	_ = viper.BindEnv("websocket.outbound_queue_size", "BROADCAST_BUFFER_SIZE")
}

// InstallMirrorDefaultConfigValues installs default NATS mirror parameters in viper.
//
// Only called when the config file defines a mirror section, as the mirror is disabled
// when absent.
func InstallMirrorDefaultConfigValues() {
	viper.SetDefault("mirror.connect_timeout_sec", 30)
	viper.SetDefault("mirror.queue_size", 256)
	viper.SetDefault("mirror.reconnect.max_attempts", -1)
	viper.SetDefault("mirror.reconnect.wait_interval_sec", 15)
}
