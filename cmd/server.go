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

package cmd

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/txapi/apis"
	"github.com/alwitt/txapi/common"
	"github.com/alwitt/txapi/core"
	"github.com/alwitt/txapi/dataplane"
	"github.com/alwitt/txapi/stream"
	"github.com/alwitt/txapi/transaction"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// StreamingEndpoint path of the WebSocket streaming endpoint
const StreamingEndpoint = "/ws/v1"

// HealthEndpoint path of the health check endpoint
const HealthEndpoint = "/health"

// buildRouter define the HTTP router of the server
func buildRouter(
	httpHandler apis.APIStreamingHandler, httpConfig common.HTTPConfig, logTags log.Fields,
) *mux.Router {
	router := mux.NewRouter()

	_ = apis.RegisterPathPrefix(router, StreamingEndpoint, apis.MethodHandlers{
		"get": httpHandler.StreamHandler(),
	})
	_ = apis.RegisterPathPrefix(router, HealthEndpoint, apis.MethodHandlers{
		"get": httpHandler.HealthHandler(),
	})

	router.Use(apis.AttachRequestID(httpConfig.Logging.RequestIDHeader))
	// Add logging
	accessLog := apis.AccessLogWriter{Component: common.Component{LogTags: logTags}}
	router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(accessLog, next)
	})
	return router
}

// RunServer run the streaming server until runtimeContext is cancelled, then gracefully
// shut it down.
func RunServer(
	runtimeContext context.Context, config common.SystemConfig, version string,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "server",
	}

	validate := validator.New()
	if err := validate.Struct(&config); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid config")
		return err
	}

	wg := sync.WaitGroup{}
	defer wg.Wait()
	localCtxt, lclCancel := context.WithCancel(runtimeContext)
	defer lclCancel()

	// -------------------------------------------------------------------
	// Session management

	sessions, err := dataplane.GetConnectionManager(dataplane.SessionParamsFromConfig(
		config.WebSocket, config.APIServer.Logging.RequestIDHeader,
	))
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define connection manager")
		return err
	}
	bus, err := dataplane.GetEventBus(sessions)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define event bus")
		return err
	}

	// -------------------------------------------------------------------
	// Event sources

	var mirror stream.Mirror
	var mirrorStatus apis.MirrorStatus
	if config.Mirror != nil {
		natsClient, err := core.GetNATSClient(core.NATSConnectParamsFromConfig(*config.Mirror))
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to connect to NATS")
			return err
		}
		defer natsClient.Close(context.Background())
		mirrorStatus = natsClient
		mirror, err = stream.GetMirror(config.Mirror.Subject, config.Mirror.QueueSize, natsClient)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to define NATS mirror")
			return err
		}
		if err := mirror.Start(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to start NATS mirror")
			return err
		}
		defer func() {
			if err := mirror.Stop(); err != nil {
				log.WithError(err).WithFields(logTags).Error("NATS mirror stop failed")
			}
		}()
	}

	generator, err := transaction.GetGenerator(
		transaction.GeneratorParamsFromConfig(config.Streams.Transactions),
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define transaction generator")
		return err
	}
	txnSource, err := stream.GetTransactionSource(
		localCtxt, &wg, stream.TransactionSourceParams{
			Interval:  config.Streams.Transactions.Interval(),
			BatchSize: config.Streams.Transactions.BatchSize,
			Generator: generator,
			Bus:       bus,
			Mirror:    mirror,
		},
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define transaction source")
		return err
	}
	heartbeatSource, err := stream.GetHeartbeatSource(
		localCtxt, &wg, config.Streams.Heartbeat.Interval(), bus,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define heartbeat source")
		return err
	}
	sources := map[string]stream.Source{"transactions": txnSource, "heartbeat": heartbeatSource}
	for name, source := range sources {
		if err := source.Start(); err != nil {
			log.WithError(err).WithFields(logTags).Errorf("Unable to start %s source", name)
			return err
		}
	}
	defer func() {
		for name, source := range sources {
			if err := source.Stop(); err != nil {
				log.WithError(err).WithFields(logTags).Errorf("Failed to stop %s source", name)
			}
		}
	}()

	// -------------------------------------------------------------------
	// Start the HTTP server

	httpHandler, err := apis.GetAPIStreamingHandler(
		sessions, mirrorStatus, &config.APIServer, version,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define HTTP handler")
		return err
	}
	router := buildRouter(httpHandler, config.APIServer, logTags)

	serverCfg := config.APIServer.Server
	serverListen := fmt.Sprintf("%s:%d", serverCfg.ListenOn, serverCfg.Port)
	httpSrv := &http.Server{
		Addr:         serverListen,
		WriteTimeout: time.Second * time.Duration(serverCfg.WriteTimeout),
		ReadTimeout:  time.Second * time.Duration(serverCfg.ReadTimeout),
		IdleTimeout:  time.Second * time.Duration(serverCfg.IdleTimeout),
		Handler:      h2c.NewHandler(router, &http2.Server{}),
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).WithFields(logTags).Error("HTTP Server Failure")
			serverErr <- err
		}
	}()

	log.WithFields(logTags).Infof("Started HTTP server on http://%s", serverListen)

	// ============================================================================

	var runErr error
	select {
	case <-runtimeContext.Done():
	case runErr = <-serverErr:
	}

	gracePeriod := time.Second * time.Duration(config.Shutdown.GracePeriod)
	log.WithFields(logTags).Infof("Shutting down with grace period %s", gracePeriod)

	// Stop the HTTP server. Upgraded sessions are not covered by this.
	{
		ctx, cancel := context.WithTimeout(context.Background(), gracePeriod)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failure during HTTP shutdown")
		}
	}

	// Close every session
	{
		ctx, cancel := context.WithTimeout(context.Background(), gracePeriod)
		defer cancel()
		forced, err := sessions.ShutdownAll(ctx)
		if err != nil {
			log.WithError(err).WithFields(logTags).Warnf("Forcibly closed %d sessions", forced)
		}
	}

	return runErr
}
