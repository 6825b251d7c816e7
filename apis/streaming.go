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

package apis

import (
	"net/http"

	"github.com/alwitt/goutils"
	"github.com/alwitt/txapi/common"
	"github.com/alwitt/txapi/dataplane"
	"github.com/apex/log"
)

// MirrorStatus connection state of the stream mirror transport
type MirrorStatus interface {
	// Connected whether the transport is currently connected
	Connected() bool
}

// APIStreamingHandler HTTP handler for the streaming API
type APIStreamingHandler struct {
	goutils.RestAPIHandler
	sessions dataplane.ConnectionManager
	mirror   MirrorStatus
	version  string
}

// GetAPIStreamingHandler define APIStreamingHandler. mirror is nil when no stream
// mirror is configured.
func GetAPIStreamingHandler(
	sessions dataplane.ConnectionManager,
	mirror MirrorStatus,
	httpConfig *common.HTTPConfig,
	version string,
) (APIStreamingHandler, error) {
	logTags := log.Fields{
		"module":    "apis",
		"component": "streaming",
	}
	return APIStreamingHandler{
		RestAPIHandler: goutils.RestAPIHandler{
			Component: goutils.Component{
				LogTags: logTags,
				LogTagModifiers: []goutils.LogMetadataModifier{
					goutils.ModifyLogMetadataByRestRequestParam,
				},
			},
			CallRequestIDHeaderField: &httpConfig.Logging.RequestIDHeader,
			DoNotLogHeaders: func() map[string]bool {
				result := map[string]bool{}
				for _, v := range httpConfig.Logging.DoNotLogHeaders {
					result[v] = true
				}
				return result
			}(),
		},
		sessions: sessions,
		mirror:   mirror,
		version:  version,
	}, nil
}

// logTagsForRequest log tags for one request
func (h APIStreamingHandler) logTagsForRequest(r *http.Request) log.Fields {
	logTags := log.Fields{}
	for k, v := range h.LogTags {
		logTags[k] = v
	}
	if param, ok := RequestParamFromContext(r.Context()); ok {
		param.UpdateLogTags(logTags)
	}
	return logTags
}

// =======================================================================
// Streaming session

// -----------------------------------------------------------------------

// Stream godoc
// @Summary Open a streaming session
// @Description Upgrade to a WebSocket session. Once connected, the client subscribes to the
// "heartbeat" and "transactions" channels by sending subscribe / unsubscribe requests.
// @tags Streaming
// @Param Txapi-Request-ID header string false "User provided request ID to match against logs"
// @Success 101 {string} string "switching protocols"
// @Failure 400 {string} string "error"
// @Failure 503 {string} string "server shutting down"
// @Header 101 {string} Txapi-Request-ID "Request ID to match against logs"
// @Router /ws/v1 [get]
func (h APIStreamingHandler) Stream(w http.ResponseWriter, r *http.Request) {
	logTags := h.logTagsForRequest(r)
	handle, err := h.sessions.Accept(w, r)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to open streaming session")
		return
	}
	log.WithFields(logTags).Infof("Opened streaming session %d", handle)
}

// StreamHandler Wrapper around Stream
func (h APIStreamingHandler) StreamHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Stream(w, r)
	}
}

// =======================================================================
// Health Checks

// -----------------------------------------------------------------------

// APIRestRespHealth health check response
type APIRestRespHealth struct {
	goutils.RestAPIBaseResponse
	// Status "ok" while serving, "shutting_down" once sessions are being closed
	Status string `json:"status"`
	// Version server build version
	Version string `json:"version"`
	// Sessions number of open streaming sessions
	Sessions int `json:"sessions"`
	// MirrorConnected whether the stream mirror is connected. Absent when no mirror is
	// configured.
	MirrorConnected *bool `json:"mirror_connected,omitempty"`
}

// Health godoc
// @Summary Health check
// @Description Will return success while the server accepts streaming sessions
// @tags Health
// @Produce json
// @Success 200 {object} APIRestRespHealth "success"
// @Failure 503 {object} APIRestRespHealth "shutting down"
// @Router /health [get]
func (h APIStreamingHandler) Health(w http.ResponseWriter, r *http.Request) {
	logTags := h.logTagsForRequest(r)
	reqID := ""
	if param, ok := RequestParamFromContext(r.Context()); ok {
		reqID = param.ID
	}
	respCode := http.StatusOK
	resp := APIRestRespHealth{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{Success: true, RequestID: reqID},
		Status:              "ok",
		Version:             h.version,
		Sessions:            h.sessions.LiveCount(),
	}
	if h.mirror != nil {
		connected := h.mirror.Connected()
		resp.MirrorConnected = &connected
	}
	if !h.sessions.Accepting() {
		respCode = http.StatusServiceUnavailable
		resp.Success = false
		resp.Status = "shutting_down"
	}
	if err := h.WriteRESTResponse(w, respCode, resp, nil); err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to form response")
	}
}

// HealthHandler Wrapper around Health
func (h APIStreamingHandler) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Health(w, r)
	}
}
