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
	"context"
	"net/http"

	"github.com/alwitt/txapi/common"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// MethodHandlers DICT of method-endpoint handler
type MethodHandlers map[string]http.HandlerFunc

// RegisterPathPrefix Register new method handler for an end-point
func RegisterPathPrefix(
	parentRouter *mux.Router, pathPrefix string, methodHandlers MethodHandlers,
) *mux.Router {
	router := parentRouter.PathPrefix(pathPrefix).Subrouter()
	for method, handler := range methodHandlers {
		router.Methods(method).Path("").HandlerFunc(handler)
	}
	return router
}

// ========================================================================================

// AccessLogWriter forwards HTTP access log lines into the application log
type AccessLogWriter struct {
	common.Component
}

// Write logging support
func (h AccessLogWriter) Write(p []byte) (n int, err error) {
	log.WithFields(h.LogTags).Infof("%s", p)
	return len(p), nil
}

// requestParamKey context key for the request's common.RequestParam
type requestParamKey struct{}

// AttachRequestID middleware to attach a request ID to every API request.
//
// The caller's ID in requestIDHeader is used if provided, otherwise one is generated. The
// ID is written back into the request and response headers.
func AttachRequestID(requestIDHeader string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			reqID := r.Header.Get(requestIDHeader)
			if reqID == "" {
				reqID = uuid.New().String()
				r.Header.Set(requestIDHeader, reqID)
			}
			rw.Header().Set(requestIDHeader, reqID)
			ctx := context.WithValue(
				r.Context(), requestParamKey{}, common.RequestParam{
					ID: reqID, Method: r.Method, URI: r.URL.String(), RemoteAddr: r.RemoteAddr,
				},
			)
			next.ServeHTTP(rw, r.WithContext(ctx))
		})
	}
}

// RequestParamFromContext fetch the request parameters attached by AttachRequestID
func RequestParamFromContext(ctx context.Context) (common.RequestParam, bool) {
	param, ok := ctx.Value(requestParamKey{}).(common.RequestParam)
	return param, ok
}
