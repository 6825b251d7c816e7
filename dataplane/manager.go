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

package dataplane

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/alwitt/txapi/common"
	"github.com/alwitt/txapi/protocol"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// ConnectionManager tracks every live client session.
//
// A session is present in the manager's registry for its entire lifetime, and is
// removed only after both of its loops have exited.
type ConnectionManager interface {
	// Accept upgrade an HTTP request to a client session
	Accept(w http.ResponseWriter, r *http.Request) (ConnectionHandle, error)
	// Shutdown begin graceful closure of one session
	Shutdown(handle ConnectionHandle) error
	// IsLive whether the session is still registered and not closed
	IsLive(handle ConnectionHandle) bool
	// SessionState report the state of one session
	SessionState(handle ConnectionHandle) (State, error)
	// Subscriptions report the channels one session is subscribed to
	Subscriptions(handle ConnectionHandle) ([]protocol.Channel, error)
	// LiveCount number of registered sessions
	LiveCount() int
	// Accepting whether new sessions are accepted
	Accepting() bool
	// ShutdownAll stop accepting new sessions, then drain every session.
	//
	// Sessions still open when ctxt expires are forcibly closed. Returns the number of
	// sessions that had to be forcibly closed.
	ShutdownAll(ctxt context.Context) (int, error)

	// fanOut deliver one encoded channel message to every subscribed session
	fanOut(channel protocol.Channel, payload []byte) int
}

// connectionManagerImpl implements ConnectionManager
type connectionManagerImpl struct {
	common.Component
	params   SessionParams
	upgrader websocket.Upgrader

	lock        sync.RWMutex
	accepting   bool
	nextHandle  ConnectionHandle
	connections map[ConnectionHandle]*connection

	sessions sync.WaitGroup
}

// GetConnectionManager define a new ConnectionManager
func GetConnectionManager(params SessionParams) (ConnectionManager, error) {
	validate := validator.New()
	if err := validate.Struct(&params); err != nil {
		return nil, err
	}
	logTags := log.Fields{"module": "dataplane", "component": "connection-manager"}
	return &connectionManagerImpl{
		Component: common.Component{LogTags: logTags},
		params:    params,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
		accepting:   true,
		nextHandle:  1,
		connections: make(map[ConnectionHandle]*connection),
	}, nil
}

// register reserve a registry entry for a session about to be upgraded
func (m *connectionManagerImpl) register(logTags log.Fields) (*connection, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if !m.accepting {
		return nil, ErrNotAccepting
	}
	handle := m.nextHandle
	m.nextHandle++
	logTags["session"] = handle
	conn := newConnection(handle, m.params, logTags)
	m.connections[handle] = conn
	m.sessions.Add(1)
	return conn, nil
}

// deregister remove a session whose loops have exited
func (m *connectionManagerImpl) deregister(conn *connection) {
	m.lock.Lock()
	delete(m.connections, conn.handle)
	m.lock.Unlock()
	m.sessions.Done()
}

func (m *connectionManagerImpl) Accept(
	w http.ResponseWriter, r *http.Request,
) (ConnectionHandle, error) {
	reqID := ""
	if m.params.RequestIDHeader != "" {
		reqID = r.Header.Get(m.params.RequestIDHeader)
	}
	if reqID == "" {
		reqID = uuid.NewString()
	}
	reqParams := common.RequestParam{
		ID: reqID, Method: r.Method, URI: r.URL.String(), RemoteAddr: r.RemoteAddr,
	}
	logTags := m.CopyLogTags()
	reqParams.UpdateLogTags(logTags)

	conn, err := m.register(logTags)
	if err != nil {
		log.WithFields(logTags).Info("Refusing session during shutdown")
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return 0, err
	}

	var respHeader http.Header
	if m.params.RequestIDHeader != "" {
		respHeader = http.Header{}
		respHeader.Set(m.params.RequestIDHeader, reqID)
	}
	ws, err := m.upgrader.Upgrade(w, r, respHeader)
	if err != nil {
		// The upgrader already responded to the caller
		log.WithError(err).WithFields(logTags).Error("WebSocket upgrade failed")
		conn.abandon(m.deregister)
		return 0, err
	}
	conn.activate(ws, m.deregister)
	return conn.handle, nil
}

func (m *connectionManagerImpl) lookup(handle ConnectionHandle) (*connection, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	conn, ok := m.connections[handle]
	if !ok {
		return nil, ErrUnknownConnection
	}
	return conn, nil
}

func (m *connectionManagerImpl) Shutdown(handle ConnectionHandle) error {
	conn, err := m.lookup(handle)
	if err != nil {
		return err
	}
	conn.drain(websocket.CloseNormalClosure, "session closed by server")
	return nil
}

func (m *connectionManagerImpl) IsLive(handle ConnectionHandle) bool {
	conn, err := m.lookup(handle)
	if err != nil {
		return false
	}
	return conn.currentState() != StateClosed
}

func (m *connectionManagerImpl) SessionState(handle ConnectionHandle) (State, error) {
	conn, err := m.lookup(handle)
	if err != nil {
		return StateClosed, err
	}
	return conn.currentState(), nil
}

func (m *connectionManagerImpl) Subscriptions(
	handle ConnectionHandle,
) ([]protocol.Channel, error) {
	conn, err := m.lookup(handle)
	if err != nil {
		return nil, err
	}
	return conn.subs.Channels(), nil
}

func (m *connectionManagerImpl) LiveCount() int {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return len(m.connections)
}

func (m *connectionManagerImpl) Accepting() bool {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return m.accepting
}

func (m *connectionManagerImpl) fanOut(channel protocol.Channel, payload []byte) int {
	m.lock.RLock()
	defer m.lock.RUnlock()
	delivered := 0
	for _, conn := range m.connections {
		if conn.deliver(channel, payload) {
			delivered++
		}
	}
	return delivered
}

func (m *connectionManagerImpl) ShutdownAll(ctxt context.Context) (int, error) {
	m.lock.Lock()
	m.accepting = false
	sessions := make([]*connection, 0, len(m.connections))
	for _, conn := range m.connections {
		sessions = append(sessions, conn)
	}
	m.lock.Unlock()

	log.WithFields(m.LogTags).Infof("Closing %d sessions", len(sessions))
	for _, conn := range sessions {
		conn.drain(websocket.CloseGoingAway, "server shutting down")
	}

	allClosed := make(chan struct{})
	go func() {
		m.sessions.Wait()
		close(allClosed)
	}()

	select {
	case <-allClosed:
		log.WithFields(m.LogTags).Info("All sessions closed")
		return 0, nil
	case <-ctxt.Done():
	}

	// Grace period expired
	m.lock.RLock()
	remaining := make([]*connection, 0, len(m.connections))
	for _, conn := range m.connections {
		remaining = append(remaining, conn)
	}
	m.lock.RUnlock()
	log.WithFields(m.LogTags).Warnf(
		"Grace period expired, forcibly closing %d sessions", len(remaining),
	)
	for _, conn := range remaining {
		conn.forceClose()
	}
	<-allClosed
	if len(remaining) > 0 {
		return len(remaining), fmt.Errorf(
			"%d sessions did not close within the grace period", len(remaining),
		)
	}
	return 0, nil
}
