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
	"errors"
	"sync"
	"time"

	"github.com/alwitt/txapi/common"
	"github.com/alwitt/txapi/protocol"
	"github.com/alwitt/txapi/subscription"
	"github.com/apex/log"
	"github.com/gorilla/websocket"
)

// connection one client WebSocket session.
//
// Each session runs a read loop and a write loop. The write loop is the only writer of
// data frames on the socket.
type connection struct {
	common.Component
	handle ConnectionHandle
	params SessionParams
	subs   subscription.Registry
	queue  *outboundQueue

	stateLock   sync.Mutex
	state       State
	ws          *websocket.Conn
	closeCode   int
	closeReason string

	drainSignal chan struct{}
	forceSignal chan struct{}
	forceOnce   sync.Once
	readerDone  chan struct{}
	closed      chan struct{}
}

func newConnection(
	handle ConnectionHandle, params SessionParams, logTags log.Fields,
) *connection {
	return &connection{
		Component:   common.Component{LogTags: logTags},
		handle:      handle,
		params:      params,
		subs:        subscription.NewRegistry(),
		queue:       newOutboundQueue(params.OutboundQueueSize),
		state:       StateConnecting,
		drainSignal: make(chan struct{}),
		forceSignal: make(chan struct{}),
		readerDone:  make(chan struct{}),
		closed:      make(chan struct{}),
	}
}

func (c *connection) currentState() State {
	c.stateLock.Lock()
	defer c.stateLock.Unlock()
	return c.state
}

// activate attach the upgraded socket and start the session loops. onClosed is
// called once both loops have exited.
func (c *connection) activate(ws *websocket.Conn, onClosed func(*connection)) {
	c.stateLock.Lock()
	c.ws = ws
	if c.state == StateConnecting {
		c.state = StateActive
	}
	c.stateLock.Unlock()
	// A force close before the socket was attached had nothing to close
	select {
	case <-c.forceSignal:
		if err := ws.Close(); err != nil {
			log.WithError(err).WithFields(c.LogTags).Debug("Socket close failed")
		}
	default:
		log.WithFields(c.LogTags).Info("Session active")
	}

	loops := sync.WaitGroup{}
	loops.Add(2)
	go func() {
		defer loops.Done()
		c.readLoop()
	}()
	go func() {
		defer loops.Done()
		c.writeLoop()
	}()
	go func() {
		loops.Wait()
		c.markClosed()
		onClosed(c)
		close(c.closed)
	}()
}

// abandon close out a connection whose handshake never completed
func (c *connection) abandon(onClosed func(*connection)) {
	c.markClosed()
	onClosed(c)
	close(c.closed)
}

func (c *connection) markClosed() {
	c.stateLock.Lock()
	c.state = StateClosed
	c.stateLock.Unlock()
	c.queue.close()
	if dropped := c.queue.droppedCount(); dropped > 0 {
		log.WithFields(c.LogTags).Infof("Session closed, %d messages dropped for slow delivery", dropped)
	} else {
		log.WithFields(c.LogTags).Info("Session closed")
	}
}

// drain begin graceful closure. No new messages are accepted after this point.
//
// Returns false if the session was already draining or closed.
func (c *connection) drain(code int, reason string) bool {
	c.stateLock.Lock()
	defer c.stateLock.Unlock()
	if c.state == StateDraining || c.state == StateClosed {
		return false
	}
	c.state = StateDraining
	c.closeCode = code
	c.closeReason = reason
	c.queue.close()
	close(c.drainSignal)
	log.WithFields(c.LogTags).Debugf("Session draining: %s", reason)
	return true
}

// forceClose terminate the socket without waiting for the close handshake
func (c *connection) forceClose() {
	c.forceOnce.Do(func() {
		close(c.forceSignal)
		c.stateLock.Lock()
		ws := c.ws
		c.stateLock.Unlock()
		if ws != nil {
			if err := ws.Close(); err != nil {
				log.WithError(err).WithFields(c.LogTags).Debug("Socket close failed")
			}
		}
	})
}

// deliver enqueue a channel message if the client is subscribed to the channel.
//
// Returns whether the message was accepted.
func (c *connection) deliver(channel protocol.Channel, payload []byte) bool {
	if !c.subs.IsSubscribed(channel) {
		return false
	}
	accepted, evicted := c.queue.push(outboundItem{channel: channel, payload: payload})
	if evicted {
		log.WithFields(c.LogTags).Debug("Outbound queue full, dropped a message")
	}
	return accepted
}

func (c *connection) reply(msg protocol.ControlReply) {
	payload, err := msg.Encode()
	if err != nil {
		log.WithError(err).WithFields(c.LogTags).Error("Failed to encode reply")
		return
	}
	if accepted, _ := c.queue.push(outboundItem{payload: payload}); !accepted {
		log.WithFields(c.LogTags).Debug("Session draining, reply discarded")
	}
}

// ==============================================================================
// Read side

func (c *connection) readLoop() {
	defer close(c.readerDone)

	c.ws.SetReadLimit(c.params.MaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.params.PongTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.params.PongTimeout))
	})

	for {
		msgType, msg, err := c.ws.ReadMessage()
		if err != nil {
			switch {
			case websocket.IsCloseError(
				err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			):
				log.WithFields(c.LogTags).Info("Client closed session")
			case c.currentState() >= StateDraining:
				log.WithFields(c.LogTags).Debugf("Read loop ended during drain: %s", err.Error())
			default:
				log.WithError(err).WithFields(c.LogTags).Warn("Session read failed")
			}
			c.drain(websocket.CloseNormalClosure, "read loop ended")
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.params.PongTimeout))
		if msgType != websocket.TextMessage {
			c.reply(protocol.NewErrorReply(
				&protocol.ProtocolError{Reason: "only text messages are supported"},
			))
			continue
		}
		c.handleRequest(msg)
	}
}

// handleRequest apply one client request to this session's subscriptions
func (c *connection) handleRequest(msg []byte) {
	req, err := protocol.ParseRequest(msg)
	if err == nil {
		err = subscription.Apply(c.subs, req)
	}
	if err != nil {
		log.WithError(err).WithFields(c.LogTags).Warn("Rejected client request")
		c.reply(protocol.NewErrorReply(err))
		return
	}
	log.WithFields(c.LogTags).Debugf("Processed %s on '%s'", req.Method, req.Channel)
	c.reply(protocol.NewAckReply(req))
}

// ==============================================================================
// Write side

func (c *connection) writeLoop() {
	pinger := time.NewTicker(c.params.PingInterval)
	defer pinger.Stop()
	for {
		select {
		case <-c.forceSignal:
			return
		case <-c.drainSignal:
			c.finishDrain()
			return
		case <-c.queue.ready():
			if err := c.flush(time.Time{}); err != nil {
				c.writeFailed(err)
				return
			}
		case <-pinger.C:
			if err := c.ws.WriteControl(
				websocket.PingMessage, nil, time.Now().Add(c.params.WriteTimeout),
			); err != nil {
				c.writeFailed(err)
				return
			}
		}
	}
}

func (c *connection) writeFailed(err error) {
	log.WithError(err).WithFields(c.LogTags).Warn("Session write failed")
	c.drain(websocket.CloseInternalServerErr, "write failed")
	c.forceClose()
}

// flush write out every queued message. A non-zero deadline caps each write.
func (c *connection) flush(deadline time.Time) error {
	for {
		item, ok := c.queue.pop()
		if !ok {
			return nil
		}
		// The client may have unsubscribed since the message was queued
		if !item.isControl() && !c.subs.IsSubscribed(item.channel) {
			continue
		}
		writeBy := time.Now().Add(c.params.WriteTimeout)
		if !deadline.IsZero() && deadline.Before(writeBy) {
			writeBy = deadline
		}
		if err := c.ws.SetWriteDeadline(writeBy); err != nil {
			return err
		}
		if err := c.ws.WriteMessage(websocket.TextMessage, item.payload); err != nil {
			return err
		}
	}
}

// finishDrain flush remaining messages, then complete the close handshake within the
// drain timeout
func (c *connection) finishDrain() {
	deadline := time.Now().Add(c.params.DrainTimeout)

	if err := c.flush(deadline); err != nil {
		log.WithError(err).WithFields(c.LogTags).Debug("Flush during drain failed")
	}

	c.stateLock.Lock()
	closeMsg := websocket.FormatCloseMessage(c.closeCode, c.closeReason)
	c.stateLock.Unlock()
	if err := c.ws.WriteControl(
		websocket.CloseMessage, closeMsg, deadline,
	); err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		log.WithError(err).WithFields(c.LogTags).Debug("Failed to send close frame")
	}

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	select {
	case <-c.readerDone:
	case <-c.forceSignal:
	case <-timer.C:
		log.WithFields(c.LogTags).Warn("Client did not complete close handshake in time")
	}
	if err := c.ws.Close(); err != nil {
		log.WithError(err).WithFields(c.LogTags).Debug("Socket close failed")
	}
}
