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
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alwitt/txapi/protocol"
	"github.com/alwitt/txapi/transaction"
	"github.com/apex/log"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
)

func testSessionParams() SessionParams {
	return SessionParams{
		OutboundQueueSize: 16,
		WriteTimeout:      time.Second * 2,
		PongTimeout:       time.Second * 10,
		PingInterval:      time.Second * 5,
		MaxMessageSize:    4096,
		DrainTimeout:      time.Second * 2,
		RequestIDHeader:   "Txapi-Request-ID",
	}
}

type testEnv struct {
	manager ConnectionManager
	bus     EventBus
	server  *httptest.Server
	handles chan ConnectionHandle
}

func newTestEnv(t *testing.T, params SessionParams) *testEnv {
	manager, err := GetConnectionManager(params)
	assert.Nil(t, err)
	bus, err := GetEventBus(manager)
	assert.Nil(t, err)
	env := &testEnv{manager: manager, bus: bus, handles: make(chan ConnectionHandle, 16)}
	env.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handle, err := manager.Accept(w, r); err == nil {
			env.handles <- handle
		}
	}))
	return env
}

func (e *testEnv) url() string {
	return "ws" + strings.TrimPrefix(e.server.URL, "http")
}

// dial open a client session, and return its server side handle
func (e *testEnv) dial(t *testing.T) (*websocket.Conn, ConnectionHandle) {
	client, resp, err := websocket.DefaultDialer.Dial(e.url(), nil)
	assert.Nil(t, err)
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Txapi-Request-ID"))
	select {
	case handle := <-e.handles:
		return client, handle
	case <-time.After(time.Second * 2):
		assert.FailNow(t, "session was not registered")
	}
	return nil, 0
}

func readJSON(t *testing.T, client *websocket.Conn) map[string]interface{} {
	_ = client.SetReadDeadline(time.Now().Add(time.Second * 2))
	msgType, msg, err := client.ReadMessage()
	assert.Nil(t, err)
	assert.Equal(t, websocket.TextMessage, msgType)
	var parsed map[string]interface{}
	assert.Nil(t, json.Unmarshal(msg, &parsed), string(msg))
	return parsed
}

func sendRequest(t *testing.T, client *websocket.Conn, method, channel string) {
	msg := `{"method":"` + method + `","params":{"channel":"` + channel + `"}}`
	assert.Nil(t, client.WriteMessage(websocket.TextMessage, []byte(msg)))
}

// request send a request and verify it was acknowledged
func request(t *testing.T, client *websocket.Conn, method, channel string) {
	sendRequest(t, client, method, channel)
	reply := readJSON(t, client)
	assert.Equal(
		t,
		map[string]interface{}{"method": method, "channel": channel},
		reply["result"],
	)
}

func TestConnectionManagerDefinition(t *testing.T) {
	assert := assert.New(t)

	params := testSessionParams()
	params.PingInterval = params.PongTimeout + time.Second
	_, err := GetConnectionManager(params)
	assert.NotNil(err)

	params = testSessionParams()
	params.OutboundQueueSize = 0
	_, err = GetConnectionManager(params)
	assert.NotNil(err)
}

func TestSubscribeAndReceive(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	env := newTestEnv(t, testSessionParams())
	defer env.server.Close()

	client, handle := env.dial(t)
	defer client.Close()
	assert.True(env.manager.IsLive(handle))
	state, err := env.manager.SessionState(handle)
	assert.Nil(err)
	assert.Equal(StateActive, state)

	// Case 0: nothing is delivered before subscribing
	{
		count, err := env.bus.Publish(protocol.NewHeartbeatMessage())
		assert.Nil(err)
		assert.Equal(0, count)
	}

	// Case 1: subscribe to heartbeat
	request(t, client, "subscribe", "heartbeat")
	{
		channels, err := env.manager.Subscriptions(handle)
		assert.Nil(err)
		assert.Equal([]protocol.Channel{protocol.Heartbeat}, channels)

		count, err := env.bus.Publish(protocol.NewHeartbeatMessage())
		assert.Nil(err)
		assert.Equal(1, count)
		msg := readJSON(t, client)
		assert.Equal("heartbeat", msg["channel"])
		assert.Equal(map[string]interface{}{"status": "ok"}, msg["data"])
	}

	// Case 2: subscribe to transactions
	request(t, client, "subscribe", "transactions")
	{
		batch := []transaction.Transaction{
			{ID: "abc", Category: transaction.Grocery, AmountUSDCents: 1234, City: "Tokyo", CountryISO: "JP"},
		}
		msg, err := protocol.NewTransactionsMessage(batch)
		assert.Nil(err)
		count, err := env.bus.Publish(msg)
		assert.Nil(err)
		assert.Equal(1, count)
		received := readJSON(t, client)
		assert.Equal("transactions", received["channel"])
		data, ok := received["data"].([]interface{})
		assert.True(ok)
		assert.Len(data, 1)
	}

	// Case 3: unsubscribe from heartbeat
	request(t, client, "unsubscribe", "heartbeat")
	{
		count, err := env.bus.Publish(protocol.NewHeartbeatMessage())
		assert.Nil(err)
		assert.Equal(0, count)
		channels, err := env.manager.Subscriptions(handle)
		assert.Nil(err)
		assert.Equal([]protocol.Channel{protocol.Transactions}, channels)
	}

	// Case 4: unsubscribing from a channel not subscribed is fine
	request(t, client, "unsubscribe", "heartbeat")
}

func TestNoDuplicateDelivery(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	env := newTestEnv(t, testSessionParams())
	defer env.server.Close()

	client, _ := env.dial(t)
	defer client.Close()

	request(t, client, "subscribe", "heartbeat")
	request(t, client, "subscribe", "heartbeat")
	request(t, client, "subscribe", "transactions")

	count, err := env.bus.Publish(protocol.NewHeartbeatMessage())
	assert.Nil(err)
	assert.Equal(1, count)
	msg, err := protocol.NewTransactionsMessage([]transaction.Transaction{{ID: "1"}})
	assert.Nil(err)
	_, err = env.bus.Publish(msg)
	assert.Nil(err)

	// The heartbeat arrives once, followed directly by the transactions
	assert.Equal("heartbeat", readJSON(t, client)["channel"])
	assert.Equal("transactions", readJSON(t, client)["channel"])
}

func TestChannelIsolation(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	env := newTestEnv(t, testSessionParams())
	defer env.server.Close()

	clientA, _ := env.dial(t)
	defer clientA.Close()
	clientB, _ := env.dial(t)
	defer clientB.Close()
	assert.Equal(2, env.manager.LiveCount())

	request(t, clientA, "subscribe", "transactions")
	request(t, clientB, "subscribe", "heartbeat")

	for itr := 0; itr < 3; itr++ {
		count, err := env.bus.Publish(protocol.NewHeartbeatMessage())
		assert.Nil(err)
		assert.Equal(1, count)
		msg, err := protocol.NewTransactionsMessage([]transaction.Transaction{{ID: "1"}})
		assert.Nil(err)
		count, err = env.bus.Publish(msg)
		assert.Nil(err)
		assert.Equal(1, count)
	}

	for itr := 0; itr < 3; itr++ {
		assert.Equal("transactions", readJSON(t, clientA)["channel"])
		assert.Equal("heartbeat", readJSON(t, clientB)["channel"])
	}

	// Pre-encoded messages follow the same routing
	{
		msg, err := protocol.NewTransactionsMessage([]transaction.Transaction{{ID: "2"}})
		assert.Nil(err)
		payload, err := msg.Encode()
		assert.Nil(err)
		assert.Equal(1, env.bus.PublishEncoded(protocol.Transactions, payload))
		received := readJSON(t, clientA)
		assert.Equal("transactions", received["channel"])
		assert.Equal(
			"2", received["data"].([]interface{})[0].(map[string]interface{})["id"],
		)
	}
}

func TestInvalidRequests(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	env := newTestEnv(t, testSessionParams())
	defer env.server.Close()

	client, handle := env.dial(t)
	defer client.Close()

	// Case 0: unknown channel
	{
		sendRequest(t, client, "subscribe", "orders")
		reply := readJSON(t, client)
		detail, ok := reply["error"].(map[string]interface{})
		assert.True(ok)
		assert.Equal(protocol.CodeUnknownChannel, detail["code"])
	}

	// Case 1: malformed message
	{
		assert.Nil(client.WriteMessage(websocket.TextMessage, []byte("{not json")))
		reply := readJSON(t, client)
		detail, ok := reply["error"].(map[string]interface{})
		assert.True(ok)
		assert.Equal(protocol.CodeProtocolError, detail["code"])
	}

	// Case 2: binary message
	{
		assert.Nil(client.WriteMessage(websocket.BinaryMessage, []byte{0x01}))
		reply := readJSON(t, client)
		detail, ok := reply["error"].(map[string]interface{})
		assert.True(ok)
		assert.Equal(protocol.CodeProtocolError, detail["code"])
	}

	// Case 3: the session survives errors
	assert.True(env.manager.IsLive(handle))
	request(t, client, "subscribe", "heartbeat")
	channels, err := env.manager.Subscriptions(handle)
	assert.Nil(err)
	assert.Equal([]protocol.Channel{protocol.Heartbeat}, channels)
}

func TestSlowClientNeverBlocksPublisher(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.InfoLevel)

	params := testSessionParams()
	params.OutboundQueueSize = 4
	env := newTestEnv(t, params)
	defer env.server.Close()

	client, handle := env.dial(t)
	defer client.Close()
	request(t, client, "subscribe", "heartbeat")

	// The client never reads again
	done := make(chan struct{})
	go func() {
		defer close(done)
		for itr := 0; itr < 20000; itr++ {
			count, err := env.bus.Publish(protocol.NewHeartbeatMessage())
			assert.Nil(err)
			assert.Equal(1, count)
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second * 10):
		assert.FailNow("publisher blocked on slow client")
	}
	assert.True(env.manager.IsLive(handle))
}

// stalledSessionParams session settings for a client that stops reading while large
// messages are in flight. The writer blocks on the socket instead of timing out.
func stalledSessionParams() SessionParams {
	params := testSessionParams()
	params.OutboundQueueSize = 4
	params.WriteTimeout = time.Second * 30
	params.PongTimeout = time.Second * 60
	params.PingInterval = time.Second * 30
	return params
}

// largeBatch a single transaction batch large enough to fill socket buffers quickly
func largeBatch(t *testing.T, id string) protocol.ChannelMessage {
	msg, err := protocol.NewTransactionsMessage([]transaction.Transaction{
		{ID: id, Category: transaction.Grocery, City: strings.Repeat("x", 1<<20)},
	})
	assert.Nil(t, err)
	return msg
}

type streamedMessage struct {
	Channel string                 `json:"channel"`
	Data    json.RawMessage        `json:"data"`
	Result  *protocol.ResultDetail `json:"result"`
	Error   *protocol.ErrorDetail  `json:"error"`
}

// transactionIDs IDs of the transactions in a transactions channel message
func (m streamedMessage) transactionIDs(t *testing.T) []string {
	if m.Channel != "transactions" {
		return nil
	}
	var batch []struct {
		ID string `json:"id"`
	}
	assert.Nil(t, json.Unmarshal(m.Data, &batch))
	ids := []string{}
	for _, entry := range batch {
		ids = append(ids, entry.ID)
	}
	return ids
}

// readUntil read messages until stop returns true for one of them
func readUntil(
	t *testing.T, client *websocket.Conn, stop func(streamedMessage) bool,
) []streamedMessage {
	_ = client.SetReadDeadline(time.Now().Add(time.Second * 10))
	received := []streamedMessage{}
	for {
		_, raw, err := client.ReadMessage()
		if !assert.Nil(t, err) {
			return received
		}
		var msg streamedMessage
		assert.Nil(t, json.Unmarshal(raw, &msg))
		received = append(received, msg)
		if stop(msg) {
			return received
		}
	}
}

func TestRepliesSurviveSlowClient(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.InfoLevel)

	env := newTestEnv(t, stalledSessionParams())
	defer env.server.Close()

	client, handle := env.dial(t)
	defer client.Close()
	request(t, client, "subscribe", "transactions")

	// The client stops reading while the writer is stuck on a full socket
	for itr := 0; itr < 64; itr++ {
		_, err := env.bus.Publish(largeBatch(t, fmt.Sprintf("%d", itr)))
		assert.Nil(err)
	}

	// Requests are still processed while the client is not reading
	sendRequest(t, client, "subscribe", "orders")
	sendRequest(t, client, "subscribe", "heartbeat")
	assert.Eventually(func() bool {
		channels, err := env.manager.Subscriptions(handle)
		return err == nil && len(channels) == 2
	}, time.Second*5, time.Millisecond*10)

	// More data arrives behind the replies
	for itr := 64; itr < 80; itr++ {
		_, err := env.bus.Publish(largeBatch(t, fmt.Sprintf("%d", itr)))
		assert.Nil(err)
	}

	// Both replies reach the client, in order
	received := readUntil(t, client, func(msg streamedMessage) bool {
		return msg.Result != nil
	})
	var rejected, acked int
	for idx, msg := range received {
		if msg.Error != nil {
			assert.Equal(protocol.CodeUnknownChannel, msg.Error.Code)
			rejected = idx + 1
		}
		if msg.Result != nil {
			assert.Equal(protocol.Heartbeat, msg.Result.Channel)
			acked = idx + 1
		}
	}
	assert.NotZero(rejected)
	assert.Greater(acked, rejected)
}

func TestUnsubscribeFiltersQueuedMessages(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.InfoLevel)

	env := newTestEnv(t, stalledSessionParams())
	defer env.server.Close()

	client, handle := env.dial(t)
	defer client.Close()
	request(t, client, "subscribe", "transactions")
	request(t, client, "subscribe", "heartbeat")

	// Fill the queue while the writer is stuck on a full socket. The last batches
	// published are the ones left waiting in the queue.
	const batches = 64
	for itr := 0; itr < batches; itr++ {
		_, err := env.bus.Publish(largeBatch(t, fmt.Sprintf("%d", itr)))
		assert.Nil(err)
	}

	sendRequest(t, client, "unsubscribe", "transactions")
	assert.Eventually(func() bool {
		channels, err := env.manager.Subscriptions(handle)
		return err == nil && len(channels) == 1 && channels[0] == protocol.Heartbeat
	}, time.Second*5, time.Millisecond*10)

	// Case 0: messages queued before the unsubscribe are never written
	received := readUntil(t, client, func(msg streamedMessage) bool {
		return msg.Result != nil
	})
	if assert.NotEmpty(received) {
		ack := received[len(received)-1]
		assert.NotNil(ack.Result)
		assert.Equal(protocol.MethodUnsubscribe, ack.Result.Method)
		assert.Equal(protocol.Transactions, ack.Result.Channel)
	}
	queued := map[string]bool{}
	for itr := batches - stalledSessionParams().OutboundQueueSize; itr < batches; itr++ {
		queued[fmt.Sprintf("%d", itr)] = true
	}
	for _, msg := range received {
		for _, id := range msg.transactionIDs(t) {
			assert.False(queued[id], "queued batch %s written after unsubscribe", id)
		}
	}

	// Case 1: nothing from the channel follows the ack
	{
		count, err := env.bus.Publish(protocol.NewHeartbeatMessage())
		assert.Nil(err)
		assert.Equal(1, count)
		after := readUntil(t, client, func(msg streamedMessage) bool {
			return msg.Channel == "heartbeat"
		})
		for _, msg := range after {
			assert.NotEqual("transactions", msg.Channel)
		}
	}
}

func TestSessionClosedByClient(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	env := newTestEnv(t, testSessionParams())
	defer env.server.Close()

	client, handle := env.dial(t)
	request(t, client, "subscribe", "heartbeat")

	assert.Nil(client.WriteMessage(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
	))
	// Wait for the server's close reply
	_ = client.SetReadDeadline(time.Now().Add(time.Second * 2))
	_, _, err := client.ReadMessage()
	assert.True(websocket.IsCloseError(err, websocket.CloseNormalClosure), err)
	client.Close()

	assert.Eventually(func() bool {
		return !env.manager.IsLive(handle)
	}, time.Second*3, time.Millisecond*10)
	assert.Equal(0, env.manager.LiveCount())
	count, err := env.bus.Publish(protocol.NewHeartbeatMessage())
	assert.Nil(err)
	assert.Equal(0, count)
}

func TestShutdownOneSession(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	env := newTestEnv(t, testSessionParams())
	defer env.server.Close()

	client, handle := env.dial(t)
	defer client.Close()
	other, otherHandle := env.dial(t)
	defer other.Close()

	// Case 0: unknown handle
	assert.Equal(ErrUnknownConnection, env.manager.Shutdown(ConnectionHandle(9999)))
	assert.False(env.manager.IsLive(ConnectionHandle(9999)))

	// Case 1: close one session
	assert.Nil(env.manager.Shutdown(handle))
	_ = client.SetReadDeadline(time.Now().Add(time.Second * 2))
	_, _, err := client.ReadMessage()
	assert.True(websocket.IsCloseError(err, websocket.CloseNormalClosure), err)
	assert.Eventually(func() bool {
		return !env.manager.IsLive(handle)
	}, time.Second*3, time.Millisecond*10)

	// Case 2: the other session is unaffected
	assert.True(env.manager.IsLive(otherHandle))
	assert.True(env.manager.Accepting())
	request(t, other, "subscribe", "transactions")
}

func TestShutdownAll(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	env := newTestEnv(t, testSessionParams())
	defer env.server.Close()

	type closeResult struct {
		lastChannel string
		err         error
	}
	clients := []*websocket.Conn{}
	results := make(chan closeResult, 3)
	for itr := 0; itr < 3; itr++ {
		client, _ := env.dial(t)
		defer client.Close()
		request(t, client, "subscribe", "heartbeat")
		clients = append(clients, client)
	}

	// Messages queued before shutdown are still delivered
	count, err := env.bus.Publish(protocol.NewHeartbeatMessage())
	assert.Nil(err)
	assert.Equal(3, count)

	for _, client := range clients {
		go func(client *websocket.Conn) {
			result := closeResult{}
			for {
				_ = client.SetReadDeadline(time.Now().Add(time.Second * 5))
				_, msg, err := client.ReadMessage()
				if err != nil {
					result.err = err
					break
				}
				var parsed map[string]interface{}
				if json.Unmarshal(msg, &parsed) == nil {
					result.lastChannel, _ = parsed["channel"].(string)
				}
			}
			results <- result
		}(client)
	}

	ctxt, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()
	forced, err := env.manager.ShutdownAll(ctxt)
	assert.Nil(err)
	assert.Equal(0, forced)
	assert.Equal(0, env.manager.LiveCount())
	assert.False(env.manager.Accepting())

	for itr := 0; itr < 3; itr++ {
		result := <-results
		assert.Equal("heartbeat", result.lastChannel)
		assert.True(websocket.IsCloseError(result.err, websocket.CloseGoingAway), result.err)
	}

	// New sessions are refused
	_, resp, err := websocket.DefaultDialer.Dial(env.url(), nil)
	assert.NotNil(err)
	assert.NotNil(resp)
	assert.Equal(http.StatusServiceUnavailable, resp.StatusCode)

	// Nothing is delivered after shutdown
	count, err = env.bus.Publish(protocol.NewHeartbeatMessage())
	assert.Nil(err)
	assert.Equal(0, count)
}

func TestShutdownAllForcesUnresponsiveSessions(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	params := testSessionParams()
	params.DrainTimeout = time.Second * 30
	env := newTestEnv(t, params)
	defer env.server.Close()

	// This client never reads, so never completes the close handshake
	client, handle := env.dial(t)
	defer client.Close()

	ctxt, cancel := context.WithTimeout(context.Background(), time.Millisecond*300)
	defer cancel()
	start := time.Now()
	forced, err := env.manager.ShutdownAll(ctxt)
	assert.NotNil(err)
	assert.Equal(1, forced)
	assert.Less(time.Since(start), time.Second*5)
	assert.False(env.manager.IsLive(handle))
	assert.Equal(0, env.manager.LiveCount())
}

func TestSingleTickSingleDelivery(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	env := newTestEnv(t, testSessionParams())
	defer env.server.Close()

	subscribed, _ := env.dial(t)
	defer subscribed.Close()
	idle, idleHandle := env.dial(t)
	defer idle.Close()

	request(t, subscribed, "subscribe", "transactions")

	msg, err := protocol.NewTransactionsMessage([]transaction.Transaction{{ID: "tick"}})
	assert.Nil(err)
	count, err := env.bus.Publish(msg)
	assert.Nil(err)
	assert.Equal(1, count)
	assert.Equal("transactions", readJSON(t, subscribed)["channel"])

	channels, err := env.manager.Subscriptions(idleHandle)
	assert.Nil(err)
	assert.Empty(channels)
}
