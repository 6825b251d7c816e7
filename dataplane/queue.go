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
	"sync"

	"github.com/alwitt/txapi/protocol"
)

// outboundItem one message waiting to be written to a client.
//
// Control replies carry the zero channel and are never filtered by subscription.
type outboundItem struct {
	channel protocol.Channel
	payload []byte
}

// isControl whether the item is a reply to a client request
func (i outboundItem) isControl() bool {
	return i.channel == 0
}

// outboundQueue bounded FIFO of messages for one client.
//
// Pushing onto a full queue evicts the oldest channel message, so a slow client loses
// its stalest data while the publisher never blocks. Control replies are only evicted
// by newer control replies.
type outboundQueue struct {
	lock     sync.Mutex
	items    []outboundItem
	capacity int
	closed   bool
	dropped  uint64
	notify   chan struct{}
}

func newOutboundQueue(capacity int) *outboundQueue {
	return &outboundQueue{
		items:    make([]outboundItem, 0, capacity),
		capacity: capacity,
		notify:   make(chan struct{}, 1),
	}
}

// push add an item. Returns whether the item was accepted, and whether a message was
// dropped to make room.
//
// When the queue is full and holds only control replies, a new channel message is
// dropped instead, and a new control reply replaces the oldest one.
func (q *outboundQueue) push(item outboundItem) (bool, bool) {
	q.lock.Lock()
	defer q.lock.Unlock()
	if q.closed {
		return false, false
	}
	evicted := false
	if len(q.items) >= q.capacity {
		victim := q.oldestData()
		if victim < 0 {
			if !item.isControl() {
				q.dropped++
				return false, true
			}
			victim = 0
		}
		copy(q.items[victim:], q.items[victim+1:])
		q.items[len(q.items)-1] = outboundItem{}
		q.items = q.items[:len(q.items)-1]
		q.dropped++
		evicted = true
	}
	q.items = append(q.items, item)
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true, evicted
}

// oldestData index of the oldest channel message, or -1 if none is queued
func (q *outboundQueue) oldestData() int {
	for idx, queued := range q.items {
		if !queued.isControl() {
			return idx
		}
	}
	return -1
}

// pop remove the oldest item without blocking
func (q *outboundQueue) pop() (outboundItem, bool) {
	q.lock.Lock()
	defer q.lock.Unlock()
	if len(q.items) == 0 {
		return outboundItem{}, false
	}
	item := q.items[0]
	q.items[0] = outboundItem{}
	q.items = q.items[1:]
	return item, true
}

// close stop accepting new items. Items already queued can still be popped.
func (q *outboundQueue) close() {
	q.lock.Lock()
	defer q.lock.Unlock()
	q.closed = true
}

func (q *outboundQueue) len() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return len(q.items)
}

func (q *outboundQueue) droppedCount() uint64 {
	q.lock.Lock()
	defer q.lock.Unlock()
	return q.dropped
}

// ready signals whenever new items were pushed
func (q *outboundQueue) ready() <-chan struct{} {
	return q.notify
}
