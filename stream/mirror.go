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

package stream

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/alwitt/txapi/common"
	"github.com/apex/log"
)

// MessagePublisher subject based message transport, such as a NATS client
type MessagePublisher interface {
	// Publish publish one message on a subject
	Publish(subject string, data []byte) error
}

// Mirror copies channel messages onto an external message transport
type Mirror interface {
	// Mirror queue an encoded channel message for mirroring without blocking
	Mirror(payload []byte) error
	// Start start the mirror's publish loop
	Start() error
	// Stop flush queued messages, then stop the publish loop
	Stop() error
}

// mirrorRequest a message waiting to be mirrored
type mirrorRequest struct {
	payload []byte
}

// natsMirrorImpl implements Mirror
type natsMirrorImpl struct {
	common.Component
	subject   string
	transport MessagePublisher
	tp        common.TaskProcessor
	loopWG    sync.WaitGroup
	cancel    context.CancelFunc
}

// GetMirror define a new Mirror publishing on a subject of transport.
//
// The publish loop runs until Stop, independent of any caller context, so messages
// queued before Stop are always flushed.
func GetMirror(subject string, queueSize int, transport MessagePublisher) (Mirror, error) {
	if subject == "" {
		return nil, fmt.Errorf("mirror subject is required")
	}
	ctxt, cancel := context.WithCancel(context.Background())
	tp, err := common.GetNewTaskProcessorInstance(ctxt, "mirror", queueSize)
	if err != nil {
		cancel()
		return nil, err
	}
	instance := &natsMirrorImpl{
		Component: common.Component{
			LogTags: log.Fields{"module": "stream", "component": "mirror", "subject": subject},
		},
		subject:   subject,
		transport: transport,
		tp:        tp,
		cancel:    cancel,
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(mirrorRequest{}), instance.processMirrorRequest,
	); err != nil {
		cancel()
		return nil, err
	}
	return instance, nil
}

func (m *natsMirrorImpl) Mirror(payload []byte) error {
	return m.tp.TrySubmit(mirrorRequest{payload: payload})
}

func (m *natsMirrorImpl) processMirrorRequest(param interface{}) error {
	request, ok := param.(mirrorRequest)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for mirror", reflect.TypeOf(param))
	}
	if err := m.transport.Publish(m.subject, request.payload); err != nil {
		log.WithError(err).WithFields(m.LogTags).Error("Failed to mirror message")
		return err
	}
	return nil
}

func (m *natsMirrorImpl) Start() error {
	return m.tp.StartEventLoop(&m.loopWG)
}

func (m *natsMirrorImpl) Stop() error {
	defer m.cancel()
	if err := m.tp.StopEventLoop(); err != nil {
		return err
	}
	m.loopWG.Wait()
	return nil
}
