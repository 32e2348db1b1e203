// Copyright 2026 Blink Labs Software
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package muxer reads and writes length-prefixed frames on a connection
package muxer

import (
	"errors"
	"io"
	"net"
	"sync"
)

// Muxer owns the read side of a connection and serializes writes to it
type Muxer struct {
	conn      net.Conn
	sendMutex sync.Mutex
	startOnce sync.Once
	stopOnce  sync.Once
	doneChan  chan struct{}
	errorChan chan error
	recvChan  chan *Segment
}

func New(conn net.Conn) *Muxer {
	m := &Muxer{
		conn:      conn,
		doneChan:  make(chan struct{}),
		errorChan: make(chan error, 1),
		recvChan:  make(chan *Segment, 10),
	}
	return m
}

// ErrorChan returns a channel that receives the first error from the read
// loop or from sending. io.EOF is reported when the peer closes cleanly.
func (m *Muxer) ErrorChan() <-chan error {
	return m.errorChan
}

// RecvChan returns the channel of received segments. It is closed when the
// read loop exits.
func (m *Muxer) RecvChan() <-chan *Segment {
	return m.recvChan
}

// Start begins reading segments from the connection
func (m *Muxer) Start() {
	m.startOnce.Do(func() {
		go m.readLoop()
	})
}

// Stop shuts down the muxer. The read loop exits once the underlying
// connection is closed.
func (m *Muxer) Stop() {
	m.stopOnce.Do(func() {
		close(m.doneChan)
	})
}

func (m *Muxer) sendError(err error) {
	// Immediately return if we're already shutting down
	select {
	case <-m.doneChan:
		return
	default:
	}
	// Only the first error is reported
	select {
	case m.errorChan <- err:
	default:
	}
	m.Stop()
}

// Send writes a segment to the connection
func (m *Muxer) Send(segment *Segment) error {
	data, err := segment.MarshalBinary()
	if err != nil {
		return err
	}
	// We use a mutex to make sure only one frame is written at a time
	m.sendMutex.Lock()
	defer m.sendMutex.Unlock()
	if _, err := m.conn.Write(data); err != nil {
		m.sendError(err)
		return err
	}
	return nil
}

func (m *Muxer) readLoop() {
	defer close(m.recvChan)
	for {
		segment, err := ReadSegment(m.conn)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
				err = io.EOF
			}
			m.sendError(err)
			return
		}
		select {
		case m.recvChan <- segment:
		case <-m.doneChan:
			return
		}
	}
}
