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

// Package mockpeer provides a scripted peer on the far end of an in-memory
// connection
package mockpeer

import (
	"fmt"
	"net"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blinklabs-io/godat/muxer"
	"github.com/blinklabs-io/godat/protocol"
)

// DefaultInputTimeout bounds how long an input entry waits for a message
const DefaultInputTimeout = 5 * time.Second

var pipeCounter atomic.Uint64

// Addr is a unique net.Addr for one end of a pipe
type Addr string

func (a Addr) Network() string { return "pipe" }
func (a Addr) String() string  { return string(a) }

// Pipe wraps one end of net.Pipe with distinct addresses so that connection
// ids of different pipes never collide
type Pipe struct {
	net.Conn
	local  Addr
	remote Addr
}

func (p *Pipe) LocalAddr() net.Addr  { return p.local }
func (p *Pipe) RemoteAddr() net.Addr { return p.remote }

// NewPipe returns both ends of an in-memory connection
func NewPipe() (*Pipe, *Pipe) {
	n := pipeCounter.Add(1)
	a := Addr(fmt.Sprintf("pipe-%d-a", n))
	b := Addr(fmt.Sprintf("pipe-%d-b", n))
	connA, connB := net.Pipe()
	return &Pipe{Conn: connA, local: a, remote: b},
		&Pipe{Conn: connB, local: b, remote: a}
}

// Connection runs a conversation against whatever is attached to the other
// end of the pipe
type Connection struct {
	conn         *Pipe
	mockConn     *Pipe
	conversation []ConversationEntry
	muxer        *muxer.Muxer
	fromBytes    protocol.MessageFromBytesFunc
	errorChan    chan error
	doneChan     chan struct{}
	closeOnce    sync.Once
	mutex        sync.Mutex
	received     []protocol.Message
}

// NewConnection returns a new Connection with the provided conversation
// entries. Conn is handed to the code under test.
func NewConnection(
	fromBytes protocol.MessageFromBytesFunc,
	conversation []ConversationEntry,
) *Connection {
	c := &Connection{
		conversation: conversation,
		fromBytes:    fromBytes,
		errorChan:    make(chan error, 1),
		doneChan:     make(chan struct{}),
	}
	c.conn, c.mockConn = NewPipe()
	// Start a muxer on the mocked side of the connection
	c.muxer = muxer.New(c.mockConn)
	c.muxer.Start()
	// Start async conversation handler
	go c.asyncLoop()
	return c
}

// Conn returns the end of the connection meant for the code under test
func (c *Connection) Conn() net.Conn {
	return c.conn
}

// ErrorChan receives nil when the conversation completes or the first
// mismatch otherwise
func (c *Connection) ErrorChan() <-chan error {
	return c.errorChan
}

// Received returns every message read from the code under test so far,
// including those read after the conversation completed
func (c *Connection) Received() []protocol.Message {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	ret := make([]protocol.Message, len(c.received))
	copy(ret, c.received)
	return ret
}

// Close closes both sides of the connection
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		close(c.doneChan)
		c.muxer.Stop()
		c.conn.Close()
		c.mockConn.Close()
	})
	return nil
}

func (c *Connection) asyncLoop() {
	for _, entry := range c.conversation {
		var err error
		switch entry.Type {
		case EntryTypeInput:
			err = c.processInputEntry(entry)
		case EntryTypeOutput:
			err = c.processOutputEntry(entry)
		case EntryTypeClose:
			c.Close()
		default:
			err = fmt.Errorf(
				"unknown conversation entry type: %d: %#v",
				entry.Type,
				entry,
			)
		}
		if err != nil {
			c.errorChan <- err
			return
		}
	}
	c.errorChan <- nil
	// Keep draining so that the code under test never blocks on writes
	for {
		if _, err := c.receive(0); err != nil {
			return
		}
	}
}

func (c *Connection) receive(timeout time.Duration) (protocol.Message, error) {
	var timeoutChan <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutChan = timer.C
	}
	select {
	case segment, ok := <-c.muxer.RecvChan():
		if !ok {
			return nil, fmt.Errorf("connection closed")
		}
		msg, err := c.fromBytes(segment.Tag, segment.Payload)
		if err != nil {
			return nil, fmt.Errorf("decode error: %w", err)
		}
		c.mutex.Lock()
		c.received = append(c.received, msg)
		c.mutex.Unlock()
		return msg, nil
	case <-c.doneChan:
		return nil, fmt.Errorf("connection closed")
	case <-timeoutChan:
		return nil, fmt.Errorf("timed out waiting for input message")
	}
}

func (c *Connection) processInputEntry(entry ConversationEntry) error {
	timeout := entry.Timeout
	if timeout == 0 {
		timeout = DefaultInputTimeout
	}
	msg, err := c.receive(timeout)
	if err != nil {
		return err
	}
	if entry.InputMessage != nil {
		if !reflect.DeepEqual(msg, entry.InputMessage) {
			return fmt.Errorf(
				"parsed message does not match expected value: got %#v, expected %#v",
				msg,
				entry.InputMessage,
			)
		}
		return nil
	}
	if entry.InputMessageType != msg.Type() {
		return fmt.Errorf(
			"input message is not of expected type: expected %d, got %d",
			entry.InputMessageType,
			msg.Type(),
		)
	}
	return nil
}

func (c *Connection) processOutputEntry(entry ConversationEntry) error {
	for _, msg := range entry.OutputMessages {
		payload, err := msg.MarshalPayload()
		if err != nil {
			return err
		}
		if err := c.muxer.Send(muxer.NewSegment(msg.Type(), payload)); err != nil {
			return err
		}
	}
	if len(entry.OutputRaw) > 0 {
		if _, err := c.mockConn.Write(entry.OutputRaw); err != nil {
			return err
		}
	}
	return nil
}
