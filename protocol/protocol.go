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

// Package protocol provides the generic runtime for a message-oriented
// protocol running on top of the muxer
package protocol

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/blinklabs-io/godat/muxer"
)

// Protocol implements the base functionality of a protocol: it decodes inbound
// frames, validates them against the state map, applies state transitions and
// queues outbound messages
type Protocol struct {
	config       ProtocolConfig
	logger       *slog.Logger
	doneChan     chan struct{}
	sendDoneChan chan struct{}
	errorChan    chan error
	sendSignal   chan struct{}
	sendMutex    sync.Mutex
	sendQueue    []queuedMessage
	stateMutex   sync.Mutex
	currentState State
	stateTimer   *time.Timer
	startOnce    sync.Once
	stopOnce     sync.Once
	waitGroup    sync.WaitGroup
}

type queuedMessage struct {
	msg Message
	// written receives the result of writing msg, if set
	written chan error
}

// ProtocolConfig provides the configuration for Protocol
type ProtocolConfig struct {
	Name                 string
	Muxer                *muxer.Muxer
	Logger               *slog.Logger
	MessageHandlerFunc   MessageHandlerFunc
	MessageFromBytesFunc MessageFromBytesFunc
	StateMap             StateMap
	InitialState         State
}

// New returns a new Protocol object
func New(config ProtocolConfig) *Protocol {
	p := &Protocol{
		config:       config,
		logger:       config.Logger,
		doneChan:     make(chan struct{}),
		sendDoneChan: make(chan struct{}),
		errorChan:    make(chan error, 1),
		sendSignal:   make(chan struct{}, 1),
		currentState: config.InitialState,
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	return p
}

// Start initializes the protocol and starts its receive and send loops
func (p *Protocol) Start() {
	p.startOnce.Do(func() {
		p.stateMutex.Lock()
		p.armStateTimer()
		p.stateMutex.Unlock()
		p.waitGroup.Add(2)
		go p.recvLoop()
		go p.sendLoop()
	})
}

// Stop shuts down the protocol. Messages already queued are still written.
func (p *Protocol) Stop() {
	p.stopOnce.Do(func() {
		close(p.doneChan)
		p.stateMutex.Lock()
		if p.stateTimer != nil {
			p.stateTimer.Stop()
		}
		p.stateMutex.Unlock()
	})
}

// Wait blocks until the receive and send loops have exited
func (p *Protocol) Wait() {
	p.waitGroup.Wait()
}

// DoneChan returns the channel which is closed when the protocol stops
func (p *Protocol) DoneChan() <-chan struct{} {
	return p.doneChan
}

// SendDoneChan returns the channel which is closed once the send loop has
// flushed its queue and exited
func (p *Protocol) SendDoneChan() <-chan struct{} {
	return p.sendDoneChan
}

// ErrorChan returns the channel that receives the error which stopped the
// protocol
func (p *Protocol) ErrorChan() <-chan error {
	return p.errorChan
}

// IsDone reports whether the protocol has stopped or reached a terminal state
func (p *Protocol) IsDone() bool {
	select {
	case <-p.doneChan:
		return true
	default:
	}
	p.stateMutex.Lock()
	defer p.stateMutex.Unlock()
	return p.config.StateMap[p.currentState].Terminal
}

// CurrentState returns the current protocol state
func (p *Protocol) CurrentState() State {
	p.stateMutex.Lock()
	defer p.stateMutex.Unlock()
	return p.currentState
}

// SetState moves the protocol into a new state because of a local event
func (p *Protocol) SetState(state State) {
	p.stateMutex.Lock()
	defer p.stateMutex.Unlock()
	p.setStateLocked(state)
}

func (p *Protocol) setStateLocked(state State) {
	if state == p.currentState {
		return
	}
	p.logger.Debug(
		"state transition",
		"component", "protocol",
		"protocol", p.config.Name,
		"from", p.currentState.String(),
		"to", state.String(),
	)
	p.currentState = state
	p.armStateTimer()
}

// armStateTimer must be called with stateMutex held
func (p *Protocol) armStateTimer() {
	if p.stateTimer != nil {
		p.stateTimer.Stop()
		p.stateTimer = nil
	}
	timeout := p.config.StateMap[p.currentState].Timeout
	if timeout <= 0 {
		return
	}
	state := p.currentState
	p.stateTimer = time.AfterFunc(timeout, func() {
		if p.CurrentState() != state {
			return
		}
		p.SendError(
			fmt.Errorf(
				"%s: %w: exceeded %s in state %s",
				p.config.Name,
				ErrProtocolTimeout,
				timeout,
				state,
			),
		)
	})
}

// SendMessage queues a message for sending. It never blocks on the network.
func (p *Protocol) SendMessage(msg Message) error {
	return p.enqueue(queuedMessage{msg: msg})
}

// SendMessageWait queues a message and blocks until it has been written or
// the protocol stops. Callers producing large messages use it to avoid
// queueing more than the peer reads.
func (p *Protocol) SendMessageWait(msg Message) error {
	written := make(chan error, 1)
	if err := p.enqueue(queuedMessage{msg: msg, written: written}); err != nil {
		return err
	}
	select {
	case err := <-written:
		return err
	case <-p.doneChan:
		return ErrProtocolShuttingDown
	}
}

func (p *Protocol) enqueue(entry queuedMessage) error {
	select {
	case <-p.doneChan:
		return ErrProtocolShuttingDown
	default:
	}
	p.sendMutex.Lock()
	p.sendQueue = append(p.sendQueue, entry)
	p.sendMutex.Unlock()
	select {
	case p.sendSignal <- struct{}{}:
	default:
	}
	return nil
}

// SendError reports an error that terminates the protocol. Only the first
// error is kept.
func (p *Protocol) SendError(err error) {
	select {
	case p.errorChan <- err:
	default:
	}
	p.Stop()
}

func (p *Protocol) sendLoop() {
	defer p.waitGroup.Done()
	defer close(p.sendDoneChan)
	for {
		select {
		case <-p.sendSignal:
		case <-p.doneChan:
			// Flush anything queued before shutdown
			p.flushSendQueue()
			return
		}
		if err := p.flushSendQueue(); err != nil {
			p.SendError(err)
			return
		}
	}
}

func (p *Protocol) flushSendQueue() error {
	for {
		p.sendMutex.Lock()
		queue := p.sendQueue
		p.sendQueue = nil
		p.sendMutex.Unlock()
		if len(queue) == 0 {
			return nil
		}
		for _, entry := range queue {
			err := p.writeMessage(entry.msg)
			if entry.written != nil {
				entry.written <- err
			}
			if err != nil {
				return err
			}
		}
	}
}

func (p *Protocol) writeMessage(msg Message) error {
	payload, err := msg.MarshalPayload()
	if err != nil {
		return fmt.Errorf("%s: encode error: %w", p.config.Name, err)
	}
	return p.config.Muxer.Send(muxer.NewSegment(msg.Type(), payload))
}

func (p *Protocol) recvLoop() {
	defer p.waitGroup.Done()
	recvChan := p.config.Muxer.RecvChan()
	for {
		var segment *muxer.Segment
		var ok bool
		select {
		case <-p.doneChan:
			return
		case segment, ok = <-recvChan:
			if !ok {
				// The muxer reports its own error
				p.Stop()
				return
			}
		}
		msg, err := p.config.MessageFromBytesFunc(segment.Tag, segment.Payload)
		if err != nil {
			p.SendError(fmt.Errorf("%s: %w", p.config.Name, err))
			return
		}
		if err := p.handleMessage(msg); err != nil {
			p.SendError(err)
			return
		}
	}
}

func (p *Protocol) handleMessage(msg Message) error {
	p.stateMutex.Lock()
	if p.config.StateMap[p.currentState].Terminal {
		p.stateMutex.Unlock()
		// Anything arriving after we reached a terminal state is ignored
		return nil
	}
	newState, err := p.config.StateMap.transition(p.currentState, msg.Type())
	if err != nil {
		p.stateMutex.Unlock()
		return fmt.Errorf("%s: %w", p.config.Name, err)
	}
	p.setStateLocked(newState)
	p.stateMutex.Unlock()
	return p.config.MessageHandlerFunc(msg)
}
