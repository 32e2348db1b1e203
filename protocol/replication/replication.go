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

// Package replication implements the peer protocol that synchronizes a feed
// between two peers over a single connection
package replication

import (
	"errors"
	"log/slog"
	"time"

	"github.com/blinklabs-io/godat/connection"
	"github.com/blinklabs-io/godat/protocol"
	"github.com/google/uuid"
)

const ProtocolName = "replication"

const (
	DefaultHandshakeTimeout   = 10 * time.Second
	DefaultRequestTimeout     = 30 * time.Second
	DefaultMaxPendingRequests = 16
	DefaultMaxVerifyFailures  = 3
	DefaultMaxHaveRange       = 1 << 24
	DefaultMaxFeedLength      = 1 << 26
	DefaultMaxQueuedServes    = 64
	DefaultMaxWants           = 64
)

// Close reasons
const (
	CloseReasonDone      = "done"
	CloseReasonShutdown  = "shutdown"
	CloseReasonDuplicate = "duplicate"
)

var (
	ErrDiscoveryKeyMismatch = errors.New("discovery key mismatch")
	ErrDuplicateConnection  = errors.New("duplicate connection")
)

var (
	StateConnecting  = protocol.NewState(1, "Connecting")
	StateHandshaking = protocol.NewState(2, "Handshaking")
	StateSyncing     = protocol.NewState(3, "Syncing")
	StateClosed      = protocol.NewState(4, "Closed")
)

// StateMap defines the inbound messages accepted in each state. The
// handshake timeout is filled in per session from Config.
var StateMap = protocol.StateMap{
	StateConnecting: protocol.StateMapEntry{},
	StateHandshaking: protocol.StateMapEntry{
		Timeout: DefaultHandshakeTimeout,
		Transitions: []protocol.StateTransition{
			{
				MsgType:  MessageTypeHandshake,
				NewState: StateSyncing,
			},
			{
				MsgType:  MessageTypeClose,
				NewState: StateClosed,
			},
		},
	},
	StateSyncing: protocol.StateMapEntry{
		Transitions: []protocol.StateTransition{
			{
				MsgType:  MessageTypeHave,
				NewState: StateSyncing,
			},
			{
				MsgType:  MessageTypeWant,
				NewState: StateSyncing,
			},
			{
				MsgType:  MessageTypeRequest,
				NewState: StateSyncing,
			},
			{
				MsgType:  MessageTypeData,
				NewState: StateSyncing,
			},
			{
				MsgType:  MessageTypeCancel,
				NewState: StateSyncing,
			},
			{
				MsgType:  MessageTypeClose,
				NewState: StateClosed,
			},
		},
	},
	StateClosed: protocol.StateMapEntry{
		Terminal: true,
	},
}

// Config is used to configure a replication session
type Config struct {
	PeerId             []byte
	Live               bool
	HandshakeTimeout   time.Duration
	RequestTimeout     time.Duration
	MaxPendingRequests int
	MaxVerifyFailures  int
	MaxHaveRange       uint64
	MaxFeedLength      uint64
	MaxQueuedServes    int
	MaxWants           int
	Logger             *slog.Logger
	HandshakeFunc      HandshakeFunc
	BlockFunc          BlockFunc
	ClaimFunc          ClaimFunc
	ReleaseFunc        ReleaseFunc
	ClosedFunc         ClosedFunc
}

// CallbackContext provides context to the callback functions
type CallbackContext struct {
	ConnectionId connection.ConnectionId
	Session      *Session
}

// Callback function types
type (
	// HandshakeFunc is called once the peer's handshake is accepted. Returning
	// an error rejects the session.
	HandshakeFunc func(CallbackContext, []byte, bool) error
	// BlockFunc is called after a block received from the peer is stored
	BlockFunc func(CallbackContext, uint64)
	// ClaimFunc is consulted before requesting a block. Returning false skips
	// the block for now.
	ClaimFunc func(CallbackContext, uint64) bool
	// ReleaseFunc gives back a claim taken with ClaimFunc
	ReleaseFunc func(CallbackContext, uint64)
	// ClosedFunc is called once when the session ends
	ClosedFunc func(CallbackContext, error)
)

// ReplicationOptionFunc represents a function used to modify the replication
// protocol config
type ReplicationOptionFunc func(*Config)

// NewConfig returns a new replication config object with the provided options
func NewConfig(options ...ReplicationOptionFunc) Config {
	peerId := uuid.New()
	c := Config{
		PeerId:             peerId[:],
		HandshakeTimeout:   DefaultHandshakeTimeout,
		RequestTimeout:     DefaultRequestTimeout,
		MaxPendingRequests: DefaultMaxPendingRequests,
		MaxVerifyFailures:  DefaultMaxVerifyFailures,
		MaxHaveRange:       DefaultMaxHaveRange,
		MaxFeedLength:      DefaultMaxFeedLength,
		MaxQueuedServes:    DefaultMaxQueuedServes,
		MaxWants:           DefaultMaxWants,
	}
	// Apply provided options functions
	for _, option := range options {
		option(&c)
	}
	return c
}

// WithPeerId specifies the peer id sent in the handshake
func WithPeerId(peerId []byte) ReplicationOptionFunc {
	return func(c *Config) {
		c.PeerId = peerId
	}
}

// WithLive specifies whether the peer wants updates after the initial sync
func WithLive(live bool) ReplicationOptionFunc {
	return func(c *Config) {
		c.Live = live
	}
}

// WithHandshakeTimeout specifies how long to wait for the peer's handshake
func WithHandshakeTimeout(timeout time.Duration) ReplicationOptionFunc {
	return func(c *Config) {
		c.HandshakeTimeout = timeout
	}
}

// WithRequestTimeout specifies how long to wait for a requested block
func WithRequestTimeout(timeout time.Duration) ReplicationOptionFunc {
	return func(c *Config) {
		c.RequestTimeout = timeout
	}
}

// WithMaxPendingRequests specifies the number of outstanding requests
func WithMaxPendingRequests(count int) ReplicationOptionFunc {
	return func(c *Config) {
		c.MaxPendingRequests = count
	}
}

// WithMaxVerifyFailures specifies how many blocks may fail verification
// before the session is closed as a protocol violation
func WithMaxVerifyFailures(count int) ReplicationOptionFunc {
	return func(c *Config) {
		c.MaxVerifyFailures = count
	}
}

// WithMaxHaveRange specifies the largest range a single Have may advertise
func WithMaxHaveRange(length uint64) ReplicationOptionFunc {
	return func(c *Config) {
		c.MaxHaveRange = length
	}
}

// WithMaxFeedLength specifies the highest block count a peer may advertise
func WithMaxFeedLength(length uint64) ReplicationOptionFunc {
	return func(c *Config) {
		c.MaxFeedLength = length
	}
}

// WithMaxQueuedServes specifies how many requests from the peer may wait to
// be served
func WithMaxQueuedServes(count int) ReplicationOptionFunc {
	return func(c *Config) {
		c.MaxQueuedServes = count
	}
}

// WithMaxWants specifies how many Want ranges the peer may register
func WithMaxWants(count int) ReplicationOptionFunc {
	return func(c *Config) {
		c.MaxWants = count
	}
}

// WithLogger specifies the logger object to use for logging messages
func WithLogger(logger *slog.Logger) ReplicationOptionFunc {
	return func(c *Config) {
		c.Logger = logger
	}
}

// WithHandshakeFunc specifies the Handshake callback function
func WithHandshakeFunc(handshakeFunc HandshakeFunc) ReplicationOptionFunc {
	return func(c *Config) {
		c.HandshakeFunc = handshakeFunc
	}
}

// WithBlockFunc specifies the Block callback function
func WithBlockFunc(blockFunc BlockFunc) ReplicationOptionFunc {
	return func(c *Config) {
		c.BlockFunc = blockFunc
	}
}

// WithClaimFunc specifies the Claim callback function
func WithClaimFunc(claimFunc ClaimFunc) ReplicationOptionFunc {
	return func(c *Config) {
		c.ClaimFunc = claimFunc
	}
}

// WithReleaseFunc specifies the Release callback function
func WithReleaseFunc(releaseFunc ReleaseFunc) ReplicationOptionFunc {
	return func(c *Config) {
		c.ReleaseFunc = releaseFunc
	}
}

// WithClosedFunc specifies the Closed callback function
func WithClosedFunc(closedFunc ClosedFunc) ReplicationOptionFunc {
	return func(c *Config) {
		c.ClosedFunc = closedFunc
	}
}
