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

// Package dat replicates single-writer, append-only feeds between peers.
//
// A feed is a signed log of blocks covered by a hash tree. Peers exchange
// blocks together with Merkle proofs over a framed binary protocol, so a
// reader can verify every block without trusting the peer that served it.
//
// This package is the main entry point into this library. The other packages can
// be used outside of this one, but it's not a primary design goal.
package dat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/blinklabs-io/godat/connection"
	"github.com/blinklabs-io/godat/muxer"
	"github.com/blinklabs-io/godat/protocol/replication"
)

// closeFlushTimeout bounds how long Close waits for the peer to accept the
// final Close message before tearing down the transport
const closeFlushTimeout = 2 * time.Second

// ConnectionId uniquely identifies a connection by its address pair
type ConnectionId = connection.ConnectionId

// The Connection type is a wrapper around a net.Conn object that runs one
// replication session for a feed over that connection
type Connection struct {
	id                connection.ConnectionId
	conn              net.Conn
	feed              replication.Feed
	logger            *slog.Logger
	muxer             *muxer.Muxer
	session           *replication.Session
	replicationConfig *replication.Config
	errorChan         chan error
	doneChan          chan struct{}
	waitGroup         sync.WaitGroup
	onceClose         sync.Once
}

// NewConnection returns a new Connection object with the specified options. If a connection is provided, the
// handshake will be started. An error will be returned if the handshake fails
func NewConnection(options ...ConnectionOptionFunc) (*Connection, error) {
	c := &Connection{
		doneChan: make(chan struct{}),
	}
	// Apply provided options functions
	for _, option := range options {
		option(c)
	}
	if c.errorChan == nil {
		c.errorChan = make(chan error, 10)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.feed == nil {
		return nil, errors.New("no feed provided")
	}
	if c.conn != nil {
		if err := c.setupConnection(); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Id returns the connection ID
func (c *Connection) Id() ConnectionId {
	return c.id
}

// PeerId returns the peer id announced in the remote handshake
func (c *Connection) PeerId() []byte {
	if c.session == nil {
		return nil
	}
	return c.session.PeerId()
}

// Session returns the replication session running on the connection
func (c *Connection) Session() *replication.Session {
	return c.session
}

// Muxer returns the muxer object for the connection
func (c *Connection) Muxer() *muxer.Muxer {
	return c.muxer
}

// ErrorChan returns the channel for asynchronous errors. It is closed once the
// connection has shut down.
func (c *Connection) ErrorChan() chan error {
	return c.errorChan
}

// DialContext will establish a connection using the specified protocol and address. These parameters are
// passed to [net.Dialer.DialContext]. The handshake will be started when a connection is established.
// An error will be returned if the connection fails, a connection was already established, or the
// handshake fails
func (c *Connection) DialContext(ctx context.Context, proto string, address string) error {
	if c.conn != nil {
		return errors.New("a connection was already established")
	}
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, proto, address)
	if err != nil {
		return err
	}
	c.conn = conn
	return c.setupConnection()
}

// Close will shutdown the connection. The peer is sent a Close message with
// the shutdown reason if the session is still running.
func (c *Connection) Close() error {
	var err error
	c.onceClose.Do(func() {
		// Close doneChan to signify that we're shutting down
		close(c.doneChan)
		if c.session != nil {
			c.session.Close(replication.CloseReasonShutdown)
			select {
			case <-c.session.SendDoneChan():
			case <-time.After(closeFlushTimeout):
				c.logger.Debug("timed out flushing messages on close")
			}
		}
		if c.conn != nil {
			err = c.conn.Close()
		}
		// Gracefully stop the muxer
		if c.muxer != nil {
			c.muxer.Stop()
		}
		// Wait for other goroutines to finish
		c.waitGroup.Wait()
		if c.session != nil {
			c.session.Wait()
		}
		close(c.errorChan)
	})
	return err
}

// setupConnection establishes the muxer, starts the replication session and
// waits for the handshake to complete
func (c *Connection) setupConnection() error {
	c.id = connection.ConnectionId{
		LocalAddr:  c.conn.LocalAddr(),
		RemoteAddr: c.conn.RemoteAddr(),
	}
	c.logger = c.logger.With("connection_id", c.id.String())
	if c.replicationConfig == nil {
		tmpCfg := replication.NewConfig()
		c.replicationConfig = &tmpCfg
	}
	if c.replicationConfig.Logger == nil {
		c.replicationConfig.Logger = c.logger
	}
	c.muxer = muxer.New(c.conn)
	c.session = replication.NewSession(
		c.muxer,
		c.feed,
		c.replicationConfig,
		c.id,
	)
	c.session.Start()
	c.muxer.Start()
	// Wait for handshake completion or error
	select {
	case <-c.session.HandshakeChan():
	case <-c.session.DoneChan():
		err := c.sessionError()
		if err == nil {
			err = io.EOF
		}
		_ = c.Close()
		return err
	}
	c.logger.Debug(
		"handshake complete",
		"component", "connection",
		"peer_id", fmt.Sprintf("%x", c.session.PeerId()),
	)
	// Start Goroutine to pass along errors once the session ends
	c.waitGroup.Add(1)
	go func() {
		defer c.waitGroup.Done()
		select {
		case <-c.doneChan:
			// Return if we're shutting down
			return
		case <-c.session.DoneChan():
		}
		if err := c.sessionError(); err != nil {
			c.errorChan <- err
		}
		// Close connection when the session ends. Close waits for this
		// goroutine, so it cannot be called inline.
		go func() {
			_ = c.Close()
		}()
	}()
	return nil
}

// sessionError returns the error that ended the session, falling back to a
// transport error reported by the muxer. A peer hanging up is not an error.
func (c *Connection) sessionError() error {
	select {
	case err := <-c.session.ErrorChan():
		return fmt.Errorf("protocol error: %w", err)
	default:
	}
	select {
	case err := <-c.muxer.ErrorChan():
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil
		}
		// Wrap error message to denote it comes from the muxer
		return fmt.Errorf("muxer error: %w", err)
	default:
	}
	return nil
}
