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

package dat

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/blinklabs-io/godat/discovery"
	"github.com/blinklabs-io/godat/feed"
	"github.com/blinklabs-io/godat/protocol/replication"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
)

// DefaultDialTimeout bounds connection setup for discovered peers
const DefaultDialTimeout = 10 * time.Second

// ConnectionManagerConnClosedFunc is a function that takes a connection ID and an optional error
type ConnectionManagerConnClosedFunc func(ConnectionId, error)

// ConnectionManager owns every connection replicating one feed. It rejects
// duplicate and self connections, coordinates which session requests each
// block and fans out announcements of new blocks to all sessions.
type ConnectionManager struct {
	config    ConnectionManagerConfig
	logger    *slog.Logger
	metrics   metrics
	peerId    []byte
	waitGroup sync.WaitGroup

	mutex       sync.Mutex
	closed      bool
	connections map[ConnectionId]*Connection
	sessions    map[ConnectionId]*replication.Session
	peers       map[string]ConnectionId
	claims      map[uint64]ConnectionId
	addresses   map[string]struct{}
	connAddress map[ConnectionId]string
}

type ConnectionManagerConfig struct {
	Feed *feed.Feed
	// ReplicationOptions are applied to the replication config of every
	// connection. The manager installs its own callbacks on top.
	ReplicationOptions []replication.ReplicationOptionFunc
	DialTimeout        time.Duration
	Logger             *slog.Logger
	ConnClosedFunc     ConnectionManagerConnClosedFunc
}

func NewConnectionManager(cfg ConnectionManagerConfig) *ConnectionManager {
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	m := &ConnectionManager{
		config:      cfg,
		logger:      cfg.Logger,
		metrics:     newMetrics(),
		connections: make(map[ConnectionId]*Connection),
		sessions:    make(map[ConnectionId]*replication.Session),
		peers:       make(map[string]ConnectionId),
		claims:      make(map[uint64]ConnectionId),
		addresses:   make(map[string]struct{}),
		connAddress: make(map[ConnectionId]string),
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	m.logger = m.logger.With(
		"component", "connection_manager",
		"discovery_key", cfg.Feed.DiscoveryKey().String(),
	)
	// Every connection shares the peer id so that we can recognize ourselves
	tmpCfg := replication.NewConfig(cfg.ReplicationOptions...)
	m.peerId = tmpCfg.PeerId
	return m
}

// PeerId returns the peer id sent in every handshake
func (m *ConnectionManager) PeerId() []byte {
	return m.peerId
}

// Feed returns the feed being replicated
func (m *ConnectionManager) Feed() *feed.Feed {
	return m.config.Feed
}

func (m *ConnectionManager) replicationConfig() replication.Config {
	options := append(
		[]replication.ReplicationOptionFunc{},
		m.config.ReplicationOptions...,
	)
	options = append(
		options,
		replication.WithPeerId(m.peerId),
		replication.WithHandshakeFunc(m.handleHandshake),
		replication.WithClaimFunc(m.handleClaim),
		replication.WithReleaseFunc(m.handleRelease),
		replication.WithBlockFunc(m.handleBlock),
		replication.WithClosedFunc(m.handleClosed),
	)
	return replication.NewConfig(options...)
}

// NewConnection runs the handshake on conn and adds the connection. The
// connection is closed if the handshake fails.
func (m *ConnectionManager) NewConnection(conn net.Conn) (*Connection, error) {
	m.mutex.Lock()
	closed := m.closed
	m.mutex.Unlock()
	if closed {
		conn.Close()
		return nil, ErrConnectionManagerClosed
	}
	c, err := NewConnection(
		WithConnection(conn),
		WithFeed(m.config.Feed),
		WithLogger(m.logger),
		WithReplicationConfig(m.replicationConfig()),
	)
	if err != nil {
		conn.Close()
		return nil, err
	}
	m.AddConnection(c)
	return c, nil
}

// AddConnection tracks a connection until it reports an error or is closed
func (m *ConnectionManager) AddConnection(conn *Connection) {
	connId := conn.Id()
	m.mutex.Lock()
	if m.closed {
		m.mutex.Unlock()
		conn.Close()
		return
	}
	m.connections[connId] = conn
	m.waitGroup.Add(1)
	m.mutex.Unlock()
	m.metrics.ConnectionsActive.Inc()
	go func() {
		defer m.waitGroup.Done()
		err, ok := <-conn.ErrorChan()
		if ok {
			// Make sure the connection is torn down after an error
			_ = conn.Close()
		} else {
			err = nil
		}
		m.RemoveConnection(connId)
		// Call configured connection closed callback func
		if m.config.ConnClosedFunc != nil {
			m.config.ConnClosedFunc(connId, err)
		}
	}()
}

func (m *ConnectionManager) RemoveConnection(connId ConnectionId) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, ok := m.connections[connId]; !ok {
		return
	}
	delete(m.connections, connId)
	if address, ok := m.connAddress[connId]; ok {
		delete(m.addresses, address)
		delete(m.connAddress, connId)
	}
	m.metrics.ConnectionsActive.Dec()
}

func (m *ConnectionManager) GetConnectionById(connId ConnectionId) *Connection {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.connections[connId]
}

// Connections returns every tracked connection
func (m *ConnectionManager) Connections() []*Connection {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	ret := make([]*Connection, 0, len(m.connections))
	for _, conn := range m.connections {
		ret = append(ret, conn)
	}
	return ret
}

// otherSessions returns every session that completed its handshake except
// the given one. It takes the lock, so it must not be called from code
// holding it.
func (m *ConnectionManager) otherSessions(exclude ConnectionId) []*replication.Session {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	ret := make([]*replication.Session, 0, len(m.sessions))
	for connId, session := range m.sessions {
		if connId == exclude {
			continue
		}
		ret = append(ret, session)
	}
	return ret
}

// Append adds a block to the feed and announces it to every session
func (m *ConnectionManager) Append(data []byte) (feed.AppendResult, error) {
	result, err := m.config.Feed.Append(data)
	if err != nil {
		return result, err
	}
	m.metrics.BlocksAppended.Inc()
	m.broadcastHave(ConnectionId{}, result.Length-1)
	return result, nil
}

func (m *ConnectionManager) broadcastHave(exclude ConnectionId, index uint64) {
	for _, session := range m.otherSessions(exclude) {
		session.Have(index, 1)
		m.metrics.HaveBroadcasts.Inc()
	}
}

// nudge asks the sessions to request missing blocks, for instance after a
// claim was given up by another session. It runs in the background because
// the caller may be inside a session callback.
func (m *ConnectionManager) nudge(exclude ConnectionId) {
	m.mutex.Lock()
	if m.closed {
		m.mutex.Unlock()
		return
	}
	m.waitGroup.Add(1)
	m.mutex.Unlock()
	go func() {
		defer m.waitGroup.Done()
		for _, session := range m.otherSessions(exclude) {
			session.RequestMissing()
		}
	}()
}

func (m *ConnectionManager) handleHandshake(
	ctx replication.CallbackContext,
	peerId []byte,
	_ bool,
) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.closed {
		return ErrConnectionManagerClosed
	}
	if bytes.Equal(peerId, m.peerId) {
		m.metrics.ConnectionsRejected.Inc()
		return ErrSelfConnection
	}
	key := string(peerId)
	if existing, ok := m.peers[key]; ok && existing != ctx.ConnectionId {
		m.metrics.ConnectionsRejected.Inc()
		return fmt.Errorf("%w: peer %x", ErrDuplicateConnection, peerId)
	}
	m.peers[key] = ctx.ConnectionId
	// Registered before the session takes its snapshot of local blocks, so
	// that no block stored in between goes unannounced
	m.sessions[ctx.ConnectionId] = ctx.Session
	return nil
}

// handleClaim is called with the session lock held and must not call back
// into any session
func (m *ConnectionManager) handleClaim(ctx replication.CallbackContext, index uint64) bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if owner, ok := m.claims[index]; ok && owner != ctx.ConnectionId {
		return false
	}
	m.claims[index] = ctx.ConnectionId
	return true
}

func (m *ConnectionManager) handleRelease(ctx replication.CallbackContext, index uint64) {
	m.mutex.Lock()
	if owner, ok := m.claims[index]; ok && owner == ctx.ConnectionId {
		delete(m.claims, index)
	}
	m.mutex.Unlock()
	// Someone else may be able to serve it
	if !m.config.Feed.Has(index) {
		m.nudge(ctx.ConnectionId)
	}
}

func (m *ConnectionManager) handleBlock(ctx replication.CallbackContext, index uint64) {
	m.metrics.BlocksVerified.Inc()
	m.broadcastHave(ctx.ConnectionId, index)
	// Sessions that were waiting on claims held here may now be finished
	m.nudge(ctx.ConnectionId)
}

func (m *ConnectionManager) handleClosed(ctx replication.CallbackContext, err error) {
	m.mutex.Lock()
	for key, connId := range m.peers {
		if connId == ctx.ConnectionId {
			delete(m.peers, key)
		}
	}
	delete(m.sessions, ctx.ConnectionId)
	m.mutex.Unlock()
	if err != nil {
		m.logger.Debug(
			"session closed with error",
			"connection_id", ctx.ConnectionId.String(),
			"error", err,
		)
	}
	// Blocks wanted from this peer may be available elsewhere
	m.nudge(ctx.ConnectionId)
}

// Dial connects to a peer address. Addresses that are already connected or
// being dialed are rejected with ErrAddressInUse.
func (m *ConnectionManager) Dial(ctx context.Context, address string) (*Connection, error) {
	m.mutex.Lock()
	if m.closed {
		m.mutex.Unlock()
		return nil, ErrConnectionManagerClosed
	}
	if _, ok := m.addresses[address]; ok {
		m.mutex.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAddressInUse, address)
	}
	m.addresses[address] = struct{}{}
	m.mutex.Unlock()
	conn, err := m.dial(ctx, address)
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if err != nil || m.connections[conn.Id()] == nil {
		// Allow the address to be tried again if it is announced again
		delete(m.addresses, address)
		return conn, err
	}
	m.connAddress[conn.Id()] = address
	return conn, nil
}

func (m *ConnectionManager) dial(ctx context.Context, address string) (*Connection, error) {
	ctx, cancel := context.WithTimeout(ctx, m.config.DialTimeout)
	defer cancel()
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	return m.NewConnection(conn)
}

// Run dials every address produced by the bridge until ctx ends. Failed
// dials are dropped; the address is tried again if it is announced again.
func (m *ConnectionManager) Run(ctx context.Context, bridge discovery.Bridge) error {
	peers, err := bridge.FindPeers(ctx, m.config.Feed.DiscoveryKey())
	if err != nil {
		return err
	}
	eg, ctx := errgroup.WithContext(ctx)
	for peer := range peers {
		eg.Go(func() error {
			_, err := m.Dial(ctx, peer.Address)
			if err != nil && !errors.Is(err, ErrAddressInUse) {
				m.logger.Debug(
					"failed to connect to peer",
					"address", peer.Address,
					"source", peer.Source,
					"error", err,
				)
			}
			return nil
		})
	}
	return eg.Wait()
}

// Serve accepts connections on the listener until ctx ends or accepting fails
func (m *ConnectionManager) Serve(ctx context.Context, listener net.Listener) error {
	stop := context.AfterFunc(ctx, func() {
		listener.Close()
	})
	defer stop()
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.NewConnection(conn); err != nil {
				m.logger.Debug(
					"failed to accept connection",
					"remote_addr", conn.RemoteAddr().String(),
					"error", err,
				)
			}
		}()
	}
}

// Close closes every connection and then the feed
func (m *ConnectionManager) Close() error {
	m.mutex.Lock()
	if m.closed {
		m.mutex.Unlock()
		return nil
	}
	m.closed = true
	conns := make([]*Connection, 0, len(m.connections))
	for _, conn := range m.connections {
		conns = append(conns, conn)
	}
	m.mutex.Unlock()
	var result *multierror.Error
	for _, conn := range conns {
		if err := conn.Close(); err != nil {
			result = multierror.Append(
				result,
				fmt.Errorf("close connection %s: %w", conn.Id(), err),
			)
		}
	}
	m.waitGroup.Wait()
	if err := m.config.Feed.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close feed: %w", err))
	}
	return result.ErrorOrNil()
}
