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

package dat_test

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	dat "github.com/blinklabs-io/godat"
	"github.com/blinklabs-io/godat/discovery"
	"github.com/blinklabs-io/godat/feed"
	"github.com/blinklabs-io/godat/internal/test"
	"github.com/blinklabs-io/godat/internal/test/mockpeer"
	"github.com/blinklabs-io/godat/protocol"
	"github.com/blinklabs-io/godat/protocol/replication"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

const managerTestTimeout = 5 * time.Second

func newManager(
	f *feed.Feed,
	options ...replication.ReplicationOptionFunc,
) *dat.ConnectionManager {
	return dat.NewConnectionManager(
		dat.ConnectionManagerConfig{
			Feed:               f,
			ReplicationOptions: options,
		},
	)
}

// connectPipe joins two managers over an in-memory connection and returns
// the handshake result of each side
func connectPipe(a *dat.ConnectionManager, b *dat.ConnectionManager) (error, error) {
	connA, connB := mockpeer.NewPipe()
	var errA error
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, errA = a.NewConnection(connA)
	}()
	_, errB := b.NewConnection(connB)
	wg.Wait()
	return errA, errB
}

func metricValue(t *testing.T, m *dat.ConnectionManager, name string) float64 {
	t.Helper()
	for _, collector := range m.Metrics() {
		metric, ok := collector.(prometheus.Metric)
		if ok && strings.Contains(metric.Desc().String(), "\""+name+"\"") {
			return testutil.ToFloat64(collector)
		}
	}
	t.Fatalf("metric %s not found", name)
	return 0
}

func hasAll(f *feed.Feed, count uint64) bool {
	if f.Length() != count {
		return false
	}
	for i := range count {
		if !f.Has(i) {
			return false
		}
	}
	return true
}

func TestConnectionManagerReplicates(t *testing.T) {
	defer goleak.VerifyNone(t)
	writer := test.NewWriter(t, "a", "b", "c")
	reader := test.NewReader(t, writer.PublicKey())
	writerManager := newManager(writer)
	readerManager := newManager(reader)
	errA, errB := connectPipe(writerManager, readerManager)
	require.NoError(t, errA)
	require.NoError(t, errB)
	assert.Eventually(
		t,
		func() bool { return hasAll(reader, 3) },
		managerTestTimeout,
		10*time.Millisecond,
	)
	// A reader that is not live hangs up once it has everything
	assert.Eventually(
		t,
		func() bool {
			return len(readerManager.Connections()) == 0 &&
				len(writerManager.Connections()) == 0
		},
		managerTestTimeout,
		10*time.Millisecond,
	)
	assert.Equal(t, float64(3), metricValue(t, readerManager, "dat_blocks_verified_total"))
	assert.Equal(t, float64(0), metricValue(t, readerManager, "dat_connections_active"))
	assert.Equal(t, writer.Signature(), reader.Signature())
	assert.NoError(t, writerManager.Close())
	assert.NoError(t, readerManager.Close())
}

func TestConnectionManagerLiveAppend(t *testing.T) {
	defer goleak.VerifyNone(t)
	writer := test.NewWriter(t, "a")
	reader := test.NewReader(t, writer.PublicKey())
	writerManager := newManager(writer)
	readerManager := newManager(reader, replication.WithLive(true))
	defer func() {
		assert.NoError(t, writerManager.Close())
		assert.NoError(t, readerManager.Close())
	}()
	errA, errB := connectPipe(writerManager, readerManager)
	require.NoError(t, errA)
	require.NoError(t, errB)
	assert.Eventually(
		t,
		func() bool { return hasAll(reader, 1) },
		managerTestTimeout,
		10*time.Millisecond,
	)
	for _, block := range []string{"b", "c", "d"} {
		_, err := writerManager.Append([]byte(block))
		require.NoError(t, err)
	}
	assert.Eventually(
		t,
		func() bool { return hasAll(reader, 4) },
		managerTestTimeout,
		10*time.Millisecond,
	)
	assert.Equal(t, float64(3), metricValue(t, writerManager, "dat_blocks_appended_total"))
	assert.Equal(t, float64(3), metricValue(t, writerManager, "dat_have_broadcasts_total"))
	// Readers cannot append
	_, err := readerManager.Append([]byte("e"))
	assert.ErrorIs(t, err, feed.ErrNotWritable)
}

func TestConnectionManagerRelay(t *testing.T) {
	defer goleak.VerifyNone(t)
	writer := test.NewWriter(t, "a")
	relay := test.NewReader(t, writer.PublicKey())
	reader := test.NewReader(t, writer.PublicKey())
	writerManager := newManager(writer)
	relayManager := newManager(relay, replication.WithLive(true))
	readerManager := newManager(reader, replication.WithLive(true))
	defer func() {
		assert.NoError(t, readerManager.Close())
		assert.NoError(t, relayManager.Close())
		assert.NoError(t, writerManager.Close())
	}()
	// The reader only ever talks to the relay
	errA, errB := connectPipe(writerManager, relayManager)
	require.NoError(t, errA)
	require.NoError(t, errB)
	errA, errB = connectPipe(relayManager, readerManager)
	require.NoError(t, errA)
	require.NoError(t, errB)
	_, err := writerManager.Append([]byte("b"))
	require.NoError(t, err)
	// Blocks verified by the relay are announced onwards
	assert.Eventually(
		t,
		func() bool { return hasAll(reader, 2) },
		managerTestTimeout,
		10*time.Millisecond,
	)
	assert.Equal(t, writer.Signature(), reader.Signature())
}

func TestConnectionManagerClaims(t *testing.T) {
	defer goleak.VerifyNone(t)
	blocks := []string{"a", "b", "c", "d", "e", "f", "g"}
	writer := test.NewWriter(t, blocks...)
	seeder := test.NewReader(t, writer.PublicKey())
	for i := range blocks {
		test.CopyBlock(t, writer, seeder, uint64(i))
	}
	reader := test.NewReader(t, writer.PublicKey())
	writerManager := newManager(writer)
	seederManager := newManager(seeder, replication.WithLive(true))
	readerManager := newManager(reader, replication.WithMaxPendingRequests(2))
	defer func() {
		assert.NoError(t, readerManager.Close())
		assert.NoError(t, seederManager.Close())
		assert.NoError(t, writerManager.Close())
	}()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		errA, errB := connectPipe(writerManager, readerManager)
		assert.NoError(t, errA)
		assert.NoError(t, errB)
	}()
	errA, errB := connectPipe(seederManager, readerManager)
	assert.NoError(t, errA)
	assert.NoError(t, errB)
	wg.Wait()
	assert.Eventually(
		t,
		func() bool { return hasAll(reader, uint64(len(blocks))) },
		managerTestTimeout,
		10*time.Millisecond,
	)
	// No block was stored twice
	assert.Equal(
		t,
		float64(len(blocks)),
		metricValue(t, readerManager, "dat_blocks_verified_total"),
	)
}

func TestConnectionManagerDuplicate(t *testing.T) {
	defer goleak.VerifyNone(t)
	writer := test.NewWriter(t)
	reader := test.NewReader(t, writer.PublicKey())
	writerManager := newManager(writer)
	readerManager := newManager(reader)
	defer func() {
		assert.NoError(t, writerManager.Close())
		assert.NoError(t, readerManager.Close())
	}()
	errA, errB := connectPipe(writerManager, readerManager)
	require.NoError(t, errA)
	require.NoError(t, errB)
	errA, errB = connectPipe(writerManager, readerManager)
	assert.ErrorIs(t, errA, dat.ErrDuplicateConnection)
	assert.ErrorIs(t, errB, dat.ErrDuplicateConnection)
	// The first connection is kept
	assert.Len(t, writerManager.Connections(), 1)
	assert.Len(t, readerManager.Connections(), 1)
	assert.Equal(t, float64(1), metricValue(t, writerManager, "dat_connections_rejected_total"))
	assert.Equal(t, float64(1), metricValue(t, writerManager, "dat_connections_active"))
}

func TestConnectionManagerSelfConnection(t *testing.T) {
	defer goleak.VerifyNone(t)
	writer := test.NewWriter(t, "a")
	manager := newManager(writer)
	errA, errB := connectPipe(manager, manager)
	assert.ErrorIs(t, errA, dat.ErrSelfConnection)
	assert.ErrorIs(t, errB, dat.ErrSelfConnection)
	assert.Empty(t, manager.Connections())
	assert.NoError(t, manager.Close())
}

func TestConnectionManagerClose(t *testing.T) {
	defer goleak.VerifyNone(t)
	writer := test.NewWriter(t, "a")
	closedChan := make(chan error, 1)
	manager := dat.NewConnectionManager(
		dat.ConnectionManagerConfig{
			Feed: writer,
			ConnClosedFunc: func(_ dat.ConnectionId, err error) {
				closedChan <- err
			},
		},
	)
	mockConn := mockpeer.NewConnection(
		replication.NewMsgFromBytes,
		[]mockpeer.ConversationEntry{
			mockpeer.Input(replication.MessageTypeHandshake),
			mockpeer.Output(
				replication.NewMsgHandshake(writer.DiscoveryKey(), []byte("remote"), false),
			),
			mockpeer.InputExact(replication.NewMsgHave(0, 1)),
			mockpeer.InputExact(replication.NewMsgClose(replication.CloseReasonShutdown)),
		},
	)
	defer mockConn.Close()
	conn, err := manager.NewConnection(mockConn.Conn())
	require.NoError(t, err)
	assert.Equal(t, conn, manager.GetConnectionById(conn.Id()))
	assert.NoError(t, manager.Close())
	waitConversation(t, mockConn)
	select {
	case err := <-closedChan:
		assert.NoError(t, err)
	case <-time.After(managerTestTimeout):
		t.Fatalf("did not receive closed signal within timeout")
	}
	assert.Nil(t, manager.GetConnectionById(conn.Id()))
	// The feed is closed after the connections
	_, err = writer.Append([]byte("b"))
	assert.ErrorIs(t, err, feed.ErrClosed)
	// New connections are refused
	local, remote := mockpeer.NewPipe()
	defer remote.Close()
	_, err = manager.NewConnection(local)
	assert.ErrorIs(t, err, dat.ErrConnectionManagerClosed)
}

func TestConnectionManagerConnError(t *testing.T) {
	defer goleak.VerifyNone(t)
	writer := test.NewWriter(t, "a")
	closedChan := make(chan error, 1)
	manager := dat.NewConnectionManager(
		dat.ConnectionManagerConfig{
			Feed: writer,
			ConnClosedFunc: func(_ dat.ConnectionId, err error) {
				closedChan <- err
			},
		},
	)
	defer manager.Close()
	mockConn := mockpeer.NewConnection(
		replication.NewMsgFromBytes,
		[]mockpeer.ConversationEntry{
			mockpeer.Input(replication.MessageTypeHandshake),
			mockpeer.Output(
				replication.NewMsgHandshake(writer.DiscoveryKey(), []byte("remote"), false),
			),
			mockpeer.InputExact(replication.NewMsgHave(0, 1)),
			// A second handshake is not valid
			mockpeer.Output(
				replication.NewMsgHandshake(writer.DiscoveryKey(), []byte("remote"), false),
			),
		},
	)
	defer mockConn.Close()
	_, err := manager.NewConnection(mockConn.Conn())
	require.NoError(t, err)
	select {
	case err := <-closedChan:
		if !errors.Is(err, protocol.ErrProtocolViolation) {
			t.Fatalf("did not receive expected error: got %v, wanted %v", err, protocol.ErrProtocolViolation)
		}
	case <-time.After(managerTestTimeout):
		t.Fatalf("did not receive error within timeout")
	}
	assert.Empty(t, manager.Connections())
}

func TestConnectionManagerRunAndServe(t *testing.T) {
	defer goleak.VerifyNone(t)
	writer := test.NewWriter(t, "a", "b", "c")
	reader := test.NewReader(t, writer.PublicKey())
	writerManager := newManager(writer)
	readerManager := newManager(reader, replication.WithLive(true))
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- writerManager.Serve(ctx, listener)
	}()
	runErr := make(chan error, 1)
	go func() {
		bridge := discovery.NewStatic(
			[]string{
				listener.Addr().String(),
				// Nothing listens here; the failure is dropped
				"127.0.0.1:1",
				// Announced twice, dialed once
				listener.Addr().String(),
			},
			discovery.WithAnnounceInterval(0),
		)
		runErr <- readerManager.Run(ctx, bridge)
	}()
	assert.Eventually(
		t,
		func() bool { return hasAll(reader, 3) },
		managerTestTimeout,
		10*time.Millisecond,
	)
	assert.NoError(t, <-runErr)
	assert.Len(t, readerManager.Connections(), 1)
	cancel()
	assert.NoError(t, <-serveErr)
	assert.NoError(t, readerManager.Close())
	assert.NoError(t, writerManager.Close())
}

func TestConnectionManagerDialInUse(t *testing.T) {
	defer goleak.VerifyNone(t)
	writer := test.NewWriter(t, "a")
	reader := test.NewReader(t, writer.PublicKey())
	writerManager := newManager(writer)
	readerManager := newManager(reader, replication.WithLive(true))
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- writerManager.Serve(ctx, listener)
	}()
	_, err = readerManager.Dial(ctx, listener.Addr().String())
	require.NoError(t, err)
	_, err = readerManager.Dial(ctx, listener.Addr().String())
	if !errors.Is(err, dat.ErrAddressInUse) {
		t.Fatalf("did not get expected error: got %v, wanted %v", err, dat.ErrAddressInUse)
	}
	cancel()
	assert.NoError(t, <-serveErr)
	assert.NoError(t, readerManager.Close())
	assert.NoError(t, writerManager.Close())
}
