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

package replication_test

import (
	"errors"
	"testing"
	"time"

	"github.com/blinklabs-io/godat/connection"
	"github.com/blinklabs-io/godat/feed"
	"github.com/blinklabs-io/godat/internal/test"
	"github.com/blinklabs-io/godat/internal/test/mockpeer"
	"github.com/blinklabs-io/godat/muxer"
	"github.com/blinklabs-io/godat/protocol"
	"github.com/blinklabs-io/godat/protocol/replication"
	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"
)

const testTimeout = 5 * time.Second

type sessionFixture struct {
	session *replication.Session
	mock    *mockpeer.Connection
	muxer   *muxer.Muxer
}

func newSessionFixture(
	t *testing.T,
	f replication.Feed,
	conversation []mockpeer.ConversationEntry,
	options ...replication.ReplicationOptionFunc,
) *sessionFixture {
	t.Helper()
	// Cleanups run in reverse order, so the leak check runs after shutdown
	t.Cleanup(func() { goleak.VerifyNone(t) })
	mock := mockpeer.NewConnection(replication.NewMsgFromBytes, conversation)
	m := muxer.New(mock.Conn())
	m.Start()
	cfg := replication.NewConfig(options...)
	session := replication.NewSession(
		m,
		f,
		&cfg,
		connection.ConnectionId{
			LocalAddr:  mock.Conn().LocalAddr(),
			RemoteAddr: mock.Conn().RemoteAddr(),
		},
	)
	session.Start()
	fixture := &sessionFixture{
		session: session,
		mock:    mock,
		muxer:   m,
	}
	t.Cleanup(fixture.shutdown)
	return fixture
}

func (f *sessionFixture) shutdown() {
	f.session.Close(replication.CloseReasonShutdown)
	select {
	case <-f.session.SendDoneChan():
	case <-time.After(testTimeout):
	}
	f.mock.Close()
	f.muxer.Stop()
	f.session.Wait()
}

func (f *sessionFixture) waitConversation(t *testing.T) {
	t.Helper()
	select {
	case err := <-f.mock.ErrorChan():
		if err != nil {
			t.Fatalf("conversation failed: %s", err)
		}
	case <-time.After(testTimeout):
		t.Fatalf("did not complete conversation before timeout")
	}
}

// waitDone returns the error that ended the session, or nil
func (f *sessionFixture) waitDone(t *testing.T) error {
	t.Helper()
	select {
	case <-f.session.DoneChan():
	case <-time.After(testTimeout):
		t.Fatalf("session did not finish before timeout")
	}
	select {
	case err := <-f.session.ErrorChan():
		return err
	default:
		return nil
	}
}

func dataMessage(t *testing.T, src *feed.Feed, index uint64) *replication.MsgData {
	t.Helper()
	proof, err := src.Proof(index)
	if err != nil {
		t.Fatalf("unexpected error building proof: %s", err)
	}
	return replication.NewMsgDataFromProof(proof)
}

func corruptDataMessage(t *testing.T, src *feed.Feed, index uint64) *replication.MsgData {
	t.Helper()
	msg := dataMessage(t, src, index)
	msg.Block = []byte("X")
	return msg
}

func remoteHandshake(f *feed.Feed, live bool) *replication.MsgHandshake {
	return replication.NewMsgHandshake(f.DiscoveryKey(), []byte("remote"), live)
}

func TestDiscoveryKeyMismatch(t *testing.T) {
	writer := test.NewWriter(t, "a", "b", "c")
	other := test.NewWriter(t)
	fixture := newSessionFixture(
		t,
		writer,
		[]mockpeer.ConversationEntry{
			mockpeer.Input(replication.MessageTypeHandshake),
			mockpeer.Output(remoteHandshake(other, false)),
		},
	)
	fixture.waitConversation(t)
	err := fixture.waitDone(t)
	if !errors.Is(err, replication.ErrDiscoveryKeyMismatch) {
		t.Fatalf("did not get expected error: got %v, wanted %v", err, replication.ErrDiscoveryKeyMismatch)
	}
	<-fixture.session.SendDoneChan()
	// Nothing about the feed is revealed to the wrong peer
	received := fixture.mock.Received()
	assert.Len(t, received, 1)
	assert.Equal(t, replication.MessageTypeHandshake, received[0].Type())
	assert.Equal(t, replication.StateClosed, fixture.session.State())
}

func TestReaderSync(t *testing.T) {
	writer := test.NewWriter(t, "a", "b", "c")
	reader := test.NewReader(t, writer.PublicKey())
	var stored []uint64
	fixture := newSessionFixture(
		t,
		reader,
		[]mockpeer.ConversationEntry{
			mockpeer.Input(replication.MessageTypeHandshake),
			mockpeer.Output(
				remoteHandshake(writer, false),
				replication.NewMsgHave(0, 3),
			),
			mockpeer.InputExact(replication.NewMsgWant(0, 0)),
			mockpeer.InputExact(replication.NewMsgRequest(0)),
			mockpeer.InputExact(replication.NewMsgRequest(1)),
			mockpeer.InputExact(replication.NewMsgRequest(2)),
			mockpeer.Output(
				dataMessage(t, writer, 0),
				dataMessage(t, writer, 1),
				dataMessage(t, writer, 2),
			),
			mockpeer.InputExact(replication.NewMsgClose(replication.CloseReasonDone)),
		},
		replication.WithBlockFunc(func(_ replication.CallbackContext, index uint64) {
			stored = append(stored, index)
		}),
	)
	fixture.waitConversation(t)
	assert.NoError(t, fixture.waitDone(t))
	assert.Equal(t, []byte("remote"), fixture.session.PeerId())
	assert.False(t, fixture.session.PeerLive())
	assert.Equal(t, []uint64{0, 1, 2}, stored)
	assert.Equal(t, uint64(3), reader.Length())
	for i, expected := range []string{"a", "b", "c"} {
		block, err := reader.Get(uint64(i))
		assert.NoError(t, err)
		assert.Equal(t, []byte(expected), block)
	}
	assert.Equal(t, writer.Signature(), reader.Signature())
}

func TestCorruptBlockSkipped(t *testing.T) {
	writer := test.NewWriter(t, "a", "b", "c")
	reader := test.NewReader(t, writer.PublicKey())
	fixture := newSessionFixture(
		t,
		reader,
		[]mockpeer.ConversationEntry{
			mockpeer.Input(replication.MessageTypeHandshake),
			mockpeer.Output(
				remoteHandshake(writer, false),
				replication.NewMsgHave(0, 3),
			),
			mockpeer.InputExact(replication.NewMsgWant(0, 0)),
			mockpeer.InputExact(replication.NewMsgRequest(0)),
			mockpeer.InputExact(replication.NewMsgRequest(1)),
			mockpeer.InputExact(replication.NewMsgRequest(2)),
			mockpeer.Output(
				corruptDataMessage(t, writer, 1),
				dataMessage(t, writer, 0),
				dataMessage(t, writer, 2),
			),
			// The corrupt block is given up on rather than requested again
			mockpeer.InputExact(replication.NewMsgClose(replication.CloseReasonDone)),
		},
	)
	fixture.waitConversation(t)
	assert.NoError(t, fixture.waitDone(t))
	assert.True(t, reader.Has(0))
	assert.False(t, reader.Has(1))
	assert.True(t, reader.Has(2))
	_, err := reader.Get(1)
	assert.ErrorIs(t, err, feed.ErrNotFound)
}

func TestVerifyFailureLimit(t *testing.T) {
	writer := test.NewWriter(t, "a", "b", "c")
	reader := test.NewReader(t, writer.PublicKey())
	fixture := newSessionFixture(
		t,
		reader,
		[]mockpeer.ConversationEntry{
			mockpeer.Input(replication.MessageTypeHandshake),
			mockpeer.Output(
				remoteHandshake(writer, false),
				replication.NewMsgHave(0, 3),
			),
			mockpeer.InputExact(replication.NewMsgWant(0, 0)),
			mockpeer.InputExact(replication.NewMsgRequest(0)),
			mockpeer.InputExact(replication.NewMsgRequest(1)),
			mockpeer.InputExact(replication.NewMsgRequest(2)),
			mockpeer.Output(
				corruptDataMessage(t, writer, 0),
				corruptDataMessage(t, writer, 1),
			),
		},
		replication.WithMaxVerifyFailures(1),
	)
	fixture.waitConversation(t)
	err := fixture.waitDone(t)
	if !errors.Is(err, protocol.ErrProtocolViolation) {
		t.Fatalf("did not get expected error: got %v, wanted %v", err, protocol.ErrProtocolViolation)
	}
	assert.Equal(t, uint64(0), reader.Length())
	assert.False(t, reader.Has(0))
	assert.Equal(t, 0, fixture.session.PendingRequests())
}

func TestRequestTimeout(t *testing.T) {
	writer := test.NewWriter(t, "a")
	reader := test.NewReader(t, writer.PublicKey())
	var released []uint64
	fixture := newSessionFixture(
		t,
		reader,
		[]mockpeer.ConversationEntry{
			mockpeer.Input(replication.MessageTypeHandshake),
			mockpeer.Output(
				remoteHandshake(writer, true),
				replication.NewMsgHave(0, 1),
			),
			mockpeer.InputExact(replication.NewMsgWant(0, 0)),
			mockpeer.InputExact(replication.NewMsgRequest(0)),
			mockpeer.InputExact(replication.NewMsgCancel(0)),
		},
		replication.WithLive(true),
		replication.WithRequestTimeout(50*time.Millisecond),
		replication.WithReleaseFunc(func(_ replication.CallbackContext, index uint64) {
			released = append(released, index)
		}),
	)
	fixture.waitConversation(t)
	// A slow peer is not a protocol violation
	assert.Equal(t, replication.StateSyncing, fixture.session.State())
	assert.Equal(t, 0, fixture.session.PendingRequests())
	assert.Equal(t, uint64(0), reader.Length())
	select {
	case <-fixture.session.DoneChan():
		t.Fatalf("live session should stay open after a request timeout")
	default:
	}
	fixture.session.Close(replication.CloseReasonShutdown)
	assert.NoError(t, fixture.waitDone(t))
	assert.Equal(t, []uint64{0}, released)
}

func TestUnsolicitedDataDropped(t *testing.T) {
	writer := test.NewWriter(t, "a")
	reader := test.NewReader(t, writer.PublicKey())
	fixture := newSessionFixture(
		t,
		reader,
		[]mockpeer.ConversationEntry{
			mockpeer.Input(replication.MessageTypeHandshake),
			mockpeer.Output(remoteHandshake(writer, false)),
			mockpeer.InputExact(replication.NewMsgWant(0, 0)),
			mockpeer.Output(
				dataMessage(t, writer, 0),
				replication.NewMsgHave(0, 1),
			),
			// Only asked for once the block was advertised
			mockpeer.InputExact(replication.NewMsgRequest(0)),
			mockpeer.Output(dataMessage(t, writer, 0)),
			mockpeer.InputExact(replication.NewMsgClose(replication.CloseReasonDone)),
		},
	)
	fixture.waitConversation(t)
	assert.NoError(t, fixture.waitDone(t))
	assert.True(t, reader.Has(0))
}

func TestWriterServesRequests(t *testing.T) {
	writer := test.NewWriter(t, "a", "b", "c")
	fixture := newSessionFixture(
		t,
		writer,
		[]mockpeer.ConversationEntry{
			mockpeer.Input(replication.MessageTypeHandshake),
			mockpeer.Output(
				remoteHandshake(writer, false),
				replication.NewMsgWant(0, 0),
				replication.NewMsgRequest(1),
				// Never stored, so never answered
				replication.NewMsgRequest(9),
			),
			mockpeer.InputExact(replication.NewMsgHave(0, 3)),
			mockpeer.Input(replication.MessageTypeData),
			mockpeer.Output(replication.NewMsgClose(replication.CloseReasonDone)),
		},
	)
	fixture.waitConversation(t)
	assert.NoError(t, fixture.waitDone(t))
	received := fixture.mock.Received()
	msg, ok := received[len(received)-1].(*replication.MsgData)
	if !ok {
		t.Fatalf("expected data message, got %#v", received[len(received)-1])
	}
	assert.Equal(t, uint64(1), msg.Index)
	assert.Equal(t, []byte("b"), msg.Block)
	// What went over the wire is enough for a reader to verify
	reader := test.NewReader(t, writer.PublicKey())
	assert.NoError(
		t,
		reader.VerifyAndStore(msg.Index, msg.Block, msg.Nodes, msg.Length, msg.Roots, msg.Signature),
	)
}

func TestLiveHaveFilteredByWant(t *testing.T) {
	writer := test.NewWriter(t, "a", "b", "c")
	fixture := newSessionFixture(
		t,
		writer,
		[]mockpeer.ConversationEntry{
			mockpeer.Input(replication.MessageTypeHandshake),
			mockpeer.Output(
				remoteHandshake(writer, true),
				replication.NewMsgWant(4, 0),
				replication.NewMsgRequest(0),
			),
			mockpeer.InputExact(replication.NewMsgHave(0, 3)),
			// The request was handled after the want
			mockpeer.Input(replication.MessageTypeData),
		},
	)
	fixture.waitConversation(t)
	for _, block := range []string{"d", "e"} {
		_, err := writer.Append([]byte(block))
		assert.NoError(t, err)
	}
	fixture.session.Have(3, 2)
	expected := replication.NewMsgHave(4, 1)
	assert.Eventually(
		t,
		func() bool {
			received := fixture.mock.Received()
			return len(received) > 0 && assert.ObjectsAreEqual(expected, received[len(received)-1])
		},
		testTimeout,
		10*time.Millisecond,
	)
	for _, msg := range fixture.mock.Received() {
		if have, ok := msg.(*replication.MsgHave); ok && have.Start == 3 {
			t.Fatalf("block outside the wanted range was advertised: %#v", have)
		}
	}
}

func TestHaveChunked(t *testing.T) {
	writer := test.NewWriter(t, "a", "b", "c", "d", "e")
	fixture := newSessionFixture(
		t,
		writer,
		[]mockpeer.ConversationEntry{
			mockpeer.Input(replication.MessageTypeHandshake),
			mockpeer.Output(remoteHandshake(writer, false)),
			mockpeer.InputExact(replication.NewMsgHave(0, 2)),
			mockpeer.InputExact(replication.NewMsgHave(2, 2)),
			mockpeer.InputExact(replication.NewMsgHave(4, 1)),
		},
		replication.WithMaxHaveRange(2),
	)
	fixture.waitConversation(t)
}

func TestHaveIgnoredForNonLivePeer(t *testing.T) {
	writer := test.NewWriter(t, "a")
	fixture := newSessionFixture(
		t,
		writer,
		[]mockpeer.ConversationEntry{
			mockpeer.Input(replication.MessageTypeHandshake),
			mockpeer.Output(
				remoteHandshake(writer, false),
				replication.NewMsgWant(0, 0),
				replication.NewMsgRequest(0),
			),
			mockpeer.InputExact(replication.NewMsgHave(0, 1)),
			mockpeer.Input(replication.MessageTypeData),
		},
	)
	fixture.waitConversation(t)
	_, err := writer.Append([]byte("b"))
	assert.NoError(t, err)
	fixture.session.Have(1, 1)
	fixture.session.Close(replication.CloseReasonShutdown)
	assert.NoError(t, fixture.waitDone(t))
	<-fixture.session.SendDoneChan()
	assert.Eventually(
		t,
		func() bool {
			received := fixture.mock.Received()
			return len(received) > 0 && received[len(received)-1].Type() == replication.MessageTypeClose
		},
		testTimeout,
		10*time.Millisecond,
	)
	for _, msg := range fixture.mock.Received() {
		if have, ok := msg.(*replication.MsgHave); ok && have.Start == 1 {
			t.Fatalf("non-live peer was sent an update: %#v", have)
		}
	}
}

func TestHaveRangeTooLarge(t *testing.T) {
	writer := test.NewWriter(t, "a")
	reader := test.NewReader(t, writer.PublicKey())
	fixture := newSessionFixture(
		t,
		reader,
		[]mockpeer.ConversationEntry{
			mockpeer.Input(replication.MessageTypeHandshake),
			mockpeer.Output(
				remoteHandshake(writer, false),
				replication.NewMsgHave(0, 5),
			),
		},
		replication.WithMaxHaveRange(4),
	)
	fixture.waitConversation(t)
	err := fixture.waitDone(t)
	if !errors.Is(err, protocol.ErrProtocolViolation) {
		t.Fatalf("did not get expected error: got %v, wanted %v", err, protocol.ErrProtocolViolation)
	}
}

func TestHaveBeyondMaxFeedLength(t *testing.T) {
	writer := test.NewWriter(t, "a")
	reader := test.NewReader(t, writer.PublicKey())
	fixture := newSessionFixture(
		t,
		reader,
		[]mockpeer.ConversationEntry{
			mockpeer.Input(replication.MessageTypeHandshake),
			mockpeer.Output(
				remoteHandshake(writer, false),
				replication.NewMsgHave(1<<62, 1),
			),
		},
	)
	fixture.waitConversation(t)
	err := fixture.waitDone(t)
	if !errors.Is(err, protocol.ErrProtocolViolation) {
		t.Fatalf("did not get expected error: got %v, wanted %v", err, protocol.ErrProtocolViolation)
	}
	assert.Equal(t, replication.StateClosed, fixture.session.State())
}

func TestWantLimit(t *testing.T) {
	writer := test.NewWriter(t, "a")
	fixture := newSessionFixture(
		t,
		writer,
		[]mockpeer.ConversationEntry{
			mockpeer.Input(replication.MessageTypeHandshake),
			mockpeer.Output(
				remoteHandshake(writer, true),
				replication.NewMsgWant(0, 1),
				replication.NewMsgWant(1, 1),
				replication.NewMsgWant(2, 1),
			),
		},
		replication.WithMaxWants(2),
	)
	fixture.waitConversation(t)
	err := fixture.waitDone(t)
	if !errors.Is(err, protocol.ErrProtocolViolation) {
		t.Fatalf("did not get expected error: got %v, wanted %v", err, protocol.ErrProtocolViolation)
	}
}

func TestHandshakeTimeout(t *testing.T) {
	writer := test.NewWriter(t, "a")
	fixture := newSessionFixture(
		t,
		writer,
		[]mockpeer.ConversationEntry{
			mockpeer.Input(replication.MessageTypeHandshake),
		},
		replication.WithHandshakeTimeout(50*time.Millisecond),
	)
	fixture.waitConversation(t)
	err := fixture.waitDone(t)
	if !errors.Is(err, protocol.ErrProtocolTimeout) {
		t.Fatalf("did not get expected error: got %v, wanted %v", err, protocol.ErrProtocolTimeout)
	}
}

func TestHandshakeRejected(t *testing.T) {
	writer := test.NewWriter(t, "a")
	var closedErr error
	fixture := newSessionFixture(
		t,
		writer,
		[]mockpeer.ConversationEntry{
			mockpeer.Input(replication.MessageTypeHandshake),
			mockpeer.Output(remoteHandshake(writer, false)),
			mockpeer.InputExact(replication.NewMsgClose(replication.CloseReasonDuplicate)),
		},
		replication.WithHandshakeFunc(func(_ replication.CallbackContext, peerId []byte, _ bool) error {
			assert.Equal(t, []byte("remote"), peerId)
			return replication.ErrDuplicateConnection
		}),
		replication.WithClosedFunc(func(_ replication.CallbackContext, err error) {
			closedErr = err
		}),
	)
	fixture.waitConversation(t)
	err := fixture.waitDone(t)
	assert.ErrorIs(t, err, replication.ErrDuplicateConnection)
	assert.ErrorIs(t, closedErr, replication.ErrDuplicateConnection)
	select {
	case <-fixture.session.HandshakeChan():
		t.Fatalf("rejected handshake should not be reported as complete")
	default:
	}
}
