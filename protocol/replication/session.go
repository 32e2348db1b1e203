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

package replication

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/bits-and-blooms/bitset"
	"github.com/blinklabs-io/godat/connection"
	"github.com/blinklabs-io/godat/feed"
	"github.com/blinklabs-io/godat/hashtree"
	"github.com/blinklabs-io/godat/muxer"
	"github.com/blinklabs-io/godat/protocol"
)

// Feed is the view of a feed that a session needs. Sessions never own the
// feed; it is shared by every session of a connection manager.
type Feed interface {
	DiscoveryKey() feed.DiscoveryKey
	Writable() bool
	Has(index uint64) bool
	HaveRanges() []feed.Range
	Proof(index uint64) (*feed.Proof, error)
	VerifyAndStore(
		index uint64,
		block []byte,
		proof []hashtree.Node,
		length uint64,
		roots []hashtree.Node,
		signature []byte,
	) error
}

// Session runs the replication protocol with a single peer
type Session struct {
	protocol        *protocol.Protocol
	config          *Config
	feed            Feed
	callbackContext CallbackContext
	logger          *slog.Logger
	handshakeChan   chan struct{}
	doneChan        chan struct{}
	errorChan       chan error
	serveSignal     chan struct{}
	finishOnce      sync.Once
	waitGroup       sync.WaitGroup

	mutex          sync.Mutex
	handshakeDone  bool
	closed         bool
	peerId         []byte
	peerLive       bool
	peerLength     uint64
	peerHave       *bitset.BitSet
	peerWants      []MsgWant
	advertised     []feed.Range
	skip           *bitset.BitSet
	pending        map[uint64]*time.Timer
	serveQueue     []uint64
	verifyFailures int
}

// NewSession returns a replication session for the feed on the given muxer.
// The session does nothing until Start is called.
func NewSession(
	m *muxer.Muxer,
	f Feed,
	cfg *Config,
	connId connection.ConnectionId,
) *Session {
	if cfg == nil {
		tmpCfg := NewConfig()
		cfg = &tmpCfg
	}
	s := &Session{
		config:        cfg,
		feed:          f,
		logger:        cfg.Logger,
		handshakeChan: make(chan struct{}),
		doneChan:      make(chan struct{}),
		errorChan:     make(chan error, 1),
		serveSignal:   make(chan struct{}, 1),
		peerHave:      bitset.New(0),
		skip:          bitset.New(0),
		pending:       make(map[uint64]*time.Timer),
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With(
		"component", "replication",
		"connection_id", connId.String(),
	)
	s.callbackContext = CallbackContext{
		ConnectionId: connId,
		Session:      s,
	}
	// Update state map with timeout
	stateMap := StateMap.Copy()
	if entry, ok := stateMap[StateHandshaking]; ok {
		entry.Timeout = cfg.HandshakeTimeout
		stateMap[StateHandshaking] = entry
	}
	s.protocol = protocol.New(
		protocol.ProtocolConfig{
			Name:                 ProtocolName,
			Muxer:                m,
			Logger:               s.logger,
			MessageHandlerFunc:   s.handleMessage,
			MessageFromBytesFunc: NewMsgFromBytes,
			StateMap:             stateMap,
			InitialState:         StateConnecting,
		},
	)
	return s
}

// Start sends the local handshake and begins processing messages
func (s *Session) Start() {
	s.protocol.SetState(StateHandshaking)
	_ = s.protocol.SendMessage(
		NewMsgHandshake(
			s.feed.DiscoveryKey(),
			s.config.PeerId,
			s.config.Live,
		),
	)
	s.protocol.Start()
	s.waitGroup.Add(2)
	go s.watch()
	go s.serveLoop()
}

// Close ends the session, telling the peer why
func (s *Session) Close(reason string) {
	select {
	case <-s.doneChan:
		return
	default:
	}
	if s.protocol.CurrentState() != StateClosed {
		_ = s.protocol.SendMessage(NewMsgClose(reason))
	}
	s.protocol.SetState(StateClosed)
	s.protocol.Stop()
}

// Wait blocks until every goroutine of the session has exited
func (s *Session) Wait() {
	s.waitGroup.Wait()
	s.protocol.Wait()
}

// HandshakeChan returns a channel that is closed once the peer's handshake
// has been accepted
func (s *Session) HandshakeChan() <-chan struct{} {
	return s.handshakeChan
}

// DoneChan returns a channel that is closed when the session has ended
func (s *Session) DoneChan() <-chan struct{} {
	return s.doneChan
}

// ErrorChan returns a channel that receives the error that ended the session,
// if any
func (s *Session) ErrorChan() <-chan error {
	return s.errorChan
}

// SendDoneChan returns a channel that is closed once all queued messages
// have been written after the session stopped
func (s *Session) SendDoneChan() <-chan struct{} {
	return s.protocol.SendDoneChan()
}

// State returns the current protocol state
func (s *Session) State() protocol.State {
	return s.protocol.CurrentState()
}

// PeerId returns the peer id from the peer's handshake
func (s *Session) PeerId() []byte {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.peerId
}

// PeerLive returns the live flag from the peer's handshake
func (s *Session) PeerLive() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.peerLive
}

// PendingRequests returns the number of requests awaiting Data
func (s *Session) PendingRequests() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return len(s.pending)
}

// Have tells the peer about newly available blocks. Peers that did not ask
// for live updates, and blocks outside the peer's wanted ranges, are skipped.
func (s *Session) Have(start uint64, length uint64) {
	if length == 0 {
		return
	}
	s.mutex.Lock()
	if s.closed || !s.handshakeDone || !s.peerLive {
		s.mutex.Unlock()
		return
	}
	wants := make([]MsgWant, len(s.peerWants))
	copy(wants, s.peerWants)
	s.mutex.Unlock()
	end := start + length
	for _, want := range wants {
		lo := max(start, want.Start)
		hi := end
		if want.Length != 0 {
			hi = min(hi, want.Start+want.Length)
		}
		if lo < hi {
			s.sendHave(lo, hi-lo)
		}
	}
}

func (s *Session) sendHave(start uint64, length uint64) {
	for length > 0 {
		count := min(length, s.config.MaxHaveRange)
		if err := s.protocol.SendMessage(NewMsgHave(start, count)); err != nil {
			return
		}
		start += count
		length -= count
	}
}

// RequestMissing requests the lowest blocks the peer has and we lack, up to
// the pending request limit. A one-shot reader session with nothing left to
// fetch is closed.
func (s *Session) RequestMissing() {
	if s.feed.Writable() {
		return
	}
	var requests []uint64
	s.mutex.Lock()
	if s.closed || !s.handshakeDone {
		s.mutex.Unlock()
		return
	}
	for i, ok := s.peerHave.NextSet(0); ok && len(s.pending) < s.config.MaxPendingRequests; i, ok = s.peerHave.NextSet(i + 1) {
		index := uint64(i)
		if _, exists := s.pending[index]; exists {
			continue
		}
		if s.skip.Test(i) || s.feed.Has(index) {
			continue
		}
		if s.config.ClaimFunc != nil && !s.config.ClaimFunc(s.callbackContext, index) {
			continue
		}
		s.pending[index] = time.AfterFunc(
			s.config.RequestTimeout,
			func() {
				s.requestTimeout(index)
			},
		)
		requests = append(requests, index)
	}
	s.mutex.Unlock()
	for _, index := range requests {
		if err := s.protocol.SendMessage(NewMsgRequest(index)); err != nil {
			return
		}
	}
	s.checkDone()
}

func (s *Session) release(index uint64) {
	if s.config.ReleaseFunc != nil {
		s.config.ReleaseFunc(s.callbackContext, index)
	}
}

func (s *Session) requestTimeout(index uint64) {
	s.mutex.Lock()
	if _, ok := s.pending[index]; !ok || s.closed {
		s.mutex.Unlock()
		return
	}
	delete(s.pending, index)
	s.skip.Set(uint(index))
	s.mutex.Unlock()
	s.release(index)
	s.logger.Debug("request timed out", "index", index)
	_ = s.protocol.SendMessage(NewMsgCancel(index))
	s.RequestMissing()
}

// checkDone closes a one-shot reader session once everything the peer
// advertised is stored locally or given up on
func (s *Session) checkDone() {
	if s.config.Live || s.feed.Writable() {
		return
	}
	s.mutex.Lock()
	if s.closed || !s.handshakeDone || s.peerLength == 0 ||
		len(s.pending) > 0 || len(s.serveQueue) > 0 {
		s.mutex.Unlock()
		return
	}
	for i, ok := s.peerHave.NextSet(0); ok; i, ok = s.peerHave.NextSet(i + 1) {
		if !s.skip.Test(i) && !s.feed.Has(uint64(i)) {
			s.mutex.Unlock()
			return
		}
	}
	s.mutex.Unlock()
	s.logger.Debug("replication complete")
	s.Close(CloseReasonDone)
}

func (s *Session) watch() {
	defer s.waitGroup.Done()
	<-s.protocol.DoneChan()
	var err error
	select {
	case err = <-s.protocol.ErrorChan():
	default:
	}
	s.finish(err)
}

func (s *Session) finish(err error) {
	s.finishOnce.Do(func() {
		s.protocol.SetState(StateClosed)
		s.mutex.Lock()
		s.closed = true
		pending := s.pending
		s.pending = make(map[uint64]*time.Timer)
		s.serveQueue = nil
		s.mutex.Unlock()
		for index, timer := range pending {
			timer.Stop()
			s.release(index)
		}
		if err != nil {
			s.errorChan <- err
			s.logger.Debug("session failed", "error", err)
		} else {
			s.logger.Debug("session closed")
		}
		if s.config.ClosedFunc != nil {
			s.config.ClosedFunc(s.callbackContext, err)
		}
		close(s.doneChan)
	})
}

func (s *Session) serveLoop() {
	defer s.waitGroup.Done()
	for {
		select {
		case <-s.doneChan:
			return
		case <-s.serveSignal:
		}
		for {
			index, ok := s.nextServe()
			if !ok {
				break
			}
			proof, err := s.feed.Proof(index)
			if err != nil {
				// The peer will time out and try elsewhere
				s.logger.Debug("cannot serve block", "index", index, "error", err)
				continue
			}
			// One block at a time, so a peer that stops reading holds at
			// most one Data frame in memory
			if err := s.protocol.SendMessageWait(NewMsgDataFromProof(proof)); err != nil {
				return
			}
		}
		s.checkDone()
	}
}

func (s *Session) nextServe() (uint64, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if len(s.serveQueue) == 0 {
		return 0, false
	}
	index := s.serveQueue[0]
	s.serveQueue = s.serveQueue[1:]
	return index, true
}

func (s *Session) handleMessage(msg protocol.Message) error {
	var err error
	switch m := msg.(type) {
	case *MsgHandshake:
		err = s.handleHandshake(m)
	case *MsgHave:
		err = s.handleHave(m)
	case *MsgWant:
		err = s.handleWant(m)
	case *MsgRequest:
		err = s.handleRequest(m)
	case *MsgData:
		err = s.handleData(m)
	case *MsgCancel:
		err = s.handleCancel(m)
	case *MsgClose:
		err = s.handleClose(m)
	default:
		err = fmt.Errorf(
			"%s: %w: unexpected message type %T",
			ProtocolName,
			protocol.ErrProtocolViolation,
			msg,
		)
	}
	return err
}

func (s *Session) handleHandshake(msg *MsgHandshake) error {
	s.logger.Debug(
		"handshake received",
		"peer_id", fmt.Sprintf("%x", msg.PeerId),
		"live", msg.Live,
	)
	if msg.DiscoveryKey != s.feed.DiscoveryKey() {
		s.protocol.SetState(StateClosed)
		return fmt.Errorf(
			"%w: got %s, wanted %s",
			ErrDiscoveryKeyMismatch,
			msg.DiscoveryKey,
			s.feed.DiscoveryKey(),
		)
	}
	s.mutex.Lock()
	s.peerId = msg.PeerId
	s.peerLive = msg.Live
	s.mutex.Unlock()
	if s.config.HandshakeFunc != nil {
		if err := s.config.HandshakeFunc(s.callbackContext, msg.PeerId, msg.Live); err != nil {
			reason := err.Error()
			if errors.Is(err, ErrDuplicateConnection) {
				reason = CloseReasonDuplicate
			}
			_ = s.protocol.SendMessage(NewMsgClose(reason))
			s.protocol.SetState(StateClosed)
			return err
		}
	}
	advertised := s.feed.HaveRanges()
	s.mutex.Lock()
	s.handshakeDone = true
	s.advertised = advertised
	s.mutex.Unlock()
	for _, r := range advertised {
		s.sendHave(r.Start, r.Length)
	}
	var err error
	if !s.feed.Writable() {
		err = s.protocol.SendMessage(NewMsgWant(0, 0))
	}
	// The initial advertisement is queued before the handshake is reported
	close(s.handshakeChan)
	return err
}

func (s *Session) handleHave(msg *MsgHave) error {
	if msg.Length == 0 {
		return nil
	}
	end := msg.Start + msg.Length
	if msg.Length > s.config.MaxHaveRange || end < msg.Start {
		return fmt.Errorf(
			"%s: %w: have range [%d, +%d) too large",
			ProtocolName,
			protocol.ErrProtocolViolation,
			msg.Start,
			msg.Length,
		)
	}
	// The peer-have bitset grows to the highest advertised index
	if end > s.config.MaxFeedLength {
		return fmt.Errorf(
			"%s: %w: have range [%d, +%d) beyond maximum feed length %d",
			ProtocolName,
			protocol.ErrProtocolViolation,
			msg.Start,
			msg.Length,
			s.config.MaxFeedLength,
		)
	}
	s.mutex.Lock()
	for i := msg.Start; i < end; i++ {
		s.peerHave.Set(uint(i))
	}
	s.peerLength = max(s.peerLength, end)
	s.mutex.Unlock()
	s.RequestMissing()
	return nil
}

func (s *Session) handleWant(msg *MsgWant) error {
	s.mutex.Lock()
	if len(s.peerWants) >= s.config.MaxWants {
		s.mutex.Unlock()
		return fmt.Errorf(
			"%s: %w: more than %d want ranges",
			ProtocolName,
			protocol.ErrProtocolViolation,
			s.config.MaxWants,
		)
	}
	s.peerWants = append(s.peerWants, *msg)
	live := s.peerLive
	advertised := s.advertised
	s.mutex.Unlock()
	if !live {
		return nil
	}
	// Blocks stored since the initial advertisement were not broadcast to a
	// peer without wants
	end := uint64(math.MaxUint64)
	if msg.Length != 0 {
		end = msg.Start + msg.Length
	}
	for _, r := range s.feed.HaveRanges() {
		lo := max(r.Start, msg.Start)
		hi := min(r.Start+r.Length, end)
		if lo >= hi {
			continue
		}
		for _, gap := range uncovered(lo, hi, advertised) {
			s.sendHave(gap.Start, gap.Length)
		}
	}
	return nil
}

// uncovered returns the parts of [start, end) outside the sorted ranges
func uncovered(start uint64, end uint64, covered []feed.Range) []feed.Range {
	var ret []feed.Range
	for _, c := range covered {
		cEnd := c.Start + c.Length
		if cEnd <= start {
			continue
		}
		if c.Start >= end {
			break
		}
		if c.Start > start {
			ret = append(ret, feed.Range{Start: start, Length: c.Start - start})
		}
		start = max(start, cEnd)
		if start >= end {
			return ret
		}
	}
	return append(ret, feed.Range{Start: start, Length: end - start})
}

func (s *Session) handleRequest(msg *MsgRequest) error {
	if !s.feed.Has(msg.Index) {
		s.logger.Debug("ignoring request for missing block", "index", msg.Index)
		return nil
	}
	s.mutex.Lock()
	if slices.Contains(s.serveQueue, msg.Index) {
		s.mutex.Unlock()
		return nil
	}
	if len(s.serveQueue) >= s.config.MaxQueuedServes {
		s.mutex.Unlock()
		return fmt.Errorf(
			"%s: %w: more than %d queued requests",
			ProtocolName,
			protocol.ErrProtocolViolation,
			s.config.MaxQueuedServes,
		)
	}
	s.serveQueue = append(s.serveQueue, msg.Index)
	s.mutex.Unlock()
	select {
	case s.serveSignal <- struct{}{}:
	default:
	}
	return nil
}

func (s *Session) handleCancel(msg *MsgCancel) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	queue := s.serveQueue[:0]
	for _, index := range s.serveQueue {
		if index != msg.Index {
			queue = append(queue, index)
		}
	}
	s.serveQueue = queue
	return nil
}

func (s *Session) handleData(msg *MsgData) error {
	s.mutex.Lock()
	timer, ok := s.pending[msg.Index]
	if ok {
		timer.Stop()
		delete(s.pending, msg.Index)
	}
	s.mutex.Unlock()
	if !ok {
		s.logger.Debug("dropping unsolicited data", "index", msg.Index)
		return nil
	}
	defer s.release(msg.Index)
	if s.feed.Has(msg.Index) {
		// Another session stored it first
		s.RequestMissing()
		return nil
	}
	err := s.feed.VerifyAndStore(
		msg.Index,
		msg.Block,
		msg.Nodes,
		msg.Length,
		msg.Roots,
		msg.Signature,
	)
	if err != nil {
		if !errors.Is(err, feed.ErrBadProof) && !errors.Is(err, feed.ErrBadSignature) {
			return err
		}
		s.mutex.Lock()
		s.skip.Set(uint(msg.Index))
		s.verifyFailures++
		failures := s.verifyFailures
		s.mutex.Unlock()
		s.logger.Warn(
			"discarding block that failed verification",
			"index", msg.Index,
			"error", err,
		)
		if failures > s.config.MaxVerifyFailures {
			return fmt.Errorf(
				"%s: %w: %d blocks failed verification: %w",
				ProtocolName,
				protocol.ErrProtocolViolation,
				failures,
				err,
			)
		}
		s.RequestMissing()
		return nil
	}
	if s.config.BlockFunc != nil {
		s.config.BlockFunc(s.callbackContext, msg.Index)
	}
	s.RequestMissing()
	return nil
}

func (s *Session) handleClose(msg *MsgClose) error {
	s.logger.Debug("peer closed session", "reason", msg.Reason)
	s.protocol.Stop()
	return nil
}
