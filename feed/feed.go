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

// Package feed implements a single-writer append-only log whose blocks can be
// verified individually against a signed hash tree root set
package feed

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bits-and-blooms/bitset"
	"github.com/blinklabs-io/godat/hashtree"
	"github.com/blinklabs-io/godat/storage"
)

// Feed is a signed append-only log. A feed holding the secret key is writable;
// any other feed only accepts blocks that pass VerifyAndStore.
type Feed struct {
	mutex        sync.RWMutex
	store        storage.Storage
	tree         *hashtree.Tree
	publicKey    ed25519.PublicKey
	secretKey    ed25519.PrivateKey
	discoveryKey DiscoveryKey
	signature    []byte
	have         *bitset.BitSet
	closed       bool
	logger       *slog.Logger
}

// AppendResult describes the feed head after an append
type AppendResult struct {
	Length    uint64
	Roots     []hashtree.Node
	Signature []byte
}

// Proof is everything a peer needs to verify a single block
type Proof struct {
	Index     uint64
	Block     []byte
	Nodes     []hashtree.Node
	Length    uint64
	Roots     []hashtree.Node
	Signature []byte
}

// Range is a contiguous run of blocks
type Range struct {
	Start  uint64
	Length uint64
}

// New returns a Feed with the specified options. Existing state is loaded from
// the storage backend.
func New(options ...FeedOptionFunc) (*Feed, error) {
	f := &Feed{}
	for _, option := range options {
		option(f)
	}
	if f.logger == nil {
		f.logger = slog.Default()
	}
	if f.secretKey != nil {
		if len(f.secretKey) != ed25519.PrivateKeySize {
			return nil, fmt.Errorf(
				"%w: expected %d byte secret key, got %d",
				ErrInvalidPublicKey,
				ed25519.PrivateKeySize,
				len(f.secretKey),
			)
		}
		f.publicKey = f.secretKey.Public().(ed25519.PublicKey)
	}
	if f.publicKey == nil {
		return nil, ErrNoKey
	}
	if err := ValidatePublicKey(f.publicKey); err != nil {
		return nil, err
	}
	f.discoveryKey = NewDiscoveryKey(f.publicKey)
	if f.store == nil {
		f.store = storage.NewMemory()
	}
	if err := f.load(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *Feed) load() error {
	length, err := f.store.GetLength()
	if err != nil {
		return fmt.Errorf("load length: %w", err)
	}
	if length > 0 {
		sig, err := f.store.GetSignature()
		if err != nil {
			return fmt.Errorf("load signature: %w", err)
		}
		f.signature = sig
	}
	f.tree = hashtree.NewTree(f.store, length)
	f.have = bitset.New(uint(length))
	for i := range length {
		ok, err := f.store.HasBlock(i)
		if err != nil {
			return fmt.Errorf("load block %d: %w", i, err)
		}
		if ok {
			f.have.Set(uint(i))
		}
	}
	f.logger.Debug(
		"loaded feed",
		"component", "feed",
		"discovery_key", f.discoveryKey.String(),
		"length", length,
		"blocks", f.have.Count(),
	)
	return nil
}

// PublicKey returns the feed's ed25519 public key
func (f *Feed) PublicKey() ed25519.PublicKey {
	return f.publicKey
}

// DiscoveryKey returns the key used to find peers for this feed
func (f *Feed) DiscoveryKey() DiscoveryKey {
	return f.discoveryKey
}

// Writable reports whether the feed holds the secret key
func (f *Feed) Writable() bool {
	return f.secretKey != nil
}

// Length returns the latest signed length known to the feed
func (f *Feed) Length() uint64 {
	f.mutex.RLock()
	defer f.mutex.RUnlock()
	return f.tree.Length()
}

// Signature returns the signature over the current length and roots
func (f *Feed) Signature() []byte {
	f.mutex.RLock()
	defer f.mutex.RUnlock()
	return append([]byte(nil), f.signature...)
}

// Roots returns the root nodes for the current length
func (f *Feed) Roots() ([]hashtree.Node, error) {
	f.mutex.RLock()
	defer f.mutex.RUnlock()
	if f.closed {
		return nil, ErrClosed
	}
	return f.tree.Roots()
}

// Has reports whether the block is stored locally
func (f *Feed) Has(index uint64) bool {
	f.mutex.RLock()
	defer f.mutex.RUnlock()
	return f.have.Test(uint(index))
}

// HaveRanges returns the contiguous runs of locally stored blocks
func (f *Feed) HaveRanges() []Range {
	f.mutex.RLock()
	defer f.mutex.RUnlock()
	var ret []Range
	start, ok := f.have.NextSet(0)
	for ok {
		end, found := f.have.NextClear(start)
		if !found {
			end = f.have.Len()
		}
		ret = append(
			ret,
			Range{
				Start:  uint64(start),
				Length: uint64(end - start),
			},
		)
		start, ok = f.have.NextSet(end)
	}
	return ret
}

// Append adds a block to the end of a writable feed and signs the new head
func (f *Feed) Append(data []byte) (AppendResult, error) {
	if !f.Writable() {
		return AppendResult{}, ErrNotWritable
	}
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if f.closed {
		return AppendResult{}, ErrClosed
	}
	index := f.tree.Length()
	if err := f.store.PutBlock(index, data); err != nil {
		return AppendResult{}, fmt.Errorf("store block %d: %w", index, err)
	}
	if _, err := f.tree.Append(data); err != nil {
		return AppendResult{}, fmt.Errorf("append block %d: %w", index, err)
	}
	length := f.tree.Length()
	roots, err := f.tree.Roots()
	if err != nil {
		return AppendResult{}, err
	}
	sig, err := signHead(f.secretKey, length, roots)
	if err != nil {
		return AppendResult{}, fmt.Errorf("sign head: %w", err)
	}
	if err := f.store.PutHead(length, sig); err != nil {
		return AppendResult{}, fmt.Errorf("store head: %w", err)
	}
	f.signature = sig
	f.have.Set(uint(index))
	f.logger.Debug(
		"appended block",
		"component", "feed",
		"index", index,
		"size", len(data),
	)
	return AppendResult{
		Length:    length,
		Roots:     roots,
		Signature: append([]byte(nil), sig...),
	}, nil
}

// Get returns a locally stored block
func (f *Feed) Get(index uint64) ([]byte, error) {
	f.mutex.RLock()
	defer f.mutex.RUnlock()
	if f.closed {
		return nil, ErrClosed
	}
	if !f.have.Test(uint(index)) {
		return nil, fmt.Errorf("%w: block %d", ErrNotFound, index)
	}
	return f.store.GetBlock(index)
}

// Proof returns a block together with the nodes proving it against the
// current signed head. ErrNotFound is returned when the block or any node
// needed for the proof is not available locally.
func (f *Feed) Proof(index uint64) (*Proof, error) {
	f.mutex.RLock()
	defer f.mutex.RUnlock()
	if f.closed {
		return nil, ErrClosed
	}
	if !f.have.Test(uint(index)) {
		return nil, fmt.Errorf("%w: block %d", ErrNotFound, index)
	}
	block, err := f.store.GetBlock(index)
	if err != nil {
		return nil, err
	}
	length := f.tree.Length()
	nodes, err := f.tree.ProofAt(index, length)
	if err != nil {
		return nil, fmt.Errorf("%w: proof for block %d: %s", ErrNotFound, index, err)
	}
	roots, err := f.tree.RootsAt(length)
	if err != nil {
		return nil, fmt.Errorf("%w: roots for length %d: %s", ErrNotFound, length, err)
	}
	return &Proof{
		Index:     index,
		Block:     block,
		Nodes:     nodes,
		Length:    length,
		Roots:     roots,
		Signature: append([]byte(nil), f.signature...),
	}, nil
}

// VerifyAndStore checks a block received from an untrusted peer and stores it
// only if the signature over (length, roots) and the Merkle proof are valid
// and consistent with what the feed already trusts. Storing an already
// stored block is a successful no-op. The positions of the proof and root
// nodes are derived from index and length.
func (f *Feed) VerifyAndStore(
	index uint64,
	block []byte,
	proof []hashtree.Node,
	length uint64,
	roots []hashtree.Node,
	signature []byte,
) error {
	f.mutex.RLock()
	closed := f.closed
	stored := f.have.Test(uint(index))
	f.mutex.RUnlock()
	if closed {
		return ErrClosed
	}
	if stored {
		return nil
	}
	if index >= length {
		return fmt.Errorf(
			"%w: block %d beyond claimed length %d",
			ErrBadProof,
			index,
			length,
		)
	}
	positions := hashtree.Roots(length)
	if len(positions) != len(roots) {
		return fmt.Errorf(
			"%w: expected %d roots for length %d, got %d",
			ErrBadProof,
			len(positions),
			length,
			len(roots),
		)
	}
	trustedRoots := make([]hashtree.Node, len(roots))
	for i, root := range roots {
		root.Index = positions[i]
		trustedRoots[i] = root
	}
	if !VerifyHead(f.publicKey, length, trustedRoots, signature) {
		return fmt.Errorf("%w: block %d, length %d", ErrBadSignature, index, length)
	}
	nodes, err := hashtree.VerifyPath(index, block, proof, trustedRoots)
	if err != nil {
		return fmt.Errorf("%w: block %d: %s", ErrBadProof, index, err)
	}
	nodes = append(nodes, trustedRoots...)

	f.mutex.Lock()
	defer f.mutex.Unlock()
	if f.closed {
		return ErrClosed
	}
	// Another session may have stored it while we were verifying
	if f.have.Test(uint(index)) {
		return nil
	}
	if err := f.checkConsistent(nodes); err != nil {
		return err
	}
	if err := f.store.PutBlock(index, block); err != nil {
		return fmt.Errorf("store block %d: %w", index, err)
	}
	for _, node := range nodes {
		if err := f.store.PutNode(node); err != nil {
			return fmt.Errorf("store node %d: %w", node.Index, err)
		}
	}
	if length > f.tree.Length() {
		if err := f.store.PutHead(length, signature); err != nil {
			return fmt.Errorf("store head: %w", err)
		}
		f.tree.Grow(length)
		f.signature = append([]byte(nil), signature...)
	}
	f.have.Set(uint(index))
	if err := f.fillParents(hashtree.LeafIndex(index)); err != nil {
		return err
	}
	f.logger.Debug(
		"verified block",
		"component", "feed",
		"index", index,
		"length", length,
	)
	return nil
}

// checkConsistent rejects nodes that disagree with already trusted nodes at
// the same position
func (f *Feed) checkConsistent(nodes []hashtree.Node) error {
	for _, node := range nodes {
		existing, err := f.store.GetNode(node.Index)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return err
		}
		if existing != node {
			return fmt.Errorf(
				"%w: node %d conflicts with trusted node",
				ErrBadProof,
				node.Index,
			)
		}
	}
	return nil
}

// fillParents walks up from a node and computes every parent whose children
// are both known, staying within the current length
func (f *Feed) fillParents(index uint64) error {
	length := f.tree.Length()
	for current := index; ; {
		parent := hashtree.ParentOf(current)
		if hashtree.RightSpan(parent)/2 >= length {
			return nil
		}
		if _, err := f.store.GetNode(parent); err == nil {
			current = parent
			continue
		}
		left, right, _ := hashtree.Children(parent)
		leftNode, err := f.store.GetNode(left)
		if err != nil {
			return nil
		}
		rightNode, err := f.store.GetNode(right)
		if err != nil {
			return nil
		}
		if err := f.store.PutNode(hashtree.Parent(leftNode, rightNode)); err != nil {
			return fmt.Errorf("store node %d: %w", parent, err)
		}
		current = parent
	}
}

// Close releases the storage backend. Further operations fail with ErrClosed.
func (f *Feed) Close() error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	return f.store.Close()
}
