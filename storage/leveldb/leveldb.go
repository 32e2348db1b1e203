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

// Package leveldb implements a persistent feed Storage on top of goleveldb
package leveldb

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"github.com/blinklabs-io/godat/cbor"
	"github.com/blinklabs-io/godat/hashtree"
	"github.com/blinklabs-io/godat/storage"

	lru "github.com/hashicorp/golang-lru"
	"github.com/syndtr/goleveldb/leveldb"
	ldberr "github.com/syndtr/goleveldb/leveldb/errors"
	ldbs "github.com/syndtr/goleveldb/leveldb/storage"
)

const (
	DefaultNodeCacheSize = 4096

	blockKeyPrefix byte = 'b'
	nodeKeyPrefix  byte = 'n'
)

var headKey = []byte("head")

var _ storage.Storage = (*Store)(nil)

// Store keeps blocks, nodes and the signed head in a LevelDB database.
// Nodes are immutable once written, so reads are served from an LRU cache.
type Store struct {
	db        *leveldb.DB
	nodeCache *lru.Cache
	logger    *slog.Logger
}

type nodeRecord struct {
	cbor.StructAsArray
	Index uint64
	Hash  []byte
	Size  uint64
}

type headRecord struct {
	cbor.StructAsArray
	Length    uint64
	Signature []byte
}

type StoreOptionFunc func(*storeConfig)

type storeConfig struct {
	logger        *slog.Logger
	nodeCacheSize int
}

// WithLogger specifies the logger used for recovery messages
func WithLogger(logger *slog.Logger) StoreOptionFunc {
	return func(c *storeConfig) {
		c.logger = logger
	}
}

// WithNodeCacheSize specifies how many hash tree nodes are cached in memory
func WithNodeCacheSize(size int) StoreOptionFunc {
	return func(c *storeConfig) {
		c.nodeCacheSize = size
	}
}

func newConfig(options ...StoreOptionFunc) storeConfig {
	c := storeConfig{
		nodeCacheSize: DefaultNodeCacheSize,
	}
	for _, option := range options {
		option(&c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// NewInMemory returns a Store backed by LevelDB's memory storage
func NewInMemory(options ...StoreOptionFunc) (*Store, error) {
	db, err := leveldb.Open(ldbs.NewMemStorage(), nil)
	if err != nil {
		return nil, err
	}
	return newStore(db, newConfig(options...))
}

// New opens or creates a persistent Store at path. A corrupted database is
// recovered before use.
func New(path string, options ...StoreOptionFunc) (*Store, error) {
	c := newConfig(options...)
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		if !ldberr.IsCorrupted(err) {
			return nil, err
		}
		c.logger.Warn(
			"storage open failed, attempting recovery",
			"component", "storage",
			"path", path,
			"error", err,
		)
		db, err = leveldb.RecoverFile(path, nil)
		if err != nil {
			return nil, fmt.Errorf("storage recovery: %w", err)
		}
		c.logger.Warn("storage recovery done", "component", "storage", "path", path)
	}
	return newStore(db, c)
}

func newStore(db *leveldb.DB, c storeConfig) (*Store, error) {
	cache, err := lru.New(c.nodeCacheSize)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{
		db:        db,
		nodeCache: cache,
		logger:    c.logger,
	}, nil
}

func indexKey(prefix byte, index uint64) []byte {
	key := make([]byte, 0, 9)
	key = append(key, prefix)
	return binary.BigEndian.AppendUint64(key, index)
}

func (s *Store) get(key []byte) ([]byte, error) {
	data, err := s.db.Get(key, nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

func (s *Store) PutBlock(index uint64, data []byte) error {
	return s.db.Put(indexKey(blockKeyPrefix, index), data, nil)
}

func (s *Store) GetBlock(index uint64) ([]byte, error) {
	data, err := s.get(indexKey(blockKeyPrefix, index))
	if err != nil {
		return nil, fmt.Errorf("block %d: %w", index, err)
	}
	return data, nil
}

func (s *Store) HasBlock(index uint64) (bool, error) {
	return s.db.Has(indexKey(blockKeyPrefix, index), nil)
}

func (s *Store) PutNode(node hashtree.Node) error {
	data, err := cbor.Encode(&nodeRecord{
		Index: node.Index,
		Hash:  node.Hash[:],
		Size:  node.Size,
	})
	if err != nil {
		return err
	}
	if err := s.db.Put(indexKey(nodeKeyPrefix, node.Index), data, nil); err != nil {
		return err
	}
	s.nodeCache.Add(node.Index, node)
	return nil
}

func (s *Store) GetNode(index uint64) (hashtree.Node, error) {
	if cached, ok := s.nodeCache.Get(index); ok {
		return cached.(hashtree.Node), nil
	}
	data, err := s.get(indexKey(nodeKeyPrefix, index))
	if err != nil {
		return hashtree.Node{}, fmt.Errorf("node %d: %w", index, err)
	}
	var rec nodeRecord
	if err := cbor.DecodeExact(data, &rec); err != nil {
		return hashtree.Node{}, fmt.Errorf("decode node %d: %w", index, err)
	}
	if rec.Index != index || len(rec.Hash) != hashtree.HashSize {
		return hashtree.Node{}, fmt.Errorf("node %d: corrupt record", index)
	}
	node := hashtree.Node{
		Index: rec.Index,
		Size:  rec.Size,
	}
	copy(node.Hash[:], rec.Hash)
	s.nodeCache.Add(index, node)
	return node, nil
}

func (s *Store) PutHead(length uint64, signature []byte) error {
	data, err := cbor.Encode(&headRecord{
		Length:    length,
		Signature: signature,
	})
	if err != nil {
		return err
	}
	return s.db.Put(headKey, data, nil)
}

func (s *Store) getHead() (headRecord, error) {
	var rec headRecord
	data, err := s.get(headKey)
	if err != nil {
		return rec, err
	}
	if err := cbor.DecodeExact(data, &rec); err != nil {
		return rec, fmt.Errorf("decode head: %w", err)
	}
	return rec, nil
}

func (s *Store) GetLength() (uint64, error) {
	rec, err := s.getHead()
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return rec.Length, nil
}

func (s *Store) GetSignature() ([]byte, error) {
	rec, err := s.getHead()
	if err != nil {
		return nil, fmt.Errorf("signature: %w", err)
	}
	return rec.Signature, nil
}

// Close releases the resources used by the store
func (s *Store) Close() error {
	s.nodeCache.Purge()
	return s.db.Close()
}
