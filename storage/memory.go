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

package storage

import (
	"errors"
	"fmt"
	"sync"

	"github.com/blinklabs-io/godat/hashtree"
)

var errClosed = errors.New("storage closed")

// Memory is a Storage kept entirely in process memory
type Memory struct {
	mutex     sync.RWMutex
	blocks    map[uint64][]byte
	nodes     map[uint64]hashtree.Node
	length    uint64
	signature []byte
	closed    bool
}

// NewMemory returns an empty in-memory Storage
func NewMemory() *Memory {
	return &Memory{
		blocks: make(map[uint64][]byte),
		nodes:  make(map[uint64]hashtree.Node),
	}
}

func (m *Memory) PutBlock(index uint64, data []byte) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.closed {
		return errClosed
	}
	m.blocks[index] = append([]byte(nil), data...)
	return nil
}

func (m *Memory) GetBlock(index uint64) ([]byte, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	if m.closed {
		return nil, errClosed
	}
	data, ok := m.blocks[index]
	if !ok {
		return nil, fmt.Errorf("block %d: %w", index, ErrNotFound)
	}
	return append([]byte(nil), data...), nil
}

func (m *Memory) HasBlock(index uint64) (bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	if m.closed {
		return false, errClosed
	}
	_, ok := m.blocks[index]
	return ok, nil
}

func (m *Memory) PutNode(node hashtree.Node) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.closed {
		return errClosed
	}
	m.nodes[node.Index] = node
	return nil
}

func (m *Memory) GetNode(index uint64) (hashtree.Node, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	if m.closed {
		return hashtree.Node{}, errClosed
	}
	node, ok := m.nodes[index]
	if !ok {
		return hashtree.Node{}, fmt.Errorf("node %d: %w", index, ErrNotFound)
	}
	return node, nil
}

func (m *Memory) PutHead(length uint64, signature []byte) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.closed {
		return errClosed
	}
	m.length = length
	m.signature = append([]byte(nil), signature...)
	return nil
}

func (m *Memory) GetLength() (uint64, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	if m.closed {
		return 0, errClosed
	}
	return m.length, nil
}

func (m *Memory) GetSignature() ([]byte, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	if m.closed {
		return nil, errClosed
	}
	if m.signature == nil {
		return nil, fmt.Errorf("signature: %w", ErrNotFound)
	}
	return append([]byte(nil), m.signature...), nil
}

func (m *Memory) Close() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.closed = true
	m.blocks = nil
	m.nodes = nil
	return nil
}
