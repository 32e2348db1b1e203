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

// Package storage defines the persistence boundary of a feed. Backends store
// blocks and hash tree nodes by index along with the latest signed head.
package storage

import (
	"errors"

	"github.com/blinklabs-io/godat/hashtree"
)

// ErrNotFound is returned when a requested block, node or head is absent
var ErrNotFound = errors.New("not found")

// Storage is implemented by feed storage backends. Implementations must be
// safe for concurrent use.
type Storage interface {
	PutBlock(index uint64, data []byte) error
	GetBlock(index uint64) ([]byte, error)
	HasBlock(index uint64) (bool, error)
	PutNode(node hashtree.Node) error
	GetNode(index uint64) (hashtree.Node, error)
	// PutHead records the signed length. Backends keep only the latest head.
	PutHead(length uint64, signature []byte) error
	GetLength() (uint64, error)
	GetSignature() ([]byte, error)
	Close() error
}

// A Storage also backs a hash tree directly
var _ hashtree.NodeStore = Storage(nil)
