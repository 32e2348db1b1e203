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

// Package storagetest holds the behaviour every storage backend must share
package storagetest

import (
	"errors"
	"testing"

	"github.com/blinklabs-io/godat/hashtree"
	"github.com/blinklabs-io/godat/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Run exercises a backend produced by newStorage. The returned cleanup func
// is called after the backend has been closed.
func Run(t *testing.T, newStorage func(t *testing.T) (storage.Storage, func())) {
	t.Run("Blocks", func(t *testing.T) { testBlocks(t, newStorage) })
	t.Run("Nodes", func(t *testing.T) { testNodes(t, newStorage) })
	t.Run("Head", func(t *testing.T) { testHead(t, newStorage) })
	t.Run("Tree", func(t *testing.T) { testTree(t, newStorage) })
}

func testBlocks(t *testing.T, newStorage func(t *testing.T) (storage.Storage, func())) {
	store, cleanup := newStorage(t)
	defer cleanup()
	defer store.Close()

	_, err := store.GetBlock(0)
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("did not get expected error: got %v, wanted %v", err, storage.ErrNotFound)
	}
	ok, err := store.HasBlock(0)
	require.NoError(t, err)
	assert.False(t, ok)

	data := []byte("hello")
	require.NoError(t, store.PutBlock(3, data))
	// Caller mutations must not leak into the store
	data[0] = 'j'
	got, err := store.GetBlock(3)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)
	ok, err = store.HasBlock(3)
	require.NoError(t, err)
	assert.True(t, ok)

	// Empty blocks are valid blocks
	require.NoError(t, store.PutBlock(4, []byte{}))
	got, err = store.GetBlock(4)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func testNodes(t *testing.T, newStorage func(t *testing.T) (storage.Storage, func())) {
	store, cleanup := newStorage(t)
	defer cleanup()
	defer store.Close()

	_, err := store.GetNode(5)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	node := hashtree.Parent(
		hashtree.Leaf(2, []byte("c")),
		hashtree.Leaf(3, []byte("d")),
	)
	require.NoError(t, store.PutNode(node))
	got, err := store.GetNode(node.Index)
	require.NoError(t, err)
	assert.Equal(t, node, got)
}

func testHead(t *testing.T, newStorage func(t *testing.T) (storage.Storage, func())) {
	store, cleanup := newStorage(t)
	defer cleanup()
	defer store.Close()

	length, err := store.GetLength()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), length)
	_, err = store.GetSignature()
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, store.PutHead(2, []byte{0x01, 0x02}))
	require.NoError(t, store.PutHead(7, []byte{0x03}))
	length, err = store.GetLength()
	require.NoError(t, err)
	assert.Equal(t, uint64(7), length)
	sig, err := store.GetSignature()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x03}, sig)
}

func testTree(t *testing.T, newStorage func(t *testing.T) (storage.Storage, func())) {
	store, cleanup := newStorage(t)
	defer cleanup()
	defer store.Close()

	tree := hashtree.NewTree(store, 0)
	blocks := [][]byte{[]byte("a"), []byte("b"), []byte("c")}
	for _, block := range blocks {
		_, err := tree.Append(block)
		require.NoError(t, err)
	}
	roots, err := tree.Roots()
	require.NoError(t, err)
	assert.Len(t, roots, 2)
	assert.Equal(t, uint64(1), roots[0].Index)
	assert.Equal(t, uint64(4), roots[1].Index)
	for i, block := range blocks {
		proof, err := tree.Proof(uint64(i))
		require.NoError(t, err)
		assert.True(t, hashtree.Verify(uint64(i), block, proof, roots))
	}
}
