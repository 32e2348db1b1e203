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

package hashtree

import "fmt"

// NodeStore is the index-addressed arena backing a Tree
type NodeStore interface {
	GetNode(index uint64) (Node, error)
	PutNode(node Node) error
}

// Arena is an in-memory NodeStore
type Arena map[uint64]Node

func (a Arena) GetNode(index uint64) (Node, error) {
	node, ok := a[index]
	if !ok {
		return Node{}, fmt.Errorf("%w: %d", ErrNodeNotFound, index)
	}
	return node, nil
}

func (a Arena) PutNode(node Node) error {
	a[node.Index] = node
	return nil
}

// AppendNodes returns the nodes created by appending a block to a tree with
// the given roots and block count: the new leaf followed by every new parent.
// Existing nodes are never recomputed.
func AppendNodes(roots []Node, blockCount uint64, data []byte) []Node {
	current := Leaf(blockCount, data)
	ret := []Node{current}
	for i := len(roots) - 1; i >= 0; i-- {
		if Sibling(current.Index) != roots[i].Index {
			break
		}
		current = Parent(roots[i], current)
		ret = append(ret, current)
	}
	return ret
}

// Tree is a hash tree whose nodes live in a NodeStore
type Tree struct {
	store  NodeStore
	length uint64
}

// NewTree returns a Tree over the store holding the given number of blocks
func NewTree(store NodeStore, length uint64) *Tree {
	return &Tree{
		store:  store,
		length: length,
	}
}

// Length returns the number of blocks in the tree
func (t *Tree) Length() uint64 {
	return t.length
}

// Grow raises the block count after nodes for a longer tree were stored
// externally. The length never decreases.
func (t *Tree) Grow(length uint64) {
	if length > t.length {
		t.length = length
	}
}

// Append adds a block and returns the nodes it created
func (t *Tree) Append(data []byte) ([]Node, error) {
	roots, err := t.Roots()
	if err != nil {
		return nil, err
	}
	nodes := AppendNodes(roots, t.length, data)
	for _, node := range nodes {
		if err := t.store.PutNode(node); err != nil {
			return nil, err
		}
	}
	t.length++
	return nodes, nil
}

// Node returns the node at the given flat position
func (t *Tree) Node(index uint64) (Node, error) {
	return t.store.GetNode(index)
}

// Roots returns the root nodes for the current length
func (t *Tree) Roots() ([]Node, error) {
	return t.RootsAt(t.length)
}

// RootsAt returns the root nodes for the given block count
func (t *Tree) RootsAt(blockCount uint64) ([]Node, error) {
	positions := Roots(blockCount)
	ret := make([]Node, 0, len(positions))
	for _, index := range positions {
		node, err := t.store.GetNode(index)
		if err != nil {
			return nil, err
		}
		ret = append(ret, node)
	}
	return ret, nil
}

// Proof returns the sibling nodes proving a block against the current roots
func (t *Tree) Proof(block uint64) ([]Node, error) {
	return t.ProofAt(block, t.length)
}

// ProofAt returns the sibling nodes proving a block against the roots of the
// given block count
func (t *Tree) ProofAt(block uint64, blockCount uint64) ([]Node, error) {
	path, err := ProofPath(block, blockCount)
	if err != nil {
		return nil, err
	}
	ret := make([]Node, 0, len(path))
	for _, index := range path {
		node, err := t.store.GetNode(index)
		if err != nil {
			return nil, err
		}
		ret = append(ret, node)
	}
	return ret, nil
}
