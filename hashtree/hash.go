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

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

const (
	// HashSize is the size of every node digest
	HashSize = blake2b.Size256

	// Prefixes keep a parent hash from ever being replayed as a leaf hash
	leafHashPrefix   byte = 0x00
	parentHashPrefix byte = 0x01
)

// Hash is a BLAKE2b-256 node digest
type Hash [HashSize]byte

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Node is a single hash tree node. Size is the combined byte length of the
// blocks covered by the node.
type Node struct {
	Index uint64
	Hash  Hash
	Size  uint64
}

func (n Node) String() string {
	return fmt.Sprintf("node(%d, %s, %d)", n.Index, n.Hash, n.Size)
}

// LeafHash returns the domain-separated hash of a block's raw bytes
func LeafHash(data []byte) Hash {
	buf := make([]byte, 0, 1+8+len(data))
	buf = append(buf, leafHashPrefix)
	buf = binary.BigEndian.AppendUint64(buf, uint64(len(data)))
	buf = append(buf, data...)
	return blake2b.Sum256(buf)
}

// ParentHash returns the domain-separated hash of two adjacent subtrees. Both
// subtree sizes are part of the input so that a proof binds content and size.
func ParentHash(left Node, right Node) Hash {
	buf := make([]byte, 0, 1+2*(8+HashSize))
	buf = append(buf, parentHashPrefix)
	buf = binary.BigEndian.AppendUint64(buf, left.Size)
	buf = append(buf, left.Hash[:]...)
	buf = binary.BigEndian.AppendUint64(buf, right.Size)
	buf = append(buf, right.Hash[:]...)
	return blake2b.Sum256(buf)
}

// Leaf returns the leaf node for the given block
func Leaf(block uint64, data []byte) Node {
	return Node{
		Index: LeafIndex(block),
		Hash:  LeafHash(data),
		Size:  uint64(len(data)),
	}
}

// Parent returns the node combining two siblings
func Parent(left Node, right Node) Node {
	return Node{
		Index: ParentOf(left.Index),
		Hash:  ParentHash(left, right),
		Size:  left.Size + right.Size,
	}
}

// combine joins a node with its sibling in the correct order
func combine(node Node, sibling Node) Node {
	if IsLeft(node.Index) {
		return Parent(node, sibling)
	}
	return Parent(sibling, node)
}
