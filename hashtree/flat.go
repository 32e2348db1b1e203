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

import "math/bits"

// Flat-tree addressing maps the nodes of a binary tree onto the integers by an
// in-order walk. Leaves sit on even positions (block i is at 2*i) and every
// interior node sits between the two subtrees it covers:
//
//	      3
//	  1       5
//	0   2   4   6
//
// All of the helpers below are pure integer arithmetic.

// Depth returns the height of the node above the leaf layer
func Depth(index uint64) uint {
	return uint(bits.TrailingZeros64(^index))
}

// Offset returns the position of the node within its layer
func Offset(index uint64) uint64 {
	return index >> (Depth(index) + 1)
}

// IndexOf returns the flat position of the node at the given depth and offset
func IndexOf(depth uint, offset uint64) uint64 {
	return (offset << (depth + 1)) | ((uint64(1) << depth) - 1)
}

// LeafIndex returns the flat position of the leaf for the given block
func LeafIndex(block uint64) uint64 {
	return block * 2
}

// ParentOf returns the flat position of the node's parent
func ParentOf(index uint64) uint64 {
	depth := Depth(index)
	return IndexOf(depth+1, Offset(index)>>1)
}

// Sibling returns the flat position of the other child of the node's parent
func Sibling(index uint64) uint64 {
	depth := Depth(index)
	return IndexOf(depth, Offset(index)^1)
}

// IsLeft reports whether the node is the left child of its parent
func IsLeft(index uint64) bool {
	return Offset(index)&1 == 0
}

// Children returns the flat positions of the node's children. Leaves have no
// children, in which case ok is false.
func Children(index uint64) (left uint64, right uint64, ok bool) {
	depth := Depth(index)
	if depth == 0 {
		return 0, 0, false
	}
	offset := Offset(index) * 2
	return IndexOf(depth-1, offset), IndexOf(depth-1, offset+1), true
}

// LeftSpan returns the flat position of the leftmost leaf covered by the node
func LeftSpan(index uint64) uint64 {
	depth := Depth(index)
	return Offset(index) << (depth + 1)
}

// RightSpan returns the flat position of the rightmost leaf covered by the node
func RightSpan(index uint64) uint64 {
	depth := Depth(index)
	return (Offset(index)+1)<<(depth+1) - 2
}

// Covers reports whether the subtree rooted at index contains the given
// flat position
func Covers(index uint64, position uint64) bool {
	return LeftSpan(index) <= position && position <= RightSpan(index)
}

// Roots returns the flat positions of the perfect subtrees that together
// cover the blocks [0, blockCount), ordered from left to right. An empty feed
// has no roots.
func Roots(blockCount uint64) []uint64 {
	var ret []uint64
	remaining := blockCount
	offset := uint64(0)
	for remaining > 0 {
		// Largest power of two that still fits
		factor := uint64(1) << (63 - bits.LeadingZeros64(remaining))
		ret = append(ret, offset+factor-1)
		offset += 2 * factor
		remaining -= factor
	}
	return ret
}

// ProofPath returns the flat positions of the sibling nodes needed to
// recompute the root covering the given block, ordered from the leaf upwards
func ProofPath(block uint64, blockCount uint64) ([]uint64, error) {
	if block >= blockCount {
		return nil, indexOutOfRange(block, blockCount)
	}
	leaf := LeafIndex(block)
	var root uint64
	for _, r := range Roots(blockCount) {
		if Covers(r, leaf) {
			root = r
			break
		}
	}
	var ret []uint64
	for current := leaf; current != root; current = ParentOf(current) {
		ret = append(ret, Sibling(current))
	}
	return ret, nil
}

// BlockCount returns the number of blocks implied by a root set, which is one
// past the rightmost leaf of the last root
func BlockCount(roots []uint64) uint64 {
	if len(roots) == 0 {
		return 0
	}
	return RightSpan(roots[len(roots)-1])/2 + 1
}
