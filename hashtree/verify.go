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

// Verify recomputes the path from the block's leaf using the proof nodes and
// reports whether the result is one of the expected roots
func Verify(block uint64, data []byte, proof []Node, roots []Node) bool {
	_, err := VerifyPath(block, data, proof, roots)
	return err == nil
}

// VerifyPath checks a proof like Verify and returns the nodes it proved: the
// leaf, every recomputed parent and the proof siblings, all with their flat
// positions filled in. The positions of the proof and root nodes are derived
// from the block index and the roots; any Index values supplied by the caller
// are ignored for the proof and must match for the roots.
func VerifyPath(
	block uint64,
	data []byte,
	proof []Node,
	roots []Node,
) ([]Node, error) {
	rootPositions := make([]uint64, 0, len(roots))
	for _, root := range roots {
		rootPositions = append(rootPositions, root.Index)
	}
	blockCount := BlockCount(rootPositions)
	expected := Roots(blockCount)
	if len(expected) != len(rootPositions) {
		return nil, fmt.Errorf("%w: root set is not well formed", ErrInvalidProof)
	}
	for i := range expected {
		if expected[i] != rootPositions[i] {
			return nil, fmt.Errorf(
				"%w: unexpected root position %d",
				ErrInvalidProof,
				rootPositions[i],
			)
		}
	}
	path, err := ProofPath(block, blockCount)
	if err != nil {
		return nil, err
	}
	if len(path) != len(proof) {
		return nil, fmt.Errorf(
			"%w: expected %d proof nodes, got %d",
			ErrInvalidProof,
			len(path),
			len(proof),
		)
	}
	ret := make([]Node, 0, 2*len(path)+1)
	current := Leaf(block, data)
	ret = append(ret, current)
	for i, sibling := range proof {
		sibling.Index = path[i]
		current = combine(current, sibling)
		ret = append(ret, sibling, current)
	}
	for _, root := range roots {
		if root.Index != current.Index {
			continue
		}
		if root.Hash != current.Hash || root.Size != current.Size {
			return nil, fmt.Errorf(
				"%w: computed root %d does not match",
				ErrInvalidProof,
				current.Index,
			)
		}
		return ret, nil
	}
	return nil, fmt.Errorf(
		"%w: no root at position %d",
		ErrInvalidProof,
		current.Index,
	)
}
