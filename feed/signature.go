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

package feed

import (
	"crypto/ed25519"

	"github.com/blinklabs-io/godat/cbor"
	"github.com/blinklabs-io/godat/hashtree"
)

type signableRoot struct {
	cbor.StructAsArray
	Index uint64
	Hash  []byte
	Size  uint64
}

type signable struct {
	cbor.StructAsArray
	Length uint64
	Roots  []signableRoot
}

// signableBytes returns the canonical encoding of a signed head:
// [length, [[index, hash, size], ...]]
func signableBytes(length uint64, roots []hashtree.Node) ([]byte, error) {
	tmp := signable{
		Length: length,
		Roots:  make([]signableRoot, 0, len(roots)),
	}
	for _, root := range roots {
		tmp.Roots = append(
			tmp.Roots,
			signableRoot{
				Index: root.Index,
				Hash:  root.Hash[:],
				Size:  root.Size,
			},
		)
	}
	return cbor.Encode(&tmp)
}

func signHead(
	secretKey ed25519.PrivateKey,
	length uint64,
	roots []hashtree.Node,
) ([]byte, error) {
	msg, err := signableBytes(length, roots)
	if err != nil {
		return nil, err
	}
	return ed25519.Sign(secretKey, msg), nil
}

// VerifyHead reports whether signature is a valid signature by publicKey over
// the given length and roots
func VerifyHead(
	publicKey ed25519.PublicKey,
	length uint64,
	roots []hashtree.Node,
	signature []byte,
) bool {
	if len(signature) != ed25519.SignatureSize {
		return false
	}
	msg, err := signableBytes(length, roots)
	if err != nil {
		return false
	}
	return ed25519.Verify(publicKey, msg, signature)
}
