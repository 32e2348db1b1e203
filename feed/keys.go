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
	"crypto/rand"
	"fmt"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/blake2b"
)

const DiscoveryKeySize = blake2b.Size256

// discoveryKeyContext is hashed under the public key to derive the
// discovery key, which can be announced without revealing the public key
var discoveryKeyContext = []byte("hypercore")

// DiscoveryKey is the public handle used to find peers for a feed
type DiscoveryKey [DiscoveryKeySize]byte

func (k DiscoveryKey) String() string {
	return fmt.Sprintf("%x", k[:])
}

// GenerateKeyPair creates a new ed25519 key pair for a writable feed
func GenerateKeyPair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(rand.Reader)
}

// NewDiscoveryKey derives the discovery key for a public key
func NewDiscoveryKey(publicKey ed25519.PublicKey) DiscoveryKey {
	h, err := blake2b.New256(publicKey)
	if err != nil {
		// Only possible with a key longer than 64 bytes
		panic(fmt.Sprintf("unexpected error deriving discovery key: %s", err))
	}
	h.Write(discoveryKeyContext)
	var ret DiscoveryKey
	copy(ret[:], h.Sum(nil))
	return ret
}

// ValidatePublicKey checks that the key is the encoding of a point on the
// Edwards25519 curve
func ValidatePublicKey(publicKey []byte) error {
	if len(publicKey) != ed25519.PublicKeySize {
		return fmt.Errorf(
			"%w: expected %d bytes, got %d",
			ErrInvalidPublicKey,
			ed25519.PublicKeySize,
			len(publicKey),
		)
	}
	if _, err := new(edwards25519.Point).SetBytes(publicKey); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidPublicKey, err)
	}
	return nil
}
