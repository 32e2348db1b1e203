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

package dat

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/blinklabs-io/godat/feed"
)

// AddressScheme prefixes a feed address
const AddressScheme = "dat://"

// ParseAddress returns the public key named by a feed address of the form
// dat://<64 hex characters>. The scheme is optional.
func ParseAddress(address string) (ed25519.PublicKey, error) {
	keyHex := strings.TrimPrefix(address, AddressScheme)
	if len(keyHex) != hex.EncodedLen(ed25519.PublicKeySize) {
		return nil, fmt.Errorf(
			"%w: expected %d hex characters, got %d",
			ErrInvalidAddress,
			hex.EncodedLen(ed25519.PublicKeySize),
			len(keyHex),
		)
	}
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAddress, err)
	}
	if err := feed.ValidatePublicKey(key); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAddress, err)
	}
	return ed25519.PublicKey(key), nil
}

// FormatAddress returns the feed address for a public key
func FormatAddress(publicKey ed25519.PublicKey) string {
	return AddressScheme + hex.EncodeToString(publicKey)
}
