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

package test

import (
	"crypto/ed25519"
	"testing"

	"github.com/blinklabs-io/godat/feed"
)

// NewWriter returns a writable in-memory feed holding the given blocks
func NewWriter(t testing.TB, blocks ...string) *feed.Feed {
	t.Helper()
	_, secretKey, err := feed.GenerateKeyPair()
	if err != nil {
		t.Fatalf("unexpected error generating key pair: %s", err)
	}
	f, err := feed.New(feed.WithKeyPair(secretKey))
	if err != nil {
		t.Fatalf("unexpected error creating feed: %s", err)
	}
	for _, block := range blocks {
		if _, err := f.Append([]byte(block)); err != nil {
			t.Fatalf("unexpected error appending block: %s", err)
		}
	}
	return f
}

// NewReader returns an empty read-only in-memory feed for the given public key
func NewReader(t testing.TB, publicKey ed25519.PublicKey) *feed.Feed {
	t.Helper()
	f, err := feed.New(feed.WithPublicKey(publicKey))
	if err != nil {
		t.Fatalf("unexpected error creating feed: %s", err)
	}
	return f
}

// CopyBlock fetches a block with its proof from src and stores it in dst
func CopyBlock(t testing.TB, src *feed.Feed, dst *feed.Feed, index uint64) {
	t.Helper()
	proof, err := src.Proof(index)
	if err != nil {
		t.Fatalf("unexpected error building proof for block %d: %s", index, err)
	}
	err = dst.VerifyAndStore(
		proof.Index,
		proof.Block,
		proof.Nodes,
		proof.Length,
		proof.Roots,
		proof.Signature,
	)
	if err != nil {
		t.Fatalf("unexpected error storing block %d: %s", index, err)
	}
}
