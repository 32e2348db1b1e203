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
	"log/slog"

	"github.com/blinklabs-io/godat/storage"
)

// FeedOptionFunc is a type that represents functions that modify the Feed config
type FeedOptionFunc func(*Feed)

// WithStorage specifies the storage backend. An in-memory backend is used
// when none is given.
func WithStorage(store storage.Storage) FeedOptionFunc {
	return func(f *Feed) {
		f.store = store
	}
}

// WithKeyPair makes the feed writable with the given secret key
func WithKeyPair(secretKey ed25519.PrivateKey) FeedOptionFunc {
	return func(f *Feed) {
		f.secretKey = secretKey
		f.publicKey = nil
	}
}

// WithPublicKey opens a read-only feed for the given public key
func WithPublicKey(publicKey ed25519.PublicKey) FeedOptionFunc {
	return func(f *Feed) {
		f.secretKey = nil
		f.publicKey = publicKey
	}
}

// WithLogger specifies the logger object to use for logging messages
func WithLogger(logger *slog.Logger) FeedOptionFunc {
	return func(f *Feed) {
		f.logger = logger
	}
}
