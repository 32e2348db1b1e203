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

package common

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/blinklabs-io/godat/feed"
	"github.com/blinklabs-io/godat/storage/leveldb"
)

const (
	secretKeyFile = "secret_key"
	feedsDir      = "feeds"
)

// LoadOrCreateSecretKey reads the hex encoded secret key in dir, generating
// and saving a new one if there is none
func LoadOrCreateSecretKey(dir string) (ed25519.PrivateKey, error) {
	path := filepath.Join(dir, secretKeyFile)
	data, err := os.ReadFile(path)
	if err == nil {
		key, err := hex.DecodeString(strings.TrimSpace(string(data)))
		if err != nil {
			return nil, fmt.Errorf("decode secret key %s: %w", path, err)
		}
		if len(key) != ed25519.PrivateKeySize {
			return nil, fmt.Errorf(
				"invalid secret key %s: got %d bytes, expected %d",
				path,
				len(key),
				ed25519.PrivateKeySize,
			)
		}
		return ed25519.PrivateKey(key), nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	_, secretKey, err := feed.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(secretKey)+"\n"), 0o600); err != nil {
		return nil, err
	}
	return secretKey, nil
}

// OpenWriter opens the feed owned by the secret key in dir. Without a dir a
// fresh key and in-memory storage are used.
func OpenWriter(dir string, logger *slog.Logger) (*feed.Feed, error) {
	if dir == "" {
		_, secretKey, err := feed.GenerateKeyPair()
		if err != nil {
			return nil, err
		}
		return feed.New(feed.WithKeyPair(secretKey), feed.WithLogger(logger))
	}
	secretKey, err := LoadOrCreateSecretKey(dir)
	if err != nil {
		return nil, err
	}
	publicKey, _ := secretKey.Public().(ed25519.PublicKey)
	return openFeed(dir, publicKey, logger, feed.WithKeyPair(secretKey))
}

// OpenReader opens a read-only replica of the feed for publicKey
func OpenReader(dir string, publicKey ed25519.PublicKey, logger *slog.Logger) (*feed.Feed, error) {
	if dir == "" {
		return feed.New(feed.WithPublicKey(publicKey), feed.WithLogger(logger))
	}
	return openFeed(dir, publicKey, logger, feed.WithPublicKey(publicKey))
}

func openFeed(
	dir string,
	publicKey ed25519.PublicKey,
	logger *slog.Logger,
	keyOption feed.FeedOptionFunc,
) (*feed.Feed, error) {
	path := filepath.Join(dir, feedsDir, hex.EncodeToString(publicKey))
	store, err := leveldb.New(path, leveldb.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("open storage %s: %w", path, err)
	}
	f, err := feed.New(keyOption, feed.WithStorage(store), feed.WithLogger(logger))
	if err != nil {
		store.Close()
		return nil, err
	}
	return f, nil
}
