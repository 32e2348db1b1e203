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
	"errors"

	"github.com/blinklabs-io/godat/hashtree"
	"github.com/blinklabs-io/godat/storage"
)

var (
	ErrNotWritable      = errors.New("feed is not writable")
	ErrBadSignature     = errors.New("bad signature")
	ErrBadProof         = errors.New("bad proof")
	ErrClosed           = errors.New("feed is closed")
	ErrNoKey            = errors.New("no key specified")
	ErrInvalidPublicKey = errors.New("invalid public key")

	// ErrNotFound is the storage sentinel so that callers can match either
	ErrNotFound = storage.ErrNotFound

	ErrIndexOutOfRange = hashtree.ErrIndexOutOfRange
)
