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

package dat_test

import (
	"errors"
	"strings"
	"testing"

	dat "github.com/blinklabs-io/godat"
	"github.com/blinklabs-io/godat/feed"
	"github.com/stretchr/testify/assert"
)

func TestAddressRoundTrip(t *testing.T) {
	publicKey, _, err := feed.GenerateKeyPair()
	assert.NoError(t, err)
	address := dat.FormatAddress(publicKey)
	assert.True(t, strings.HasPrefix(address, "dat://"))
	assert.Len(t, address, len("dat://")+64)
	parsed, err := dat.ParseAddress(address)
	assert.NoError(t, err)
	assert.Equal(t, publicKey, parsed)
	// The scheme is optional
	parsed, err = dat.ParseAddress(strings.TrimPrefix(address, "dat://"))
	assert.NoError(t, err)
	assert.Equal(t, publicKey, parsed)
}

func TestParseAddressInvalid(t *testing.T) {
	publicKey, _, err := feed.GenerateKeyPair()
	assert.NoError(t, err)
	valid := dat.FormatAddress(publicKey)
	testDefs := map[string]string{
		"empty":          "",
		"scheme only":    "dat://",
		"short":          valid[:len(valid)-2],
		"long":           valid + "00",
		"not hex":        "dat://" + strings.Repeat("zz", 32),
		"wrong scheme":   "http://" + strings.TrimPrefix(valid, "dat://"),
		"not on curve":   "dat://02" + strings.Repeat("00", 31),
		"trailing space": valid + " ",
	}
	for name, address := range testDefs {
		t.Run(name, func(t *testing.T) {
			_, err := dat.ParseAddress(address)
			if !errors.Is(err, dat.ErrInvalidAddress) {
				t.Fatalf("did not get expected error: got %v, wanted %v", err, dat.ErrInvalidAddress)
			}
		})
	}
}
