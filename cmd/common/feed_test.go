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

package common_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/blinklabs-io/godat/cmd/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOrCreateSecretKey(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "dat")
	created, err := common.LoadOrCreateSecretKey(dir)
	require.NoError(t, err)
	loaded, err := common.LoadOrCreateSecretKey(dir)
	require.NoError(t, err)
	assert.Equal(t, created, loaded)
}

func TestLoadSecretKeyInvalid(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "secret_key"), []byte("abcd\n"), 0o600))
	if _, err := common.LoadOrCreateSecretKey(dir); err == nil {
		t.Fatalf("did not get expected error for short key")
	}
}

func TestOpenWriterPersists(t *testing.T) {
	dir := t.TempDir()
	writer, err := common.OpenWriter(dir, nil)
	require.NoError(t, err)
	_, err = writer.Append([]byte("hello"))
	require.NoError(t, err)
	publicKey := writer.PublicKey()
	require.NoError(t, writer.Close())

	reopened, err := common.OpenWriter(dir, nil)
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, publicKey, reopened.PublicKey())
	assert.Equal(t, uint64(1), reopened.Length())
	block, err := reopened.Get(0)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), block)
}

func TestOpenReader(t *testing.T) {
	writer, err := common.OpenWriter("", nil)
	require.NoError(t, err)
	defer writer.Close()
	reader, err := common.OpenReader(t.TempDir(), writer.PublicKey(), nil)
	require.NoError(t, err)
	defer reader.Close()
	assert.False(t, reader.Writable())
	assert.Equal(t, writer.DiscoveryKey(), reader.DiscoveryKey())
	assert.Equal(t, uint64(0), reader.Length())
}
