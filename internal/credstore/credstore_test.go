// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package credstore

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func useMemFs(t *testing.T) {
	t.Helper()
	old := fs
	fs = afero.NewMemMapFs()
	t.Cleanup(func() { fs = old })
}

func TestGetMissingFileIsNotAnError(t *testing.T) {
	useMemFs(t)

	store, err := Open("/home/user/.config/neuroget/credentials.ini")
	require.NoError(t, err)

	tok, err := store.Get("openneuro.org")
	require.NoError(t, err)
	assert.Empty(t, tok)
}

func TestSetAndGetRoundTrip(t *testing.T) {
	useMemFs(t)

	store, err := Open("/home/user/.config/neuroget/credentials.ini")
	require.NoError(t, err)

	require.NoError(t, store.Set("openneuro.org", "token-one"))

	tok, err := store.Get("openneuro.org")
	require.NoError(t, err)
	assert.Equal(t, "token-one", tok)

	// Unknown host yields no token, not an error.
	tok, err = store.Get("mirror.example.org")
	require.NoError(t, err)
	assert.Empty(t, tok)
}

func TestSetKeepsOtherHosts(t *testing.T) {
	useMemFs(t)

	store, err := Open("/home/user/.config/neuroget/credentials.ini")
	require.NoError(t, err)

	require.NoError(t, store.Set("openneuro.org", "token-one"))
	require.NoError(t, store.Set("mirror.example.org", "token-two"))
	require.NoError(t, store.Set("openneuro.org", "token-three"))

	tok, err := store.Get("openneuro.org")
	require.NoError(t, err)
	assert.Equal(t, "token-three", tok)

	tok, err = store.Get("mirror.example.org")
	require.NoError(t, err)
	assert.Equal(t, "token-two", tok)
}

func TestOpenDefaultsPath(t *testing.T) {
	store, err := Open("")
	require.NoError(t, err)
	assert.NotEmpty(t, store.path)
	assert.NotContains(t, store.path, "~", "path must be expanded")
}
