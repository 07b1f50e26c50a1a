// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package neuroget

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInspectLocal(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub-01"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README"), []byte("hello"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub-01", "a.txt"), []byte("partial"), 0o644))

	size := int64(100)
	entries := []ManifestEntry{
		{Path: "README", Size: &size},
		{Path: "sub-01/a.txt", Size: &size},
		{Path: "absent.txt", Size: &size},
	}

	states, err := inspectLocal(dir, entries)
	require.NoError(t, err)

	assert.True(t, states["README"].Exists)
	assert.Equal(t, int64(5), states["README"].Size)
	assert.True(t, states["sub-01/a.txt"].Exists)
	assert.Equal(t, int64(7), states["sub-01/a.txt"].Size)
	assert.False(t, states["absent.txt"].Exists)
	assert.Equal(t, int64(0), states["absent.txt"].Size)
}

func TestInspectLocalRejectsNonRegularFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "README"), 0o755))

	_, err := inspectLocal(dir, []ManifestEntry{{Path: "README"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a regular file")
}

func writeDescriptor(t *testing.T, dir, doi string) {
	t.Helper()
	body := `{"Name":"test dataset"`
	if doi != "" {
		body += `,"DatasetDOI":"` + doi + `"`
	}
	body += `}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "dataset_description.json"), []byte(body), 0o644))
}

func TestCheckDescriptor(t *testing.T) {
	snap := &Snapshot{Dataset: "ds000001", Tag: "1.0.0"}

	t.Run("absent descriptor allows resume", func(t *testing.T) {
		assert.NoError(t, checkDescriptor(t.TempDir(), snap))
	})

	t.Run("matching descriptor allows resume", func(t *testing.T) {
		dir := t.TempDir()
		writeDescriptor(t, dir, "doi:10.18112/openneuro.ds000001.v1.0.0")
		assert.NoError(t, checkDescriptor(dir, snap))
	})

	t.Run("different dataset refuses", func(t *testing.T) {
		dir := t.TempDir()
		writeDescriptor(t, dir, "doi:10.18112/openneuro.ds999999.v1.0.0")
		var merr *MismatchError
		require.ErrorAs(t, checkDescriptor(dir, snap), &merr)
		assert.Contains(t, merr.Found, "ds999999")
	})

	t.Run("different snapshot tag refuses", func(t *testing.T) {
		dir := t.TempDir()
		writeDescriptor(t, dir, "doi:10.18112/openneuro.ds000001.v2.0.0")
		var merr *MismatchError
		require.ErrorAs(t, checkDescriptor(dir, snap), &merr)
	})

	t.Run("missing DOI field allows resume", func(t *testing.T) {
		dir := t.TempDir()
		writeDescriptor(t, dir, "")
		assert.NoError(t, checkDescriptor(dir, snap))
	})

	t.Run("foreign DOI scheme allows resume", func(t *testing.T) {
		dir := t.TempDir()
		writeDescriptor(t, dir, "doi:10.5555/some.other.registry")
		assert.NoError(t, checkDescriptor(dir, snap))
	})

	t.Run("unparseable descriptor allows resume", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "dataset_description.json"), []byte("{not json"), 0o644))
		assert.NoError(t, checkDescriptor(dir, snap))
	})
}
