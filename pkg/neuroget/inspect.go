// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package neuroget

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// descriptorFile identifies the dataset at the destination root.
const descriptorFile = "dataset_description.json"

const doiPrefix = "10.18112/openneuro."

// LocalFileState is the observed state of one manifest entry at the
// destination. Recomputed at the start of each run, never cached.
type LocalFileState struct {
	Path   string
	Exists bool
	Size   int64
}

// inspectLocal scans the destination for each target entry. This is a
// metadata-only pass; no file content is read here.
func inspectLocal(dir string, entries []ManifestEntry) (map[string]LocalFileState, error) {
	states := make(map[string]LocalFileState, len(entries))
	for _, entry := range entries {
		st := LocalFileState{Path: entry.Path}
		fi, err := os.Stat(filepath.Join(dir, filepath.FromSlash(entry.Path)))
		switch {
		case err == nil && fi.Mode().IsRegular():
			st.Exists = true
			st.Size = fi.Size()
		case err == nil:
			return nil, fmt.Errorf("local path %s exists but is not a regular file", entry.Path)
		case !os.IsNotExist(err):
			return nil, err
		}
		states[entry.Path] = st
	}
	return states, nil
}

// checkDescriptor refuses to resume into a directory that already holds a
// different dataset or snapshot. The descriptor's DatasetDOI field encodes
// both: "doi:10.18112/openneuro.<id>.v<tag>". An absent, empty, or
// unparseable descriptor does not block resume.
func checkDescriptor(dir string, snap *Snapshot) error {
	raw, err := os.ReadFile(filepath.Join(dir, descriptorFile))
	if err != nil || len(raw) == 0 {
		return nil
	}

	var desc struct {
		DatasetDOI string `json:"DatasetDOI"`
	}
	if err := json.Unmarshal(raw, &desc); err != nil || desc.DatasetDOI == "" {
		return nil
	}

	doi := strings.TrimPrefix(desc.DatasetDOI, "doi:")
	rest, ok := strings.CutPrefix(doi, doiPrefix)
	if !ok {
		return nil
	}

	requested := snap.Dataset + ":" + snap.Tag
	i := strings.LastIndex(rest, ".v")
	if i < 0 {
		if rest != snap.Dataset {
			return &MismatchError{Dir: dir, Requested: requested, Found: rest}
		}
		return nil
	}

	localID, localTag := rest[:i], rest[i+2:]
	if localID != snap.Dataset {
		return &MismatchError{Dir: dir, Requested: requested, Found: localID + ":" + localTag}
	}
	if localTag != snap.Tag {
		return &MismatchError{Dir: dir, Requested: requested, Found: localID + ":" + localTag}
	}
	return nil
}
