// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package credstore persists catalog access tokens on disk, one token per
// catalog host. The engine treats the store as read-only during a sync run.
package credstore

import (
	"fmt"
	"os"
	"path/filepath"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/afero"
	"gopkg.in/ini.v1"
)

// DefaultPath is the default location of the credential file.
const DefaultPath = "~/.config/neuroget/credentials.ini"

// fs is used for mock tests. It will be overridden by afero.NewMemMapFs()
// in the tests.
var fs = afero.NewOsFs()

// Store reads and writes per-host access tokens.
type Store struct {
	path string
}

// Open returns a store backed by the given file path. An empty path uses
// DefaultPath under the user's home directory.
func Open(path string) (*Store, error) {
	if path == "" {
		path = DefaultPath
	}
	expanded, err := homedir.Expand(path)
	if err != nil {
		return nil, fmt.Errorf("expand credential path: %w", err)
	}
	return &Store{path: expanded}, nil
}

// Get returns the token stored for the given host, or "" when none is
// configured. A missing credential file is not an error.
func (s *Store) Get(host string) (string, error) {
	exists, err := afero.Exists(fs, s.path)
	if err != nil {
		return "", err
	}
	if !exists {
		return "", nil
	}

	raw, err := afero.ReadFile(fs, s.path)
	if err != nil {
		return "", err
	}
	f, err := ini.Load(raw)
	if err != nil {
		return "", fmt.Errorf("parse %s: %w", s.path, err)
	}
	sec, err := f.GetSection(host)
	if err != nil {
		return "", nil
	}
	return sec.Key("token").String(), nil
}

// Set stores the token for the given host, creating the credential file
// with owner-only permissions when needed.
func (s *Store) Set(host, token string) error {
	f := ini.Empty()
	if raw, err := afero.ReadFile(fs, s.path); err == nil {
		if parsed, err := ini.Load(raw); err == nil {
			f = parsed
		}
	}

	f.Section(host).Key("token").SetValue(token)

	if err := fs.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	out, err := fs.OpenFile(s.path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := f.WriteTo(out); err != nil {
		return fmt.Errorf("write %s: %w", s.path, err)
	}
	return nil
}
