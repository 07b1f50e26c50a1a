// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package neuroget

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"
)

// hashAlgoFor infers the digest algorithm from its length: the transfer
// servers report md5 (32 hex digits, S3-style etags) while newer catalog
// deployments report sha256 (64 hex digits).
func hashAlgoFor(digest string) string {
	switch len(digest) {
	case 32:
		return "md5"
	case 64:
		return "sha256"
	default:
		return ""
	}
}

func newHasher(algo string) hash.Hash {
	if algo == "md5" {
		return md5.New()
	}
	return sha256.New()
}

// fileDigest computes the hex digest of a local file.
func fileDigest(path, algo string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := newHasher(algo)
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// verifyEntry confirms a completed local file against the manifest entry:
// final size first (cheap), then content hash when one is known. When
// neither is known the file is accepted as-is; that is the best available
// with incomplete catalog metadata.
func verifyEntry(entry ManifestEntry, path string, checkSize, checkHash bool) error {
	if checkSize && entry.Size != nil {
		fi, err := os.Stat(path)
		if err != nil {
			return err
		}
		if fi.Size() != *entry.Size {
			return &VerificationError{
				Path:     entry.Path,
				Method:   "size",
				Expected: fmt.Sprint(*entry.Size),
				Actual:   fmt.Sprint(fi.Size()),
			}
		}
	}

	if checkHash && entry.Hash != "" {
		algo := hashAlgoFor(entry.Hash)
		if algo != "" {
			sum, err := fileDigest(path, algo)
			if err != nil {
				return err
			}
			if !strings.EqualFold(sum, entry.Hash) {
				return &VerificationError{
					Path:     entry.Path,
					Method:   algo,
					Expected: strings.ToLower(entry.Hash),
					Actual:   sum,
				}
			}
		}
	}

	return checkErrorBody(entry, path)
}

// checkErrorBody guards against the transfer server answering a file
// request with a tiny JSON error document and a 200. Anything under 200
// bytes that decodes to a bare {"error": ...} object is a failed transfer,
// not data.
func checkErrorBody(entry ManifestEntry, path string) error {
	fi, err := os.Stat(path)
	if err != nil || fi.Size() >= 200 {
		return err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var body map[string]json.RawMessage
	if json.Unmarshal(raw, &body) != nil {
		return nil
	}
	if _, ok := body["error"]; ok && len(body) == 1 {
		return fmt.Errorf("transfer server returned an error document for %s: %s", entry.Path, strings.TrimSpace(string(raw)))
	}
	return nil
}
