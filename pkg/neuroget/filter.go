// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package neuroget

import (
	"fmt"
	"sort"
	"strings"

	"github.com/gobwas/glob"
)

// essentialPaths are always fetched regardless of include/exclude filters.
// A dataset is unusable without them.
var essentialPaths = []string{
	"dataset_description.json",
	"participants.tsv",
	"participants.json",
	"README",
	"CHANGES",
}

// FilterSpec selects which manifest entries to mirror.
type FilterSpec struct {
	Include []string
	Exclude []string
}

type pattern struct {
	raw  string
	glob glob.Glob
}

func compilePatterns(raw []string) ([]pattern, error) {
	out := make([]pattern, 0, len(raw))
	for _, r := range raw {
		g, err := glob.Compile(r)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", r, err)
		}
		out = append(out, pattern{raw: r, glob: g})
	}
	return out, nil
}

// matches reports whether the path matches the pattern, either as a path
// prefix or as a Unix glob. "sub-01", "sub-01/*" and "sub-01/*.json" all
// select content under sub-01/.
func (p pattern) matches(path string) bool {
	return strings.HasPrefix(path, p.raw) || p.glob.Match(path)
}

// Filter applies the spec to a snapshot and returns the target entries in
// manifest order. Every user-supplied include pattern must match at least
// one entry; otherwise a NoMatchingFilesError names the unmatched patterns
// together with near-matching paths.
func Filter(snap *Snapshot, spec FilterSpec) ([]ManifestEntry, error) {
	includes, err := compilePatterns(spec.Include)
	if err != nil {
		return nil, err
	}
	excludes, err := compilePatterns(spec.Exclude)
	if err != nil {
		return nil, err
	}

	essential := make(map[string]struct{}, len(essentialPaths))
	for _, p := range essentialPaths {
		essential[p] = struct{}{}
	}

	var selected []ManifestEntry
	includeCounts := make([]int, len(includes))
	allPaths := make([]string, 0, len(snap.Entries))

	for _, entry := range snap.Entries {
		allPaths = append(allPaths, entry.Path)

		// Essential files override exclude, and are fetched even when the
		// includes would not pick them up.
		if _, ok := essential[entry.Path]; ok {
			selected = append(selected, entry)
			for i, inc := range includes {
				if inc.raw == entry.Path {
					includeCounts[i]++
				}
			}
			continue
		}

		matchedInclude := -1
		for i, inc := range includes {
			if inc.matches(entry.Path) {
				matchedInclude = i
				break
			}
		}
		if len(includes) > 0 && matchedInclude < 0 {
			continue
		}
		if matchesAny(excludes, entry.Path) {
			continue
		}
		if matchedInclude >= 0 {
			includeCounts[matchedInclude]++
		}
		selected = append(selected, entry)
	}

	var unmatched []string
	suggestions := make(map[string][]string)
	for i, count := range includeCounts {
		if count > 0 {
			continue
		}
		raw := includes[i].raw
		unmatched = append(unmatched, raw)
		if close := closeMatches(raw, allPaths, 3); len(close) > 0 {
			suggestions[raw] = close
		}
	}
	if len(unmatched) > 0 {
		return nil, &NoMatchingFilesError{Patterns: unmatched, Suggestions: suggestions}
	}
	return selected, nil
}

func matchesAny(patterns []pattern, path string) bool {
	for _, p := range patterns {
		if p.matches(path) {
			return true
		}
	}
	return false
}

// closeMatches returns up to n candidate paths resembling the given word,
// best match first. Similarity is the ratio of the longest common
// subsequence to the combined length, with a 0.6 cutoff.
func closeMatches(word string, candidates []string, n int) []string {
	type scored struct {
		path  string
		score float64
	}
	var hits []scored
	for _, c := range candidates {
		s := similarity(word, c)
		if s >= 0.6 {
			hits = append(hits, scored{path: c, score: s})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })
	if len(hits) > n {
		hits = hits[:n]
	}
	out := make([]string, len(hits))
	for i, h := range hits {
		out[i] = h.path
	}
	return out
}

func similarity(a, b string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	return 2 * float64(lcsLength(a, b)) / float64(len(a)+len(b))
}

func lcsLength(a, b string) int {
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			if a[i-1] == b[j-1] {
				cur[j] = prev[j-1] + 1
			} else if prev[j] >= cur[j-1] {
				cur[j] = prev[j]
			} else {
				cur[j] = cur[j-1]
			}
		}
		prev, cur = cur, prev
	}
	return prev[len(b)]
}
