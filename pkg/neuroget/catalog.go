// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package neuroget

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"time"

	goversion "github.com/hashicorp/go-version"
	"github.com/jonboulle/clockwork"
)

// DefaultEndpoint is the default catalog URL.
// Can be overridden via Settings.Endpoint for mirrors or private deployments.
const DefaultEndpoint = "https://openneuro.org"

const graphqlPath = "/crn/graphql"

// DatasetRef identifies one dataset, optionally pinned to a snapshot tag.
type DatasetRef struct {
	ID  string
	Tag string
}

// ManifestEntry describes one file of a resolved snapshot.
type ManifestEntry struct {
	// Path is the POSIX-style relative path, unique within a snapshot.
	Path string

	// Size is the size in bytes as reported by the catalog,
	// nil when the catalog could not determine it.
	Size *int64

	// Hash is the hex content digest when available, empty otherwise.
	// 32 hex digits are treated as md5, 64 as sha256.
	Hash string

	// URL locates the file bytes on the transfer server.
	URL string
}

// Snapshot is one resolved, versioned state of a dataset.
// It is read-only after resolution and never cached across runs.
type Snapshot struct {
	Dataset string
	Tag     string
	Entries []ManifestEntry
}

var datasetIDRe = regexp.MustCompile(`^ds[0-9]+$`)

// ParseDatasetRef normalizes a dataset identifier. It accepts plain
// accession numbers ("ds000248") as well as DOI-style identifiers
// ("doi:10.18112/openneuro.ds000248.v1.0.0"); a version embedded in a DOI
// fills the tag unless an explicit tag is given.
func ParseDatasetRef(dataset, tag string) (DatasetRef, error) {
	id := strings.TrimSpace(dataset)
	if id == "" {
		return DatasetRef{}, ErrMissingDataset
	}
	id = strings.TrimPrefix(id, "doi:")
	if rest, ok := strings.CutPrefix(id, "10.18112/openneuro."); ok {
		if i := strings.LastIndex(rest, ".v"); i > 0 {
			id = rest[:i]
			if tag == "" {
				tag = rest[i+2:]
			}
		} else {
			id = rest
		}
	}
	if !datasetIDRe.MatchString(id) {
		return DatasetRef{}, fmt.Errorf("invalid dataset id %q (expected an accession number like ds000248)", dataset)
	}
	return DatasetRef{ID: id, Tag: tag}, nil
}

// catalogClient resolves dataset references against the remote catalog.
// Catalog lookups are idempotent and cheap, so transport failures are
// retried internally with backoff before surfacing as ErrCatalogUnavailable.
type catalogClient struct {
	endpoint string
	token    string
	httpc    *http.Client
	retries  int
	initial  string
	max      string
	clock    clockwork.Clock
}

func newCatalogClient(cfg Settings, httpc *http.Client, clock clockwork.Clock) *catalogClient {
	ep := cfg.Endpoint
	if ep == "" {
		ep = DefaultEndpoint
	}
	return &catalogClient{
		endpoint: strings.TrimSuffix(ep, "/"),
		token:    cfg.Token,
		httpc:    httpc,
		retries:  cfg.Retries,
		initial:  cfg.BackoffInitial,
		max:      cfg.BackoffMax,
		clock:    clock,
	}
}

// GraphQL wire types. The file listing mirrors what the catalog exposes:
// directories carry an opaque id used to query their children.
type gqlFile struct {
	ID        string   `json:"id"`
	Filename  string   `json:"filename"`
	Size      *int64   `json:"size"`
	Directory bool     `json:"directory"`
	Urls      []string `json:"urls"`
	Sha256    string   `json:"sha256,omitempty"`
}

type gqlSnapshot struct {
	ID    string    `json:"id"`
	Files []gqlFile `json:"files"`
}

type gqlError struct {
	Message string `json:"message"`
}

type gqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []gqlError      `json:"errors"`
}

// resolve maps a DatasetRef to a concrete Snapshot with a flat, path-unique
// file manifest.
func (c *catalogClient) resolve(ctx context.Context, ref DatasetRef) (*Snapshot, error) {
	tag := ref.Tag
	var root gqlSnapshot
	if tag == "" {
		latest, err := c.latestSnapshot(ctx, ref.ID)
		if err != nil {
			return nil, err
		}
		root = *latest
		tag = strings.TrimPrefix(root.ID, ref.ID+":")
	} else {
		if err := c.checkSnapshotExists(ctx, ref.ID, tag); err != nil {
			return nil, err
		}
		snap, err := c.snapshotFiles(ctx, ref.ID, tag, "")
		if err != nil {
			return nil, err
		}
		root = *snap
	}

	snap := &Snapshot{Dataset: ref.ID, Tag: tag}
	seen := make(map[string]struct{})
	if err := c.flatten(ctx, ref.ID, tag, "", root.Files, seen, snap); err != nil {
		return nil, err
	}
	return snap, nil
}

// flatten walks the file listing depth-first, issuing one sub-query per
// directory, and appends file entries to the snapshot.
func (c *catalogClient) flatten(ctx context.Context, id, tag, root string, files []gqlFile, seen map[string]struct{}, snap *Snapshot) error {
	for _, f := range files {
		rel := f.Filename
		if root != "" {
			rel = root + "/" + rel
		}
		if f.Directory {
			sub, err := c.snapshotFiles(ctx, id, tag, f.ID)
			if err != nil {
				return err
			}
			if err := c.flatten(ctx, id, tag, rel, sub.Files, seen, snap); err != nil {
				return err
			}
			continue
		}
		if _, dup := seen[rel]; dup {
			continue
		}
		seen[rel] = struct{}{}
		if len(f.Urls) == 0 {
			continue
		}
		snap.Entries = append(snap.Entries, ManifestEntry{
			Path: rel,
			Size: f.Size,
			Hash: f.Sha256,
			URL:  f.Urls[0],
		})
	}
	return nil
}

func (c *catalogClient) latestSnapshot(ctx context.Context, id string) (*gqlSnapshot, error) {
	q := fmt.Sprintf(`query { dataset(id: %q) { latestSnapshot { id files { filename urls size directory id sha256 } } } }`, id)
	data, err := c.query(ctx, q)
	if err != nil {
		return nil, err
	}
	var out struct {
		Dataset *struct {
			LatestSnapshot *gqlSnapshot `json:"latestSnapshot"`
		} `json:"dataset"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, &CatalogError{Op: "decode dataset", Err: err}
	}
	if out.Dataset == nil || out.Dataset.LatestSnapshot == nil {
		return nil, &NotFoundError{Dataset: id}
	}
	return out.Dataset.LatestSnapshot, nil
}

// checkSnapshotExists confirms the requested tag before any file queries,
// so a bad tag surfaces with the list of tags that do exist.
func (c *catalogClient) checkSnapshotExists(ctx context.Context, id, tag string) error {
	q := fmt.Sprintf(`query { dataset(id: %q) { snapshots { id } } }`, id)
	data, err := c.query(ctx, q)
	if err != nil {
		return err
	}
	var out struct {
		Dataset *struct {
			Snapshots []struct {
				ID string `json:"id"`
			} `json:"snapshots"`
		} `json:"dataset"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return &CatalogError{Op: "decode snapshots", Err: err}
	}
	if out.Dataset == nil {
		return &NotFoundError{Dataset: id}
	}
	var tags []string
	for _, s := range out.Dataset.Snapshots {
		tags = append(tags, strings.TrimPrefix(s.ID, id+":"))
	}
	for _, t := range tags {
		if t == tag {
			return nil
		}
	}
	return &NotFoundError{Dataset: id, Tag: tag, KnownTags: sortTags(tags)}
}

func (c *catalogClient) snapshotFiles(ctx context.Context, id, tag, tree string) (*gqlSnapshot, error) {
	treeArg := "null"
	if tree != "" {
		treeArg = fmt.Sprintf("%q", tree)
	}
	q := fmt.Sprintf(`query { snapshot(datasetId: %q, tag: %q) { id files(tree: %s) { filename urls size directory id sha256 } } }`, id, tag, treeArg)
	data, err := c.query(ctx, q)
	if err != nil {
		return nil, err
	}
	var out struct {
		Snapshot *gqlSnapshot `json:"snapshot"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, &CatalogError{Op: "decode snapshot", Err: err}
	}
	if out.Snapshot == nil {
		return nil, &NotFoundError{Dataset: id, Tag: tag}
	}
	return out.Snapshot, nil
}

// query posts one GraphQL document and returns the data payload, retrying
// transient transport failures with backoff.
func (c *catalogClient) query(ctx context.Context, q string) (json.RawMessage, error) {
	body, err := json.Marshal(map[string]string{"query": q})
	if err != nil {
		return nil, err
	}

	retry := newBackoff(c.initial, c.max)
	var lastErr error

	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			if !sleepCtx(ctx, c.clock, retry.Next()) {
				return nil, ctx.Err()
			}
		}

		data, transient, err := c.queryOnce(ctx, body)
		if err == nil {
			return data, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !transient {
			return nil, err
		}
		lastErr = err
	}
	return nil, &CatalogError{Op: "query", Err: lastErr}
}

func (c *catalogClient) queryOnce(ctx context.Context, body []byte) (json.RawMessage, bool, error) {
	reqCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.endpoint+graphqlPath, bytes.NewReader(body))
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Content-Type", "application/json")
	addAuth(req, c.token)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, true, err
	}
	defer resp.Body.Close()

	if retryableStatus(resp.StatusCode) {
		return nil, true, fmt.Errorf("catalog returned %s", resp.Status)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, false, &CatalogError{Op: "query", Err: fmt.Errorf("unexpected status %s", resp.Status)}
	}

	var parsed gqlResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<20)).Decode(&parsed); err != nil {
		return nil, true, err
	}
	if len(parsed.Errors) > 0 {
		msg := parsed.Errors[0].Message
		// Gateway timeouts sometimes arrive as GraphQL errors with a 200.
		if strings.HasPrefix(msg, "502") || strings.HasPrefix(msg, "504") {
			return nil, true, fmt.Errorf("catalog gateway error: %s", msg)
		}
		if strings.Contains(msg, "You do not have access") {
			if c.token == "" {
				return nil, false, fmt.Errorf("%w: this appears to be a restricted dataset and no token is configured, run \"neuroget login\" first", ErrUnauthorized)
			}
			return nil, false, fmt.Errorf("%w: your token may lack access to it", ErrUnauthorized)
		}
		return nil, false, &CatalogError{Op: "query", Err: fmt.Errorf("query failed: %s", msg)}
	}
	return parsed.Data, false, nil
}

// sortTags orders snapshot tags newest-first when they parse as versions,
// falling back to reverse-lexical order.
func sortTags(tags []string) []string {
	versions := make([]*goversion.Version, len(tags))
	parseable := true
	for i, t := range tags {
		v, err := goversion.NewVersion(t)
		if err != nil {
			parseable = false
			break
		}
		versions[i] = v
	}
	out := append([]string(nil), tags...)
	if parseable {
		sort.Slice(versions, func(i, j int) bool {
			return versions[i].GreaterThan(versions[j])
		})
		for i, v := range versions {
			out[i] = v.Original()
		}
	} else {
		sort.Sort(sort.Reverse(sort.StringSlice(out)))
	}
	return out
}

// addAuth adds authorization and user-agent headers to a request.
func addAuth(req *http.Request, token string) {
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("User-Agent", "neuroget/1")
}

// buildHTTPClient creates an HTTP client with sensible defaults.
func buildHTTPClient() *http.Client {
	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          64,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		// Compression must stay off so bytes received equals bytes written;
		// resume offsets depend on that arithmetic.
		DisableCompression: true,
	}
	return &http.Client{Transport: tr}
}
