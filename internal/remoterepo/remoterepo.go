// Package remoterepo is a thin typed facade over the nog control-plane
// HTTP API (spec §4.6, §6): refs, stat, bulk post, and entry retrieval,
// with known-in-repo bookkeeping and errata policy enforcement.
package remoterepo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/nogproject/nog/internal/codec"
	"github.com/nogproject/nog/internal/entrycache"
	"github.com/nogproject/nog/internal/httpclient"
	"github.com/nogproject/nog/internal/model"
	"github.com/nogproject/nog/internal/nogerr"
)

// ErrataPolicy controls how a retrieved entry carrying an errata array is
// handled (spec §4.6).
type ErrataPolicy string

const (
	ErrataError   ErrataPolicy = "error"
	ErrataWarning ErrataPolicy = "warning"
	ErrataIgnore  ErrataPolicy = "ignore"
)

// Repo is a handle on one remote repository.
type Repo struct {
	client   *httpclient.Client
	fullName string
	cache    *entrycache.Cache
	known    *entrycache.RepoKnownSet
	errata   ErrataPolicy
}

// New creates a Repo handle. cache may be shared across repos; known is
// specific to this repo.
func New(client *httpclient.Client, fullName string, cache *entrycache.Cache, known *entrycache.RepoKnownSet, errata ErrataPolicy) *Repo {
	return &Repo{client: client, fullName: fullName, cache: cache, known: known, errata: errata}
}

// FullName returns the repo's full name.
func (r *Repo) FullName() string { return r.fullName }

// Known reports whether sha1 is already known to exist in this repo.
func (r *Repo) Known(sha1 string) bool { return r.known.Know(sha1) }

func (r *Repo) dbPath(suffix string) string {
	return fmt.Sprintf("/v1/repos/%s/db%s", r.fullName, suffix)
}

type refEnvelope struct {
	Entry struct {
		SHA1 string `json:"sha1"`
	} `json:"entry"`
}

// GetRef returns the commit SHA-1 a named ref currently points at.
func (r *Repo) GetRef(ctx context.Context, name string) (string, error) {
	status, body, err := r.client.Do(ctx, http.MethodGet, r.dbPath("/refs/"+name), nil)
	if err != nil {
		return "", err
	}
	if status == http.StatusNotFound {
		return "", nogerr.New("remoterepo.GetRef", nogerr.NotFound, fmt.Errorf("ref %q not found", name))
	}
	if status/100 != 2 {
		return "", nogerr.New("remoterepo.GetRef", nogerr.Transport, fmt.Errorf("unexpected status %d", status))
	}
	var env refEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return "", nogerr.New("remoterepo.GetRef", nogerr.Transport, err)
	}
	return env.Entry.SHA1, nil
}

// UpdateRef advances name from old to new under compare-and-swap.
func (r *Repo) UpdateRef(ctx context.Context, name, newSHA1, oldSHA1 string) error {
	body, err := codec.Transport(map[string]any{"new": newSHA1, "old": oldSHA1})
	if err != nil {
		return nogerr.New("remoterepo.UpdateRef", nogerr.Unknown, err)
	}
	status, _, err := r.client.Do(ctx, http.MethodPatch, r.dbPath("/refs/"+name), body)
	if err != nil {
		return err
	}
	if status == http.StatusOK {
		return nil
	}
	if status/100 == 4 {
		return nogerr.New("remoterepo.UpdateRef", nogerr.CASConflict,
			fmt.Errorf("ref %q: expected old %s, new %s rejected", name, oldSHA1, newSHA1))
	}
	return nogerr.New("remoterepo.UpdateRef", nogerr.Transport, fmt.Errorf("unexpected status %d", status))
}

// fetchEntry retrieves and decodes one entry by SHA-1 under the given
// collection name ("commits", "trees", "objects"), applying the errata
// policy and caching the stripped content.
func (r *Repo) fetchEntry(ctx context.Context, collection, sha1 string) (map[string]any, error) {
	if _, content, ok := r.cache.GetRaw(sha1); ok {
		var m map[string]any
		if err := json.Unmarshal(content, &m); err == nil {
			return m, nil
		}
	}

	path := r.dbPath(fmt.Sprintf("/%s/%s?format=minimal", collection, sha1))
	status, body, err := r.client.Do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, nogerr.New("remoterepo.fetchEntry", nogerr.NotFound, fmt.Errorf("%s %s not found", collection, sha1))
	}
	if status/100 != 2 {
		return nil, nogerr.New("remoterepo.fetchEntry", nogerr.Transport, fmt.Errorf("unexpected status %d", status))
	}

	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, nogerr.New("remoterepo.fetchEntry", nogerr.Transport, err)
	}
	data, _ := raw["data"].(map[string]any)
	if data == nil {
		return nil, nogerr.New("remoterepo.fetchEntry", nogerr.Transport, fmt.Errorf("missing data envelope"))
	}

	if errs, ok := data["errata"].([]any); ok && len(errs) > 0 {
		switch r.errata {
		case ErrataError:
			return nil, nogerr.New("remoterepo.fetchEntry", nogerr.Errata, fmt.Errorf("%s %s has errata: %v", collection, sha1, errs))
		case ErrataWarning:
			slog.Warn("entry has errata", "collection", collection, "sha1", sha1, "errata", errs)
		case ErrataIgnore:
		}
	}

	stripped := codec.StripEnvelope(data)
	if err := r.cache.PutRaw(sha1, model.EntryType(collection), stripped); err != nil {
		return nil, err
	}
	return stripped, nil
}

// GetCommit retrieves and decodes a commit by SHA-1, checking the entry
// cache's in-memory tier for an already-decoded copy first.
func (r *Repo) GetCommit(ctx context.Context, sha1 string) (*model.Commit, error) {
	if e, ok := r.cache.GetEntry(sha1); ok {
		if c, ok := e.(*model.Commit); ok {
			return c, nil
		}
	}

	m, err := r.fetchEntry(ctx, string(model.TypeCommit), sha1)
	if err != nil {
		return nil, err
	}
	parents := stringSlice(m["parents"])
	c := model.NewCommit(str(m["subject"]), str(m["tree"]), parents)
	c.SetMessage(str(m["message"]))
	c.SetAuthors(stringSlice(m["authors"]))
	c.SetAuthorDate(str(m["authorDate"]))
	c.SetCommitter(str(m["committer"]))
	c.SetCommitDate(str(m["commitDate"]))
	if meta, ok := m["meta"].(map[string]any); ok {
		c.SetMeta(meta)
	}
	r.cache.PutEntry(sha1, c)
	return c, nil
}

// GetTree retrieves a tree by SHA-1; children are returned as {type, sha1}
// refs (unhydrated), per spec §4.5 — callers hydrate lazily via Tree.Hydrate.
func (r *Repo) GetTree(ctx context.Context, sha1 string) (*model.Tree, error) {
	if e, ok := r.cache.GetEntry(sha1); ok {
		if t, ok := e.(*model.Tree); ok {
			return t, nil
		}
	}

	m, err := r.fetchEntry(ctx, string(model.TypeTree), sha1)
	if err != nil {
		return nil, err
	}
	t := model.NewTree(str(m["name"]))
	if meta, ok := m["meta"].(map[string]any); ok {
		t.SetMeta(meta)
	}
	entries, _ := m["entries"].([]any)
	for _, e := range entries {
		em, _ := e.(map[string]any)
		typ := model.EntryType(str(em["type"]))
		switch typ {
		case "object":
			typ = model.TypeObject
		case "tree":
			typ = model.TypeTree
		}
		t.AppendRef(model.EntryRef{Type: typ, SHA1: str(em["sha1"])})
	}
	r.cache.PutEntry(sha1, t)
	return t, nil
}

// GetObject retrieves an object by SHA-1.
func (r *Repo) GetObject(ctx context.Context, sha1 string) (*model.Object, error) {
	if e, ok := r.cache.GetEntry(sha1); ok {
		if o, ok := e.(*model.Object); ok {
			return o, nil
		}
	}

	m, err := r.fetchEntry(ctx, string(model.TypeObject), sha1)
	if err != nil {
		return nil, err
	}
	o := model.NewObject(str(m["name"]))
	if meta, ok := m["meta"].(map[string]any); ok {
		o.SetMeta(meta)
	}
	if text, ok := m["text"]; ok {
		o.SetIDVersion(1)
		if s, ok := text.(string); ok {
			o.SetText(s)
		}
	} else {
		// No "text" key means this is a v0 payload: the real text already
		// lives in meta["content"], set by SetMeta above. Pin idversion to
		// 0 directly rather than Format(0), which would read o.Text() at
		// idversion 1 (empty, since o.text is still nil) and overwrite
		// meta["content"] with "".
		o.SetIDVersion(0)
	}
	switch blob := m["blob"].(type) {
	case string:
		if blob != codec.NullSHA1 {
			o.SetBlobSHA1(blob)
		}
	}
	r.cache.PutEntry(sha1, o)
	return o, nil
}

// StatStatus is the per-entry result of a Stat call.
type StatStatus string

const (
	StatExists  StatStatus = "exists"
	StatMissing StatStatus = "missing"
)

// Stat queries the server for which of refs already exist, recording
// confirmed-exists SHA-1s in the repo's known set (spec §4.6).
func (r *Repo) Stat(ctx context.Context, refs []model.EntryRef) (map[string]StatStatus, error) {
	if len(refs) == 0 {
		return map[string]StatStatus{}, nil
	}
	reqEntries := make([]map[string]string, len(refs))
	for i, ref := range refs {
		reqEntries[i] = map[string]string{"type": string(ref.Type), "sha1": ref.SHA1}
	}
	body, err := codec.Transport(map[string]any{"entries": reqEntries})
	if err != nil {
		return nil, nogerr.New("remoterepo.Stat", nogerr.Unknown, err)
	}
	status, respBody, err := r.client.Do(ctx, http.MethodPost, r.dbPath("/stat"), body)
	if err != nil {
		return nil, err
	}
	if status/100 != 2 {
		return nil, nogerr.New("remoterepo.Stat", nogerr.Transport, fmt.Errorf("unexpected status %d", status))
	}

	var resp struct {
		Data struct {
			Entries []struct {
				Type   string `json:"type"`
				SHA1   string `json:"sha1"`
				Status string `json:"status"`
			} `json:"entries"`
		} `json:"data"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, nogerr.New("remoterepo.Stat", nogerr.Transport, err)
	}

	out := make(map[string]StatStatus, len(resp.Data.Entries))
	for _, e := range resp.Data.Entries {
		st := StatStatus(e.Status)
		out[e.SHA1] = st
		if st == StatExists {
			r.known.Mark(e.SHA1)
		}
	}
	return out, nil
}

// BulkItem is one input to PostBulk: either inline content (Content,
// Type set) or a cross-repo copy reference (Copy set).
type BulkItem struct {
	Type    model.EntryType
	SHA1    string // expected resulting SHA-1, known locally before posting
	Content any    // canonical-shaped map, nil if Copy is set
	Copy    *CopyRef
}

// CopyRef names an entry already known to exist in a different repo,
// emitted instead of inline content (spec §4.7 "cross-repo copy").
type CopyRef struct {
	Type         model.EntryType
	SHA1         string
	RepoFullName string
}

// PostBulk posts a batch of entries/copy-refs, verifying the server's
// per-position echo against the expected refs and recording confirmed
// SHA-1s in the known set.
func (r *Repo) PostBulk(ctx context.Context, items []BulkItem) ([]model.EntryRef, error) {
	if len(items) == 0 {
		return nil, nil
	}
	wireEntries := make([]any, len(items))
	for i, it := range items {
		if it.Copy != nil {
			wireEntries[i] = map[string]any{
				"copy": map[string]any{
					"type":         string(it.Copy.Type),
					"sha1":         it.Copy.SHA1,
					"repoFullName": it.Copy.RepoFullName,
				},
			}
			continue
		}
		wireEntries[i] = it.Content
	}
	body, err := codec.Transport(map[string]any{"entries": wireEntries})
	if err != nil {
		return nil, nogerr.New("remoterepo.PostBulk", nogerr.Unknown, err)
	}
	status, respBody, err := r.client.Do(ctx, http.MethodPost, r.dbPath("/bulk"), body)
	if err != nil {
		return nil, err
	}
	if status/100 != 2 {
		return nil, nogerr.New("remoterepo.PostBulk", nogerr.Transport, fmt.Errorf("unexpected status %d", status))
	}

	var resp struct {
		Data struct {
			Entries []struct {
				Type string `json:"type"`
				SHA1 string `json:"sha1"`
			} `json:"entries"`
		} `json:"data"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, nogerr.New("remoterepo.PostBulk", nogerr.Transport, err)
	}
	if len(resp.Data.Entries) != len(items) {
		return nil, nogerr.New("remoterepo.PostBulk", nogerr.BulkMismatch,
			fmt.Errorf("expected %d echoes, got %d", len(items), len(resp.Data.Entries)))
	}

	out := make([]model.EntryRef, len(items))
	for i, e := range resp.Data.Entries {
		wantType := items[i].Type
		if items[i].Copy != nil {
			wantType = items[i].Copy.Type
		}
		if model.EntryType(e.Type) != wantType {
			return nil, nogerr.New("remoterepo.PostBulk", nogerr.BulkMismatch,
				fmt.Errorf("position %d: expected type %s, got %s", i, wantType, e.Type))
		}
		if items[i].SHA1 != "" && e.SHA1 != items[i].SHA1 {
			return nil, nogerr.New("remoterepo.PostBulk", nogerr.BulkMismatch,
				fmt.Errorf("position %d: expected sha1 %s, got %s", i, items[i].SHA1, e.SHA1))
		}
		out[i] = model.EntryRef{Type: model.EntryType(e.Type), SHA1: e.SHA1}
		r.known.Mark(e.SHA1)
	}
	return out, nil
}

// PostCommitContent posts a commit body and returns its new SHA-1.
func (r *Repo) PostCommitContent(ctx context.Context, content map[string]any) (string, error) {
	body, err := codec.Transport(content)
	if err != nil {
		return "", nogerr.New("remoterepo.PostCommitContent", nogerr.Unknown, err)
	}
	status, respBody, err := r.client.Do(ctx, http.MethodPost, r.dbPath("/commits?format=minimal"), body)
	if err != nil {
		return "", err
	}
	if status/100 != 2 {
		return "", nogerr.New("remoterepo.PostCommitContent", nogerr.Validation, fmt.Errorf("unexpected status %d", status))
	}
	var resp struct {
		Data struct {
			ID string `json:"_id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", nogerr.New("remoterepo.PostCommitContent", nogerr.Transport, err)
	}
	r.known.Mark(resp.Data.ID)
	return resp.Data.ID, nil
}

// GetBlobContent streams a blob's raw bytes from the control plane. Callers
// that can read directly from the underlying object store (spec §5.11
// prefetchBlobs) should prefer that path and reserve this one as the
// always-available fallback.
func (r *Repo) GetBlobContent(ctx context.Context, sha1 string) (io.ReadCloser, error) {
	resp, err := r.client.DoRaw(ctx, http.MethodGet, r.dbPath("/blobs/"+sha1+"/content"), nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil, nogerr.New("remoterepo.GetBlobContent", nogerr.NotFound, fmt.Errorf("blob %s not found", sha1))
	}
	if resp.StatusCode/100 != 2 {
		resp.Body.Close()
		return nil, nogerr.New("remoterepo.GetBlobContent", nogerr.Transport, fmt.Errorf("unexpected status %d", resp.StatusCode))
	}
	return resp.Body, nil
}

// UploadPart describes one part of a planned multi-part blob upload.
type UploadPart struct {
	PartNumber int
	Start      int64
	End        int64
	Href       string
}

// UploadPlan is the result of StartUpload: an upload handle and the first
// part to PUT.
type UploadPlan struct {
	Handle     string
	AlreadyExists bool
	FirstPart  *UploadPart
	NextHref   string // pagination link for the next part, "" if none
}

// StartUpload begins (or short-circuits) a blob upload.
func (r *Repo) StartUpload(ctx context.Context, sha1 string, size int64, name string) (*UploadPlan, error) {
	body, err := codec.Transport(map[string]any{"size": size, "name": name})
	if err != nil {
		return nil, nogerr.New("remoterepo.StartUpload", nogerr.Unknown, err)
	}
	path := r.dbPath(fmt.Sprintf("/blobs/%s/uploads?limit=1", sha1))
	status, respBody, err := r.client.Do(ctx, http.MethodPost, path, body)
	if err != nil {
		return nil, err
	}
	if status == http.StatusConflict {
		r.known.Mark(sha1)
		return &UploadPlan{AlreadyExists: true}, nil
	}
	if status/100 != 2 {
		return nil, nogerr.New("remoterepo.StartUpload", nogerr.Transport, fmt.Errorf("unexpected status %d", status))
	}

	var resp struct {
		Data struct {
			Handle string `json:"handle"`
			Parts  struct {
				Part struct {
					PartNumber int    `json:"partNumber"`
					Start      int64  `json:"start"`
					End        int64  `json:"end"`
					Href       string `json:"href"`
				} `json:"part"`
				Next string `json:"next"`
			} `json:"parts"`
		} `json:"data"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, nogerr.New("remoterepo.StartUpload", nogerr.Transport, err)
	}
	return &UploadPlan{
		Handle: resp.Data.Handle,
		FirstPart: &UploadPart{
			PartNumber: resp.Data.Parts.Part.PartNumber,
			Start:      resp.Data.Parts.Part.Start,
			End:        resp.Data.Parts.Part.End,
			Href:       resp.Data.Parts.Part.Href,
		},
		NextHref: resp.Data.Parts.Next,
	}, nil
}

// NextPart follows a parts.next pagination link to fetch the next part
// descriptor.
func (r *Repo) NextPart(ctx context.Context, href string) (*UploadPart, string, error) {
	resp1, err := r.client.DoAbsolute(ctx, http.MethodGet, href, nil)
	if err != nil {
		return nil, "", err
	}
	defer resp1.Body.Close()
	if resp1.StatusCode/100 != 2 {
		return nil, "", nogerr.New("remoterepo.NextPart", nogerr.Transport, fmt.Errorf("unexpected status %d", resp1.StatusCode))
	}
	var resp struct {
		Data struct {
			Part struct {
				PartNumber int    `json:"partNumber"`
				Start      int64  `json:"start"`
				End        int64  `json:"end"`
				Href       string `json:"href"`
			} `json:"part"`
			Next string `json:"next"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp1.Body).Decode(&resp); err != nil {
		return nil, "", nogerr.New("remoterepo.NextPart", nogerr.Transport, err)
	}
	return &UploadPart{
		PartNumber: resp.Data.Part.PartNumber,
		Start:      resp.Data.Part.Start,
		End:        resp.Data.Part.End,
		Href:       resp.Data.Part.Href,
	}, resp.Data.Next, nil
}

// PartETag is one completed part, reported to CompleteUpload.
type PartETag struct {
	PartNumber int
	ETag       string
}

// CompleteUpload finalizes a multi-part upload.
func (r *Repo) CompleteUpload(ctx context.Context, handle string, parts []PartETag) error {
	wireParts := make([]map[string]any, len(parts))
	for i, p := range parts {
		wireParts[i] = map[string]any{"partNumber": p.PartNumber, "etag": p.ETag}
	}
	body, err := codec.Transport(map[string]any{"parts": wireParts})
	if err != nil {
		return nogerr.New("remoterepo.CompleteUpload", nogerr.Unknown, err)
	}
	status, _, err := r.client.Do(ctx, http.MethodPost, r.dbPath("/blobs/uploads/"+handle+"/complete"), body)
	if err != nil {
		return err
	}
	if status/100 != 2 {
		return nogerr.New("remoterepo.CompleteUpload", nogerr.Transport, fmt.Errorf("unexpected status %d", status))
	}
	return nil
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func stringSlice(v any) []string {
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, len(arr))
	for i, e := range arr {
		out[i], _ = e.(string)
	}
	return out
}
