// Package poststream implements PostStream, the batched dedup-and-publish
// pipeline (spec §4.7) — the heart of the system. A Stream stages entries
// and blobs in memory, periodically flushes by stat-ing the server,
// uploading missing blobs in parallel, and posting missing entries in one
// bulk request, then commits a tree through a single-use stream under
// compare-and-swap.
package poststream

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/nogproject/nog/internal/codec"
	"github.com/nogproject/nog/internal/blobstore"
	"github.com/nogproject/nog/internal/model"
	"github.com/nogproject/nog/internal/nogerr"
	"github.com/nogproject/nog/internal/remoterepo"
)

const (
	// DefaultBufferSize is POST_BUFFER_SIZE (spec §4.7): flush before
	// the pending canonical-JSON byte count would exceed this.
	DefaultBufferSize = 10_000
	// DefaultBufferSizeLimit is POST_BUFFER_SIZE_LIMIT: a single entry
	// whose canonical encoding exceeds this fails with ENTRY_TOO_LARGE.
	DefaultBufferSizeLimit = 200_000
	// DefaultConcurrency is the default blob-upload worker pool size.
	DefaultConcurrency = 32
)

type stagedEntry struct {
	Type    model.EntryType
	Content map[string]any
}

// Stream batches entries and blobs bound for a single repo and flushes
// them in bounded-size bulk requests.
type Stream struct {
	repo     *remoterepo.Repo
	uploader *blobstore.Uploader

	bufferSize      int
	bufferSizeLimit int
	concurrency     int

	stagedEntries     map[string]stagedEntry
	stagedCopyEntries map[string]remoterepo.CopyRef
	stagedBlobs       map[string]*model.Blob
	stagedCopyBlobs   map[string]remoterepo.CopyRef

	pending  []model.EntryRef
	bufBytes int
}

// Option configures a Stream's buffer sizing and concurrency.
type Option func(*Stream)

// WithBufferSize overrides DefaultBufferSize.
func WithBufferSize(n int) Option { return func(s *Stream) { s.bufferSize = n } }

// WithBufferSizeLimit overrides DefaultBufferSizeLimit.
func WithBufferSizeLimit(n int) Option { return func(s *Stream) { s.bufferSizeLimit = n } }

// WithConcurrency overrides DefaultConcurrency.
func WithConcurrency(n int) Option { return func(s *Stream) { s.concurrency = n } }

// New creates a Stream targeting repo, uploading blobs via uploader.
func New(repo *remoterepo.Repo, uploader *blobstore.Uploader, opts ...Option) *Stream {
	s := &Stream{
		repo:              repo,
		uploader:          uploader,
		bufferSize:        DefaultBufferSize,
		bufferSizeLimit:   DefaultBufferSizeLimit,
		concurrency:       DefaultConcurrency,
		stagedEntries:     map[string]stagedEntry{},
		stagedCopyEntries: map[string]remoterepo.CopyRef{},
		stagedBlobs:       map[string]*model.Blob{},
		stagedCopyBlobs:   map[string]remoterepo.CopyRef{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// isStaged reports whether sha1 has already been staged in this stream or
// is already known to exist in the target repo — the dedup scope of
// spec §4.7.
func (s *Stream) isStaged(sha1 string) bool {
	if s.repo.Known(sha1) {
		return true
	}
	if _, ok := s.stagedEntries[sha1]; ok {
		return true
	}
	if _, ok := s.stagedCopyEntries[sha1]; ok {
		return true
	}
	if _, ok := s.stagedBlobs[sha1]; ok {
		return true
	}
	if _, ok := s.stagedCopyBlobs[sha1]; ok {
		return true
	}
	return false
}

// stageEntry enqueues an entry's canonical content, flushing first if
// adding it would exceed the buffer size, and failing if the entry alone
// exceeds the hard limit.
func (s *Stream) stageEntry(ctx context.Context, typ model.EntryType, sha1 string, content map[string]any) error {
	if s.isStaged(sha1) {
		return nil
	}
	raw, err := codec.Canonical(content)
	if err != nil {
		return nogerr.New("poststream.stageEntry", nogerr.Unknown, err)
	}
	if len(raw) > s.bufferSizeLimit {
		return nogerr.New("poststream.stageEntry", nogerr.EntryTooLarge,
			fmt.Errorf("entry %s: canonical size %d exceeds limit %d", sha1, len(raw), s.bufferSizeLimit))
	}
	if s.bufBytes+len(raw) > s.bufferSize {
		if err := s.Flush(ctx); err != nil {
			return err
		}
	}
	s.stagedEntries[sha1] = stagedEntry{Type: typ, Content: content}
	s.pending = append(s.pending, model.EntryRef{Type: typ, SHA1: sha1})
	s.bufBytes += len(raw)
	return nil
}

// PostObject stages an object (and its local blob, if any) and returns its
// SHA-1. The object's identity is computed regardless of staging, since it
// depends only on content, not on publication state.
func (s *Stream) PostObject(ctx context.Context, o *model.Object) (string, error) {
	if local := o.LocalBlob(); local != nil {
		blobSHA1, err := local.SHA1()
		if err != nil {
			return "", err
		}
		if !s.isStaged(blobSHA1) {
			s.stagedBlobs[blobSHA1] = local
			s.pending = append(s.pending, model.EntryRef{Type: model.TypeBlob, SHA1: blobSHA1})
		}
	}

	sha1, err := o.SHA1()
	if err != nil {
		return "", err
	}
	content, err := o.Content()
	if err != nil {
		return "", err
	}
	if err := s.stageEntry(ctx, model.TypeObject, sha1, content); err != nil {
		return "", err
	}
	return sha1, nil
}

// PostObjectCopy stages a cross-repo copy reference for an entry already
// known to exist (with known content) in originRepo, instead of posting
// its content inline (spec §4.7 "cross-repo copy").
func (s *Stream) PostObjectCopy(ctx context.Context, ref model.EntryRef, originRepo string) error {
	if s.isStaged(ref.SHA1) {
		return nil
	}
	s.stagedCopyEntries[ref.SHA1] = remoterepo.CopyRef{Type: ref.Type, SHA1: ref.SHA1, RepoFullName: originRepo}
	s.pending = append(s.pending, ref)
	return nil
}

// PostBlobCopy stages a cross-repo blob reference: the blob's bytes are
// known to already exist under sha1 in originRepo, so no local upload is
// needed — the server copies it server-side during bulk.
func (s *Stream) PostBlobCopy(sha1, originRepo string) {
	if s.isStaged(sha1) {
		return
	}
	s.stagedCopyBlobs[sha1] = remoterepo.CopyRef{Type: model.TypeBlob, SHA1: sha1, RepoFullName: originRepo}
	s.pending = append(s.pending, model.EntryRef{Type: model.TypeBlob, SHA1: sha1})
}

type treeFrame struct {
	tree *model.Tree
	idx  int
}

// PostTree walks root post-order using an explicit work stack (not
// recursion, so a pathologically deep tree cannot blow the call stack):
// leaf objects are staged first, then each tree's collapsed body once all
// of its children have been staged.
func (s *Stream) PostTree(ctx context.Context, root *model.Tree) (string, error) {
	stack := []*treeFrame{{tree: root}}
	for len(stack) > 0 {
		top := stack[len(stack)-1]
		children := top.tree.Children()
		if top.idx < len(children) {
			child := children[top.idx]
			top.idx++
			if !child.IsHydrated() {
				continue
			}
			switch v := child.Hydrated.(type) {
			case *model.Object:
				if _, err := s.PostObject(ctx, v); err != nil {
					return "", err
				}
			case *model.Tree:
				stack = append(stack, &treeFrame{tree: v})
			}
			continue
		}

		sha1, content, err := treeEntry(top.tree)
		if err != nil {
			return "", err
		}
		if err := s.stageEntry(ctx, model.TypeTree, sha1, content); err != nil {
			return "", err
		}
		stack = stack[:len(stack)-1]
	}
	return root.SHA1()
}

func treeEntry(t *model.Tree) (string, map[string]any, error) {
	sha1, err := t.SHA1()
	if err != nil {
		return "", nil, err
	}
	content, err := t.Content()
	if err != nil {
		return "", nil, err
	}
	return sha1, content, nil
}

// Flush runs the flush protocol in order (spec §4.7): stat the pending
// queue, upload missing local blobs in parallel, bulk-post every other
// missing item, then reset the queue. Staging maps are never cleared here
// — a retry after a partial flush failure must still find the content.
func (s *Stream) Flush(ctx context.Context) error {
	if len(s.pending) == 0 {
		return nil
	}

	statuses, err := s.repo.Stat(ctx, s.pending)
	if err != nil {
		return err
	}

	var missing []model.EntryRef
	for _, ref := range s.pending {
		if statuses[ref.SHA1] == remoterepo.StatExists {
			continue
		}
		missing = append(missing, ref)
	}

	var uploadRefs []model.EntryRef
	var bulkItems []remoterepo.BulkItem
	for _, ref := range missing {
		if _, ok := s.stagedBlobs[ref.SHA1]; ok {
			uploadRefs = append(uploadRefs, ref)
			continue
		}
		if copyRef, ok := s.stagedCopyBlobs[ref.SHA1]; ok {
			cr := copyRef
			bulkItems = append(bulkItems, remoterepo.BulkItem{Type: model.TypeBlob, SHA1: ref.SHA1, Copy: &cr})
			continue
		}
		if entry, ok := s.stagedEntries[ref.SHA1]; ok {
			bulkItems = append(bulkItems, remoterepo.BulkItem{Type: entry.Type, SHA1: ref.SHA1, Content: entry.Content})
			continue
		}
		if copyRef, ok := s.stagedCopyEntries[ref.SHA1]; ok {
			cr := copyRef
			bulkItems = append(bulkItems, remoterepo.BulkItem{Type: ref.Type, SHA1: ref.SHA1, Copy: &cr})
			continue
		}
	}

	if err := s.uploadAll(ctx, uploadRefs); err != nil {
		return err
	}
	if _, err := s.repo.PostBulk(ctx, bulkItems); err != nil {
		return err
	}

	s.pending = nil
	s.bufBytes = 0
	return nil
}

// uploadAll drives the bounded-concurrency blob-upload worker pool (spec
// §5): any single upload failure cancels the rest of the flush.
func (s *Stream) uploadAll(ctx context.Context, refs []model.EntryRef) error {
	if len(refs) == 0 {
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, ref := range refs {
		ref := ref
		blob := s.stagedBlobs[ref.SHA1]
		g.Go(func() error {
			return s.uploader.Upload(gctx, s.repo, blob, ref.SHA1)
		})
	}
	return g.Wait()
}

// CommitTree posts tree through a single-use stream, posts the commit
// content, and advances ref under compare-and-swap against parent.
func CommitTree(ctx context.Context, repo *remoterepo.Repo, uploader *blobstore.Uploader, subject string, tree *model.Tree, parent string, refName string, opts ...Option) (string, error) {
	s := New(repo, uploader, opts...)

	treeSHA1, err := s.PostTree(ctx, tree)
	if err != nil {
		return "", err
	}
	if err := s.Flush(ctx); err != nil {
		return "", err
	}

	var parents []string
	if parent != "" {
		parents = []string{parent}
	}
	c := model.NewCommit(subject, treeSHA1, parents)
	commitSHA1, err := repo.PostCommitContent(ctx, c.Content())
	if err != nil {
		return "", err
	}

	if err := repo.UpdateRef(ctx, refName, commitSHA1, parent); err != nil {
		return "", err
	}
	return commitSHA1, nil
}
