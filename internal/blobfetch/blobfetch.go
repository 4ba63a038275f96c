// Package blobfetch warms the local blob cache ahead of a bulk read (spec
// §5.11, grounded on the original's prefetchBlobs/_prefetchBlob in
// nog2go/nog.py, which dispatch a ThreadPoolExecutor pool of S3_NPARALLEL
// workers and skip any SHA-1 already present in the blob cache). Blobs can
// be read either straight from S3 via a presigned URL (adapted from the
// teacher's internal/cache.S3Store, which mints the same kind of URL to
// redirect OCI pull-through clients) or, when no S3 store is configured,
// through the control plane via remoterepo.Repo.GetBlobContent.
package blobfetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"golang.org/x/sync/errgroup"

	"github.com/nogproject/nog/internal/blobcache"
	"github.com/nogproject/nog/internal/nogerr"
	"github.com/nogproject/nog/internal/remoterepo"
)

// DefaultConcurrency mirrors the original's S3_NPARALLEL default.
const DefaultConcurrency = 32

// presignExpiry is how long a minted GET URL remains valid, matching the
// teacher's RedirectURL.
const presignExpiry = 15 * time.Minute

// Store is a read-only view onto a bucket of content-addressed blobs,
// sharded the same way as blobcache.Cache so a prefetch and a local cache
// hit land on the same key shape.
type Store struct {
	client  *s3.Client
	presign *s3.PresignClient
	bucket  string
	prefix  string
}

// NewStore resolves AWS credentials, region, and endpoint via the standard
// SDK default chain, exactly like the teacher's NewS3Store.
func NewStore(ctx context.Context, bucket, prefix string, forcePathStyle bool) (*Store, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = forcePathStyle
	})
	if prefix != "" {
		prefix = strings.TrimSuffix(prefix, "/") + "/"
	}
	return &Store{
		client:  client,
		presign: s3.NewPresignClient(client),
		bucket:  bucket,
		prefix:  prefix,
	}, nil
}

func (s *Store) key(sha1 string) string {
	return s.prefix + "blobs/" + sha1[:2] + "/" + sha1[2:]
}

// Has reports whether sha1 is present in the bucket.
func (s *Store) Has(ctx context.Context, sha1 string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(sha1)),
	})
	if err != nil {
		return false, nil
	}
	return true, nil
}

// PresignedGetURL mints a short-lived GET URL for sha1's blob.
func (s *Store) PresignedGetURL(ctx context.Context, sha1 string) (string, error) {
	presigned, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(sha1)),
	}, s3.WithPresignExpires(presignExpiry))
	if err != nil {
		return "", fmt.Errorf("presigning GetObject: %w", err)
	}
	return presigned.URL, nil
}

// Fetcher prefetches blobs into a local cache, preferring direct S3 reads
// over the control-plane fallback when a Store is configured.
type Fetcher struct {
	repo        *remoterepo.Repo
	cache       *blobcache.Cache
	store       *Store
	concurrency int
}

// NewFetcher builds a Fetcher. store may be nil, in which case every blob
// is read through the control plane.
func NewFetcher(repo *remoterepo.Repo, cache *blobcache.Cache, store *Store, concurrency int) *Fetcher {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Fetcher{repo: repo, cache: cache, store: store, concurrency: concurrency}
}

// PrefetchBlobs warms the local cache for every distinct sha1 not already
// present, using a bounded worker pool like internal/poststream's upload
// path. A sha1 listed more than once is fetched once.
func (f *Fetcher) PrefetchBlobs(ctx context.Context, sha1s []string) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.concurrency)
	seen := make(map[string]bool, len(sha1s))
	for _, sha1 := range sha1s {
		sha1 := sha1
		if seen[sha1] || f.cache.Has(sha1) {
			continue
		}
		seen[sha1] = true
		g.Go(func() error {
			return f.prefetchOne(gctx, sha1)
		})
	}
	return g.Wait()
}

func (f *Fetcher) prefetchOne(ctx context.Context, sha1 string) error {
	if f.cache.Has(sha1) {
		return nil
	}
	rc, err := f.open(ctx, sha1)
	if err != nil {
		return err
	}
	defer rc.Close()

	recv, err := f.cache.NewReceiver(sha1)
	if err != nil {
		return err
	}
	if _, err := io.Copy(recv, rc); err != nil {
		recv.Abort()
		return nogerr.New("blobfetch.prefetchOne", nogerr.Transport, err)
	}
	return recv.Finish()
}

func (f *Fetcher) open(ctx context.Context, sha1 string) (io.ReadCloser, error) {
	if f.store != nil {
		if ok, err := f.store.Has(ctx, sha1); err == nil && ok {
			url, err := f.store.PresignedGetURL(ctx, sha1)
			if err == nil {
				rc, err := httpGet(ctx, url)
				if err == nil {
					return rc, nil
				}
			}
		}
	}
	return f.repo.GetBlobContent(ctx, sha1)
}

func httpGet(ctx context.Context, url string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		resp.Body.Close()
		return nil, nogerr.New("blobfetch.httpGet", nogerr.Transport, fmt.Errorf("unexpected status %d", resp.StatusCode))
	}
	return resp.Body, nil
}
