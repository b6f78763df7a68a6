package s3

import (
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/FilenCloudDienste/filen-s3/pkg/backend"
)

// statConcurrency bounds backend stat fan-outs during listings.
const statConcurrency = 16

// handleListBuckets reports every top-level directory as a bucket.
func (s *Server) handleListBuckets(c *reqCtx) *apiResult {
	ctx := c.r.Context()
	names, err := s.store.ReadDir(ctx, "/")
	if err != nil {
		s.logger.Error("s3: listing buckets failed", slog.String("error", err.Error()))
		return internalError()
	}

	var (
		mu      sync.Mutex
		entries []bucketEntry
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(statConcurrency)
	for _, name := range names {
		name := name
		g.Go(func() error {
			st, err := s.store.Stat(gctx, "/"+name)
			if err != nil {
				if isNotFound(err) {
					return nil
				}
				return err
			}
			if st.Type != backend.Directory {
				return nil
			}
			mu.Lock()
			entries = append(entries, bucketEntry{
				Name:         st.Name,
				CreationDate: st.Created.UTC().Format(iso8601),
			})
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		s.logger.Error("s3: stat during bucket listing failed", slog.String("error", err.Error()))
		return internalError()
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })

	akid := s.opts.Identity.AccessKeyID
	return okResult(200, listAllMyBucketsResult{
		Xmlns:   s3Xmlns,
		Owner:   owner{ID: akid, DisplayName: akid},
		Buckets: buckets{Bucket: entries},
	})
}

func (s *Server) handleHeadBucket(c *reqCtx, bucket string) *apiResult {
	st, err := s.store.Stat(c.r.Context(), "/"+bucket)
	if err != nil {
		if isNotFound(err) {
			return noSuchBucket()
		}
		s.logger.Error("s3: stat bucket failed", slog.String("bucket", bucket), slog.String("error", err.Error()))
		return internalError()
	}
	if st.Type != backend.Directory {
		return noSuchBucket()
	}
	res := okResult(200, nil)
	res.setHeader("x-amz-bucket-region", s.opts.Region)
	res.setHeader("Content-Length", "0")
	return res
}

// handleCreateBucket is idempotent: creating an existing bucket succeeds.
func (s *Server) handleCreateBucket(c *reqCtx, bucket string) *apiResult {
	if err := s.store.MkdirAll(c.r.Context(), "/"+bucket); err != nil {
		s.logger.Error("s3: creating bucket failed", slog.String("bucket", bucket), slog.String("error", err.Error()))
		return internalError()
	}
	res := okResult(200, nil)
	res.setHeader("Location", "/"+bucket)
	return res
}

// handleDeleteBucket soft deletes the bucket directory and everything under
// it. Deleting a missing bucket is a no-op.
func (s *Server) handleDeleteBucket(c *reqCtx, bucket string) *apiResult {
	ctx := c.r.Context()
	unlock := s.locks.Lock("/" + bucket)
	defer unlock()

	_, err := s.store.Stat(ctx, "/"+bucket)
	if err != nil {
		if isNotFound(err) {
			return okResult(204, nil)
		}
		s.logger.Error("s3: stat bucket failed", slog.String("bucket", bucket), slog.String("error", err.Error()))
		return internalError()
	}
	if err := s.store.Unlink(ctx, "/"+bucket, false); err != nil {
		s.logger.Error("s3: deleting bucket failed", slog.String("bucket", bucket), slog.String("error", err.Error()))
		return internalError()
	}
	return okResult(204, nil)
}

func (s *Server) handleBucketLocation(c *reqCtx, bucket string) *apiResult {
	st, err := s.store.Stat(c.r.Context(), "/"+bucket)
	if err != nil || st.Type != backend.Directory {
		if err != nil && !isNotFound(err) {
			s.logger.Error("s3: stat bucket failed", slog.String("bucket", bucket), slog.String("error", err.Error()))
			return internalError()
		}
		return noSuchBucket()
	}
	return okResult(200, locationConstraint{Xmlns: s3Xmlns, Location: s.opts.Region})
}
