package s3

import (
	"context"
	"errors"
	"log/slog"
	gopath "path"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/FilenCloudDienste/filen-s3/pkg/backend"
)

// maxListDepth bounds recursive listings when no delimiter is given.
const maxListDepth = 10

const defaultMaxKeys = 1000

// handleListObjects implements ListObjectsV2. The prefix parameter is
// required; with a delimiter only the immediate children of the resolved
// directory are returned, without one the walk recurses up to maxListDepth
// levels. Results are never truncated.
func (s *Server) handleListObjects(c *reqCtx, bucket string) *apiResult {
	ctx := c.r.Context()
	q := c.r.URL.Query()
	if !q.Has("prefix") {
		return badRequest("missing prefix parameter")
	}
	prefix := q.Get("prefix")
	delimiter := q.Get("delimiter")
	maxKeys := defaultMaxKeys
	if v := q.Get("max-keys"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			maxKeys = n
		}
	}

	bucketPath := "/" + bucket

	// A prefix naming an existing directory is enumerated directly; anything
	// else enumerates the directory containing it, filtered by the prefix
	// afterwards. A root that does not exist yields an empty listing.
	prefixPath := normalizeKey(bucketPath + "/" + prefix)
	base := prefixPath
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		st, err := s.store.Stat(ctx, prefixPath)
		if err != nil && !isNotFound(err) {
			s.logger.Error("s3: stat listing root failed", slog.String("path", prefixPath), slog.String("error", err.Error()))
			return internalError()
		}
		if err != nil || st.Type != backend.Directory {
			base = gopath.Dir(prefixPath)
		}
	}

	entries, err := s.collectEntries(ctx, base, delimiter == "")
	if err != nil {
		s.logger.Error("s3: collecting listing entries failed",
			slog.String("bucket", bucket),
			slog.String("prefix", prefix),
			slog.String("error", err.Error()))
		return internalError()
	}

	// Shorter paths first so parents precede their children.
	sort.Slice(entries, func(i, j int) bool {
		if len(entries[i].Path) != len(entries[j].Path) {
			return len(entries[i].Path) < len(entries[j].Path)
		}
		return entries[i].Path < entries[j].Path
	})

	result := listBucketResult{
		Xmlns:       s3Xmlns,
		Name:        bucket,
		Prefix:      prefix,
		Delimiter:   delimiter,
		MaxKeys:     maxKeys,
		IsTruncated: false,
	}
	for _, st := range entries {
		rel := strings.TrimPrefix(st.Path, bucketPath+"/")
		if prefix != "" && !strings.HasPrefix(rel, prefix) {
			continue
		}
		if st.Type == backend.Directory {
			result.CommonPrefixes = append(result.CommonPrefixes, commonPrefix{Prefix: rel + "/"})
			continue
		}
		result.Contents = append(result.Contents, objectEntry{
			Key:          rel,
			LastModified: st.Modified.UTC().Format(iso8601),
			ETag:         quoteETag(st.ContentID),
			Size:         st.Size,
			StorageClass: "STANDARD",
		})
	}
	result.KeyCount = len(result.Contents) + len(result.CommonPrefixes)
	return okResult(200, result)
}

// collectEntries gathers the stats of everything under base. With recurse
// set it walks depth-first by level until maxListDepth; otherwise it stops
// after the immediate children. A missing base yields an empty listing.
func (s *Server) collectEntries(ctx context.Context, base string, recurse bool) ([]backend.ObjectStats, error) {
	var all []backend.ObjectStats
	frontier := []string{base}
	for depth := 0; depth < maxListDepth && len(frontier) > 0; depth++ {
		var next []string
		for _, dir := range frontier {
			kids, err := s.statChildren(ctx, dir)
			if err != nil {
				if isNotFound(err) || errors.Is(err, backend.ErrNotDirectory) {
					continue
				}
				return nil, err
			}
			for _, st := range kids {
				all = append(all, st)
				if recurse && st.Type == backend.Directory {
					next = append(next, st.Path)
				}
			}
		}
		if !recurse {
			break
		}
		frontier = next
	}
	return all, nil
}

// statChildren lists dir and stats every entry with bounded concurrency.
// Entries that vanish between the list and the stat are skipped.
func (s *Server) statChildren(ctx context.Context, dir string) ([]backend.ObjectStats, error) {
	names, err := s.store.ReadDir(ctx, dir)
	if err != nil {
		return nil, err
	}
	results := make([]*backend.ObjectStats, len(names))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(statConcurrency)
	for i, name := range names {
		i := i
		childPath := joinPath(dir, name)
		g.Go(func() error {
			st, err := s.store.Stat(gctx, childPath)
			if err != nil {
				if isNotFound(err) {
					return nil
				}
				return err
			}
			results[i] = &st
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	out := make([]backend.ObjectStats, 0, len(results))
	for _, st := range results {
		if st != nil {
			out = append(out, *st)
		}
	}
	return out, nil
}

func joinPath(dir, name string) string {
	if dir == "/" {
		return "/" + name
	}
	return dir + "/" + name
}
