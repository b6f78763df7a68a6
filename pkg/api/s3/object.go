package s3

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	gopath "path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/FilenCloudDienste/filen-s3/pkg/backend"
)

// maxBulkDeleteKeys matches the S3 limit for a single DeleteObjects call.
const maxBulkDeleteKeys = 1000

// handleGetObject serves GET and HEAD. HEAD carries the exact headers a GET
// would, including Content-Length and range headers, without the body.
func (s *Server) handleGetObject(c *reqCtx, bucket, rawKey string, withBody bool) *apiResult {
	ctx := c.r.Context()
	path := normalizeKey("/" + bucket + "/" + rawKey)
	st, err := s.store.Stat(ctx, path)
	if err != nil {
		if isNotFound(err) {
			return noSuchKey()
		}
		s.logger.Error("s3: stat object failed", slog.String("path", path), slog.String("error", err.Error()))
		return internalError()
	}
	if st.Type == backend.Directory {
		return noSuchKey()
	}

	start, end := int64(0), st.Size-1
	status := http.StatusOK
	rangeHeader := c.r.Header.Get("Range")
	if rangeHeader == "" {
		rangeHeader = c.r.Header.Get("Content-Range")
	}
	if rangeHeader != "" {
		start, end, err = parseRange(rangeHeader, st.Size)
		if err != nil {
			return badRequest("invalid range")
		}
		status = http.StatusPartialContent
	}

	length := end - start + 1
	if length < 0 {
		length = 0
	}
	h := c.w.Header()
	h.Set("Content-Type", contentTypeFor(st.Name))
	h.Set("Content-Disposition", `attachment; filename="`+st.Name+`"`)
	h.Set("Accept-Ranges", "bytes")
	h.Set("Last-Modified", st.Modified.UTC().Format(http.TimeFormat))
	h.Set("Content-Length", strconv.FormatInt(length, 10))
	setETagHeaders(h, st.ContentID)
	if status == http.StatusPartialContent {
		h.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, st.Size))
	}

	if !withBody || length == 0 {
		c.w.WriteHeader(status)
		return nil
	}

	dlCtx, cancel := context.WithCancel(ctx)
	rc, err := s.store.DownloadRange(dlCtx, st, start, end)
	if err != nil {
		cancel()
		s.logger.Error("s3: opening download failed", slog.String("path", path), slog.String("error", err.Error()))
		return internalError()
	}
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			cancel()
			_ = rc.Close()
		})
	}
	defer cleanup()

	c.w.WriteHeader(status)
	if _, err := io.Copy(c.w, rc); err != nil {
		// Headers are out; nothing left to do but drop the connection.
		s.logger.Warn("s3: download stream interrupted", slog.String("path", path), slog.String("error", err.Error()))
	}
	return nil
}

// handlePutObject dispatches the three PUT shapes: server-side copy, a
// directory marker (trailing slash, empty body), and a regular upload.
func (s *Server) handlePutObject(c *reqCtx, bucket, rawKey string) *apiResult {
	if src := c.r.Header.Get("x-amz-copy-source"); src != "" {
		return s.handleCopyObject(c, bucket, rawKey, src)
	}
	if strings.HasSuffix(rawKey, "/") && len(c.body) == 0 {
		return s.handlePutDirectory(c, bucket, rawKey)
	}

	ctx := c.r.Context()
	if !isValidObjectKey(strings.TrimSuffix(rawKey, "/")) {
		return badRequest("invalid object key")
	}
	path := normalizeKey("/" + bucket + "/" + rawKey)
	if path == "/"+bucket {
		return badRequest("invalid object key")
	}

	unlock := s.locks.Lock(path)
	defer unlock()

	parent := gopath.Dir(path)
	if err := s.store.MkdirAll(ctx, parent); err != nil {
		s.logger.Error("s3: creating parent directories failed", slog.String("path", path), slog.String("error", err.Error()))
		return internalError()
	}
	if res := s.removeExisting(ctx, path); res != nil {
		return res
	}

	st, err := s.store.Upload(ctx, bytes.NewReader(c.body), parent, gopath.Base(path), metaTimestamps(c.r))
	if err != nil {
		s.logger.Error("s3: upload failed", slog.String("path", path), slog.String("error", err.Error()))
		return internalError()
	}
	res := okResult(200, nil)
	res.setHeader("Last-Modified", st.Modified.UTC().Format(http.TimeFormat))
	setETagHeaders(res.header, st.ContentID)
	return res
}

// handlePutDirectory creates an explicit directory marker. Paths that
// already exist, whatever their type, are left untouched and succeed.
func (s *Server) handlePutDirectory(c *reqCtx, bucket, rawKey string) *apiResult {
	ctx := c.r.Context()
	key := strings.TrimSuffix(rawKey, "/")
	if !isValidObjectKey(key) {
		return badRequest("invalid object key")
	}
	path := normalizeKey("/" + bucket + "/" + key)

	unlock := s.locks.Lock(path)
	defer unlock()

	if st, err := s.store.Stat(ctx, path); err == nil {
		res := okResult(200, nil)
		res.header = make(http.Header)
		setETagHeaders(res.header, st.ContentID)
		return res
	} else if !isNotFound(err) {
		s.logger.Error("s3: stat directory marker failed", slog.String("path", path), slog.String("error", err.Error()))
		return internalError()
	}

	if err := s.store.MkdirAll(ctx, path); err != nil {
		s.logger.Error("s3: creating directory failed", slog.String("path", path), slog.String("error", err.Error()))
		return internalError()
	}
	res := okResult(200, nil)
	if st, err := s.store.Stat(ctx, path); err == nil {
		res.header = make(http.Header)
		setETagHeaders(res.header, st.ContentID)
	}
	return res
}

// handleCopyObject implements PUT with x-amz-copy-source. The source must be
// an existing file; copying onto itself is a no-op.
func (s *Server) handleCopyObject(c *reqCtx, bucket, rawKey, rawSource string) *apiResult {
	ctx := c.r.Context()
	decoded, err := url.PathUnescape(rawSource)
	if err != nil {
		return badRequest("invalid copy source")
	}
	srcPath := normalizeKey("/" + strings.TrimPrefix(decoded, "/"))

	srcStat, err := s.store.Stat(ctx, srcPath)
	if err != nil {
		if isNotFound(err) {
			return preconditionFailed("copy source does not exist")
		}
		s.logger.Error("s3: stat copy source failed", slog.String("path", srcPath), slog.String("error", err.Error()))
		return internalError()
	}
	if srcStat.Type == backend.Directory {
		return preconditionFailed("copy source is a directory")
	}

	if !isValidObjectKey(strings.TrimSuffix(rawKey, "/")) {
		return badRequest("invalid object key")
	}
	destPath := normalizeKey("/" + bucket + "/" + rawKey)
	if destPath == srcPath {
		return okResult(200, copyObjectResult{
			ETag:         quoteETag(srcStat.ContentID),
			LastModified: srcStat.Modified.UTC().Format(iso8601),
		})
	}

	unlock := s.locks.Lock(destPath)
	defer unlock()

	if err := s.store.MkdirAll(ctx, gopath.Dir(destPath)); err != nil {
		s.logger.Error("s3: creating parent directories failed", slog.String("path", destPath), slog.String("error", err.Error()))
		return internalError()
	}
	if res := s.removeExisting(ctx, destPath); res != nil {
		return res
	}
	if err := s.store.Copy(ctx, srcPath, destPath); err != nil {
		s.logger.Error("s3: copy failed",
			slog.String("from", srcPath),
			slog.String("to", destPath),
			slog.String("error", err.Error()))
		return internalError()
	}
	destStat, err := s.store.Stat(ctx, destPath)
	if err != nil || destStat.Type == backend.Directory {
		s.logger.Error("s3: copy destination missing after copy", slog.String("path", destPath))
		return internalError()
	}
	return okResult(200, copyObjectResult{
		ETag:         quoteETag(destStat.ContentID),
		LastModified: destStat.Modified.UTC().Format(iso8601),
	})
}

// handleDeleteObject soft deletes; deleting a missing key still returns 204.
func (s *Server) handleDeleteObject(c *reqCtx, bucket, rawKey string) *apiResult {
	ctx := c.r.Context()
	path := normalizeKey("/" + bucket + "/" + rawKey)

	unlock := s.locks.Lock(path)
	defer unlock()

	if err := s.store.Unlink(ctx, path, false); err != nil && !isNotFound(err) {
		s.logger.Error("s3: delete failed", slog.String("path", path), slog.String("error", err.Error()))
		return internalError()
	}
	return okResult(204, nil)
}

// handleBulkDelete implements DeleteObjects. The response is always 200;
// per-key failures are reported in the body.
func (s *Server) handleBulkDelete(c *reqCtx, bucket string) *apiResult {
	ctx := c.r.Context()
	var req deleteRequest
	if err := xml.Unmarshal(c.body, &req); err != nil {
		return badRequest("malformed delete request")
	}
	if len(req.Objects) > maxBulkDeleteKeys {
		return badRequest("too many keys in delete request")
	}

	var (
		mu      sync.Mutex
		deleted []deletedItem
		failed  []deleteError
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(statConcurrency)
	for _, obj := range req.Objects {
		key := obj.Key
		g.Go(func() error {
			path := normalizeKey("/" + bucket + "/" + key)
			unlock := s.locks.Lock(path)
			err := s.store.Unlink(gctx, path, false)
			unlock()

			mu.Lock()
			defer mu.Unlock()
			if err != nil && !isNotFound(err) {
				failed = append(failed, deleteError{Key: key, Code: "InternalError", Message: "delete failed"})
				return nil
			}
			deleted = append(deleted, deletedItem{Key: key})
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(deleted, func(i, j int) bool { return deleted[i].Key < deleted[j].Key })
	sort.Slice(failed, func(i, j int) bool { return failed[i].Key < failed[j].Key })
	return okResult(200, deleteResult{Xmlns: s3Xmlns, Deleted: deleted, Errors: failed})
}

// removeExisting soft deletes whatever currently sits at path so a PUT or
// copy can replace it. Missing entries are fine.
func (s *Server) removeExisting(ctx context.Context, path string) *apiResult {
	if err := s.store.Unlink(ctx, path, false); err != nil && !isNotFound(err) {
		s.logger.Error("s3: replacing existing entry failed", slog.String("path", path), slog.String("error", err.Error()))
		return internalError()
	}
	return nil
}

// parseRange parses a single bytes range. Suffix ranges ("bytes=-n") and
// open ends ("bytes=n-") resolve against size. Anything outside [0, size)
// or inverted is an error.
func parseRange(header string, size int64) (start, end int64, err error) {
	spec, ok := strings.CutPrefix(strings.TrimSpace(header), "bytes=")
	if !ok {
		return 0, 0, fmt.Errorf("s3: unsupported range unit")
	}
	if strings.Contains(spec, ",") {
		return 0, 0, fmt.Errorf("s3: multiple ranges not supported")
	}
	first, last, ok := strings.Cut(spec, "-")
	if !ok {
		return 0, 0, fmt.Errorf("s3: malformed range")
	}
	first, last = strings.TrimSpace(first), strings.TrimSpace(last)
	switch {
	case first == "" && last == "":
		return 0, 0, fmt.Errorf("s3: malformed range")
	case first == "":
		n, perr := strconv.ParseInt(last, 10, 64)
		if perr != nil || n <= 0 {
			return 0, 0, fmt.Errorf("s3: malformed range")
		}
		start, end = size-n, size-1
	case last == "":
		n, perr := strconv.ParseInt(first, 10, 64)
		if perr != nil {
			return 0, 0, fmt.Errorf("s3: malformed range")
		}
		start, end = n, size-1
	default:
		a, aerr := strconv.ParseInt(first, 10, 64)
		b, berr := strconv.ParseInt(last, 10, 64)
		if aerr != nil || berr != nil {
			return 0, 0, fmt.Errorf("s3: malformed range")
		}
		start, end = a, b
	}
	if start < 0 || end >= size || start > end {
		return 0, 0, fmt.Errorf("s3: range out of bounds")
	}
	return start, end, nil
}

func contentTypeFor(name string) string {
	if t := mime.TypeByExtension(gopath.Ext(name)); t != "" {
		return t
	}
	return "application/octet-stream"
}

// metaTimestamps extracts client-supplied creation and modification times
// from x-amz-meta headers.
func metaTimestamps(r *http.Request) *backend.Timestamps {
	now := time.Now()
	var ts backend.Timestamps
	found := false
	if t, ok := parseMetaTime(r.Header.Get("x-amz-meta-creation-time"), now); ok {
		ts.Created = t
		found = true
	}
	if t, ok := parseMetaTime(r.Header.Get("x-amz-meta-mtime"), now); ok {
		ts.Modified = t
		found = true
	}
	if !found {
		return nil
	}
	return &ts
}

// parseMetaTime interprets a numeric timestamp as seconds or milliseconds,
// whichever lands closer to the present, and clamps future values to now.
func parseMetaTime(v string, now time.Time) (time.Time, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return time.Time{}, false
	}
	asSeconds := time.Unix(n, 0)
	asMillis := time.UnixMilli(n)
	t := asSeconds
	if absDuration(now.Sub(asMillis)) < absDuration(now.Sub(asSeconds)) {
		t = asMillis
	}
	if t.After(now) {
		t = now
	}
	return t, true
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
