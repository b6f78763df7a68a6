package s3

import (
	"errors"
	"log/slog"
	"math"
	"net"
	"net/http"
	"time"

	"github.com/FilenCloudDienste/filen-s3/pkg/backend"
	"github.com/FilenCloudDienste/filen-s3/pkg/obs/metrics"
	"github.com/FilenCloudDienste/filen-s3/pkg/pathlock"
	"github.com/FilenCloudDienste/filen-s3/pkg/ratelimit"
	"github.com/FilenCloudDienste/filen-s3/pkg/security/sigv4"
)

// iso8601 is the timestamp format S3 uses in XML bodies.
const iso8601 = "2006-01-02T15:04:05.000Z"

const defaultMaxBodyBytes = 5 << 30 // 5 GiB, the S3 single-PUT ceiling

// Options configures a Server.
type Options struct {
	// Region is reported in bucket location responses and used as the
	// SigV4 credential scope region.
	Region string

	// Identity is the single credential pair requests are verified against.
	Identity sigv4.Identity

	// AuthMode selects request authentication: "sigv4" (default) or "none".
	AuthMode string

	// MaxBodyBytes bounds the decoded size of PUT and POST bodies.
	MaxBodyBytes int64

	// RateLimiter gates requests before body ingestion when non-nil.
	RateLimiter *ratelimit.Limiter

	// RateKeyMode selects the limiter key: "address" (default) or
	// "accessKey", which falls back to the address for unsigned requests.
	RateKeyMode string
}

// Server translates the S3 REST surface onto a backend.Store.
type Server struct {
	store   backend.Store
	locks   *pathlock.Table
	metrics *metrics.Metrics
	logger  *slog.Logger
	opts    Options
}

// NewServer creates a Server. metrics and logger may be nil.
func NewServer(store backend.Store, m *metrics.Metrics, logger *slog.Logger, opts Options) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Region == "" {
		opts.Region = "filen"
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBodyBytes
	}
	return &Server{
		store:   store,
		locks:   pathlock.New(),
		metrics: m,
		logger:  logger,
		opts:    opts,
	}
}

// Locks exposes the mutation lock table, used by the admin stats surface.
func (s *Server) Locks() *pathlock.Table { return s.locks }

// reqCtx carries per-request state through the pipeline stages.
type reqCtx struct {
	w           *responseWriter
	r           *http.Request
	body        []byte
	payloadHash string
}

// stage is one pipeline step. A nil result means continue; a non-nil result
// short-circuits the request.
type stage struct {
	name string
	run  func(s *Server, c *reqCtx) *apiResult
}

// pipeline order matters: rate limiting must run before the body is read,
// and the body hash must exist before signature verification.
var pipeline = []stage{
	{"ratelimit", (*Server).rateLimitStage},
	{"body", (*Server).bodyStage},
	{"auth", (*Server).authStage},
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rw := newResponseWriter(w)
	c := &reqCtx{w: rw, r: r}

	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("s3: handler panic",
				slog.Any("panic", rec),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path))
			writeResult(rw, internalError(), s.logger)
		}
	}()

	var res *apiResult
	for _, st := range pipeline {
		if res = st.run(s, c); res != nil {
			s.logger.Debug("s3: request short-circuited",
				slog.String("stage", st.name),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", res.status))
			break
		}
	}
	if res == nil {
		res = s.route(c)
	}
	writeResult(rw, res, s.logger)

	s.logger.Info("s3: request",
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("status", rw.status),
		slog.Duration("elapsed", time.Since(start)))
}

func (s *Server) rateLimitStage(c *reqCtx) *apiResult {
	if s.opts.RateLimiter == nil {
		return nil
	}
	key := s.rateKey(c.r)
	ok, retryAfter := s.opts.RateLimiter.Allow(key)
	if ok {
		return nil
	}
	if s.metrics != nil {
		s.metrics.RateLimitRejected()
	}
	secs := int(math.Ceil(retryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return slowDown(secs)
}

// rateKey derives the limiter key. In accessKey mode unsigned or malformed
// requests fall back to the remote address so they cannot dodge the limiter.
func (s *Server) rateKey(r *http.Request) string {
	if s.opts.RateKeyMode == "accessKey" {
		if d, err := sigv4.ParseAuthorization(r.Header.Get("Authorization")); err == nil {
			return d.AccessKeyID
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) bodyStage(c *reqCtx) *apiResult {
	body, hash, err := ingestBody(c.r, s.opts.MaxBodyBytes)
	if err != nil {
		if errors.Is(err, errBodyTooLarge) {
			return badRequest("request body too large")
		}
		return badRequest("unable to read request body")
	}
	c.body = body
	c.payloadHash = hash
	return nil
}

func (s *Server) authStage(c *reqCtx) *apiResult {
	if s.opts.AuthMode == "none" {
		return nil
	}
	err := sigv4.Verify(c.r, c.payloadHash, s.opts.Identity, s.opts.Region, "s3")
	if err == nil {
		return nil
	}
	if errors.Is(err, sigv4.ErrMalformed) {
		return badRequest("invalid authorization header")
	}
	return forbidden()
}

// route dispatches a request that survived the pipeline.
func (s *Server) route(c *reqCtx) *apiResult {
	if c.r.URL.Path == "/" {
		if c.r.Method == http.MethodGet {
			return s.handleListBuckets(c)
		}
		return notImplemented()
	}

	bucket, rawKey := splitBucketAndKey(c.r.URL.Path)
	if !isValidBucketName(bucket) {
		return badRequest("invalid bucket name")
	}

	if rawKey == "" {
		q := c.r.URL.Query()
		switch c.r.Method {
		case http.MethodGet:
			if q.Has("location") {
				return s.handleBucketLocation(c, bucket)
			}
			return s.handleListObjects(c, bucket)
		case http.MethodHead:
			return s.handleHeadBucket(c, bucket)
		case http.MethodPut:
			return s.handleCreateBucket(c, bucket)
		case http.MethodDelete:
			return s.handleDeleteBucket(c, bucket)
		case http.MethodPost:
			if q.Has("delete") {
				return s.handleBulkDelete(c, bucket)
			}
			return notImplemented()
		default:
			return notImplemented()
		}
	}

	switch c.r.Method {
	case http.MethodGet:
		return s.handleGetObject(c, bucket, rawKey, true)
	case http.MethodHead:
		return s.handleGetObject(c, bucket, rawKey, false)
	case http.MethodPut:
		return s.handlePutObject(c, bucket, rawKey)
	case http.MethodDelete:
		return s.handleDeleteObject(c, bucket, rawKey)
	default:
		return notImplemented()
	}
}

// quoteETag wraps a content hash in the double quotes S3 clients expect.
func quoteETag(etag string) string {
	return `"` + etag + `"`
}

// setETagHeaders sets both header spellings; some SDK builds look for the
// hyphenated one.
func setETagHeaders(h http.Header, etag string) {
	quoted := quoteETag(etag)
	h.Set("ETag", quoted)
	h.Set("E-Tag", quoted)
}

func isNotFound(err error) bool {
	return errors.Is(err, backend.ErrNotFound)
}
