// Package tracing wires OpenTelemetry OTLP export for the gateway and tags
// request spans with the S3 operation, bucket, and key they resolve to.
package tracing

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Options controls tracing initialization.
type Options struct {
	Enabled     bool
	Endpoint    string  // OTLP collector endpoint (host:port or URL)
	Protocol    string  // "grpc" (default) or "http"
	SampleRatio float64 // 0.0 - 1.0
	ServiceName string  // default "filen-s3"
}

// Init configures the global tracer provider and propagators. The returned
// shutdown function flushes pending spans and must be called on exit.
func Init(ctx context.Context, opt Options) (func(context.Context) error, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))
	if !opt.Enabled {
		otel.SetTracerProvider(trace.NewNoopTracerProvider())
		return func(context.Context) error { return nil }, nil
	}

	provOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(newResource(ctx, opt.ServiceName)),
		sdktrace.WithSampler(newSampler(opt.SampleRatio)),
	}
	if exp := newExporter(ctx, opt); exp != nil {
		provOpts = append(provOpts, sdktrace.WithBatcher(exp,
			sdktrace.WithBatchTimeout(5*time.Second),
			sdktrace.WithMaxExportBatchSize(512),
		))
	}
	tp := sdktrace.NewTracerProvider(provOpts...)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

func newResource(ctx context.Context, serviceName string) *resource.Resource {
	svc := strings.TrimSpace(serviceName)
	if svc == "" {
		svc = "filen-s3"
	}
	res, err := resource.New(ctx,
		resource.WithProcess(),
		resource.WithOS(),
		resource.WithHost(),
		resource.WithAttributes(attribute.String("service.name", svc)),
	)
	if err != nil {
		slog.Warn("tracing: resource init failed", slog.String("error", err.Error()))
		return resource.Empty()
	}
	return res
}

func newSampler(ratio float64) sdktrace.Sampler {
	switch {
	case ratio >= 1.0:
		return sdktrace.AlwaysSample()
	case ratio <= 0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
	}
}

// newExporter builds the OTLP exporter, or nil when no endpoint is
// configured or the exporter fails to come up. Spans are simply dropped in
// that case.
func newExporter(ctx context.Context, opt Options) sdktrace.SpanExporter {
	endpoint := strings.TrimSpace(opt.Endpoint)
	if endpoint == "" {
		slog.Info("tracing: enabled without endpoint; spans will not be exported")
		return nil
	}
	var (
		exp sdktrace.SpanExporter
		err error
	)
	switch strings.ToLower(strings.TrimSpace(opt.Protocol)) {
	case "http", "otlphttp", "otlp-http":
		httpOpts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(trimScheme(endpoint))}
		if insecureEndpoint(endpoint) {
			httpOpts = append(httpOpts, otlptracehttp.WithInsecure())
		}
		exp, err = otlptracehttp.New(ctx, httpOpts...)
	default: // grpc
		grpcOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(trimScheme(endpoint))}
		if insecureEndpoint(endpoint) {
			grpcOpts = append(grpcOpts, otlptracegrpc.WithInsecure())
		}
		exp, err = otlptracegrpc.New(ctx, grpcOpts...)
	}
	if err != nil {
		slog.Error("tracing: otlp exporter init failed", slog.String("error", err.Error()))
		return nil
	}
	return exp
}

// Middleware opens a server span per request, named after the S3 operation
// the request resolves to, and records the bucket and key alongside the
// usual HTTP attributes. Health and metrics probes are not traced.
func Middleware(next http.Handler) http.Handler {
	skipped := map[string]struct{}{
		"/livez":   {},
		"/readyz":  {},
		"/metrics": {},
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := skipped[r.URL.Path]; ok {
			next.ServeHTTP(w, r)
			return
		}

		op := operationFor(r)
		ctx, span := otel.Tracer("filen-s3/http").Start(r.Context(), "s3."+op,
			trace.WithSpanKind(trace.SpanKindServer),
		)
		defer span.End()

		rec := &spanWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		bucket, key := splitPath(r.URL.Path)
		attrs := []attribute.KeyValue{
			attribute.String("s3.operation", op),
			attribute.String("http.method", r.Method),
			attribute.Int("http.status_code", rec.status),
			attribute.String("net.peer.ip", remoteAddr(r)),
		}
		if bucket != "" {
			attrs = append(attrs, attribute.String("s3.bucket", bucket))
		}
		if key != "" {
			attrs = append(attrs, attribute.String("s3.key", key))
		}
		span.SetAttributes(attrs...)
	})
}

// operationFor classifies a request into the S3 operation name the router
// will dispatch it to. Unroutable requests report Unknown.
func operationFor(r *http.Request) string {
	if r.URL.Path == "/" {
		if r.Method == http.MethodGet {
			return "ListBuckets"
		}
		return "Unknown"
	}
	_, key := splitPath(r.URL.Path)
	q := r.URL.Query()
	if key == "" {
		switch r.Method {
		case http.MethodGet:
			if q.Has("location") {
				return "GetBucketLocation"
			}
			return "ListObjectsV2"
		case http.MethodHead:
			return "HeadBucket"
		case http.MethodPut:
			return "CreateBucket"
		case http.MethodDelete:
			return "DeleteBucket"
		case http.MethodPost:
			if q.Has("delete") {
				return "DeleteObjects"
			}
		}
		return "Unknown"
	}
	switch r.Method {
	case http.MethodGet:
		return "GetObject"
	case http.MethodHead:
		return "HeadObject"
	case http.MethodPut:
		if r.Header.Get("x-amz-copy-source") != "" {
			return "CopyObject"
		}
		return "PutObject"
	case http.MethodDelete:
		return "DeleteObject"
	}
	return "Unknown"
}

// splitPath breaks a request path into bucket and key. The key keeps any
// trailing slash, matching the router's view of the path.
func splitPath(urlPath string) (bucket, key string) {
	bucket, key, _ = strings.Cut(strings.TrimPrefix(urlPath, "/"), "/")
	return bucket, key
}

// spanWriter captures the response status for span attributes.
type spanWriter struct {
	http.ResponseWriter
	status int
}

func (w *spanWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// insecureEndpoint reports whether the exporter should skip TLS: plain-http
// URLs and loopback collectors.
func insecureEndpoint(endpoint string) bool {
	ep := strings.ToLower(strings.TrimSpace(endpoint))
	if strings.HasPrefix(ep, "http://") {
		return true
	}
	return strings.Contains(ep, "localhost") || strings.Contains(ep, "127.0.0.1")
}

// trimScheme drops the URL scheme; the OTLP clients expect host:port.
func trimScheme(endpoint string) string {
	e := strings.TrimSpace(endpoint)
	lower := strings.ToLower(e)
	if strings.HasPrefix(lower, "http://") {
		return e[len("http://"):]
	}
	if strings.HasPrefix(lower, "https://") {
		return e[len("https://"):]
	}
	return e
}

func remoteAddr(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	return r.RemoteAddr
}
