// Package admin exposes the operator-facing stats endpoint. It is separate
// from the S3 surface and speaks JSON, guarded by OIDC when configured.
package admin

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/FilenCloudDienste/filen-s3/pkg/pathlock"
	"github.com/FilenCloudDienste/filen-s3/pkg/ratelimit"
)

// Stats is the payload served at /admin/stats.
type Stats struct {
	Version       string `json:"version"`
	WorkerSlot    int    `json:"workerSlot"`
	UptimeSeconds int64  `json:"uptimeSeconds"`
	RateLimitKeys int    `json:"rateLimitKeys"`
	PathLockKeys  int    `json:"pathLockKeys"`
}

// Handler serves the admin endpoints. Limiter and locks may be nil when the
// corresponding subsystems are disabled.
type Handler struct {
	version    string
	workerSlot int
	started    time.Time
	limiter    *ratelimit.Limiter
	locks      *pathlock.Table
	logger     *slog.Logger
}

func NewHandler(version string, workerSlot int, limiter *ratelimit.Limiter, locks *pathlock.Table, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		version:    version,
		workerSlot: workerSlot,
		started:    time.Now(),
		limiter:    limiter,
		locks:      locks,
		logger:     logger,
	}
}

// Register mounts the admin routes on mux, wrapped by guard when non-nil.
func (h *Handler) Register(mux *http.ServeMux, guard func(http.Handler) http.Handler) {
	var stats http.Handler = http.HandlerFunc(h.stats)
	if guard != nil {
		stats = guard(stats)
	}
	mux.Handle("/admin/stats", stats)
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s := Stats{
		Version:       h.version,
		WorkerSlot:    h.workerSlot,
		UptimeSeconds: int64(time.Since(h.started).Seconds()),
	}
	if h.limiter != nil {
		s.RateLimitKeys = h.limiter.Len()
	}
	if h.locks != nil {
		s.PathLockKeys = h.locks.Len()
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s); err != nil {
		h.logger.Error("admin: encoding stats failed", slog.String("error", err.Error()))
	}
}
