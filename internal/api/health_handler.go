package api

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sunbeam/leadflow/internal/pkg/httputil"
)

type healthHandler struct {
	db    *sql.DB
	redis *redis.Client
}

func newHealthHandler(db *sql.DB, redisClient *redis.Client) *healthHandler {
	return &healthHandler{db: db, redis: redisClient}
}

// liveness answers as long as the process runs.
func (h *healthHandler) liveness(w http.ResponseWriter, r *http.Request) {
	httputil.OK(w, map[string]string{"status": "ok"})
}

// readiness checks the hard dependencies with a short deadline.
func (h *healthHandler) readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := map[string]string{"postgres": "ok", "redis": "ok"}
	healthy := true
	if h.db != nil {
		if err := h.db.PingContext(ctx); err != nil {
			checks["postgres"] = err.Error()
			healthy = false
		}
	}
	if h.redis != nil {
		if err := h.redis.Ping(ctx).Err(); err != nil {
			checks["redis"] = err.Error()
			healthy = false
		}
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	httputil.JSON(w, status, checks)
}
