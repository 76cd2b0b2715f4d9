package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// Probe is one readiness dependency.
type Probe struct {
	Name  string
	Check func(ctx context.Context) error
}

func PostgresProbe(db *pgxpool.Pool) Probe {
	return Probe{Name: "database", Check: db.Ping}
}

func RedisProbe(rdb *redis.Client) Probe {
	return Probe{Name: "redis", Check: func(ctx context.Context) error { return rdb.Ping(ctx).Err() }}
}

type HealthHandler struct {
	probes  []Probe
	timeout time.Duration
}

func NewHealthHandler(probes ...Probe) *HealthHandler {
	return &HealthHandler{probes: probes, timeout: 3 * time.Second}
}

func (h *HealthHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readyz reports 503 when any probe fails. Probes share one deadline.
func (h *HealthHandler) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	status := http.StatusOK
	checks := make(map[string]string, len(h.probes))
	for _, p := range h.probes {
		if err := p.Check(ctx); err != nil {
			checks[p.Name] = "unhealthy: " + err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[p.Name] = "ok"
	}

	label := "ok"
	if status != http.StatusOK {
		label = "unhealthy"
	}
	writeJSON(w, status, map[string]any{"status": label, "checks": checks})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
