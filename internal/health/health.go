package health

import (
	"context"
	"net/http"
	"time"

	json "github.com/goccy/go-json"

	"github.com/austindbirch/harbor_report/internal/config"
	"github.com/austindbirch/harbor_report/internal/registry"
)

// Pinger is satisfied by the offline stores and by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

type QueueStatus struct {
	ID      string `json:"id"`
	Owner   string `json:"owner"`
	Token   string `json:"token"` // masked
	Depth   int    `json:"depth"`
	DelayMS int64  `json:"delay_ms"`
}

type Status struct {
	OK      bool          `json:"ok"`
	Message string        `json:"message,omitempty"`
	Store   *bool         `json:"store,omitempty"`
	Queues  []QueueStatus `json:"queues"`
}

// Snapshot describes every queue in reg.
func Snapshot(reg *registry.Registry) []QueueStatus {
	out := []QueueStatus{}
	if reg == nil {
		return out
	}
	for _, q := range reg.Queues() {
		out = append(out, QueueStatus{
			ID:      q.ID(),
			Owner:   q.Owner(),
			Token:   config.MaskToken(q.AccessToken()),
			Depth:   q.Len(),
			DelayMS: q.Metadata().CurrentDelay().Milliseconds(),
		})
	}
	return out
}

// HTTPHandler returns an HTTP handler that reports the relay's queues and
// whether the offline store, if any, answers.
func HTTPHandler(reg *registry.Registry, store Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := Status{OK: true, Message: "ok", Queues: Snapshot(reg)}
		code := http.StatusOK

		if store != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 1*time.Second)
			defer cancel()
			healthy := store.Ping(ctx) == nil
			st.Store = &healthy
			if !healthy {
				st.OK = false
				st.Message = "offline store unavailable"
				code = http.StatusServiceUnavailable
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(st)
	}
}
