package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

type ReadinessReporter interface {
	Readiness() (ready bool, partitions []int32)
}

// Pinger reports whether the disk tier is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

const pingTimeout = 2 * time.Second

// Readiness is ready when storage answers a ping and the invalidation
// consumer, if any, holds its partitions. Either argument may be nil.
func Readiness(store Pinger, rr ReadinessReporter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		type resp struct {
			Status     string  `json:"status"`
			Storage    string  `json:"storage"`
			Partitions []int32 `json:"partitions,omitempty"`
		}
		out := resp{Status: "ready", Storage: "ok"}
		ready := true

		if store == nil {
			out.Storage = "unavailable"
			ready = false
		} else {
			ctx, cancel := context.WithTimeout(r.Context(), pingTimeout)
			err := store.Ping(ctx)
			cancel()
			if err != nil {
				out.Storage = err.Error()
				ready = false
			}
		}
		if rr != nil {
			ok, parts := rr.Readiness()
			if ok {
				out.Partitions = parts
			} else {
				ready = false
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if !ready {
			out.Status = "not_ready"
			out.Partitions = nil
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(out)
	}
}
