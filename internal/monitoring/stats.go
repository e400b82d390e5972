package monitoring

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Stats is the cheap atomic view of server health behind /healthz. The
// Prometheus collectors are the real observability surface; this exists so
// load balancers and humans get an answer without a scrape.
type Stats struct {
	startedAt time.Time

	ActiveConnections int64
	MessagesIn        int64
	MessagesOut       int64
	DroppedDeliveries int64
}

// NewStats starts the uptime clock.
func NewStats() *Stats {
	return &Stats{startedAt: time.Now()}
}

type healthSnapshot struct {
	Status            string `json:"status"`
	UptimeSeconds     int64  `json:"uptime_seconds"`
	ActiveConnections int64  `json:"active_connections"`
	MessagesIn        int64  `json:"messages_in"`
	MessagesOut       int64  `json:"messages_out"`
	DroppedDeliveries int64  `json:"dropped_deliveries"`
}

func (s *Stats) snapshot() healthSnapshot {
	return healthSnapshot{
		Status:            "ok",
		UptimeSeconds:     int64(time.Since(s.startedAt).Seconds()),
		ActiveConnections: atomic.LoadInt64(&s.ActiveConnections),
		MessagesIn:        atomic.LoadInt64(&s.MessagesIn),
		MessagesOut:       atomic.LoadInt64(&s.MessagesOut),
		DroppedDeliveries: atomic.LoadInt64(&s.DroppedDeliveries),
	}
}

// NewHTTPServer builds the observability HTTP server: /metrics for
// Prometheus, /healthz for checks. The caller owns Shutdown.
func NewHTTPServer(endpoint string, metrics *Metrics, stats *Stats, logger zerolog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(stats.snapshot()); err != nil {
			logger.Error().Err(err).Msg("write health snapshot")
		}
	})
	return &http.Server{
		Addr:         endpoint,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}
