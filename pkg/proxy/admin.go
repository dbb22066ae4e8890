package proxy

import (
	"encoding/json"
	"net/http"
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/chatshaper/chatshaper/pkg/budget"
	"github.com/chatshaper/chatshaper/pkg/keypool"
)

type metrics struct {
	upstream  *prometheus.CounterVec
	trimmed   *prometheus.CounterVec
	cache     *prometheus.CounterVec
	estimated prometheus.Histogram
}

func newMetrics(reg *prometheus.Registry, pools map[string]*keypool.Pool) *metrics {
	reg.MustRegister(keypool.NewCollector(pools))
	f := promauto.With(reg)
	return &metrics{
		upstream: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chatshaper_upstream_requests_total",
			Help: "Upstream calls by provider and status code.",
		}, []string{"provider", "code"}),
		trimmed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chatshaper_trimmed_messages_total",
			Help: "Messages dropped or truncated while shaping requests.",
		}, []string{"action"}),
		cache: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chatshaper_cache_lookups_total",
			Help: "Response cache lookups by result.",
		}, []string{"result"}),
		estimated: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "chatshaper_request_estimated_tokens",
			Help:    "Estimated prompt tokens of shaped requests.",
			Buckets: prometheus.ExponentialBuckets(256, 2, 12),
		}),
	}
}

func (m *metrics) observeTrim(res budget.TrimResult) {
	m.trimmed.WithLabelValues("dropped").Add(float64(res.Dropped))
	m.trimmed.WithLabelValues("truncated").Add(float64(res.Truncated))
	m.estimated.Observe(float64(res.After))
}

func (s *Server) metricsHandler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// handleKeyStats reports pool statistics per provider.
func (s *Server) handleKeyStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	stats := make(map[string]keypool.Stats, len(s.pools))
	for name, pool := range s.pools {
		stats[name] = pool.Stats()
	}
	writeJSON(w, stats)
}

// handleKeyReset clears exclusions for one provider, or for every provider
// when none is named.
func (s *Server) handleKeyReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var reset []string
	if name := r.URL.Query().Get("provider"); name != "" {
		pool, ok := s.pools[name]
		if !ok {
			writeJSONError(w, http.StatusNotFound, "unknown provider")
			return
		}
		pool.Reset()
		reset = append(reset, name)
	} else {
		for name, pool := range s.pools {
			pool.Reset()
			reset = append(reset, name)
		}
		sort.Strings(reset)
	}

	s.logger.Info("key pools reset", zap.Strings("providers", reset))
	writeJSON(w, map[string][]string{"reset": reset})
}

// handleCacheStats reports the response cache, including the hit and miss
// counts of this process.
func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.cache == nil {
		writeJSONError(w, http.StatusNotFound, "cache disabled")
		return
	}
	stats, err := s.cache.Stats(r.Context())
	if err != nil {
		s.logger.Error("cache stats", zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "cache stats failed")
		return
	}
	writeJSON(w, stats)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
