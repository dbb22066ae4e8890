package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/chatshaper/chatshaper/pkg/budget"
	cachepkg "github.com/chatshaper/chatshaper/pkg/cache/sqlite"
	"github.com/chatshaper/chatshaper/pkg/config"
	"github.com/chatshaper/chatshaper/pkg/keypool"
	"github.com/chatshaper/chatshaper/pkg/models"
	"github.com/chatshaper/chatshaper/pkg/router"
	"github.com/chatshaper/chatshaper/pkg/tracker"
)

// Response headers set by the proxy.
const (
	HeaderTrimmed   = "X-Chatshaper-Trimmed"
	HeaderCache     = "X-Chatshaper-Cache"
	HeaderRequestID = "X-Request-ID"
)

// Upstream API formats.
const (
	formatOpenAI    = config.ProviderOpenAI
	formatAnthropic = config.ProviderAnthropic
)

// Server is the chatshaper reverse proxy. Every chat request is trimmed to
// the budget ceiling and sent upstream with a credential drawn from the
// provider's key pool.
type Server struct {
	cfg      *config.Config
	pools    map[string]*keypool.Pool
	budgeter *budget.Budgeter
	tracker  tracker.Tracker
	cache    *cachepkg.Cache
	router   *router.Router
	client   *http.Client
	logger   *zap.Logger
	registry *prometheus.Registry
	metrics  *metrics
	mux      *http.ServeMux
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithRegistry sets the registry that proxy and key pool metrics are
// registered with and that /metrics serves.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(s *Server) {
		if reg != nil {
			s.registry = reg
		}
	}
}

// WithHTTPClient sets the client used for upstream calls.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Server) {
		if c != nil {
			s.client = c
		}
	}
}

// New creates a proxy Server wired with all dependencies. pools is keyed by
// provider name. The tracker and cache may be nil.
func New(cfg *config.Config, pools map[string]*keypool.Pool, b *budget.Budgeter, t tracker.Tracker, c *cachepkg.Cache, opts ...Option) *Server {
	hasPool := func(name string) bool {
		_, ok := pools[name]
		return ok
	}
	s := &Server{
		cfg:      cfg,
		pools:    pools,
		budgeter: b,
		tracker:  t,
		cache:    c,
		router:   router.New(cfg, router.WithUsable(hasPool)),
		client:   http.DefaultClient,
		logger:   zap.NewNop(),
		mux:      http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.registry == nil {
		s.registry = prometheus.NewRegistry()
	}
	s.metrics = newMetrics(s.registry, pools)

	s.mux.HandleFunc("/v1/chat/completions", s.handleChatCompletions)
	s.mux.HandleFunc("/v1/messages", s.handleMessages)
	s.mux.HandleFunc("/admin/keys", s.handleKeyStats)
	s.mux.HandleFunc("/admin/keys/reset", s.handleKeyReset)
	s.mux.HandleFunc("/admin/cache", s.handleCacheStats)
	s.mux.Handle("/metrics", s.metricsHandler())
	s.mux.HandleFunc("/", s.handlePassthrough)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// ListenAndServe starts the proxy server with graceful shutdown support.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("chatshaper proxy listening", zap.String("addr", s.cfg.Listen))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// upstreamResult holds the response from a single upstream attempt.
type upstreamResult struct {
	statusCode int
	body       []byte
	header     http.Header
}

// doUpstreamRequest sends a request to an upstream provider and returns the result.
func doUpstreamRequest(ctx context.Context, client *http.Client, providerURL, path string, headers map[string]string, body []byte) (*upstreamResult, error) {
	target, err := url.Parse(providerURL)
	if err != nil {
		return nil, fmt.Errorf("invalid provider URL: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String()+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	return &upstreamResult{
		statusCode: resp.StatusCode,
		body:       respBody,
		header:     resp.Header,
	}, nil
}

// callSpec describes one shaped request ready to go upstream.
type callSpec struct {
	requestID string
	format    string
	path      string
	body      []byte
	headers   func(key string) map[string]string
	shaped    budget.TrimResult
}

// forward walks the route chain. Within a route it retries up to the pool
// size, excluding each credential that answers 429. Transport errors and 5xx
// answers move on to the next route. The last upstream answer is returned
// when every route fails; a nil result means no upstream answered at all.
func (s *Server) forward(ctx context.Context, routes []router.Route, call callSpec) *upstreamResult {
	var last *upstreamResult
	for _, route := range routes {
		pool, ok := s.pools[route.Provider.Name]
		if !ok {
			s.logger.Warn("no key pool for provider", zap.String("provider", route.Provider.Name))
			continue
		}
		body := rewriteFields(call.body, map[string]any{"model": route.Model})

	attempts:
		for range pool.Size() {
			key := pool.Next()
			keyID := keypool.Fingerprint(key)
			log := s.logger.With(
				zap.String("request_id", call.requestID),
				zap.String("provider", route.Provider.Name),
				zap.String("key_id", keyID),
				zap.String("model", route.Model),
			)

			res, err := doUpstreamRequest(ctx, s.client, route.Provider.URL, call.path, call.headers(key), body)
			if err != nil {
				log.Warn("upstream failed, trying next route", zap.Error(err))
				s.metrics.upstream.WithLabelValues(route.Provider.Name, "error").Inc()
				break attempts
			}
			s.metrics.upstream.WithLabelValues(route.Provider.Name, strconv.Itoa(res.statusCode)).Inc()
			s.record(ctx, call, route, keyID, res)
			last = res

			switch {
			case res.statusCode == http.StatusTooManyRequests:
				log.Warn("credential rate limited, rotating")
				pool.ReportKeyFailure(key)
			case res.statusCode >= 500:
				log.Warn("upstream error, trying next route", zap.Int("status", res.statusCode))
				break attempts
			default:
				return res
			}
		}
	}
	return last
}

// record stores one upstream attempt. Tracking failures never fail the request.
func (s *Server) record(ctx context.Context, call callSpec, route router.Route, keyID string, res *upstreamResult) {
	if s.tracker == nil {
		return
	}
	rec := models.UsageRecord{
		RequestID:       call.requestID,
		Provider:        route.Provider.Name,
		KeyID:           keyID,
		Model:           route.Model,
		EstimatedTokens: call.shaped.After,
		Dropped:         call.shaped.Dropped,
		Truncated:       call.shaped.Truncated,
		StatusCode:      res.statusCode,
		CreatedAt:       time.Now().UTC(),
	}
	if res.statusCode == http.StatusOK {
		if usage := parseUsage(call.format, res.body); usage != nil {
			rec.PromptTokens = usage.PromptTokens
			rec.CompletionTokens = usage.CompletionTokens
			rec.TotalTokens = usage.TotalTokens
		}
	}
	if err := s.tracker.Record(ctx, rec); err != nil {
		s.logger.Error("record upstream call", zap.String("request_id", call.requestID), zap.Error(err))
	}
}

// parseUsage extracts token usage from a successful upstream response.
func parseUsage(format string, body []byte) *models.Usage {
	switch format {
	case formatAnthropic:
		var resp models.AnthropicResponse
		if err := json.Unmarshal(body, &resp); err == nil && resp.Usage != nil {
			return resp.Usage.ToUsage()
		}
	default:
		var resp models.ChatCompletionResponse
		if err := json.Unmarshal(body, &resp); err == nil {
			return resp.Usage
		}
	}
	return nil
}

// rewriteFields replaces top-level fields of a JSON body, leaving every other
// field as the client sent it. The body is returned unchanged if it cannot be
// rewritten.
func rewriteFields(body []byte, fields map[string]any) []byte {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return body
	}
	for k, v := range fields {
		data, err := json.Marshal(v)
		if err != nil {
			return body
		}
		raw[k] = data
	}
	out, err := json.Marshal(raw)
	if err != nil {
		return body
	}
	return out
}

// handlePassthrough relays any other request to the first provider with a
// pooled credential.
func (s *Server) handlePassthrough(w http.ResponseWriter, r *http.Request) {
	if len(s.cfg.Providers) == 0 {
		writeJSONError(w, http.StatusServiceUnavailable, "no providers configured")
		return
	}

	provider := s.cfg.Providers[0]
	pool, ok := s.pools[provider.Name]
	if !ok {
		writeJSONError(w, http.StatusServiceUnavailable, "no credentials for provider")
		return
	}
	target, err := url.Parse(provider.URL)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "invalid provider URL")
		return
	}

	key := pool.Next()
	proxy := &httputil.ReverseProxy{
		Director: func(req *http.Request) {
			req.URL.Scheme = target.Scheme
			req.URL.Host = target.Host
			req.Host = target.Host
			setAuth(req.Header, provider.Type, key)
		},
		ModifyResponse: func(resp *http.Response) error {
			if resp.StatusCode == http.StatusTooManyRequests {
				pool.ReportKeyFailure(key)
			}
			return nil
		},
	}
	proxy.ServeHTTP(w, r)
}

// setAuth places key where the provider type expects it.
func setAuth(h http.Header, providerType, key string) {
	if providerType == config.ProviderAnthropic {
		h.Del("Authorization")
		h.Set("x-api-key", key)
		return
	}
	h.Del("x-api-key")
	h.Set("Authorization", "Bearer "+key)
}

// requestID returns the caller's request ID or a fresh one.
func requestID(r *http.Request) string {
	if id := r.Header.Get(HeaderRequestID); id != "" {
		return id
	}
	return uuid.NewString()
}

func writeJSONError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"error":{"message":%q,"type":"chatshaper_error","code":%d}}`, message, code)
}
