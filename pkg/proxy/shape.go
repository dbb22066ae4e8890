package proxy

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/chatshaper/chatshaper/pkg/budget"
	cachepkg "github.com/chatshaper/chatshaper/pkg/cache/sqlite"
	"github.com/chatshaper/chatshaper/pkg/models"
)

// shapedRequest is a decoded chat request after trimming.
type shapedRequest struct {
	model  string
	result budget.TrimResult
}

// SplitSystem separates the leading system messages of an OpenAI-style
// history from the conversation and returns their joined text.
func SplitSystem(messages []models.Message) (system []models.Message, text string, rest []models.Message) {
	i := 0
	for i < len(messages) && messages[i].Role == "system" {
		i++
	}
	system, rest = messages[:i], messages[i:]
	parts := make([]string, 0, len(system))
	for j := range system {
		if t := MessageText(&system[j]); t != "" {
			parts = append(parts, t)
		}
	}
	return system, strings.Join(parts, "\n"), rest
}

// MessageText joins every text unit of a message.
func MessageText(m *models.Message) string {
	refs := m.TextRefs()
	parts := make([]string, 0, len(refs))
	for _, ref := range refs {
		if *ref != "" {
			parts = append(parts, *ref)
		}
	}
	return strings.Join(parts, "\n")
}

// shapeOpenAI trims an OpenAI chat completion request. System messages are
// kept in front of the trimmed conversation.
func (s *Server) shapeOpenAI(body []byte) (*shapedRequest, []byte, error) {
	var req models.ChatCompletionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, nil, err
	}
	if req.Stream {
		return nil, nil, errStreaming
	}

	system, systemText, history := SplitSystem(req.Messages)
	res := s.budgeter.TrimWithReport(history, systemText, 0)

	messages := make([]models.Message, 0, len(system)+len(res.Messages))
	messages = append(messages, system...)
	messages = append(messages, res.Messages...)

	return &shapedRequest{model: req.Model, result: res}, rewriteFields(body, map[string]any{"messages": messages}), nil
}

// shapeAnthropic trims an Anthropic messages request. The system field is
// counted against the ceiling but never modified.
func (s *Server) shapeAnthropic(body []byte) (*shapedRequest, []byte, error) {
	var req models.AnthropicRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, nil, err
	}
	if req.Stream {
		return nil, nil, errStreaming
	}

	res := s.budgeter.TrimWithReport(req.Messages, req.System.JoinText(), 0)
	return &shapedRequest{model: req.Model, result: res}, rewriteFields(body, map[string]any{"messages": res.Messages}), nil
}

var errStreaming = errors.New("streaming is not supported")

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	s.handleChat(w, r, formatOpenAI, "/v1/chat/completions", s.shapeOpenAI, func(key string) map[string]string {
		return map[string]string{"Authorization": "Bearer " + key}
	})
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	anthropicVersion := r.Header.Get("anthropic-version")
	s.handleChat(w, r, formatAnthropic, "/v1/messages", s.shapeAnthropic, func(key string) map[string]string {
		headers := map[string]string{"x-api-key": key}
		if anthropicVersion != "" {
			headers["anthropic-version"] = anthropicVersion
		}
		return headers
	})
}

// handleChat runs the shaping pipeline: decode and trim, consult the cache,
// forward with pooled credentials, then cache a successful answer.
func (s *Server) handleChat(
	w http.ResponseWriter,
	r *http.Request,
	format, path string,
	shape func([]byte) (*shapedRequest, []byte, error),
	headers func(key string) map[string]string,
) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	reqID := requestID(r)
	w.Header().Set(HeaderRequestID, reqID)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	r.Body.Close()

	shaped, shapedBody, err := shape(body)
	if errors.Is(err, errStreaming) {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	res := shaped.result
	s.metrics.observeTrim(res)
	w.Header().Set(HeaderTrimmed, fmt.Sprintf("%d,%d", res.Dropped, res.Truncated))
	log := s.logger.With(zap.String("request_id", reqID), zap.String("model", shaped.model))
	if res.Dropped > 0 || res.Truncated > 0 {
		log.Info("request trimmed",
			zap.Int("dropped", res.Dropped),
			zap.Int("truncated", res.Truncated),
			zap.Int("estimated_tokens", res.After),
			zap.Int("ceiling", res.Ceiling))
	}
	if !res.Fits {
		log.Warn("request still over ceiling after trimming",
			zap.Int("estimated_tokens", res.After),
			zap.Int("ceiling", res.Ceiling))
	}

	var hash string
	if s.cache != nil {
		hash = cachepkg.HashRequest(path, shaped.model, shapedBody)
		if cached, ok := s.cache.Get(r.Context(), hash, shaped.model); ok {
			s.metrics.cache.WithLabelValues("hit").Inc()
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set(HeaderCache, "hit")
			w.Write(cached)
			return
		}
		s.metrics.cache.WithLabelValues("miss").Inc()
	}

	routes, err := s.router.Resolve(shaped.model, format)
	if err != nil {
		log.Warn("no route", zap.Error(err))
		writeJSONError(w, http.StatusBadGateway, "no providers available")
		return
	}

	result := s.forward(r.Context(), routes, callSpec{
		requestID: reqID,
		format:    format,
		path:      path,
		body:      shapedBody,
		headers:   headers,
		shaped:    res,
	})
	if result == nil {
		writeJSONError(w, http.StatusBadGateway, "all upstream providers failed")
		return
	}

	if s.cache != nil && result.statusCode == http.StatusOK {
		if err := s.cache.Put(r.Context(), hash, shaped.model, result.body); err != nil {
			log.Warn("cache store failed", zap.Error(err))
		}
	}

	// Forward response headers and body
	for k, vals := range result.header {
		if k == "Content-Length" {
			continue
		}
		for _, v := range vals {
			w.Header().Add(k, v)
		}
	}
	w.Header().Set(HeaderCache, "miss")
	w.WriteHeader(result.statusCode)
	w.Write(result.body)
}
