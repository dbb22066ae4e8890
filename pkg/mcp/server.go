package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/chatshaper/chatshaper/pkg/budget"
	"github.com/chatshaper/chatshaper/pkg/keypool"
	"github.com/chatshaper/chatshaper/pkg/models"
	"github.com/chatshaper/chatshaper/pkg/tracker"
)

// CacheStatter provides cache statistics without coupling to a concrete cache implementation.
type CacheStatter interface {
	Stats(ctx context.Context) (models.CacheStats, error)
}

// CacheStatsFunc adapts a function to CacheStatter.
type CacheStatsFunc func(ctx context.Context) (models.CacheStats, error)

// Stats calls f(ctx).
func (f CacheStatsFunc) Stats(ctx context.Context) (models.CacheStats, error) { return f(ctx) }

// KeyStatter reports live key pool statistics, typically from the admin API
// of a running proxy.
type KeyStatter interface {
	KeyStats(ctx context.Context) (map[string]keypool.Stats, error)
}

// Server exposes request shaping and usage data as MCP tools over a
// line-delimited JSON-RPC 2.0 stream.
type Server struct {
	budgeter  *budget.Budgeter
	pools     map[string]*keypool.Pool
	live      KeyStatter
	tracker   tracker.Tracker
	cache     CacheStatter
	liveCache CacheStatter
	logger    *zap.Logger
	version   string
}

// Deps are the collaborators a Server reports on. Any of them may be nil;
// tools backed by a missing collaborator say so. Pools supply credential
// fingerprints only and Cache supplies storage figures only. Exclusion state
// and cache hit counts live in the serving process and are read through
// LiveKeys and LiveCache.
type Deps struct {
	Budgeter  *budget.Budgeter
	Pools     map[string]*keypool.Pool
	LiveKeys  KeyStatter
	Tracker   tracker.Tracker
	Cache     CacheStatter
	LiveCache CacheStatter
	Logger    *zap.Logger
}

// New creates a new MCP Server.
func New(d Deps, version string) *Server {
	s := &Server{
		budgeter:  d.Budgeter,
		pools:     d.Pools,
		live:      d.LiveKeys,
		tracker:   d.Tracker,
		cache:     d.Cache,
		liveCache: d.LiveCache,
		logger:    d.Logger,
		version:   version,
	}
	if s.budgeter == nil {
		s.budgeter = budget.New(budget.Options{})
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	return s
}

// Run reads JSON-RPC requests from r line-by-line and writes responses to w.
// It blocks until r is closed or ctx is cancelled.
func (s *Server) Run(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			s.write(w, rpcError(nil, CodeParseError, "parse error"))
			continue
		}

		if resp := s.dispatch(ctx, &req); resp != nil {
			s.write(w, resp)
		}
	}
	return scanner.Err()
}

func (s *Server) dispatch(ctx context.Context, req *Request) *Response {
	switch req.Method {
	case "initialize":
		return result(req.ID, InitializeResult{
			ProtocolVersion: ProtocolVersion,
			ServerInfo:      ServerInfo{Name: "chatshaper", Version: s.version},
			Capabilities:    map[string]any{"tools": map[string]any{}},
		})
	case "notifications/initialized":
		return nil
	case "tools/list":
		return result(req.ID, ToolsListResult{Tools: allTools})
	case "tools/call":
		return s.callTool(ctx, req)
	default:
		if len(req.ID) == 0 {
			return nil
		}
		return rpcError(req.ID, CodeMethodNotFound, fmt.Sprintf("unknown method: %s", req.Method))
	}
}

func (s *Server) callTool(ctx context.Context, req *Request) *Response {
	var params ToolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return rpcError(req.ID, CodeInvalidParams, "invalid params")
	}

	handler, ok := toolHandlers[params.Name]
	if !ok {
		return result(req.ID, errorResult(fmt.Sprintf("unknown tool: %s", params.Name)))
	}
	s.logger.Debug("tool call", zap.String("tool", params.Name))
	return result(req.ID, handler(ctx, s, params.Arguments))
}

func (s *Server) write(w io.Writer, resp *Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("mcp: marshal response", zap.Error(err))
		return
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		s.logger.Error("mcp: write response", zap.Error(err))
	}
}
