package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/MrWong99/toolrelay/internal/mcp"
	"github.com/MrWong99/toolrelay/internal/mcp/registry"
	"github.com/MrWong99/toolrelay/internal/observe"
	"github.com/MrWong99/toolrelay/internal/resilience"
)

// Default result sizes for the catalog queries.
const (
	defaultDigestLimit = 5
	defaultSearchLimit = 10
)

// ApplyServersRequest is the body of PUT /v1/servers. It replaces the whole
// server configuration.
type ApplyServersRequest struct {
	Servers []mcp.ServerDescriptor `json:"servers"`
}

// ApplyServersResponse reports what the registry did. Invalid lists the
// descriptors that were rejected; the valid ones are still applied.
type ApplyServersResponse struct {
	registry.ApplyResult
	Failed  map[string]string `json:"failed,omitempty"`
	Invalid string            `json:"invalid,omitempty"`
}

// CallResponse is the result of POST /v1/tools/{name}/call.
type CallResponse struct {
	Tool       string      `json:"tool"`
	Content    string      `json:"content"`
	IsError    bool        `json:"is_error"`
	DurationMs int64       `json:"duration_ms"`
	Media      []MediaInfo `json:"media,omitempty"`
}

// MediaInfo describes one non-text block of a tool result.
type MediaInfo struct {
	MIMEType string `json:"mime_type"`
	Size     int    `json:"size"`
}

func (s *Server) handleServers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"servers": s.registry.Statuses()})
}

// handleApplyServers handles PUT /v1/servers. A body with invalid descriptors
// answers 400 after applying the valid ones.
func (s *Server) handleApplyServers(w http.ResponseWriter, r *http.Request) {
	var req ApplyServersRequest
	if err := decodeBody(w, r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.registry.ApplyConfigs(r.Context(), req.Servers)
	if errors.Is(err, mcp.ErrClosed) {
		writeError(w, http.StatusServiceUnavailable, "registry is shutting down")
		return
	}
	resp := ApplyServersResponse{ApplyResult: res, Failed: res.FailedMessages()}
	status := http.StatusOK
	if err != nil {
		resp.Invalid = err.Error()
		status = http.StatusBadRequest
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	ports, err := s.registry.Discover(r.Context())
	if err != nil {
		if errors.Is(err, mcp.ErrClosed) {
			writeError(w, http.StatusServiceUnavailable, "registry is shutting down")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ports":   ports,
		"servers": s.registry.Statuses(),
	})
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tools": s.registry.ToolSpecs(r.URL.Query().Get("client"))})
}

// handleDigest handles GET /v1/tools/digest. Contexts come from repeated or
// comma-separated context parameters.
func (s *Server) handleDigest(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r, defaultDigestLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var contexts []string
	for _, v := range r.URL.Query()["context"] {
		for c := range strings.SplitSeq(v, ",") {
			if c = strings.TrimSpace(c); c != "" {
				contexts = append(contexts, c)
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"digest": s.registry.Digest(contexts, limit)})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if s.index == nil {
		writeError(w, http.StatusNotImplemented, "tool search is not enabled")
		return
	}
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		writeError(w, http.StatusBadRequest, "query parameter q is required")
		return
	}
	limit, err := queryLimit(r, defaultSearchLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	hits, err := s.index.Search(r.Context(), q, limit)
	if err != nil {
		observe.Logger(r.Context()).Error("tool search failed", "err", err)
		writeError(w, http.StatusBadGateway, "tool search failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"query":    q,
		"semantic": s.index.Semantic(),
		"tools":    hits,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tools": s.registry.ToolStats()})
}

// handleCall handles POST /v1/tools/{name}/call. The body is the JSON object
// of arguments; an empty body calls the tool without arguments. Tool-reported
// failures answer 200 with is_error set.
func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var args map[string]any
	if err := decodeBody(w, r, &args, true); err != nil {
		writeError(w, http.StatusBadRequest, "arguments must be a JSON object: "+err.Error())
		return
	}

	res, err := s.registry.Call(r.Context(), name, args)
	if err != nil {
		var unknown *registry.UnknownToolError
		switch {
		case errors.As(err, &unknown):
			writeJSON(w, http.StatusNotFound, map[string]any{
				"error":       err.Error(),
				"suggestions": unknown.Suggestions,
			})
		case errors.Is(err, resilience.ErrCircuitOpen), errors.Is(err, mcp.ErrNotReady), errors.Is(err, mcp.ErrClosed):
			writeError(w, http.StatusServiceUnavailable, err.Error())
		default:
			observe.Logger(r.Context()).Warn("direct tool call failed", "tool", name, "err", err)
			writeError(w, http.StatusBadGateway, err.Error())
		}
		return
	}

	resp := CallResponse{Tool: name, Content: res.Content, IsError: res.IsError, DurationMs: res.DurationMs}
	for _, m := range res.Media {
		resp.Media = append(resp.Media, MediaInfo{MIMEType: m.MIMEType, Size: len(m.Data)})
	}
	writeJSON(w, http.StatusOK, resp)
}
