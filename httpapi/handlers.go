package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/youssefsiam38/chatkeeper"
	"github.com/youssefsiam38/chatkeeper/types"
)

// Response wraps all API responses.
type Response struct {
	Data  any       `json:"data,omitempty"`
	Error *APIError `json:"error,omitempty"`
	Meta  *Meta     `json:"meta,omitempty"`
}

// APIError represents an API error.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// Meta contains pagination metadata.
type Meta struct {
	TotalCount int  `json:"total_count,omitempty"`
	HasMore    bool `json:"has_more,omitempty"`
	Limit      int  `json:"limit,omitempty"`
	Offset     int  `json:"offset,omitempty"`
}

// ChatDetail is the body of GET /chats/{id}.
type ChatDetail struct {
	Stats    chatkeeper.ChatStats `json:"stats"`
	Messages []types.Message      `json:"messages"`
}

// PromptRequest is the body of POST /chats/{id}/messages.
type PromptRequest struct {
	Text string `json:"text"`
}

// PromptResponse carries the assistant reply.
type PromptResponse struct {
	Reply string `json:"reply"`
	HTML  string `json:"html"`
}

// StatsResponse is the body of GET /stats.
type StatsResponse struct {
	Chats []chatkeeper.ChatStats `json:"chats"`
}

const maxPageSize = 100

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Response{Data: data})
}

// writeJSONWithMeta writes a JSON response with metadata.
func writeJSONWithMeta(w http.ResponseWriter, status int, data any, meta *Meta) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Response{Data: data, Meta: meta})
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Response{
		Error: &APIError{Code: code, Message: message},
	})
}

// parseInt parses a non-negative integer query parameter with a default.
func parseInt(r *http.Request, key string, defaultVal int) int {
	val := r.URL.Query().Get(key)
	if val == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(val)
	if err != nil || i < 0 {
		return defaultVal
	}
	return i
}

// Chat handlers

func (rt *router) handleListChats(w http.ResponseWriter, r *http.Request) {
	limit := parseInt(r, "limit", rt.config.PageSize)
	if limit == 0 || limit > maxPageSize {
		limit = maxPageSize
	}
	offset := parseInt(r, "offset", 0)

	chats, err := rt.reg.Chats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	total := len(chats)
	start := min(offset, total)
	end := min(start+limit, total)
	page := chats[start:end]
	if page == nil {
		page = []string{}
	}

	writeJSONWithMeta(w, http.StatusOK, page, &Meta{
		TotalCount: total,
		HasMore:    end < total,
		Limit:      limit,
		Offset:     offset,
	})
}

func (rt *router) handleGetChat(w http.ResponseWriter, r *http.Request) {
	runner, err := rt.reg.Runner(r.Context(), r.PathValue("id"))
	if err != nil {
		rt.writeRegistryError(w, err)
		return
	}

	messages := runner.Messages()
	if messages == nil {
		messages = []types.Message{}
	}
	writeJSON(w, http.StatusOK, ChatDetail{
		Stats:    runner.Snapshot(),
		Messages: messages,
	})
}

func (rt *router) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	var req PromptRequest
	body := http.MaxBytesReader(w, r.Body, rt.config.MaxBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "invalid request body")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "invalid_body", "text is required")
		return
	}

	ctx := r.Context()
	if rt.config.PromptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, rt.config.PromptTimeout)
		defer cancel()
	}

	chatID := r.PathValue("id")
	reply, err := rt.reg.Prompt(ctx, chatID, req.Text)
	if err != nil {
		if rt.config.Logger != nil {
			rt.config.Logger.Warn("prompt failed", "chat_id", chatID, "error", err)
		}
		rt.writeRegistryError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, PromptResponse{
		Reply: reply,
		HTML:  rt.renderer.HTML(reply),
	})
}

func (rt *router) writeRegistryError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, chatkeeper.ErrInvalidChatID):
		writeError(w, http.StatusBadRequest, "invalid_id", "invalid chat ID")
	case errors.Is(err, chatkeeper.ErrRegistryClosed):
		writeError(w, http.StatusServiceUnavailable, "unavailable", "shutting down")
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "timeout", "timed out waiting for reply")
	case errors.Is(err, context.Canceled):
		writeError(w, http.StatusServiceUnavailable, "canceled", "request canceled")
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

// Diagnostics handlers

func (rt *router) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := rt.reg.Stats()
	if stats == nil {
		stats = []chatkeeper.ChatStats{}
	}
	writeJSON(w, http.StatusOK, StatsResponse{Chats: stats})
}

func (rt *router) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
