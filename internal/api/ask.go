package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/Eriq7/SQL-AI-Agent/internal/agent"
	"github.com/Eriq7/SQL-AI-Agent/internal/auth"
	"github.com/Eriq7/SQL-AI-Agent/internal/conversation"
	"github.com/Eriq7/SQL-AI-Agent/internal/observability"
)

const maxAskBodyBytes = 64 << 10

type askRequest struct {
	UserID   string `json:"user_id"`
	Question string `json:"question"`
}

type askResponse struct {
	agent.Response
	Retryable bool   `json:"retryable"`
	TraceID   string `json:"trace_id,omitempty"`
}

func handleAsk(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Agent == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "AGENT_NOT_CONFIGURED", "agent is not configured", false, nil)
		return
	}

	var request askRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAskBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&request); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid ask request body", false, map[string]any{"details": err.Error()})
		return
	}

	userID, ok := resolveUserID(w, r, request.UserID)
	if !ok {
		return
	}

	ctx := observability.ContextWithUserID(r.Context(), userID)
	response, err := deps.Agent.Ask(ctx, userID, request.Question)
	var agentErr *agent.Error
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, askResponse{Response: response, TraceID: observability.TraceIDFromContext(ctx)})
	case errors.As(err, &agentErr):
		writeJSON(w, http.StatusOK, askResponse{
			Response:  response,
			Retryable: agentErr.Reason.Retryable(),
			TraceID:   observability.TraceIDFromContext(ctx),
		})
	case errors.Is(err, conversation.ErrInvalidUserID):
		writeError(ctx, w, http.StatusBadRequest, "USER_ID_REQUIRED", "user_id is required", false, nil)
	case errors.Is(err, agent.ErrEmptyQuestion):
		writeError(ctx, w, http.StatusBadRequest, "QUESTION_REQUIRED", "question is required", false, nil)
	default:
		if deps.Logger != nil {
			deps.Logger.ErrorContext(ctx, "ask failed", append(observability.RequestAttrs(ctx), "error", err)...)
		}
		writeError(ctx, w, http.StatusInternalServerError, "INTERNAL", "the question could not be processed", true, nil)
	}
}

func handleHistory(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.History == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "HISTORY_NOT_CONFIGURED", "conversation history is not configured", false, nil)
		return
	}

	userID, ok := resolveUserID(w, r, r.URL.Query().Get("user_id"))
	if !ok {
		return
	}
	after, err := parseInt64Param(r, "after", 0)
	if err != nil || after < 0 {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_CURSOR", "after must be a non-negative turn id", false, nil)
		return
	}
	limit, err := parseInt64Param(r, "limit", 0)
	if err != nil || limit < 0 {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_LIMIT", "limit must be a non-negative integer", false, nil)
		return
	}

	turns, err := deps.History.History(r.Context(), userID, after, conversation.ClampLimit(int(limit), 50, 500))
	if err != nil {
		if deps.Logger != nil {
			deps.Logger.ErrorContext(r.Context(), "load history failed", append(observability.RequestAttrs(r.Context()), "error", err)...)
		}
		writeError(r.Context(), w, http.StatusInternalServerError, "HISTORY_UNAVAILABLE", "conversation history could not be loaded", true, nil)
		return
	}

	sessionID, _ := conversation.SessionID(userID)
	nextAfter := after
	if len(turns) > 0 {
		nextAfter = turns[len(turns)-1].TurnID
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":    userID,
		"session_id": sessionID,
		"turns":      turns,
		"next_after": nextAfter,
	})
}

// resolveUserID prefers the authenticated identity. An explicit user id
// that names someone else is refused.
func resolveUserID(w http.ResponseWriter, r *http.Request, requested string) (string, bool) {
	requested = strings.TrimSpace(requested)
	if identity, ok := auth.IdentityFromContext(r.Context()); ok {
		if requested != "" && requested != identity.UserID {
			writeError(r.Context(), w, http.StatusForbidden, "USER_MISMATCH", "user_id does not match the API key", false, nil)
			return "", false
		}
		return identity.UserID, true
	}
	if requested == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "USER_ID_REQUIRED", "user_id is required", false, nil)
		return "", false
	}
	return requested, true
}

func parseInt64Param(r *http.Request, name string, fallback int64) (int64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return fallback, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}
