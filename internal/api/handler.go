// Package api exposes the agent over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Eriq7/SQL-AI-Agent/internal/agent"
	"github.com/Eriq7/SQL-AI-Agent/internal/auth"
	"github.com/Eriq7/SQL-AI-Agent/internal/config"
	"github.com/Eriq7/SQL-AI-Agent/internal/conversation"
	"github.com/Eriq7/SQL-AI-Agent/internal/observability"
	"github.com/Eriq7/SQL-AI-Agent/internal/schema"
)

type ReadinessCheck func(ctx context.Context) error

type Asker interface {
	Ask(ctx context.Context, userID, question string) (agent.Response, error)
}

type HistoryReader interface {
	History(ctx context.Context, userID string, afterTurnID int64, limit int) ([]conversation.Turn, error)
}

type SchemaProvider interface {
	Snapshot(ctx context.Context) (schema.Snapshot, error)
	Refresh(ctx context.Context) (schema.Snapshot, error)
}

type Dependencies struct {
	Logger            *slog.Logger
	Readiness         ReadinessCheck
	AuthMiddleware    func(http.Handler) http.Handler
	DependencyTimeout time.Duration
	Agent             Asker
	History           HistoryReader
	Schema            SchemaProvider
}

func NewHandler(cfg config.Config, deps Dependencies) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "service": cfg.Service.Name})
	})

	mux.HandleFunc("GET /v1/ready", func(w http.ResponseWriter, r *http.Request) {
		if deps.Readiness == nil {
			writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
			return
		}
		timeout := deps.DependencyTimeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		if err := deps.Readiness(ctx); err != nil {
			if deps.Logger != nil {
				deps.Logger.WarnContext(r.Context(), "readiness check failed", append(observability.RequestAttrs(r.Context()), "error", err)...)
			}
			writeError(r.Context(), w, http.StatusServiceUnavailable, "NOT_READY", err.Error(), true, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
	})

	mux.Handle("GET /v1/metrics", promhttp.Handler())

	protect := func(next http.Handler) http.Handler { return next }
	if cfg.Auth.Required {
		if deps.AuthMiddleware == nil {
			if deps.Logger != nil {
				deps.Logger.Error("auth required but auth middleware missing")
			}
			protect = func(http.Handler) http.Handler {
				return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					writeError(r.Context(), w, http.StatusInternalServerError, "AUTH_MIDDLEWARE_MISSING", "auth middleware is required by configuration", false, nil)
				})
			}
		} else {
			protect = deps.AuthMiddleware
		}
	}

	mux.Handle("POST /v1/ask", protect(auth.RequireRole(auth.RoleAsker, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleAsk(deps, w, r)
	}))))
	mux.Handle("GET /v1/history", protect(auth.RequireRole(auth.RoleAsker, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleHistory(deps, w, r)
	}))))
	mux.Handle("GET /v1/schema", protect(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleSchema(deps, w, r)
	})))
	mux.Handle("POST /v1/schema/refresh", protect(auth.RequireRole(auth.RoleSchemaAdmin, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleSchemaRefresh(deps, w, r)
	}))))

	return chain(mux, observability.TraceMiddleware, observability.AccessMiddleware(deps.Logger))
}

// PingCheck reports whether a database handle answers a ping.
func PingCheck(name string, db interface {
	PingContext(ctx context.Context) error
}) ReadinessCheck {
	if db == nil {
		return nil
	}
	return func(ctx context.Context) error {
		if err := db.PingContext(ctx); err != nil {
			return errors.New(name + " is unreachable")
		}
		return nil
	}
}

func CombineReadinessChecks(checks ...ReadinessCheck) ReadinessCheck {
	filtered := make([]ReadinessCheck, 0, len(checks))
	for _, check := range checks {
		if check != nil {
			filtered = append(filtered, check)
		}
	}
	return func(ctx context.Context) error {
		for _, check := range filtered {
			if err := check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

func chain(base http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	wrapped := base
	for i := len(middlewares) - 1; i >= 0; i-- {
		wrapped = middlewares[i](wrapped)
	}
	return wrapped
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(ctx context.Context, w http.ResponseWriter, status int, code, message string, retryable bool, extra map[string]any) {
	writeJSON(w, status, map[string]any{
		"error_code": code,
		"message":    message,
		"retryable":  retryable,
		"context":    extra,
		"trace_id":   observability.TraceIDFromContext(ctx),
	})
}
