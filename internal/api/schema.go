package api

import (
	"errors"
	"net/http"

	"github.com/Eriq7/SQL-AI-Agent/internal/observability"
	"github.com/Eriq7/SQL-AI-Agent/internal/schema"
)

func handleSchema(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Schema == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "SCHEMA_NOT_CONFIGURED", "schema catalog is not configured", false, nil)
		return
	}
	snapshot, err := deps.Schema.Snapshot(r.Context())
	if err != nil {
		writeSchemaError(deps, w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func handleSchemaRefresh(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Schema == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "SCHEMA_NOT_CONFIGURED", "schema catalog is not configured", false, nil)
		return
	}
	snapshot, err := deps.Schema.Refresh(r.Context())
	if err != nil {
		writeSchemaError(deps, w, r, err)
		return
	}
	if deps.Logger != nil {
		deps.Logger.InfoContext(r.Context(), "schema refreshed", append(observability.RequestAttrs(r.Context()), "tables", len(snapshot.Tables))...)
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func writeSchemaError(deps Dependencies, w http.ResponseWriter, r *http.Request, err error) {
	if deps.Logger != nil {
		deps.Logger.WarnContext(r.Context(), "schema unavailable", append(observability.RequestAttrs(r.Context()), "error", err)...)
	}
	if errors.Is(err, schema.ErrSchemaUnavailable) {
		writeError(r.Context(), w, http.StatusServiceUnavailable, "SCHEMA_UNAVAILABLE", "the database schema is temporarily unavailable", true, nil)
		return
	}
	writeError(r.Context(), w, http.StatusInternalServerError, "SCHEMA_ERROR", "the database schema could not be loaded", true, nil)
}
