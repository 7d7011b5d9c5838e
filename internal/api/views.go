package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/querydeck/querydeck/internal/auth"
	"github.com/querydeck/querydeck/internal/view"
)

type executeRequest struct {
	Parameters      []view.Parameter  `json:"parameters"`
	ResultFilters   map[string]string `json:"result_filters"`
	PageSize        int               `json:"page_size"`
	MaxRows         int               `json:"max_rows"`
	UseCache        *bool             `json:"use_cache"`
	CacheTTLMinutes *int              `json:"cache_ttl_minutes"`
	Format          string            `json:"format"`
}

type saveRequest struct {
	executeRequest
	Label string `json:"label"`
	Notes string `json:"notes"`
}

type executeResponse struct {
	Result  view.CanonicalResult `json:"result"`
	Partial bool                 `json:"partial"`
	Warning string               `json:"warning,omitempty"`
}

func (req executeRequest) options() view.ExecutionOptions {
	return view.ExecutionOptions{
		Parameters:      req.Parameters,
		ResultFilters:   req.ResultFilters,
		PageSize:        req.PageSize,
		MaxRows:         req.MaxRows,
		UseCache:        req.UseCache,
		CacheTTLMinutes: req.CacheTTLMinutes,
		Format:          req.Format,
	}
}

func handleExecute(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Engine == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "ENGINE_NOT_CONFIGURED", "execution engine is not configured", false, nil)
		return
	}
	if err := requireRole(r, auth.RoleViewReader); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}

	resourceID, ok := viewFromRequest(w, r)
	if !ok {
		return
	}
	request, ok := decodeExecuteRequest(w, r)
	if !ok {
		return
	}

	result, err := deps.Engine.Execute(r.Context(), deps.Credential, resourceID, request.options())
	respondWithResult(w, r, result, err)
}

func handleRefresh(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Engine == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "ENGINE_NOT_CONFIGURED", "execution engine is not configured", false, nil)
		return
	}
	if err := requireRole(r, auth.RoleViewReader); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}

	resourceID, ok := viewFromRequest(w, r)
	if !ok {
		return
	}
	request, ok := decodeExecuteRequest(w, r)
	if !ok {
		return
	}

	result, err := deps.Engine.Refresh(r.Context(), deps.Credential, resourceID, request.options())
	respondWithResult(w, r, result, err)
}

func handleSave(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Engine == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "ENGINE_NOT_CONFIGURED", "execution engine is not configured", false, nil)
		return
	}
	if err := requireRole(r, auth.RoleViewAdmin); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}

	resourceID, ok := viewFromRequest(w, r)
	if !ok {
		return
	}

	var request saveRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&request); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid save request body", false, map[string]any{"details": err.Error()})
		return
	}
	if strings.TrimSpace(request.Label) == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "LABEL_REQUIRED", "label is required", false, nil)
		return
	}

	entry, err := deps.Engine.Save(r.Context(), deps.Credential, resourceID, request.options(), request.Label, request.Notes)
	var partial *view.PartialError
	if err != nil && !errors.As(err, &partial) {
		writeRemoteError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"entry":   entry,
		"partial": partial != nil,
	})
}

func handleInvalidate(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Engine == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "ENGINE_NOT_CONFIGURED", "execution engine is not configured", false, nil)
		return
	}
	if err := requireRole(r, auth.RoleViewAdmin); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}

	resourceID, ok := viewFromRequest(w, r)
	if !ok {
		return
	}

	removed, err := deps.Engine.Invalidate(r.Context(), resourceID)
	if err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "CACHE_ERROR", "failed to invalidate cache entries", true, map[string]any{"details": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
}

func handleMetadata(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Engine == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "ENGINE_NOT_CONFIGURED", "execution engine is not configured", false, nil)
		return
	}
	if err := requireRole(r, auth.RoleViewReader); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}

	resourceID, ok := viewFromRequest(w, r)
	if !ok {
		return
	}

	resource, err := deps.Engine.Metadata(r.Context(), deps.Credential, resourceID)
	if err != nil {
		writeRemoteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":           resource.ID,
		"kind":         resource.Kind,
		"definition":   resource.RawDefinition,
		"placeholders": resource.Placeholders(),
	})
}

func viewFromRequest(w http.ResponseWriter, r *http.Request) (string, bool) {
	resourceID := strings.TrimSpace(r.PathValue("view"))
	if resourceID == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "VIEW_REQUIRED", "view name is required", false, nil)
		return "", false
	}
	return resourceID, true
}

func decodeExecuteRequest(w http.ResponseWriter, r *http.Request) (executeRequest, bool) {
	var request executeRequest
	if r.Body == nil || r.ContentLength == 0 {
		return request, true
	}
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&request); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid execute request body", false, map[string]any{"details": err.Error()})
		return request, false
	}
	return request, true
}

// respondWithResult maps the engine's partial-success semantics to the
// wire: a partial result is still a 200 with its rows, flagged so a UI can
// show a warning instead of a blank failure screen.
func respondWithResult(w http.ResponseWriter, r *http.Request, result view.CanonicalResult, err error) {
	var partial *view.PartialError
	if err != nil && !errors.As(err, &partial) {
		writeRemoteError(w, r, err)
		return
	}
	response := executeResponse{Result: result}
	if partial != nil {
		response.Partial = true
		response.Warning = partial.Error()
	}
	writeJSON(w, http.StatusOK, response)
}

func writeRemoteError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, view.ErrResourceNotFound):
		writeError(r.Context(), w, http.StatusNotFound, "VIEW_NOT_FOUND", "view does not exist on the remote platform", false, nil)
	case errors.Is(err, view.ErrForbidden):
		writeError(r.Context(), w, http.StatusForbidden, "REMOTE_FORBIDDEN", "the remote platform denied access to this view", false, nil)
	case errors.Is(err, view.ErrAuthentication):
		writeError(r.Context(), w, http.StatusBadGateway, "REMOTE_AUTH_FAILED", "authentication with the remote platform failed", false, nil)
	case view.IsTransient(err):
		writeError(r.Context(), w, http.StatusBadGateway, "REMOTE_UNAVAILABLE", "the remote platform is unavailable", true, map[string]any{"details": err.Error()})
	default:
		writeError(r.Context(), w, http.StatusInternalServerError, "EXECUTION_FAILED", "view execution failed", false, map[string]any{"details": err.Error()})
	}
}
