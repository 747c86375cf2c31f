package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/bturcanu/toolmesh/pkg/auth"
	"github.com/bturcanu/toolmesh/pkg/connectors"
	"github.com/bturcanu/toolmesh/pkg/dictionary"
	"github.com/bturcanu/toolmesh/pkg/dispatch"
	"github.com/bturcanu/toolmesh/pkg/tool"
	"github.com/bturcanu/toolmesh/pkg/types"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

const (
	maxBodyBytes = 1 << 20 // 1 MB
	// userTokenHeader carries a per-user connector credential on GET routes.
	userTokenHeader = "X-Connector-Token"
)

// ──────────────────────────────────────────────────────────────────────────────
// Gateway handler
// ──────────────────────────────────────────────────────────────────────────────

type Gateway struct {
	log        *slog.Logger
	dispatcher gatewayDispatcher
	evidence   gatewayEvidence
	connectors gatewayConnectors
}

type gatewayDispatcher interface {
	Deployments(tenantID string) []types.DeploymentInfo
	ListTools(ctx context.Context, tenantID, deploymentID string, req types.ToolsRequest) (*types.ToolsResponse, error)
	TargetOptions(ctx context.Context, tenantID, deploymentID, userToken string) (*connectors.QueryTargetOptions, error)
	CheckConnection(ctx context.Context, tenantID, deploymentID, userToken string) (bool, error)
	CheckAll(ctx context.Context, tenantID string) (map[string]bool, error)
	MergeDictionary(ctx context.Context, tenantID, deploymentID string, req types.DictionaryRequest) (*types.DictionaryResponse, error)
	DescribePath(ctx context.Context, tenantID, deploymentID string, req types.DescribePathRequest) error
	Invoke(ctx context.Context, deploymentID, toolName string, req *types.InvokeRequest) (*types.InvokeResponse, error)
}

type gatewayEvidence interface {
	GetEvent(ctx context.Context, eventID string) (*types.InvocationRecord, error)
	VerifyTenant(ctx context.Context, tenantID string) (int, error)
}

type gatewayConnectors interface {
	List() []connectors.Info
}

// Routes mounts the versioned API on r.
func (gw *Gateway) Routes(r chi.Router) {
	r.Get("/v1/connectors", gw.HandleListConnectors)
	r.Get("/v1/deployments", gw.HandleListDeployments)
	r.Post("/v1/deployments/check", gw.HandleCheckAll)
	r.Route("/v1/deployments/{deployment_id}", func(r chi.Router) {
		r.Get("/targets", gw.HandleTargets)
		r.Post("/tools", gw.HandleListTools)
		r.Post("/tools/{tool}/invoke", gw.HandleInvoke)
		r.Post("/check", gw.HandleCheck)
		r.Post("/dictionary", gw.HandleDictionary)
		r.Put("/dictionary/paths", gw.HandleDescribePath)
	})
	r.Get("/v1/events/{event_id}", gw.HandleGetEvent)
	r.Get("/v1/audit/verify", gw.HandleVerify)
}

// HandleListConnectors is GET /v1/connectors
func (gw *Gateway) HandleListConnectors(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, gw.connectors.List())
}

// HandleListDeployments is GET /v1/deployments
func (gw *Gateway) HandleListDeployments(w http.ResponseWriter, r *http.Request) {
	deps := gw.dispatcher.Deployments(auth.TenantFromContext(r.Context()))
	if deps == nil {
		deps = []types.DeploymentInfo{}
	}
	writeJSON(w, http.StatusOK, deps)
}

// HandleTargets is GET /v1/deployments/{deployment_id}/targets
func (gw *Gateway) HandleTargets(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	opts, err := gw.dispatcher.TargetOptions(ctx, auth.TenantFromContext(ctx), chi.URLParam(r, "deployment_id"), r.Header.Get(userTokenHeader))
	if err != nil {
		gw.writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, opts)
}

// HandleListTools is POST /v1/deployments/{deployment_id}/tools
func (gw *Gateway) HandleListTools(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req types.ToolsRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		types.ErrValidation(err).WriteJSON(w)
		return
	}
	resp, err := gw.dispatcher.ListTools(ctx, auth.TenantFromContext(ctx), chi.URLParam(r, "deployment_id"), req)
	if err != nil {
		gw.writeError(ctx, w, err)
		return
	}
	if resp.Tools == nil {
		resp.Tools = []tool.Declaration{}
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleInvoke is POST /v1/deployments/{deployment_id}/tools/{tool}/invoke
func (gw *Gateway) HandleInvoke(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req types.InvokeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.TenantID = auth.TenantFromContext(ctx)
	req.SourceIP = r.RemoteAddr
	if req.TraceID == "" {
		req.TraceID = middleware.GetReqID(ctx)
	}
	if err := req.NormalizeAndValidate(); err != nil {
		types.ErrValidation(err).WriteJSON(w)
		return
	}

	resp, err := gw.dispatcher.Invoke(ctx, chi.URLParam(r, "deployment_id"), chi.URLParam(r, "tool"), &req)
	if resp != nil {
		w.Header().Set("X-Event-ID", resp.EventID)
	}
	if err != nil {
		gw.writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleCheck is POST /v1/deployments/{deployment_id}/check
func (gw *Gateway) HandleCheck(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req types.CheckRequest
	if !decodeBody(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "deployment_id")
	ok, err := gw.dispatcher.CheckConnection(ctx, auth.TenantFromContext(ctx), id, req.UserToken)
	if err != nil {
		gw.writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.CheckResponse{DeploymentID: id, OK: ok})
}

// HandleCheckAll is POST /v1/deployments/check
func (gw *Gateway) HandleCheckAll(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	results, err := gw.dispatcher.CheckAll(ctx, auth.TenantFromContext(ctx))
	if err != nil {
		gw.writeError(ctx, w, err)
		return
	}
	out := make([]types.CheckResponse, 0, len(results))
	for _, dep := range gw.dispatcher.Deployments(auth.TenantFromContext(ctx)) {
		if ok, seen := results[dep.ID]; seen {
			out = append(out, types.CheckResponse{DeploymentID: dep.ID, OK: ok})
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleDictionary is POST /v1/deployments/{deployment_id}/dictionary
func (gw *Gateway) HandleDictionary(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req types.DictionaryRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		types.ErrValidation(err).WriteJSON(w)
		return
	}
	resp, err := gw.dispatcher.MergeDictionary(ctx, auth.TenantFromContext(ctx), chi.URLParam(r, "deployment_id"), req)
	if err != nil {
		gw.writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleDescribePath is PUT /v1/deployments/{deployment_id}/dictionary/paths
func (gw *Gateway) HandleDescribePath(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req types.DescribePathRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		types.ErrValidation(err).WriteJSON(w)
		return
	}
	if err := gw.dispatcher.DescribePath(ctx, auth.TenantFromContext(ctx), chi.URLParam(r, "deployment_id"), req); err != nil {
		gw.writeError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleGetEvent is GET /v1/events/{event_id}
func (gw *Gateway) HandleGetEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	eventID := chi.URLParam(r, "event_id")
	if _, err := uuid.Parse(eventID); err != nil {
		types.ErrBadRequest("invalid event_id format").WriteJSON(w)
		return
	}

	rec, err := gw.evidence.GetEvent(ctx, eventID)
	if err != nil {
		gw.log.ErrorContext(ctx, "get event failed", "event_id", eventID, "error", err)
		types.ErrInternal("failed to retrieve event").WriteJSON(w)
		return
	}
	if rec == nil || rec.Request.TenantID != auth.TenantFromContext(ctx) {
		types.ErrNotFound("event not found").WriteJSON(w)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// HandleVerify is GET /v1/audit/verify
func (gw *Gateway) HandleVerify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := auth.TenantFromContext(ctx)
	n, err := gw.evidence.VerifyTenant(ctx, tenantID)
	resp := map[string]any{"tenant_id": tenantID, "events": n, "valid": err == nil}
	if err != nil {
		gw.log.WarnContext(ctx, "evidence chain verification failed", "tenant_id", tenantID, "error", err)
		resp["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// ──────────────────────────────────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────────────────────────────────

// writeError maps dispatcher and tool errors onto API error codes.
func (gw *Gateway) writeError(ctx context.Context, w http.ResponseWriter, err error) {
	var (
		inputErr   *tool.ValidationError
		timeoutErr *tool.TimeoutError
		targetErr  *connectors.TargetError
		reqErr     *types.ValidationError
		replayed   *dispatch.ReplayedFailure
	)
	switch {
	case errors.As(err, &replayed):
		types.ErrRecordedFailure(chi.URLParamFromCtx(ctx, "deployment_id"), replayed.Status, replayed.Message).WriteJSON(w)
	case errors.As(err, &inputErr):
		types.ErrToolInputInvalid(inputErr).WriteJSON(w)
	case errors.As(err, &timeoutErr):
		types.ErrToolTimeout(timeoutErr).WriteJSON(w)
	case errors.As(err, &targetErr), errors.As(err, &reqErr):
		types.ErrValidation(err).WriteJSON(w)
	case errors.Is(err, dispatch.ErrUnknownDeployment), errors.Is(err, dispatch.ErrUnknownTool),
		errors.Is(err, dictionary.ErrPathNotFound):
		types.ErrNotFound(err.Error()).WriteJSON(w)
	case errors.Is(err, dispatch.ErrRateLimited):
		types.ErrRateLimited().WriteJSON(w)
	case errors.Is(err, connectors.ErrUnavailable):
		types.ErrConnectorUnavailable(chi.URLParamFromCtx(ctx, "deployment_id")).WriteJSON(w)
	case errors.Is(err, connectors.ErrNotSupported):
		types.ErrNotSupported(err.Error()).WriteJSON(w)
	case errors.Is(err, dispatch.ErrEvidence):
		gw.log.ErrorContext(ctx, "evidence record failed", "error", err)
		types.ErrInternal("evidence recording failed after execution").WriteJSON(w)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		types.ErrInternal("request cancelled").WriteJSON(w)
	default:
		gw.log.WarnContext(ctx, "connector call failed", "error", err)
		types.ErrConnectorFailure(chi.URLParamFromCtx(ctx, "deployment_id"), err.Error()).WriteJSON(w)
	}
}

// decodeBody reads an optional JSON body. An empty body leaves v unchanged.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		types.ErrBadRequest("invalid JSON body").WriteJSON(w)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("response encode failed", "error", err)
	}
}
