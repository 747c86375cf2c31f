package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bturcanu/toolmesh/pkg/types"
)

func TestInvoke_FillsIdsAndDecodes(t *testing.T) {
	var got types.InvokeRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.EscapedPath(); got != "/v1/deployments/jira%20prod/tools/search/invoke" {
			t.Errorf("path = %s", got)
		}
		if r.Header.Get("X-API-Key") != "k" {
			t.Errorf("api key = %q", r.Header.Get("X-API-Key"))
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_ = json.NewEncoder(w).Encode(types.InvokeResponse{EventID: "e1", Decision: types.DecisionAllow})
	}))
	defer srv.Close()

	resp, err := New(srv.URL, "k").Invoke(context.Background(), "jira prod", "search", types.InvokeRequest{AgentID: "a"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if resp.EventID != "e1" || resp.Decision != types.DecisionAllow {
		t.Errorf("resp = %+v", resp)
	}
	if got.IdempotencyKey == "" || got.TraceID == "" {
		t.Errorf("ids not generated: %+v", got)
	}
}

func TestAPIErrorDecoded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		types.ErrNotFound("deployment not found").WriteJSON(w)
	}))
	defer srv.Close()

	_, err := New(srv.URL, "k").Tools(context.Background(), "x", types.ToolsRequest{})
	var apiErr *types.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %T %v", err, err)
	}
	if apiErr.HTTPCode != http.StatusNotFound || apiErr.Code != "NOT_FOUND" {
		t.Errorf("apiErr = %+v", apiErr)
	}
}

func TestNonJSONError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := New(srv.URL, "k").Deployments(context.Background())
	var apiErr *types.APIError
	if !errors.As(err, &apiErr) || apiErr.HTTPCode != http.StatusBadGateway {
		t.Fatalf("err = %v", err)
	}
}

func TestTargets_SendsUserToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Connector-Token") != "u" {
			t.Errorf("user token = %q", r.Header.Get("X-Connector-Token"))
		}
		w.Write([]byte(`{"definitions":[{"name":"channels"}],"selectors":{"channels":["soc"]}}`))
	}))
	defer srv.Close()

	opts, err := New(srv.URL, "k").Targets(context.Background(), "slack", "u")
	if err != nil {
		t.Fatal(err)
	}
	if len(opts.Selectors["channels"]) != 1 {
		t.Errorf("opts = %+v", opts)
	}
}
