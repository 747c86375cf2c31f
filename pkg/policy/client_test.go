package policy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bturcanu/toolmesh/pkg/types"
)

func opa(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestEvaluate_Decisions(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		want   types.Decision
		reason string
	}{
		{"allow", `{"result":{"decision":"allow","reason":"read only"}}`, types.DecisionAllow, "read only"},
		{"deny", `{"result":{"decision":"deny","reason":"write outside hours"}}`, types.DecisionDeny, "write outside hours"},
		{"empty decision", `{"result":{"decision":"","reason":""}}`, types.DecisionDeny, ""},
		{"unknown decision", `{"result":{"decision":"escalate","reason":"custom"}}`, types.DecisionDeny, "custom"},
		{"undefined document", `{}`, types.DecisionDeny, "policy document undefined"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := NewClient(opa(t, http.StatusOK, tt.body).URL).Evaluate(context.Background(), types.PolicyInput{})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if result.Decision != tt.want {
				t.Errorf("decision = %s, want %s", result.Decision, tt.want)
			}
			if result.Reason != tt.reason {
				t.Errorf("reason = %q, want %q", result.Reason, tt.reason)
			}
		})
	}
}

func TestEvaluate_SendsInput(t *testing.T) {
	var got struct {
		Input types.PolicyInput `json:"input"`
	}
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"result":{"decision":"allow"}}`))
	}))
	defer srv.Close()

	in := types.PolicyInput{Invocation: types.InvocationPayload{TenantID: "t", Connector: "jira", Tool: "create_issue"}}
	if _, err := NewClient(srv.URL, WithPath("/v1/data/custom")).Evaluate(context.Background(), in); err != nil {
		t.Fatal(err)
	}
	if path != "/v1/data/custom" {
		t.Errorf("path = %s", path)
	}
	if got.Input.Invocation.Tool != "create_issue" || got.Input.Invocation.Connector != "jira" {
		t.Errorf("input = %+v", got.Input)
	}
}

func TestEvaluate_NonOKStatus(t *testing.T) {
	_, err := NewClient(opa(t, http.StatusInternalServerError, "opa error").URL).Evaluate(context.Background(), types.PolicyInput{})
	if err == nil {
		t.Fatal("expected error for non-200 status")
	}
}

func TestStatic(t *testing.T) {
	r, err := Static{Decision: types.DecisionAllow, Reason: "policy disabled"}.Evaluate(context.Background(), types.PolicyInput{})
	if err != nil || r.Decision != types.DecisionAllow || r.Reason != "policy disabled" {
		t.Fatalf("result = %+v, err = %v", r, err)
	}
}
