package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestAPIKeyAuth(t *testing.T) {
	ks, err := ParseKeyStore("tenant1:sk-abc")
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		path   string
		header map[string]string
		code   int
		tenant string
	}{
		{"x-api-key", "/v1/connectors", map[string]string{"X-API-Key": "sk-abc"}, http.StatusOK, "tenant1"},
		{"bearer", "/v1/connectors", map[string]string{"Authorization": "Bearer sk-abc"}, http.StatusOK, "tenant1"},
		{"invalid key", "/v1/connectors", map[string]string{"X-API-Key": "bad"}, http.StatusUnauthorized, ""},
		{"missing key", "/v1/connectors", nil, http.StatusUnauthorized, ""},
		{"basic auth ignored", "/v1/connectors", map[string]string{"Authorization": "Basic c2stYWJj"}, http.StatusUnauthorized, ""},
		{"public healthz", "/healthz", nil, http.StatusOK, ""},
		{"public readyz", "/readyz", nil, http.StatusOK, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var tenant string
			h := APIKeyAuth(ks, "/healthz", "/readyz")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				tenant = TenantFromContext(r.Context())
				w.WriteHeader(http.StatusOK)
			}))

			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)

			if rr.Code != tt.code {
				t.Errorf("status = %d, want %d", rr.Code, tt.code)
			}
			if tenant != tt.tenant {
				t.Errorf("tenant = %q, want %q", tenant, tt.tenant)
			}
		})
	}
}
