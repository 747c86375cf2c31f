package confluence

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/bturcanu/toolmesh/pkg/dictionary"
	"github.com/bturcanu/toolmesh/pkg/tool"
)

type fakeWiki struct {
	mu     sync.Mutex
	listed []string
	cql    string
}

func (f *fakeWiki) server(t *testing.T) *httptest.Server {
	t.Helper()
	pages := map[string][]string{
		"Eng":         {"Runbooks", "Oncall"},
		"Engineering": {"Design"},
		"EngTools":    {"CI"},
		"HR":          {"Policies"},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/wiki/rest/api/user/current", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"accountId":"a"}`))
	})
	mux.HandleFunc("/wiki/rest/api/space", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("start") == "0" {
			w.Write([]byte(`{"results":[{"key":"Eng"},{"key":"Engineering"}],"_links":{"next":"/wiki/rest/api/space?start=2"}}`))
			return
		}
		w.Write([]byte(`{"results":[{"key":"EngTools"},{"key":"HR"}],"_links":{}}`))
	})
	mux.HandleFunc("/wiki/rest/api/space/{key}/content/page", func(w http.ResponseWriter, r *http.Request) {
		key := r.PathValue("key")
		f.mu.Lock()
		f.listed = append(f.listed, key)
		f.mu.Unlock()
		var results []map[string]string
		for _, title := range pages[key] {
			results = append(results, map[string]string{"title": title})
		}
		json.NewEncoder(w).Encode(map[string]any{"results": results, "_links": map[string]string{}})
	})
	mux.HandleFunc("/wiki/rest/api/content/search", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.cql = r.URL.Query().Get("cql")
		f.mu.Unlock()
		w.Write([]byte(`{"size":1,"totalSize":3,"results":[
			{"id":"101","title":"Ransomware runbook","space":{"key":"Eng"},"_links":{"webui":"/spaces/Eng/pages/101"}}
		]}`))
	})
	mux.HandleFunc("/wiki/rest/api/content/{id}", func(w http.ResponseWriter, r *http.Request) {
		space := "Eng"
		if r.PathValue("id") == "999" {
			space = "HR"
		}
		w.Write([]byte(`{"id":"` + r.PathValue("id") + `","title":"T","space":{"key":"` + space + `"},"body":{"storage":{"value":"<p>x</p>"}}}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestConnector(t *testing.T) (*fakeWiki, Config, *httptest.Server) {
	f := &fakeWiki{}
	srv := f.server(t)
	return f, Config{BaseURL: srv.URL, Email: "e@x"}, srv
}

func TestMergeDataDictionary_SegmentExactPrefix(t *testing.T) {
	f, cfg, srv := newTestConnector(t)
	c := New(srv.Client())

	existing := []dictionary.Path{
		{Segments: []string{"Eng", "Runbooks"}, Description: "IR runbooks"},
		{Segments: []string{"Engineering"}, Description: "design docs"},
	}
	got, err := c.MergeDataDictionary(context.Background(), cfg, Secrets{Token: "t"}, existing, []string{"Eng"})
	if err != nil {
		t.Fatalf("MergeDataDictionary: %v", err)
	}
	want := []dictionary.Path{
		{Segments: []string{"Eng"}, Description: ""},
		{Segments: []string{"Eng", "Runbooks"}, Description: "IR runbooks"},
		{Segments: []string{"Eng", "Oncall"}, Description: ""},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("merged = %+v, want %+v", got, want)
	}
	if !reflect.DeepEqual(f.listed, []string{"Eng"}) {
		t.Errorf("pages listed for %v, want only Eng", f.listed)
	}
}

func TestMergeDataDictionary_NoPrefix(t *testing.T) {
	_, cfg, srv := newTestConnector(t)
	got, err := New(srv.Client()).MergeDataDictionary(context.Background(), cfg, Secrets{Token: "t"}, nil, nil)
	if err != nil {
		t.Fatalf("MergeDataDictionary: %v", err)
	}
	if len(got) != 9 {
		t.Errorf("len = %d, want 9 (4 spaces + 5 pages)", len(got))
	}
}

func TestSearchPages(t *testing.T) {
	f, cfg, srv := newTestConnector(t)
	tools, err := New(srv.Client()).GetTools(context.Background(), cfg, Target{Spaces: []string{"Eng", "HR"}}, Secrets{Token: "t"}, nil)
	if err != nil || len(tools) != 2 {
		t.Fatalf("GetTools = %d, %v", len(tools), err)
	}
	search := tools[0]

	spec := search.Specialization()
	if spec == nil || !reflect.DeepEqual(spec.DatasetPaths, [][]string{{"Eng"}, {"HR"}}) {
		t.Fatalf("specialization = %+v", spec)
	}
	schema, err := spec.FetchSchema(context.Background())
	if err != nil {
		t.Fatalf("FetchSchema: %v", err)
	}
	if !reflect.DeepEqual(schema.(map[string][]string)["HR"], []string{"Policies"}) {
		t.Errorf("schema = %v", schema)
	}

	out, err := search.Execute(context.Background(), map[string]any{"query": `ransom "note"`})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.HasPrefix(f.cql, `space in ("Eng", "HR") AND type = page AND text ~ "ransom \"note\""`) {
		t.Errorf("cql = %s", f.cql)
	}
	if _, ok := out.RawResult.(tool.Tabular); !ok {
		t.Fatalf("raw = %T", out.RawResult)
	}
	rec := out.AgentResult.([]map[string]any)[0]
	if rec["space"] != "Eng" || rec["url"] != "/spaces/Eng/pages/101" {
		t.Errorf("record = %v", rec)
	}
	if !strings.Contains(out.AdditionalAgentContext, "1 of 3") {
		t.Errorf("context = %q", out.AdditionalAgentContext)
	}
}

func TestGetPage_Scoped(t *testing.T) {
	_, cfg, srv := newTestConnector(t)
	tools, err := New(srv.Client()).GetTools(context.Background(), cfg, Target{Spaces: []string{"Eng"}}, Secrets{Token: "t"}, nil)
	if err != nil {
		t.Fatalf("GetTools: %v", err)
	}
	get := tools[1]

	out, err := get.Execute(context.Background(), map[string]any{"id": "101"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.RawResult.(map[string]string)["body"] != "<p>x</p>" {
		t.Errorf("page = %v", out.RawResult)
	}
	if _, err := get.Execute(context.Background(), map[string]any{"id": "999"}); err == nil {
		t.Error("expected out-of-scope error")
	}
}

func TestQueryTargetOptionsAndCheck(t *testing.T) {
	_, cfg, srv := newTestConnector(t)
	c := New(srv.Client())
	opts, err := c.GetQueryTargetOptions(context.Background(), cfg, Secrets{Token: "t"})
	if err != nil {
		t.Fatalf("GetQueryTargetOptions: %v", err)
	}
	if got := strings.Join(opts.Selectors["spaces"], ","); got != "Eng,Engineering,EngTools,HR" {
		t.Errorf("spaces = %s", got)
	}
	if !c.CheckConnection(context.Background(), cfg, Secrets{Token: "t"}) {
		t.Error("expected connection ok")
	}
	if c.CheckConnection(context.Background(), Config{BaseURL: "http://127.0.0.1:1"}, Secrets{}) {
		t.Error("expected connection failure")
	}
}
