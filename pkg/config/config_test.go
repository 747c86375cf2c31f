package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestEnvHelpers(t *testing.T) {
	t.Setenv("TM_STR", "x")
	t.Setenv("TM_INT", "42")
	t.Setenv("TM_BAD_INT", "forty")
	t.Setenv("TM_DUR", "90s")
	t.Setenv("TM_BAD_DUR", "-5s")
	t.Setenv("TM_BOOL", "false")

	if got := EnvOr("TM_STR", "d"); got != "x" {
		t.Errorf("EnvOr = %q", got)
	}
	if got := EnvOr("TM_UNSET", "d"); got != "d" {
		t.Errorf("EnvOr fallback = %q", got)
	}
	if got := EnvOrInt("TM_INT", 1); got != 42 {
		t.Errorf("EnvOrInt = %d", got)
	}
	if got := EnvOrInt("TM_BAD_INT", 1); got != 1 {
		t.Errorf("EnvOrInt invalid = %d", got)
	}
	if got := EnvOrDuration("TM_DUR", time.Second); got != 90*time.Second {
		t.Errorf("EnvOrDuration = %s", got)
	}
	if got := EnvOrDuration("TM_BAD_DUR", time.Second); got != time.Second {
		t.Errorf("EnvOrDuration negative = %s", got)
	}
	if got := EnvOrBool("TM_BOOL", true); got {
		t.Error("EnvOrBool = true")
	}
}

func TestPostgresDSN(t *testing.T) {
	t.Setenv("POSTGRES_PASSWORD", "p@ss/word")
	t.Setenv("POSTGRES_HOST", "db")
	dsn := PostgresDSN()
	if !strings.HasPrefix(dsn, "postgres://toolmesh:p%40ss%2Fword@db:5432/toolmesh") {
		t.Errorf("dsn = %s", dsn)
	}
}

func TestParseDeployments(t *testing.T) {
	deps, err := ParseDeployments([]byte(`
deployments:
  - id: jira-soc
    tenant: soc-eu
    connector: jira
    config:
      base_url: https://example.atlassian.net
      email: bot@example.com
      encrypted_token: abc
  - id: slack-soc
    tenant: soc-eu
    connector: slack
`))
	if err != nil {
		t.Fatalf("ParseDeployments: %v", err)
	}
	if len(deps) != 2 {
		t.Fatalf("len = %d", len(deps))
	}
	var cfg map[string]string
	if err := json.Unmarshal(deps[0].Config, &cfg); err != nil {
		t.Fatal(err)
	}
	if cfg["base_url"] != "https://example.atlassian.net" || cfg["email"] != "bot@example.com" {
		t.Errorf("config = %v", cfg)
	}
	if string(deps[1].Config) != "{}" {
		t.Errorf("empty config = %s", deps[1].Config)
	}
}

func TestParseDeployments_Invalid(t *testing.T) {
	_, err := ParseDeployments([]byte(`
deployments:
  - id: a
    connector: jira
  - id: a
    tenant: t
    connector: jira
  - tenant: t
`))
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"a: tenant is required", "a: duplicate id", "deployment 2: id is required"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %q", err, want)
		}
	}
}

func TestLoadDeployments_ExpandsEnv(t *testing.T) {
	t.Setenv("JIRA_URL", "https://jira.internal")
	path := filepath.Join(t.TempDir(), "deployments.yaml")
	if err := os.WriteFile(path, []byte("deployments:\n  - id: j\n    tenant: t\n    connector: jira\n    config:\n      base_url: ${JIRA_URL}\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	deps, err := LoadDeployments(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(deps[0].Config), "https://jira.internal") {
		t.Errorf("config = %s", deps[0].Config)
	}
}
