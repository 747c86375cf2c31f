package catalog

import (
	"testing"

	"github.com/bturcanu/toolmesh/pkg/connectors"
)

func TestRegister(t *testing.T) {
	reg := connectors.NewRegistry()
	if err := Register(reg, nil); err != nil {
		t.Fatalf("Register: %v", err)
	}
	infos := reg.List()
	if len(infos) != 3 {
		t.Fatalf("registered %d connectors, want 3", len(infos))
	}
	want := []string{"confluence", "jira", "slack"}
	for i, info := range infos {
		if info.ID != want[i] {
			t.Errorf("connector %d = %s, want %s", i, info.ID, want[i])
		}
	}
	if !infos[0].SupportsDictionary || infos[1].SupportsDictionary {
		t.Error("only confluence supports dictionary merge")
	}

	if err := Register(reg, nil); err == nil {
		t.Error("expected duplicate registration to fail")
	}
}
