package tool

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShape(t *testing.T) {
	tab := Tabular{
		ColumnHeaders: []string{"a", "b"},
		Results:       [][]any{{1, 2}, {3, 4}},
	}
	short := &Tabular{
		ColumnHeaders: []string{"a", "b", "c"},
		Results:       [][]any{{1}, {2, 3, 4, 5}},
	}

	tests := []struct {
		name string
		in   any
		want *Output
	}{
		{
			name: "plain value",
			in:   "v",
			want: &Output{RawResult: "v", AgentResult: "v"},
		},
		{
			name: "nil",
			in:   nil,
			want: &Output{},
		},
		{
			name: "tabular",
			in:   tab,
			want: &Output{
				RawResult:   tab,
				AgentResult: []map[string]any{{"a": 1, "b": 2}, {"a": 3, "b": 4}},
			},
		},
		{
			name: "tabular pointer with ragged rows",
			in:   short,
			want: &Output{
				RawResult:   short,
				AgentResult: []map[string]any{{"a": 1}, {"a": 2, "b": 3, "c": 4}},
			},
		},
		{
			name: "wrapped value",
			in:   Result{Value: 7, AdditionalContext: "counts only"},
			want: &Output{RawResult: 7, AgentResult: 7, AdditionalAgentContext: "counts only"},
		},
		{
			name: "wrapped tabular",
			in:   &Result{Value: tab, AdditionalContext: "truncated"},
			want: &Output{
				RawResult:              tab,
				AgentResult:            []map[string]any{{"a": 1, "b": 2}, {"a": 3, "b": 4}},
				AdditionalAgentContext: "truncated",
			},
		},
		{
			name: "empty tabular",
			in:   Tabular{ColumnHeaders: []string{"a"}},
			want: &Output{
				RawResult:   Tabular{ColumnHeaders: []string{"a"}},
				AgentResult: []map[string]any{},
			},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Shape(tc.in))
		})
	}
}
