package tool

// Result is a domain value returned by a Tool callable with an optional hint
// for the agent.
type Result struct {
	Value             any    `json:"result"`
	AdditionalContext string `json:"additional_context,omitempty"`
}

// Tabular is a columnar result: ordered headers plus rows of positional values.
type Tabular struct {
	ColumnHeaders []string `json:"column_headers"`
	Results       [][]any  `json:"results"`
}

// Records expands t into one header→value mapping per row. Pairing stops at
// the shorter of the row and the header list.
func (t Tabular) Records() []map[string]any {
	out := make([]map[string]any, 0, len(t.Results))
	for _, row := range t.Results {
		n := min(len(row), len(t.ColumnHeaders))
		rec := make(map[string]any, n)
		for i := 0; i < n; i++ {
			rec[t.ColumnHeaders[i]] = row[i]
		}
		out = append(out, rec)
	}
	return out
}

// Output is the caller-visible envelope of a Tool invocation.
type Output struct {
	RawResult              any    `json:"raw_result"`
	AgentResult            any    `json:"agent_result"`
	AdditionalAgentContext string `json:"additional_agent_context"`
}

// Shape normalizes a callable's return value into an Output.
func Shape(v any) *Output {
	var res Result
	switch r := v.(type) {
	case Result:
		res = r
	case *Result:
		if r != nil {
			res = *r
		}
	default:
		res = Result{Value: v}
	}

	out := &Output{
		RawResult:              res.Value,
		AgentResult:            res.Value,
		AdditionalAgentContext: res.AdditionalContext,
	}
	switch t := res.Value.(type) {
	case Tabular:
		out.AgentResult = t.Records()
	case *Tabular:
		if t != nil {
			out.AgentResult = t.Records()
		}
	}
	return out
}
