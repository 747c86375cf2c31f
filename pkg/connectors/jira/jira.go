// Package jira is the Jira Cloud connector: project-scoped issue search,
// lookup and creation.
package jira

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"

	"github.com/bturcanu/toolmesh/pkg/connectors"
	"github.com/bturcanu/toolmesh/pkg/connectors/httpapi"
	"github.com/bturcanu/toolmesh/pkg/secrets"
	"github.com/bturcanu/toolmesh/pkg/tool"
)

const (
	ID               = "jira"
	dimensionProject = "projects"
	defaultMax       = 50
	pageSize         = 100
)

type Config struct {
	BaseURL        string `json:"base_url"`
	Email          string `json:"email"`
	EncryptedToken string `json:"encrypted_token"`
}

type Secrets struct {
	Token string
}

// Target selects the Jira projects (by key) tools may touch.
type Target struct {
	Projects []string `json:"projects"`
}

func (t Target) Selected(dimension string) []string {
	if dimension == dimensionProject {
		return t.Projects
	}
	return nil
}

func (t Target) Dimensions() []string {
	return []string{dimensionProject}
}

// New returns the Jira connector. A nil hc uses a client with the default
// vendor timeout.
func New(hc *http.Client) *connectors.Connector[Config, Target, Secrets] {
	client := func(cfg Config, s Secrets) *httpapi.Client {
		return httpapi.New(cfg.BaseURL, httpapi.Basic(cfg.Email, s.Token), hc)
	}
	return &connectors.Connector[Config, Target, Secrets]{
		ID:          ID,
		DisplayName: "Jira",
		Description: "Search, read and create issues in Jira Cloud projects.",
		GetSecrets: func(_ context.Context, cfg Config, key, userToken string) (*Secrets, error) {
			tok, ok, err := secrets.Resolve(cfg.EncryptedToken, key, userToken)
			if err != nil {
				return nil, fmt.Errorf("jira secrets: %w", err)
			}
			if !ok || cfg.BaseURL == "" {
				return nil, nil
			}
			return &Secrets{Token: tok}, nil
		},
		GetTools: func(_ context.Context, cfg Config, target Target, s Secrets, _ any) ([]*tool.Tool, error) {
			return newTools(client(cfg, s), target)
		},
		CheckConnection: func(ctx context.Context, cfg Config, s Secrets) bool {
			return client(cfg, s).Get(ctx, "/rest/api/3/myself", nil, nil) == nil
		},
		GetQueryTargetOptions: func(ctx context.Context, cfg Config, s Secrets) (*connectors.QueryTargetOptions, error) {
			keys, err := listProjects(ctx, client(cfg, s))
			if err != nil {
				return nil, err
			}
			return &connectors.QueryTargetOptions{
				Definitions: []connectors.TargetDefinition{{Name: dimensionProject, Multiselect: true}},
				Selectors:   map[string][]string{dimensionProject: keys},
			}, nil
		},
	}
}

func listProjects(ctx context.Context, c *httpapi.Client) ([]string, error) {
	var keys []string
	for start := 0; ; {
		var page struct {
			Values []struct {
				Key string `json:"key"`
			} `json:"values"`
			IsLast bool `json:"isLast"`
		}
		q := url.Values{"startAt": {strconv.Itoa(start)}, "maxResults": {strconv.Itoa(pageSize)}}
		if err := c.Get(ctx, "/rest/api/3/project/search", q, &page); err != nil {
			return nil, fmt.Errorf("jira list projects: %w", err)
		}
		for _, p := range page.Values {
			keys = append(keys, p.Key)
		}
		if page.IsLast || len(page.Values) == 0 {
			return keys, nil
		}
		start += len(page.Values)
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Tools
// ──────────────────────────────────────────────────────────────────────────────

type SearchInput struct {
	JQL        string `json:"jql,omitempty" jsonschema:"description=Extra JQL ANDed with the project scope"`
	MaxResults int    `json:"max_results,omitempty" jsonschema:"minimum=1,maximum=100"`
}

type GetIssueInput struct {
	Key string `json:"key" jsonschema:"description=Issue key such as SEC-42"`
}

type CreateIssueInput struct {
	Project     string `json:"project"`
	Summary     string `json:"summary" jsonschema:"minLength=1"`
	Description string `json:"description,omitempty"`
	IssueType   string `json:"issue_type,omitempty"`
}

var searchHeaders = []string{"key", "summary", "status", "assignee", "created"}

func newTools(c *httpapi.Client, target Target) ([]*tool.Tool, error) {
	if len(target.Projects) == 0 {
		return nil, nil
	}
	scope := strings.Join(target.Projects, ", ")

	search, err := tool.New("search_issues", ID, func(ctx context.Context, in SearchInput) (any, error) {
		return searchIssues(ctx, c, target, in)
	}, tool.WithDescription("Search issues in Jira projects "+scope+"."))
	if err != nil {
		return nil, err
	}

	get, err := tool.New("get_issue", ID, func(ctx context.Context, in GetIssueInput) (any, error) {
		project, _, _ := strings.Cut(in.Key, "-")
		if !connectors.InScope(target, dimensionProject, project) {
			return nil, fmt.Errorf("jira: issue %q is outside the selected projects", in.Key)
		}
		var issue map[string]any
		if err := c.Get(ctx, "/rest/api/3/issue/"+url.PathEscape(in.Key), nil, &issue); err != nil {
			return nil, err
		}
		return issue, nil
	}, tool.WithDescription("Fetch one Jira issue by key."))
	if err != nil {
		return nil, err
	}

	create, err := tool.New("create_issue", ID, func(ctx context.Context, in CreateIssueInput) (any, error) {
		return createIssue(ctx, c, target, in)
	}, tool.WithDescription("Create an issue in one of the Jira projects "+scope+"."))
	if err != nil {
		return nil, err
	}
	return []*tool.Tool{search, get, create}, nil
}

func searchIssues(ctx context.Context, c *httpapi.Client, target Target, in SearchInput) (any, error) {
	quoted := make([]string, len(target.Projects))
	for i, p := range target.Projects {
		quoted[i] = strconv.Quote(p)
	}
	jql := "project in (" + strings.Join(quoted, ", ") + ")"
	if strings.TrimSpace(in.JQL) != "" {
		if !balancedJQL(in.JQL) {
			return nil, &tool.ValidationError{Tool: "search_issues", Fields: []tool.FieldError{
				{Field: "jql", Reason: "unbalanced parentheses or quotes"},
			}}
		}
		jql += " AND (" + in.JQL + ")"
	}
	limit := in.MaxResults
	if limit <= 0 {
		limit = defaultMax
	}

	var resp struct {
		Total  int `json:"total"`
		Issues []struct {
			Key    string `json:"key"`
			Fields struct {
				Summary string `json:"summary"`
				Created string `json:"created"`
				Project struct {
					Key string `json:"key"`
				} `json:"project"`
				Status  struct {
					Name string `json:"name"`
				} `json:"status"`
				Assignee *struct {
					DisplayName string `json:"displayName"`
				} `json:"assignee"`
			} `json:"fields"`
		} `json:"issues"`
	}
	q := url.Values{
		"jql":        {jql},
		"maxResults": {strconv.Itoa(limit)},
		"fields":     {"summary,status,assignee,created,project"},
	}
	if err := c.Get(ctx, "/rest/api/3/search", q, &resp); err != nil {
		return nil, err
	}

	rows := make([][]any, 0, len(resp.Issues))
	for _, is := range resp.Issues {
		if !connectors.InScope(target, dimensionProject, issueProject(is.Key, is.Fields.Project.Key)) {
			continue
		}
		assignee := ""
		if is.Fields.Assignee != nil {
			assignee = is.Fields.Assignee.DisplayName
		}
		rows = append(rows, []any{is.Key, is.Fields.Summary, is.Fields.Status.Name, assignee, is.Fields.Created})
	}
	res := tool.Result{Value: tool.Tabular{ColumnHeaders: slices.Clone(searchHeaders), Results: rows}}
	if resp.Total > len(rows) {
		res.AdditionalContext = fmt.Sprintf("Showing %d of %d matching issues. Refine the JQL to narrow the results.", len(rows), resp.Total)
	}
	return res, nil
}

// issueProject prefers the project field and falls back to the key prefix.
func issueProject(key, project string) string {
	if project != "" {
		return project
	}
	p, _, _ := strings.Cut(key, "-")
	return p
}

// balancedJQL reports whether parentheses outside quoted strings close in
// order and every quote is terminated.
func balancedJQL(jql string) bool {
	depth := 0
	var quote rune
	escaped := false
	for _, r := range jql {
		switch {
		case escaped:
			escaped = false
		case quote != 0:
			if r == '\\' {
				escaped = true
			} else if r == quote {
				quote = 0
			}
		case r == '"' || r == '\'':
			quote = r
		case r == '(':
			depth++
		case r == ')':
			depth--
			if depth < 0 {
				return false
			}
		}
	}
	return depth == 0 && quote == 0
}

func createIssue(ctx context.Context, c *httpapi.Client, target Target, in CreateIssueInput) (any, error) {
	if !connectors.InScope(target, dimensionProject, in.Project) {
		return nil, fmt.Errorf("jira: project %q is outside the selected projects", in.Project)
	}
	if in.IssueType == "" {
		in.IssueType = "Task"
	}
	fields := map[string]any{
		"project":   map[string]string{"key": in.Project},
		"summary":   in.Summary,
		"issuetype": map[string]string{"name": in.IssueType},
	}
	if in.Description != "" {
		fields["description"] = map[string]any{
			"type":    "doc",
			"version": 1,
			"content": []any{
				map[string]any{
					"type":    "paragraph",
					"content": []any{map[string]any{"type": "text", "text": in.Description}},
				},
			},
		}
	}
	var created struct {
		ID   string `json:"id"`
		Key  string `json:"key"`
		Self string `json:"self"`
	}
	if err := c.Post(ctx, "/rest/api/3/issue", map[string]any{"fields": fields}, &created); err != nil {
		return nil, err
	}
	return map[string]string{"id": created.ID, "key": created.Key, "self": created.Self}, nil
}
