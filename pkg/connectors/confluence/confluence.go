// Package confluence is the Confluence Cloud connector: space-scoped page
// search and reads, plus dictionary reconciliation over space → page paths.
package confluence

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/bturcanu/toolmesh/pkg/connectors"
	"github.com/bturcanu/toolmesh/pkg/connectors/httpapi"
	"github.com/bturcanu/toolmesh/pkg/dictionary"
	"github.com/bturcanu/toolmesh/pkg/secrets"
	"github.com/bturcanu/toolmesh/pkg/tool"
)

const (
	ID             = "confluence"
	dimensionSpace = "spaces"
	pageSize       = 100
	defaultLimit   = 25
	// dictionaryDepth covers space and page levels.
	dictionaryDepth = 2
)

type Config struct {
	BaseURL        string `json:"base_url"`
	Email          string `json:"email"`
	EncryptedToken string `json:"encrypted_token"`
}

type Secrets struct {
	Token string
}

// Target selects the space keys tools may touch.
type Target struct {
	Spaces []string `json:"spaces"`
}

func (t Target) Selected(dimension string) []string {
	if dimension == dimensionSpace {
		return t.Spaces
	}
	return nil
}

func (t Target) Dimensions() []string {
	return []string{dimensionSpace}
}

type api struct {
	c *httpapi.Client
}

func New(hc *http.Client) *connectors.Connector[Config, Target, Secrets] {
	client := func(cfg Config, s Secrets) api {
		return api{c: httpapi.New(cfg.BaseURL, httpapi.Basic(cfg.Email, s.Token), hc)}
	}
	return &connectors.Connector[Config, Target, Secrets]{
		ID:          ID,
		DisplayName: "Confluence",
		Description: "Search and read pages in selected Confluence spaces.",
		GetSecrets: func(_ context.Context, cfg Config, key, userToken string) (*Secrets, error) {
			tok, ok, err := secrets.Resolve(cfg.EncryptedToken, key, userToken)
			if err != nil {
				return nil, fmt.Errorf("confluence secrets: %w", err)
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
			return client(cfg, s).c.Get(ctx, "/wiki/rest/api/user/current", nil, nil) == nil
		},
		GetQueryTargetOptions: func(ctx context.Context, cfg Config, s Secrets) (*connectors.QueryTargetOptions, error) {
			keys, err := client(cfg, s).spaces(ctx)
			if err != nil {
				return nil, err
			}
			return &connectors.QueryTargetOptions{
				Definitions: []connectors.TargetDefinition{{Name: dimensionSpace, Multiselect: true}},
				Selectors:   map[string][]string{dimensionSpace: keys},
			}, nil
		},
		MergeDataDictionary: func(ctx context.Context, cfg Config, s Secrets, existing []dictionary.Path, prefix []string) ([]dictionary.Path, error) {
			paths, err := dictionary.Walk(ctx, client(cfg, s).children, dictionaryDepth, prefix)
			if err != nil {
				return nil, err
			}
			return dictionary.Merge(paths, existing, prefix), nil
		},
	}
}

type listPage struct {
	Results []struct {
		ID    string `json:"id"`
		Key   string `json:"key"`
		Title string `json:"title"`
	} `json:"results"`
	Links struct {
		Next string `json:"next"`
	} `json:"_links"`
}

// paginate follows start/limit paging until the API stops returning a next
// link.
func (a api) paginate(ctx context.Context, path string, q url.Values, each func(listPage)) error {
	if q == nil {
		q = url.Values{}
	}
	for start := 0; ; {
		q.Set("start", strconv.Itoa(start))
		q.Set("limit", strconv.Itoa(pageSize))
		var page listPage
		if err := a.c.Get(ctx, path, q, &page); err != nil {
			return err
		}
		each(page)
		if page.Links.Next == "" || len(page.Results) == 0 {
			return nil
		}
		start += len(page.Results)
	}
}

func (a api) spaces(ctx context.Context) ([]string, error) {
	var keys []string
	err := a.paginate(ctx, "/wiki/rest/api/space", nil, func(p listPage) {
		for _, r := range p.Results {
			keys = append(keys, r.Key)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("confluence list spaces: %w", err)
	}
	return keys, nil
}

func (a api) pageTitles(ctx context.Context, space string) ([]string, error) {
	var titles []string
	err := a.paginate(ctx, "/wiki/rest/api/space/"+url.PathEscape(space)+"/content/page", nil, func(p listPage) {
		for _, r := range p.Results {
			titles = append(titles, r.Title)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("confluence list pages in %s: %w", space, err)
	}
	return titles, nil
}

// children lists spaces at the root and page titles under a space.
func (a api) children(ctx context.Context, parent []string) ([]string, error) {
	switch len(parent) {
	case 0:
		return a.spaces(ctx)
	case 1:
		return a.pageTitles(ctx, parent[0])
	default:
		return nil, nil
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Tools
// ──────────────────────────────────────────────────────────────────────────────

type SearchInput struct {
	Query string `json:"query" jsonschema:"minLength=1"`
	Limit int    `json:"limit,omitempty" jsonschema:"minimum=1,maximum=100"`
}

type GetPageInput struct {
	ID string `json:"id"`
}

func newTools(a api, target Target) ([]*tool.Tool, error) {
	if len(target.Spaces) == 0 {
		return nil, nil
	}
	paths := make([][]string, len(target.Spaces))
	for i, s := range target.Spaces {
		paths[i] = []string{s}
	}

	search, err := tool.New("search_pages", ID, func(ctx context.Context, in SearchInput) (any, error) {
		return a.search(ctx, target, in)
	},
		tool.WithDescription("Full-text search over Confluence pages."),
		tool.WithSpecialization(tool.Specialization{
			Guidance:     "Searches only the spaces " + strings.Join(target.Spaces, ", ") + ".",
			DatasetPaths: paths,
			FetchSchema: func(ctx context.Context) (any, error) {
				out := make(map[string][]string, len(target.Spaces))
				for _, s := range target.Spaces {
					titles, err := a.pageTitles(ctx, s)
					if err != nil {
						return nil, err
					}
					out[s] = titles
				}
				return out, nil
			},
		}),
	)
	if err != nil {
		return nil, err
	}

	get, err := tool.New("get_page", ID, func(ctx context.Context, in GetPageInput) (any, error) {
		return a.page(ctx, target, in.ID)
	}, tool.WithDescription("Read one Confluence page with its storage-format body."))
	if err != nil {
		return nil, err
	}
	return []*tool.Tool{search, get}, nil
}

func (a api) search(ctx context.Context, target Target, in SearchInput) (any, error) {
	quoted := make([]string, len(target.Spaces))
	for i, s := range target.Spaces {
		quoted[i] = strconv.Quote(s)
	}
	cql := fmt.Sprintf("space in (%s) AND type = page AND text ~ %s", strings.Join(quoted, ", "), strconv.Quote(in.Query))
	limit := in.Limit
	if limit <= 0 {
		limit = defaultLimit
	}

	var resp struct {
		Size      int `json:"size"`
		TotalSize int `json:"totalSize"`
		Results   []struct {
			ID    string `json:"id"`
			Title string `json:"title"`
			Space struct {
				Key string `json:"key"`
			} `json:"space"`
			Links struct {
				WebUI string `json:"webui"`
			} `json:"_links"`
		} `json:"results"`
	}
	q := url.Values{"cql": {cql}, "limit": {strconv.Itoa(limit)}, "expand": {"space"}}
	if err := a.c.Get(ctx, "/wiki/rest/api/content/search", q, &resp); err != nil {
		return nil, err
	}

	rows := make([][]any, 0, len(resp.Results))
	for _, r := range resp.Results {
		rows = append(rows, []any{r.ID, r.Space.Key, r.Title, r.Links.WebUI})
	}
	res := tool.Result{Value: tool.Tabular{ColumnHeaders: []string{"id", "space", "title", "url"}, Results: rows}}
	if resp.TotalSize > len(rows) {
		res.AdditionalContext = fmt.Sprintf("Showing %d of %d matching pages. Use a more specific query.", len(rows), resp.TotalSize)
	}
	return res, nil
}

func (a api) page(ctx context.Context, target Target, id string) (any, error) {
	var resp struct {
		ID    string `json:"id"`
		Title string `json:"title"`
		Space struct {
			Key string `json:"key"`
		} `json:"space"`
		Body struct {
			Storage struct {
				Value string `json:"value"`
			} `json:"storage"`
		} `json:"body"`
	}
	q := url.Values{"expand": {"body.storage,space"}}
	if err := a.c.Get(ctx, "/wiki/rest/api/content/"+url.PathEscape(id), q, &resp); err != nil {
		return nil, err
	}
	if !connectors.InScope(target, dimensionSpace, resp.Space.Key) {
		return nil, fmt.Errorf("confluence: page %s is in space %q, outside the selected spaces", id, resp.Space.Key)
	}
	return map[string]string{
		"id":    resp.ID,
		"title": resp.Title,
		"space": resp.Space.Key,
		"body":  resp.Body.Storage.Value,
	}, nil
}
