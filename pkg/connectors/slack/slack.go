// Package slack is the Slack connector: channel-scoped message posting and
// history reads over the Slack Web API.
package slack

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/bturcanu/toolmesh/pkg/connectors"
	"github.com/bturcanu/toolmesh/pkg/connectors/httpapi"
	"github.com/bturcanu/toolmesh/pkg/secrets"
	"github.com/bturcanu/toolmesh/pkg/tool"
)

const (
	ID               = "slack"
	DefaultBaseURL   = "https://slack.com/api"
	dimensionChannel = "channels"
	defaultHistory   = 100
)

type Config struct {
	BaseURL        string `json:"base_url,omitempty"`
	EncryptedToken string `json:"encrypted_token"`
}

type Secrets struct {
	Token string
}

// Target selects the channel ids tools may touch.
type Target struct {
	Channels []string `json:"channels"`
}

func (t Target) Selected(dimension string) []string {
	if dimension == dimensionChannel {
		return t.Channels
	}
	return nil
}

func (t Target) Dimensions() []string {
	return []string{dimensionChannel}
}

// APIError is a Slack response with ok=false.
type APIError struct {
	Method string
	Code   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("slack %s: %s", e.Method, e.Code)
}

type api struct {
	c *httpapi.Client
}

type envelope struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

func (e envelope) check(method string) error {
	if !e.OK {
		return &APIError{Method: method, Code: e.Error}
	}
	return nil
}

func New(hc *http.Client) *connectors.Connector[Config, Target, Secrets] {
	client := func(cfg Config, s Secrets) api {
		base := cfg.BaseURL
		if base == "" {
			base = DefaultBaseURL
		}
		return api{c: httpapi.New(base, httpapi.Bearer(s.Token), hc)}
	}
	return &connectors.Connector[Config, Target, Secrets]{
		ID:          ID,
		DisplayName: "Slack",
		Description: "Post to and read history from selected Slack channels.",
		GetSecrets: func(_ context.Context, cfg Config, key, userToken string) (*Secrets, error) {
			tok, ok, err := secrets.Resolve(cfg.EncryptedToken, key, userToken)
			if err != nil {
				return nil, fmt.Errorf("slack secrets: %w", err)
			}
			if !ok {
				return nil, nil
			}
			return &Secrets{Token: tok}, nil
		},
		GetTools: func(_ context.Context, cfg Config, target Target, s Secrets, _ any) ([]*tool.Tool, error) {
			return newTools(client(cfg, s), target)
		},
		CheckConnection: func(ctx context.Context, cfg Config, s Secrets) bool {
			var resp envelope
			if err := client(cfg, s).c.Post(ctx, "/auth.test", struct{}{}, &resp); err != nil {
				return false
			}
			return resp.OK
		},
		GetQueryTargetOptions: func(ctx context.Context, cfg Config, s Secrets) (*connectors.QueryTargetOptions, error) {
			ids, err := client(cfg, s).listChannels(ctx)
			if err != nil {
				return nil, err
			}
			return &connectors.QueryTargetOptions{
				Definitions: []connectors.TargetDefinition{{Name: dimensionChannel, Multiselect: true}},
				Selectors:   map[string][]string{dimensionChannel: ids},
			}, nil
		},
	}
}

func (a api) listChannels(ctx context.Context) ([]string, error) {
	var ids []string
	cursor := ""
	for {
		var resp struct {
			envelope
			Channels []struct {
				ID string `json:"id"`
			} `json:"channels"`
			Metadata struct {
				NextCursor string `json:"next_cursor"`
			} `json:"response_metadata"`
		}
		q := url.Values{
			"types":            {"public_channel,private_channel"},
			"exclude_archived": {"true"},
			"limit":            {"200"},
		}
		if cursor != "" {
			q.Set("cursor", cursor)
		}
		if err := a.c.Get(ctx, "/conversations.list", q, &resp); err != nil {
			return nil, fmt.Errorf("slack list channels: %w", err)
		}
		if err := resp.check("conversations.list"); err != nil {
			return nil, err
		}
		for _, ch := range resp.Channels {
			ids = append(ids, ch.ID)
		}
		if resp.Metadata.NextCursor == "" {
			return ids, nil
		}
		cursor = resp.Metadata.NextCursor
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Tools
// ──────────────────────────────────────────────────────────────────────────────

type PostMessageInput struct {
	Channel string `json:"channel"`
	Text    string `json:"text" jsonschema:"minLength=1"`
}

type HistoryInput struct {
	Channel string    `json:"channel"`
	Limit   int       `json:"limit,omitempty" jsonschema:"minimum=1,maximum=1000"`
	Oldest  time.Time `json:"oldest,omitempty" jsonschema:"description=Only messages after this RFC 3339 time"`
}

var errOutOfScope = errors.New("slack: channel is outside the selected channels")

func newTools(a api, target Target) ([]*tool.Tool, error) {
	if len(target.Channels) == 0 {
		return nil, nil
	}

	post, err := tool.New("post_message", ID, func(ctx context.Context, in PostMessageInput) (any, error) {
		if !connectors.InScope(target, dimensionChannel, in.Channel) {
			return nil, fmt.Errorf("%w: %s", errOutOfScope, in.Channel)
		}
		var resp struct {
			envelope
			Channel string `json:"channel"`
			TS      string `json:"ts"`
		}
		body := map[string]string{"channel": in.Channel, "text": in.Text}
		if err := a.c.Post(ctx, "/chat.postMessage", body, &resp); err != nil {
			return nil, err
		}
		if err := resp.check("chat.postMessage"); err != nil {
			return nil, err
		}
		return map[string]string{"channel": resp.Channel, "ts": resp.TS}, nil
	}, tool.WithDescription("Post a message to one of the selected Slack channels."))
	if err != nil {
		return nil, err
	}

	history, err := tool.New("channel_history", ID, func(ctx context.Context, in HistoryInput) (any, error) {
		if !connectors.InScope(target, dimensionChannel, in.Channel) {
			return nil, fmt.Errorf("%w: %s", errOutOfScope, in.Channel)
		}
		return a.history(ctx, in)
	}, tool.WithDescription("Read recent messages from one of the selected Slack channels."))
	if err != nil {
		return nil, err
	}
	return []*tool.Tool{post, history}, nil
}

func (a api) history(ctx context.Context, in HistoryInput) (any, error) {
	limit := in.Limit
	if limit <= 0 {
		limit = defaultHistory
	}
	q := url.Values{"channel": {in.Channel}, "limit": {strconv.Itoa(limit)}}
	if !in.Oldest.IsZero() {
		q.Set("oldest", strconv.FormatInt(in.Oldest.Unix(), 10))
	}

	var resp struct {
		envelope
		HasMore  bool `json:"has_more"`
		Messages []struct {
			TS   string `json:"ts"`
			User string `json:"user"`
			Text string `json:"text"`
		} `json:"messages"`
	}
	if err := a.c.Get(ctx, "/conversations.history", q, &resp); err != nil {
		return nil, err
	}
	if err := resp.check("conversations.history"); err != nil {
		return nil, err
	}

	rows := make([][]any, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		rows = append(rows, []any{m.TS, m.User, m.Text})
	}
	res := tool.Result{Value: tool.Tabular{ColumnHeaders: []string{"ts", "user", "text"}, Results: rows}}
	if resp.HasMore {
		res.AdditionalContext = "More messages are available. Pass a later oldest time or a larger limit."
	}
	return res, nil
}
