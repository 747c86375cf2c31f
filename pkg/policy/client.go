// Package policy evaluates tool invocations against Open Policy Agent.
package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bturcanu/toolmesh/pkg/types"
)

// DefaultPath is the OPA data document queried for invocation decisions.
const DefaultPath = "/v1/data/toolmesh/invoke"

// Evaluator decides whether an invocation may proceed.
type Evaluator interface {
	Evaluate(ctx context.Context, input types.PolicyInput) (*types.PolicyResult, error)
}

// Client calls OPA over HTTP.
type Client struct {
	baseURL    string
	path       string
	httpClient *http.Client
}

type Option func(*Client)

// WithPath overrides the OPA document path.
func WithPath(p string) Option {
	return func(c *Client) { c.path = p }
}

// WithHTTPClient replaces the default 5s-timeout client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    baseURL,
		path:       DefaultPath,
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type opaRequest struct {
	Input types.PolicyInput `json:"input"`
}

type opaResponse struct {
	Result *struct {
		Decision string `json:"decision"`
		Reason   string `json:"reason"`
	} `json:"result"`
}

// Evaluate sends input to OPA. Anything other than an explicit "allow" is a
// deny, including an undefined document.
func (c *Client) Evaluate(ctx context.Context, input types.PolicyInput) (*types.PolicyResult, error) {
	body, err := json.Marshal(opaRequest{Input: input})
	if err != nil {
		return nil, fmt.Errorf("policy.Evaluate marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+c.path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("policy.Evaluate new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("policy.Evaluate request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("policy.Evaluate OPA returned %d: %s", resp.StatusCode, string(b))
	}

	var opaResp opaResponse
	if err := json.NewDecoder(resp.Body).Decode(&opaResp); err != nil {
		return nil, fmt.Errorf("policy.Evaluate decode response: %w", err)
	}
	if opaResp.Result == nil {
		return &types.PolicyResult{Decision: types.DecisionDeny, Reason: "policy document undefined"}, nil
	}

	result := &types.PolicyResult{Decision: types.DecisionDeny, Reason: opaResp.Result.Reason}
	if types.Decision(opaResp.Result.Decision) == types.DecisionAllow {
		result.Decision = types.DecisionAllow
	}
	return result, nil
}

// Static returns the same result for every input. Used when no OPA endpoint
// is configured.
type Static types.PolicyResult

func (s Static) Evaluate(context.Context, types.PolicyInput) (*types.PolicyResult, error) {
	r := types.PolicyResult(s)
	return &r, nil
}
