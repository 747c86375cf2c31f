// Package client is a Go client for the toolmesh gateway API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/bturcanu/toolmesh/pkg/connectors"
	"github.com/bturcanu/toolmesh/pkg/types"
	"github.com/google/uuid"
)

type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

type Option func(*Client)

// WithHTTPClient replaces the default 60s-timeout client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func New(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) Connectors(ctx context.Context) ([]connectors.Info, error) {
	var out []connectors.Info
	return out, c.do(ctx, http.MethodGet, "/v1/connectors", nil, nil, &out)
}

func (c *Client) Deployments(ctx context.Context) ([]types.DeploymentInfo, error) {
	var out []types.DeploymentInfo
	return out, c.do(ctx, http.MethodGet, "/v1/deployments", nil, nil, &out)
}

// Targets lists the selectable query-target values of a deployment.
func (c *Client) Targets(ctx context.Context, deploymentID, userToken string) (*connectors.QueryTargetOptions, error) {
	hdr := http.Header{}
	if userToken != "" {
		hdr.Set("X-Connector-Token", userToken)
	}
	var out connectors.QueryTargetOptions
	if err := c.do(ctx, http.MethodGet, deploymentPath(deploymentID, "targets"), hdr, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Tools(ctx context.Context, deploymentID string, req types.ToolsRequest) (*types.ToolsResponse, error) {
	var out types.ToolsResponse
	if err := c.do(ctx, http.MethodPost, deploymentPath(deploymentID, "tools"), nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Invoke runs one tool. An idempotency key and trace id are generated when
// absent so a retried call replays instead of running twice.
func (c *Client) Invoke(ctx context.Context, deploymentID, toolName string, req types.InvokeRequest) (*types.InvokeResponse, error) {
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = uuid.NewString()
	}
	if req.TraceID == "" {
		req.TraceID = uuid.NewString()
	}
	var out types.InvokeResponse
	if err := c.do(ctx, http.MethodPost, deploymentPath(deploymentID, "tools", toolName, "invoke"), nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Check(ctx context.Context, deploymentID, userToken string) (bool, error) {
	var out types.CheckResponse
	err := c.do(ctx, http.MethodPost, deploymentPath(deploymentID, "check"), nil, types.CheckRequest{UserToken: userToken}, &out)
	return out.OK, err
}

func (c *Client) CheckAll(ctx context.Context) ([]types.CheckResponse, error) {
	var out []types.CheckResponse
	return out, c.do(ctx, http.MethodPost, "/v1/deployments/check", nil, nil, &out)
}

func (c *Client) MergeDictionary(ctx context.Context, deploymentID string, req types.DictionaryRequest) (*types.DictionaryResponse, error) {
	var out types.DictionaryResponse
	if err := c.do(ctx, http.MethodPost, deploymentPath(deploymentID, "dictionary"), nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DescribePath sets the description of a stored dictionary path.
func (c *Client) DescribePath(ctx context.Context, deploymentID string, req types.DescribePathRequest) error {
	return c.do(ctx, http.MethodPut, deploymentPath(deploymentID, "dictionary", "paths"), nil, req, nil)
}

func (c *Client) Event(ctx context.Context, eventID string) (*types.InvocationRecord, error) {
	var out types.InvocationRecord
	if err := c.do(ctx, http.MethodGet, "/v1/events/"+url.PathEscape(eventID), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func deploymentPath(id string, rest ...string) string {
	p := "/v1/deployments/" + url.PathEscape(id)
	for _, r := range rest {
		p += "/" + url.PathEscape(r)
	}
	return p
}

// do sends body as JSON and decodes a 2xx response into out. Non-2xx
// responses are returned as *types.APIError.
func (c *Client) do(ctx context.Context, method, path string, hdr http.Header, body, out any) error {
	var rdr io.Reader = http.NoBody
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("client: marshal request: %w", err)
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return err
	}
	for k, v := range hdr {
		req.Header[k] = v
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-API-Key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &types.APIError{HTTPCode: resp.StatusCode}
		if decodeErr := json.NewDecoder(resp.Body).Decode(apiErr); decodeErr != nil || apiErr.Message == "" {
			apiErr.Code = "HTTP_ERROR"
			apiErr.Message = fmt.Sprintf("http status %d", resp.StatusCode)
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("client: decode response: %w", err)
	}
	return nil
}
