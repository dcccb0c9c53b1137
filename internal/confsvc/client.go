// Package confsvc is the HTTP client for the internal configuration and
// persistence service that owns assistant settings and receives call
// outcomes. All requests carry the shared X-Internal-Secret header.
package confsvc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// secretHeader is the shared-secret header on every internal request.
const secretHeader = "X-Internal-Secret"

// defaultTimeout bounds each request. Configuration lookups happen during
// call setup, before any audio flows, so this does not sit on the hot path.
const defaultTimeout = 10 * time.Second

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client. Primarily for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// Client talks to the configuration service. It is stateless and safe for
// concurrent use.
type Client struct {
	baseURL string
	secret  string
	http    *http.Client
}

// New creates a Client for the configuration service at baseURL.
func New(baseURL, secret string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  secret,
		http:    &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// CallIncoming announces an inbound call and returns the assistant routing
// decision. An IncomingCall with an empty AssistantID is a valid response
// meaning "reject".
func (c *Client) CallIncoming(ctx context.Context, callSID, from, to string) (*IncomingCall, error) {
	var out IncomingCall
	err := c.do(ctx, http.MethodPost, "/calls/incoming", map[string]string{
		"call_sid": callSID,
		"from":     from,
		"to":       to,
	}, &out)
	if err != nil {
		return nil, fmt.Errorf("confsvc: call incoming: %w", err)
	}
	return &out, nil
}

// CallConfig fetches the full assistant configuration for a call.
func (c *Client) CallConfig(ctx context.Context, callSID string) (*AssistantConfig, error) {
	var out AssistantConfig
	err := c.do(ctx, http.MethodGet, "/calls/"+url.PathEscape(callSID)+"/config", nil, &out)
	if err != nil {
		return nil, fmt.Errorf("confsvc: call config: %w", err)
	}
	return &out, nil
}

// CompleteCall posts the terminal completion payload for a call.
func (c *Client) CompleteCall(ctx context.Context, callSID string, completion *Completion) error {
	err := c.do(ctx, http.MethodPost, "/calls/"+url.PathEscape(callSID)+"/complete", completion, nil)
	if err != nil {
		return fmt.Errorf("confsvc: complete call: %w", err)
	}
	return nil
}

// PostStatus mirrors a telephony status callback to the service.
func (c *Client) PostStatus(ctx context.Context, update *StatusUpdate) error {
	if err := c.do(ctx, http.MethodPost, "/calls/status", update, nil); err != nil {
		return fmt.Errorf("confsvc: post status: %w", err)
	}
	return nil
}

// TransferAgentURL resolves the webhook URL that redirects a call to another
// agent.
func (c *Client) TransferAgentURL(ctx context.Context, callSID, agentID string) (string, error) {
	var out struct {
		TwimlURL string `json:"twiml_url"`
	}
	path := "/calls/" + url.PathEscape(callSID) + "/transfer-agent?agent_id=" + url.QueryEscape(agentID)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return "", fmt.Errorf("confsvc: transfer agent url: %w", err)
	}
	return out.TwimlURL, nil
}

// do issues one request with the shared secret and decodes the JSON response
// into out when out is non-nil.
func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(secretHeader, c.secret)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}
