package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/ctflabs/paddock/pkg/keychain"
)

// Client drives the reverse proxy's dynamic-router control API over mTLS.
// Both operations are idempotent on the proxy side: adding an existing host
// replaces its upstream, deleting a missing host is a no-op.
type Client struct {
	http     *http.Client
	endpoint *url.URL
	base     string
}

// New builds a control client from the keychain's proxy config
func New(cfg keychain.ProxyConfig) (*Client, error) {
	endpoint, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy endpoint %q: %w", cfg.Endpoint, err)
	}

	tlsCfg, err := cfg.TLSConfig()
	if err != nil {
		return nil, err
	}

	return &Client{
		http: &http.Client{
			Transport: &http.Transport{TLSClientConfig: tlsCfg},
			Timeout:   30 * time.Second,
		},
		endpoint: endpoint,
		base:     cfg.Base,
	}, nil
}

// Base returns the public subdomain base this proxy serves
func (c *Client) Base() string {
	return c.base
}

// AddHost routes {host} to {upstream} ("ip:port")
func (c *Client) AddHost(ctx context.Context, host, upstream string) error {
	return c.post(ctx, "/dynamic-router/add", map[string]string{
		"host":     host,
		"upstream": upstream,
	})
}

// DeleteHost removes the route for {host}
func (c *Client) DeleteHost(ctx context.Context, host string) error {
	return c.post(ctx, "/dynamic-router/delete", map[string]string{
		"host": host,
	})
}

func (c *Client) post(ctx context.Context, path string, payload map[string]string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode proxy request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.endpoint.JoinPath(path).String(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build proxy request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("proxy request %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("proxy request %s failed: %s: %s", path, resp.Status, bytes.TrimSpace(msg))
	}
	return nil
}
