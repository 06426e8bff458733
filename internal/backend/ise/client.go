// Package ise talks to the Cisco ISE Open API and ERS API to manage
// device-admin authorization rules.
package ise

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"example.com/jit-scheduler/internal/backend"
)

type Config struct {
	Host             string
	Username         string
	Password         string
	InsecureTLS      bool
	PolicySetName    string
	ShellProfileName string
	CommandSetNames  []string
	Retries          int
	RetryDelay       time.Duration
	Timeout          time.Duration
}

type Client struct {
	cfg     Config
	baseURL string
	http    *http.Client
	log     *slog.Logger

	mu          sync.RWMutex
	policySetID string
	profile     string
	commandSets []string
}

var (
	_ backend.Gateway      = (*Client)(nil)
	_ backend.DeviceLookup = (*Client)(nil)
)

// NewHTTPClient returns the client New uses when none is given.
func NewHTTPClient(cfg Config) *http.Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.InsecureTLS {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // ISE ships self-signed certs
	}
	return &http.Client{Timeout: timeout, Transport: transport}
}

// New builds a client. A nil httpClient gets a default one honoring
// InsecureTLS and Timeout.
func New(cfg Config, httpClient *http.Client, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if httpClient == nil {
		httpClient = NewHTTPClient(cfg)
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.Host), "/")
	if base != "" && !strings.Contains(base, "://") {
		base = "https://" + base
	}
	return &Client{cfg: cfg, baseURL: base, http: httpClient, log: logger}
}

func (c *Client) openAPI(path string) string { return c.baseURL + "/api/v1" + path }
func (c *Client) ers(path string) string     { return c.baseURL + "/ers/config" + path }

// request performs one API call with retries for transport errors, 429 and
// 5xx responses. out may be nil.
func (c *Client) request(ctx context.Context, op, method, rawURL string, query url.Values, body, out any) error {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return &backend.Error{Op: op, Err: err}
		}
		payload = b
	}
	if len(query) > 0 {
		rawURL += "?" + query.Encode()
	}

	attempts := c.cfg.Retries + 1
	var lastErr *backend.Error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return &backend.Error{Op: op, Transient: true, Err: ctx.Err()}
			case <-time.After(c.cfg.RetryDelay * time.Duration(1<<(attempt-1))):
			}
		}
		req, err := http.NewRequestWithContext(ctx, method, rawURL, bytes.NewReader(payload))
		if err != nil {
			return &backend.Error{Op: op, Err: err}
		}
		req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
		req.Header.Set("Accept", "application/json")
		if len(payload) > 0 {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = &backend.Error{Op: op, Transient: true, Err: err}
			continue
		}
		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			lastErr = &backend.Error{Op: op, Transient: true, Err: readErr}
			continue
		}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			lastErr = &backend.Error{Op: op, Status: resp.StatusCode, Transient: true, Err: errors.New(snippet(respBody))}
			c.log.Warn("ise request failed", "op", op, "status", resp.StatusCode, "attempt", attempt+1)
			continue
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return &backend.Error{Op: op, Status: resp.StatusCode, Err: errors.New(snippet(respBody))}
		}
		if out != nil && len(bytes.TrimSpace(respBody)) > 0 {
			if err := json.Unmarshal(respBody, out); err != nil {
				return &backend.Error{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
			}
		}
		return nil
	}
	return lastErr
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 512 {
		s = s[:512] + "..."
	}
	if s == "" {
		s = "empty response"
	}
	return s
}
