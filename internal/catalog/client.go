// Package catalog is a thin HTTP client for the external relational catalog
// service: the realtime core only reads agent configuration on session start
// and writes final call status on close, never owning agent/call CRUD itself.
package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

const defaultRequestTimeout = 3 * time.Second

// ErrNotFound is returned (wrapped) when the catalog service has no record
// for the requested agent.
var ErrNotFound = errors.New("catalog: not found")

// AgentConfig is the subset of an agent's catalog record the realtime core
// needs to drive a session.
type AgentConfig struct {
	AgentID      string            `json:"agentId"`
	TenantID     string            `json:"tenantId"`
	SystemPrompt string            `json:"systemPrompt"`
	Voice        string            `json:"voice"`
	Language     string            `json:"language"`
	Temperature  float64           `json:"temperature"`
	MaxTokens    int               `json:"maxTokens"`
	ToolAllowlist []string         `json:"toolAllowlist"`
	Metadata     map[string]string `json:"metadata"`
}

// CallStatus is the final status written back to the catalog when a call
// ends.
type CallStatus struct {
	CallID       string    `json:"callId"`
	Status       string    `json:"status"` // "completed", "failed", "abandoned"
	EndedAt      time.Time `json:"endedAt"`
	DurationMs   int64     `json:"durationMs"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
}

// Client talks to the catalog service's agent/call endpoints.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// Config configures a [Client].
type Config struct {
	BaseURL        string
	APIKey         string
	RequestTimeout time.Duration
}

// New creates a Client from cfg.
func New(cfg Config) *Client {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	return &Client{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: timeout},
	}
}

// GetAgentConfig fetches the agent configuration for agentID, read once at
// session start.
func (c *Client) GetAgentConfig(ctx context.Context, agentID string) (*AgentConfig, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/agents/"+agentID, nil)
	if err != nil {
		return nil, fmt.Errorf("catalog: build request: %w", err)
	}
	c.setAuth(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("catalog: get agent %q: %w", agentID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("catalog: agent %q: %w", agentID, ErrNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("catalog: get agent %q: unexpected status %d", agentID, resp.StatusCode)
	}

	var cfg AgentConfig
	if err := json.NewDecoder(resp.Body).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("catalog: decode agent %q: %w", agentID, err)
	}
	return &cfg, nil
}

// PutCallStatus writes the final status of a call back to the catalog.
func (c *Client) PutCallStatus(ctx context.Context, status CallStatus) error {
	body, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("catalog: marshal call status: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+"/v1/calls/"+status.CallID+"/status", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("catalog: build request: %w", err)
	}
	req.Header.Set("content-type", "application/json")
	c.setAuth(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("catalog: put call status %q: %w", status.CallID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("catalog: put call status %q: unexpected status %d", status.CallID, resp.StatusCode)
	}
	return nil
}

func (c *Client) setAuth(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("authorization", "Bearer "+c.apiKey)
	}
}
