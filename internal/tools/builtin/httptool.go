package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/invorto/voicecore/internal/tools"
	"github.com/invorto/voicecore/pkg/types"
)

// HTTPToolConfig configures the custom_http tool.
type HTTPToolConfig struct {
	Client *http.Client
	// AllowedHosts restricts which hosts the tool may call. Empty means no
	// restriction, which should only be used in trusted/testing deployments.
	AllowedHosts map[string]bool
	// MaxResponseBytes caps how much of a response body is read back into
	// the conversation. Defaults to 16KiB.
	MaxResponseBytes int64
}

type httpToolArgs struct {
	Method string            `json:"method"`
	URL    string            `json:"url"`
	Body   string            `json:"body,omitempty"`
	Header map[string]string `json:"headers,omitempty"`
}

const defaultMaxResponseBytes = 16 * 1024

// HTTPTool returns a [tools.Definition] allowing the agent to issue a single
// HTTP request to an allow-listed host, for integrations with no dedicated
// builtin (ticketing systems, order lookups, internal status pages).
func HTTPTool(cfg HTTPToolConfig) tools.Definition {
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	maxBytes := cfg.MaxResponseBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxResponseBytes
	}

	return tools.Definition{
		Def: types.ToolDefinition{
			Name:        "custom_http",
			Description: "Issues a single HTTP request to an allow-listed host and returns the response body.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"method":  map[string]any{"type": "string", "enum": []any{"GET", "POST", "PUT", "DELETE"}},
					"url":     map[string]any{"type": "string"},
					"body":    map[string]any{"type": "string"},
					"headers": map[string]any{"type": "object"},
				},
				"required":             []any{"method", "url"},
				"additionalProperties": false,
			},
		},
		Idempotent: false,
		Handler: func(ctx context.Context, argsJSON string) (string, error) {
			var args httpToolArgs
			if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
				return "", fmt.Errorf("custom_http: parse arguments: %w", err)
			}

			req, err := http.NewRequestWithContext(ctx, strings.ToUpper(args.Method), args.URL, strings.NewReader(args.Body))
			if err != nil {
				return "", fmt.Errorf("custom_http: build request: %w", err)
			}
			if len(cfg.AllowedHosts) > 0 && !cfg.AllowedHosts[req.URL.Hostname()] {
				return "", fmt.Errorf("custom_http: host %q is not allow-listed", req.URL.Hostname())
			}
			for k, v := range args.Header {
				req.Header.Set(k, v)
			}

			resp, err := client.Do(req)
			if err != nil {
				return "", fmt.Errorf("custom_http: request failed: %w", err)
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes))
			if err != nil {
				return "", fmt.Errorf("custom_http: read response: %w", err)
			}
			return fmt.Sprintf("HTTP %d\n%s", resp.StatusCode, body), nil
		},
	}
}
