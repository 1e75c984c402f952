// Package mcpclient bridges external Model Context Protocol servers into the
// tool executor: it connects via the official MCP Go SDK, discovers each
// server's tool catalogue, and wraps every discovered tool as a
// tools.Definition whose Handler round-trips through the MCP session.
package mcpclient

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/invorto/voicecore/internal/tools"
	"github.com/invorto/voicecore/pkg/types"
)

// Transport selects how Client connects to a server.
type Transport string

const (
	TransportStdio          Transport = "stdio"
	TransportStreamableHTTP Transport = "streamable-http"
)

// ServerConfig describes one external MCP server to connect to.
type ServerConfig struct {
	Name      string
	Transport Transport
	// Command is the subprocess command line, used when Transport is stdio.
	Command string
	// URL is the endpoint address, used when Transport is streamable-http.
	URL string
	Env map[string]string
}

// Client manages connections to one or more external MCP servers and bridges
// their tools into [tools.Definition] values.
//
// Safe for concurrent use.
type Client struct {
	sdk *mcpsdk.Client

	mu       sync.Mutex
	sessions map[string]*mcpsdk.ClientSession
}

// New creates a Client. name/version identify this client in the MCP
// handshake.
func New(name, version string) *Client {
	return &Client{
		sdk:      mcpsdk.NewClient(&mcpsdk.Implementation{Name: name, Version: version}, nil),
		sessions: make(map[string]*mcpsdk.ClientSession),
	}
}

// Connect dials the server described by cfg, discovers its tool catalogue,
// and returns one [tools.Definition] per discovered tool, each dispatching
// through this session. If a server with the same Name is already connected,
// the old session is closed and replaced.
func (c *Client) Connect(ctx context.Context, cfg ServerConfig) ([]tools.Definition, error) {
	var transport mcpsdk.Transport
	switch cfg.Transport {
	case TransportStdio:
		executable, args := splitCommand(cfg.Command)
		if executable == "" {
			return nil, fmt.Errorf("mcpclient: stdio server %q requires a non-empty Command", cfg.Name)
		}
		cmd := exec.CommandContext(ctx, executable, args...)
		for k, v := range cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		transport = &mcpsdk.CommandTransport{Command: cmd}
	case TransportStreamableHTTP:
		if cfg.URL == "" {
			return nil, fmt.Errorf("mcpclient: streamable-http server %q requires a non-empty URL", cfg.Name)
		}
		transport = &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}
	default:
		return nil, fmt.Errorf("mcpclient: unknown transport %q for server %q", cfg.Transport, cfg.Name)
	}

	session, err := c.sdk.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("mcpclient: connect to %q: %w", cfg.Name, err)
	}

	var discovered []mcpsdk.Tool
	for tool, terr := range session.Tools(ctx, nil) {
		if terr != nil {
			_ = session.Close()
			return nil, fmt.Errorf("mcpclient: list tools for %q: %w", cfg.Name, terr)
		}
		discovered = append(discovered, *tool)
	}

	c.mu.Lock()
	if old, ok := c.sessions[cfg.Name]; ok {
		_ = old.Close()
	}
	c.sessions[cfg.Name] = session
	c.mu.Unlock()

	defs := make([]tools.Definition, 0, len(discovered))
	for _, t := range discovered {
		defs = append(defs, c.bridge(cfg.Name, t))
	}
	return defs, nil
}

// bridge wraps one MCP-discovered tool as a tools.Definition.
func (c *Client) bridge(serverName string, t mcpsdk.Tool) tools.Definition {
	name := t.Name
	return tools.Definition{
		Def: types.ToolDefinition{
			Name:        name,
			Description: t.Description,
			Parameters:  schemaToMap(t.InputSchema),
		},
		Handler: func(ctx context.Context, argsJSON string) (string, error) {
			c.mu.Lock()
			session, ok := c.sessions[serverName]
			c.mu.Unlock()
			if !ok {
				return "", fmt.Errorf("mcpclient: server %q is no longer connected", serverName)
			}

			var argsMap map[string]any
			if argsJSON != "" && argsJSON != "{}" {
				if err := json.Unmarshal([]byte(argsJSON), &argsMap); err != nil {
					return "", fmt.Errorf("mcpclient: invalid arguments for %q: %w", name, err)
				}
			}

			result, err := session.CallTool(ctx, &mcpsdk.CallToolParams{Name: name, Arguments: argsMap})
			if err != nil {
				return "", fmt.Errorf("mcpclient: call %q: %w", name, err)
			}

			var sb strings.Builder
			for _, content := range result.Content {
				if tc, ok := content.(*mcpsdk.TextContent); ok {
					sb.WriteString(tc.Text)
				}
			}
			if result.IsError {
				return "", fmt.Errorf("mcpclient: tool %q returned an application error: %s", name, sb.String())
			}
			return sb.String(), nil
		},
		// MCP's protocol carries no idempotency hint; treat bridged tools as
		// non-idempotent so the agent runtime never silently re-issues one.
		Idempotent: false,
	}
}

// Close shuts down every connected session.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var firstErr error
	for name, session := range c.sessions {
		if err := session.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("mcpclient: close %q: %w", name, err)
		}
		delete(c.sessions, name)
	}
	return firstErr
}

func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object"}
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"type": "object"}
	}
	return m
}

func splitCommand(command string) (executable string, args []string) {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return "", nil
	}
	return parts[0], parts[1:]
}
