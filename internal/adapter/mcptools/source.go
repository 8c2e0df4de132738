// Package mcptools exposes the tools of external MCP servers through the
// tool port, plus the built-in tools every agent gets.
package mcptools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcpprotocol "github.com/mark3labs/mcp-go/mcp"

	"github.com/wardenhq/warden/internal/config"
	"github.com/wardenhq/warden/internal/port/tool"
)

const handshakeTimeout = 30 * time.Second

// Source holds one connected MCP server and the tools it advertises.
type Source struct {
	name   string
	client mcpclient.MCPClient
	logger *slog.Logger
	tools  []tool.Tool
}

// Connect establishes an MCP session with the configured server and
// discovers its tools. Stdio transport when a command is configured,
// streamable HTTP otherwise.
func Connect(ctx context.Context, cfg config.MCPServer, logger *slog.Logger) (*Source, error) {
	client, err := newClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("mcp server %s: %w", cfg.Name, err)
	}

	ctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	initReq := mcpprotocol.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcpprotocol.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcpprotocol.Implementation{
		Name:    "warden",
		Version: "1.0.0",
	}
	if _, err := client.Initialize(ctx, initReq); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("mcp server %s: initialize: %w", cfg.Name, err)
	}

	listed, err := client.ListTools(ctx, mcpprotocol.ListToolsRequest{})
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("mcp server %s: tools/list: %w", cfg.Name, err)
	}

	s := &Source{name: cfg.Name, client: client, logger: logger}
	for i := range listed.Tools {
		rt, err := newRemoteTool(s, &listed.Tools[i])
		if err != nil {
			logger.Warn("skipping mcp tool with bad schema",
				slog.String("server", cfg.Name),
				slog.String("tool", listed.Tools[i].Name),
				slog.Any("error", err))
			continue
		}
		s.tools = append(s.tools, rt)
	}

	logger.Info("mcp server connected",
		slog.String("server", cfg.Name),
		slog.Int("tools", len(s.tools)))
	return s, nil
}

func newClient(cfg config.MCPServer) (mcpclient.MCPClient, error) {
	switch {
	case cfg.Command != "":
		return mcpclient.NewStdioMCPClient(cfg.Command, nil, cfg.Args...)
	case cfg.URL != "":
		return mcpclient.NewStreamableHttpClient(cfg.URL)
	default:
		return nil, fmt.Errorf("neither command nor url configured")
	}
}

// Tools returns the tool-port wrappers for every tool the server listed.
func (s *Source) Tools() []tool.Tool {
	return s.tools
}

// Close terminates the MCP session.
func (s *Source) Close() error {
	return s.client.Close()
}

// remoteTool forwards one MCP server tool through the tool port.
type remoteTool struct {
	source *Source
	schema tool.Schema
}

func newRemoteTool(s *Source, def *mcpprotocol.Tool) (*remoteTool, error) {
	params, err := json.Marshal(def.InputSchema)
	if err != nil {
		return nil, fmt.Errorf("marshal input schema: %w", err)
	}
	return &remoteTool{
		source: s,
		schema: tool.Schema{
			Name:        def.Name,
			Description: def.Description,
			Parameters:  params,
		},
	}, nil
}

func (t *remoteTool) Name() string        { return t.schema.Name }
func (t *remoteTool) Schema() tool.Schema { return t.schema }

func (t *remoteTool) Execute(ctx context.Context, args json.RawMessage, ec tool.ExecutionContext) (tool.Result, error) {
	req := mcpprotocol.CallToolRequest{}
	req.Params.Name = t.schema.Name
	req.Params.Arguments = args

	res, err := t.source.client.CallTool(ctx, req)
	if err != nil {
		return tool.Result{}, fmt.Errorf("mcp call %s/%s: %w", t.source.name, t.schema.Name, err)
	}

	return tool.Result{Content: flattenContent(res.Content), IsError: res.IsError}, nil
}

// flattenContent joins the textual parts of an MCP tool result. Non-text
// content is summarized by type rather than dropped silently.
func flattenContent(content []mcpprotocol.Content) string {
	var parts []string
	for _, c := range content {
		switch v := c.(type) {
		case mcpprotocol.TextContent:
			parts = append(parts, v.Text)
		case mcpprotocol.ImageContent:
			parts = append(parts, fmt.Sprintf("[image: %s]", v.MIMEType))
		default:
			parts = append(parts, fmt.Sprintf("[%T]", c))
		}
	}
	return strings.Join(parts, "\n")
}
