package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"pagepilot-mcp-server/internal/browser"
	"pagepilot-mcp-server/internal/config"
	"pagepilot-mcp-server/internal/logging"
	"pagepilot-mcp-server/internal/mangle"
	"pagepilot-mcp-server/internal/pilot"
)

// Browser is the session manager surface the tools drive.
type Browser interface {
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
	IsConnected() bool
	ControlURL() string
	List() []browser.Session
	GetSession(sessionID string) (browser.Session, bool)
	CreateSession(ctx context.Context, url string) (*browser.Session, error)
	Attach(ctx context.Context, targetID string) (*browser.Session, error)
	Navigate(ctx context.Context, sessionID, url string) error
	Pilot(sessionID string) (*pilot.Session, error)
}

// Server wires the MCP runtime, the browser sessions and the Mangle fact log.
type Server struct {
	cfg       config.Config
	sessions  Browser
	engine    *mangle.Engine
	logger    *log.Logger
	tools     map[string]Tool
	mcpServer *mcpserver.MCPServer
}

// Tool describes the contract for MCP tool implementations.
type Tool interface {
	Name() string
	Description() string
	InputSchema() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) (interface{}, error)
}

// imageResult is returned by tools whose payload carries an image. The
// metadata is sent as text alongside the image content.
type imageResult struct {
	Meta interface{}
	MIME string
	Data []byte
}

// NewServer constructs the PagePilot MCP server and registers all tools.
// engine may be nil.
func NewServer(cfg config.Config, sessions Browser, engine *mangle.Engine, logger *log.Logger) (*Server, error) {
	if sessions == nil {
		return nil, fmt.Errorf("session manager is required")
	}
	mcpSrv := mcpserver.NewMCPServer(
		cfg.Server.Name,
		cfg.Server.Version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithLogging(),
		mcpserver.WithPromptCapabilities(false),
		mcpserver.WithRecovery(),
	)

	server := &Server{
		cfg:       cfg,
		sessions:  sessions,
		engine:    engine,
		logger:    logging.OrNop(logger).WithPrefix("mcp"),
		tools:     make(map[string]Tool),
		mcpServer: mcpSrv,
	}

	server.registerAllTools()
	server.registerAllResources()
	return server, nil
}

// Start launches the stdio server.
func (s *Server) Start(ctx context.Context) error {
	stdio := mcpserver.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// StartSSE hosts the server over HTTP using SSE endpoints with graceful shutdown.
func (s *Server) StartSSE(ctx context.Context, port int) error {
	sseServer := mcpserver.NewSSEServer(s.mcpServer, mcpserver.WithBaseURL("http://localhost:"+strconv.Itoa(port)))

	mux := http.NewServeMux()
	mux.Handle("/sse", sseServer.SSEHandler())
	mux.Handle("/message", sseServer.MessageHandler())

	httpServer := &http.Server{
		Addr:              ":" + strconv.Itoa(port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("SSE server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// ExecuteTool executes a tool directly (used by tests).
func (s *Server) ExecuteTool(ctx context.Context, name string, args map[string]interface{}) (interface{}, error) {
	tool, exists := s.tools[name]
	if !exists {
		return nil, fmt.Errorf("tool not found: %s", name)
	}
	return tool.Execute(ctx, args)
}

// ToolNames lists registered tools in name order.
func (s *Server) ToolNames() []string {
	names := make([]string, 0, len(s.tools))
	for name := range s.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Server) registerAllTools() {
	// Browser and session lifecycle
	s.registerTool(&LaunchBrowserTool{sessions: s.sessions})
	s.registerTool(&ShutdownBrowserTool{sessions: s.sessions})
	s.registerTool(&ListSessionsTool{sessions: s.sessions})
	s.registerTool(&CreateSessionTool{sessions: s.sessions})
	s.registerTool(&AttachSessionTool{sessions: s.sessions})
	s.registerTool(&NavigateURLTool{sessions: s.sessions})
	s.registerTool(&SessionStatusTool{sessions: s.sessions})

	// Manifest, actions, settle and pagination
	s.registerTool(&GenerateManifestTool{sessions: s.sessions})
	s.registerTool(&ExecuteActionTool{sessions: s.sessions})
	s.registerTool(&GetChunkTool{sessions: s.sessions})
	s.registerTool(&WaitForSettleTool{sessions: s.sessions})
	s.registerTool(&CaptureImageTool{sessions: s.sessions})

	// Event ledger
	s.registerTool(&PollEventsTool{sessions: s.sessions})
	s.registerTool(&DeclareExpectationTool{sessions: s.sessions})
	s.registerTool(&AcknowledgeExpectationTool{sessions: s.sessions})

	// Fact log
	s.registerTool(&QueryFactsTool{engine: s.engine})
	s.registerTool(&ReadFactsTool{engine: s.engine})
}

func (s *Server) registerTool(tool Tool) {
	s.tools[tool.Name()] = tool

	schema, err := json.Marshal(tool.InputSchema())
	if err != nil {
		schema = json.RawMessage(`{"type":"object"}`)
	}

	mcpTool := mcp.NewToolWithRawSchema(tool.Name(), tool.Description(), schema)
	s.mcpServer.AddTool(mcpTool, s.wrapTool(tool))
}

func (s *Server) wrapTool(tool Tool) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()
		if args == nil {
			args = map[string]interface{}{}
		}
		return s.callTool(ctx, tool, args), nil
	}
}

func (s *Server) callTool(ctx context.Context, tool Tool, args map[string]interface{}) *mcp.CallToolResult {
	start := time.Now()
	result, err := tool.Execute(ctx, args)
	s.logger.Debug("tool call", "tool", tool.Name(), "elapsed", time.Since(start), "err", err)
	if err != nil {
		return errorResult(tool.Name(), err)
	}

	if img, ok := result.(*imageResult); ok {
		return &mcp.CallToolResult{
			Content: []mcp.Content{
				mcp.NewTextContent(string(marshalToolPayload(tool.Name(), img.Meta))),
				mcp.NewImageContent(base64.StdEncoding.EncodeToString(img.Data), img.MIME),
			},
		}
	}

	payload := marshalToolPayload(tool.Name(), result)
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.NewTextContent(string(payload))},
		IsError: false,
	}
}

// errorResult reports taxonomy errors as structured JSON so the controller can
// act on kind and retry; anything else is plain text.
func errorResult(toolName string, err error) *mcp.CallToolResult {
	if pe, ok := pilot.AsError(err); ok {
		payload := marshalToolPayload(toolName, map[string]interface{}{
			"success": false,
			"error":   pe.Error(),
			"kind":    pe.Kind,
			"id":      pe.ID,
			"parent":  pe.Parent,
			"retry":   pe.Retry,
		})
		return &mcp.CallToolResult{
			Content: []mcp.Content{mcp.NewTextContent(string(payload))},
			IsError: true,
		}
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.NewTextContent(fmt.Sprintf("tool %s failed: %v", toolName, err))},
		IsError: true,
	}
}

func marshalToolPayload(toolName string, result interface{}) []byte {
	payload, marshalErr := json.Marshal(result)
	if marshalErr == nil {
		return payload
	}

	fallback := map[string]interface{}{
		"success": false,
		"error":   fmt.Sprintf("tool %s returned non-serializable payload: %v", toolName, marshalErr),
	}
	payload, fallbackErr := json.Marshal(fallback)
	if fallbackErr == nil {
		return payload
	}

	return []byte(fmt.Sprintf(`{"success":false,"error":"tool %s failed to encode payload"}`, toolName))
}
