package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/go-appsec/probetools/probekit/config"
)

// Output modes shared by the list-style tools.
const (
	OutputModeSummary = "summary"
	OutputModeFlows   = "flows"
	OutputModeErrors  = "errors"
	OutputModeEvents  = "events"
)

// mcpServer wraps the MCP server and its dependencies.
type mcpServer struct {
	server           *server.MCPServer
	sseServer        *server.SSEServer
	streamableServer *server.StreamableHTTPServer
	httpServer       *http.Server
	listener         net.Listener
	service          *Server
}

// newMCPServer creates a new MCP server instance with all tools registered.
func newMCPServer(svc *Server) *mcpServer {
	mcpSrv := server.NewMCPServer("probekit", config.Version,
		server.WithToolCapabilities(false),
		server.WithLogging(),
	)

	m := &mcpServer{
		server:  mcpSrv,
		service: svc,
	}

	m.registerTools()

	return m
}

func (m *mcpServer) registerTools() {
	m.addProbeTools()
	m.addScanTools()
	m.addCookieTools()
	m.addOastTools()
}

func (m *mcpServer) addProbeTools() {
	m.server.AddTool(m.probeSendTool(), m.handleProbeSend)
	m.server.AddTool(m.probeGetTool(), m.handleProbeGet)
	m.server.AddTool(m.probeListTool(), m.handleProbeList)
}

func (m *mcpServer) addScanTools() {
	m.server.AddTool(m.scanCreateTool(), m.handleScanCreate)
	m.server.AddTool(m.scanStatusTool(), m.handleScanStatus)
	m.server.AddTool(m.scanPagesTool(), m.handleScanPages)
	m.server.AddTool(m.scanStopTool(), m.handleScanStop)
	m.server.AddTool(m.scanListTool(), m.handleScanList)
}

func (m *mcpServer) addCookieTools() {
	m.server.AddTool(m.cookieJarTool(), m.handleCookieJar)
	m.server.AddTool(m.cookieStatsTool(), m.handleCookieStats)
	m.server.AddTool(m.cookieClearTool(), m.handleCookieClear)
}

func (m *mcpServer) addOastTools() {
	m.server.AddTool(m.oastCreateTool(), m.handleOastCreate)
	m.server.AddTool(m.oastPollTool(), m.handleOastPoll)
	m.server.AddTool(m.oastListTool(), m.handleOastList)
	m.server.AddTool(m.oastDeleteTool(), m.handleOastDelete)
}

// Start binds the listener and serves the MCP endpoints in the background.
func (m *mcpServer) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	m.listener = listener

	// SSE server for legacy clients
	m.sseServer = server.NewSSEServer(m.server,
		server.WithBaseURL("http://"+listener.Addr().String()),
	)

	// Streamable HTTP server for modern clients
	m.streamableServer = server.NewStreamableHTTPServer(m.server,
		server.WithStateLess(true),
	)

	mux := http.NewServeMux()
	mux.Handle("/mcp", m.streamableServer)
	mux.Handle("/sse", m.sseServer)
	mux.Handle("/sse/", m.sseServer)

	m.httpServer = &http.Server{Handler: mux}

	go func() {
		if err := m.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("MCP server error: %v", err)
		}
	}()

	return nil
}

func (m *mcpServer) Addr() string {
	if m.listener != nil {
		return m.listener.Addr().String()
	}
	return ""
}

// Close stops the MCP server.
func (m *mcpServer) Close(ctx context.Context) error {
	var errs []error

	// Close HTTP server - use short timeout then force close.
	// Streaming connections (SSE, MCP) never become idle, so Shutdown blocks.
	if m.httpServer != nil {
		shortCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
		err := m.httpServer.Shutdown(shortCtx)
		cancel()
		if errors.Is(err, context.DeadlineExceeded) {
			// Force close - active connections won't drain gracefully
			if closeErr := m.httpServer.Close(); closeErr != nil {
				errs = append(errs, closeErr)
			}
		} else if err != nil {
			errs = append(errs, err)
		}
	}

	if m.sseServer != nil {
		if err := m.sseServer.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if m.streamableServer != nil {
		if err := m.streamableServer.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func jsonResult(data interface{}) (*mcp.CallToolResult, error) {
	b, err := marshalRaw(data)
	if err != nil {
		return errorResult("failed to marshal response: " + err.Error()), nil
	}
	return mcp.NewToolResultText(string(b)), nil
}

func errorResult(message string) *mcp.CallToolResult {
	return mcp.NewToolResultError(message)
}

// errorResultFromErr creates an error result with user-friendly timeout messages.
func errorResultFromErr(prefix string, err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(prefix + translateTimeoutError(err))
}

// translateTimeoutError converts context errors to user-friendly messages.
func translateTimeoutError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "request timed out"
	}
	if errors.Is(err, context.Canceled) {
		return "request canceled"
	}
	return err.Error()
}
