// Package toolserver exposes the marketplace core to agents over MCP.
// A single Provider implements every agora.* tool; the Server binds it
// to one of three transports (streamable-http, sse, stdio) and owns the
// optional prometheus endpoint.
package toolserver

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"agora/internal/config"
	"agora/pkg/logging"
)

// serverName and serverVersion identify this MCP server to clients.
const (
	serverName    = "agora-core"
	serverVersion = "1.0.0"
)

// Server is the MCP tool server.
type Server struct {
	cfg      config.ServerConfig
	provider *Provider
	registry *prometheus.Registry

	server               *mcpserver.MCPServer
	sseServer            *mcpserver.SSEServer
	streamableHTTPServer *mcpserver.StreamableHTTPServer
	stdioServer          *mcpserver.StdioServer
	metricsServer        *http.Server

	ctx        context.Context
	cancelFunc context.CancelFunc
	mu         sync.Mutex
}

// NewServer creates a tool server for the given provider. registry may
// be nil when metrics are disabled.
func NewServer(cfg config.ServerConfig, provider *Provider, registry *prometheus.Registry) *Server {
	return &Server{cfg: cfg, provider: provider, registry: registry}
}

// Start starts the configured transport and, when configured, the
// metrics endpoint. It returns once the listeners are up.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server != nil {
		return fmt.Errorf("tool server already started")
	}

	s.ctx, s.cancelFunc = context.WithCancel(ctx)

	s.server = mcpserver.NewMCPServer(
		serverName,
		serverVersion,
		mcpserver.WithToolCapabilities(true),
	)

	var tools []mcpserver.ServerTool
	for _, meta := range s.provider.GetTools() {
		tools = append(tools, mcpserver.ServerTool{
			Tool: mcp.Tool{
				Name:        meta.Name,
				Description: meta.Description,
				InputSchema: convertToMCPSchema(meta.Parameters),
			},
			Handler: createToolHandler(s.provider, meta.Name),
		})
	}
	s.server.AddTools(tools...)

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	switch s.cfg.Transport {
	case "sse":
		logging.Info("ToolServer", "Starting MCP server with SSE transport on %s", addr)
		baseURL := fmt.Sprintf("http://%s", addr)
		s.sseServer = mcpserver.NewSSEServer(
			s.server,
			mcpserver.WithBaseURL(baseURL),
			mcpserver.WithSSEEndpoint("/sse"),
			mcpserver.WithMessageEndpoint("/message"),
			mcpserver.WithKeepAlive(true),
			mcpserver.WithKeepAliveInterval(30*time.Second),
		)
		sseServer := s.sseServer
		go func() {
			if err := sseServer.Start(addr); err != nil && err != http.ErrServerClosed {
				logging.Error("ToolServer", err, "SSE server error")
			}
		}()

	case "stdio":
		logging.Info("ToolServer", "Starting MCP server with stdio transport")
		s.stdioServer = mcpserver.NewStdioServer(s.server)
		stdioServer := s.stdioServer
		stdioCtx := s.ctx
		go func() {
			if err := stdioServer.Listen(stdioCtx, os.Stdin, os.Stdout); err != nil {
				logging.Error("ToolServer", err, "Stdio server error")
			}
		}()

	default: // streamable-http
		logging.Info("ToolServer", "Starting MCP server with streamable-http transport on %s", addr)
		s.streamableHTTPServer = mcpserver.NewStreamableHTTPServer(s.server)
		streamableServer := s.streamableHTTPServer
		go func() {
			if err := streamableServer.Start(addr); err != nil && err != http.ErrServerClosed {
				logging.Error("ToolServer", err, "Streamable HTTP server error")
			}
		}()
	}

	if s.cfg.MetricsPort > 0 && s.registry != nil {
		metricsAddr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.MetricsPort)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
		s.metricsServer = &http.Server{Addr: metricsAddr, Handler: mux}
		metricsServer := s.metricsServer
		logging.Info("ToolServer", "Serving prometheus metrics on %s/metrics", metricsAddr)
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logging.Error("ToolServer", err, "Metrics server error")
			}
		}()
	}

	return nil
}

// Stop shuts the transports down, waiting up to five seconds for
// in-flight requests.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.server == nil {
		s.mu.Unlock()
		return fmt.Errorf("tool server not started")
	}
	logging.Info("ToolServer", "Stopping MCP server")

	cancelFunc := s.cancelFunc
	sseServer := s.sseServer
	streamableServer := s.streamableHTTPServer
	metricsServer := s.metricsServer
	s.mu.Unlock()

	if cancelFunc != nil {
		cancelFunc()
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if sseServer != nil {
		if err := sseServer.Shutdown(shutdownCtx); err != nil {
			logging.Error("ToolServer", err, "Error shutting down SSE server")
		}
	}
	if streamableServer != nil {
		if err := streamableServer.Shutdown(shutdownCtx); err != nil {
			logging.Error("ToolServer", err, "Error shutting down streamable HTTP server")
		}
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logging.Error("ToolServer", err, "Error shutting down metrics server")
		}
	}
	// The stdio transport stops on context cancellation.

	s.mu.Lock()
	s.server = nil
	s.sseServer = nil
	s.streamableHTTPServer = nil
	s.stdioServer = nil
	s.metricsServer = nil
	s.mu.Unlock()

	return nil
}
