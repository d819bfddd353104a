package facade

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"authcoord/internal/auth"
	"authcoord/internal/coordinator"
	"authcoord/internal/secctx"
	"authcoord/pkg/logging"
)

// Transport names accepted in Config.
const (
	TransportStdio          = "stdio"
	TransportStreamableHTTP = "streamable-http"
)

const (
	serverName    = "authcoord"
	shutdownGrace = 5 * time.Second
)

// Config selects how the tool server is exposed.
type Config struct {
	Transport string
	Host      string
	Port      int
}

// Coordinator is the part of the coordinator the facade drives.
type Coordinator interface {
	Authenticate(ctx context.Context, providerKey string, opts auth.AuthenticateOptions) auth.AuthenticationResult
	RefreshCredentials(ctx context.Context, sessionID string) auth.RefreshTokenResult
	ValidateCredentials(ctx context.Context, sessionID string) auth.ValidationResult
	RevokeCredentials(ctx context.Context, sessionID string) error
	Status() coordinator.Status
	Capabilities() coordinator.Capabilities
	ListProviders() []coordinator.ProviderInfo
	MetricsSnapshot() coordinator.MetricsSnapshot
}

// ContextStats reports security-context activity for the status tool.
type ContextStats interface {
	Stats() secctx.Stats
}

// Server exposes the coordinator as MCP tools.
type Server struct {
	cfg       Config
	coord     Coordinator
	contexts  ContextStats
	version   string
	mcpServer *server.MCPServer
}

// Option configures a Server.
type Option func(*Server)

// WithContextStats includes security-context statistics in status output.
func WithContextStats(cs ContextStats) Option {
	return func(s *Server) { s.contexts = cs }
}

// WithVersion sets the version reported during MCP initialization.
func WithVersion(v string) Option {
	return func(s *Server) {
		if v != "" {
			s.version = v
		}
	}
}

// New builds the tool server. Tools are registered immediately; nothing is
// served until Serve is called.
func New(cfg Config, coord Coordinator, opts ...Option) (*Server, error) {
	switch cfg.Transport {
	case "":
		cfg.Transport = TransportStdio
	case TransportStdio, TransportStreamableHTTP:
	default:
		return nil, fmt.Errorf("unsupported facade transport %q", cfg.Transport)
	}
	if coord == nil {
		return nil, fmt.Errorf("coordinator is required")
	}

	s := &Server{cfg: cfg, coord: coord, version: "dev"}
	for _, opt := range opts {
		opt(s)
	}

	s.mcpServer = server.NewMCPServer(
		serverName,
		s.version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
	)
	s.registerTools()
	return s, nil
}

// MCPServer returns the underlying server, for embedding in another
// transport.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Serve blocks serving the configured transport until ctx is cancelled or
// the transport fails.
func (s *Server) Serve(ctx context.Context) error {
	switch s.cfg.Transport {
	case TransportStreamableHTTP:
		addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
		httpServer := server.NewStreamableHTTPServer(s.mcpServer)

		errCh := make(chan error, 1)
		go func() {
			logging.Info("Facade", "Serving MCP tools over streamable-http on %s", addr)
			errCh <- httpServer.Start(addr)
		}()

		select {
		case err := <-errCh:
			if err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("streamable http server: %w", err)
			}
			return nil
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				logging.Error("Facade", err, "Error shutting down streamable HTTP server")
			}
			return nil
		}

	default:
		logging.Info("Facade", "Serving MCP tools over stdio")
		stdio := server.NewStdioServer(s.mcpServer)
		if err := stdio.Listen(ctx, os.Stdin, os.Stdout); err != nil && ctx.Err() == nil {
			return fmt.Errorf("stdio server: %w", err)
		}
		return nil
	}
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(mcp.NewTool("authenticate",
		mcp.WithDescription("Authenticate against a configured provider and open a session"),
		mcp.WithString("provider",
			mcp.Required(),
			mcp.Description("Provider name, or provider type when exactly one provider has that type"),
		),
		mcp.WithString("session_id",
			mcp.Description("Session id to use; generated when omitted"),
		),
		mcp.WithString("code",
			mcp.Description("OAuth2 authorization code"),
		),
		mcp.WithString("state",
			mcp.Description("OAuth2 state returned with the authorization code"),
		),
		mcp.WithString("api_key",
			mcp.Description("API key for api_key providers"),
		),
		mcp.WithArray("scopes",
			mcp.Description("Scopes overriding the provider defaults"),
			mcp.Items(map[string]any{"type": "string"}),
		),
	), s.handleAuthenticate)

	s.mcpServer.AddTool(mcp.NewTool("refresh",
		mcp.WithDescription("Refresh the credentials of a session"),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session to refresh")),
	), s.handleRefresh)

	s.mcpServer.AddTool(mcp.NewTool("validate",
		mcp.WithDescription("Validate the credentials of a session with its provider"),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session to validate")),
	), s.handleValidate)

	s.mcpServer.AddTool(mcp.NewTool("revoke",
		mcp.WithDescription("Revoke a session and its credentials"),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session to revoke")),
	), s.handleRevoke)

	s.mcpServer.AddTool(mcp.NewTool("status",
		mcp.WithDescription("Show coordinator status"),
	), s.handleStatus)

	s.mcpServer.AddTool(mcp.NewTool("capabilities",
		mcp.WithDescription("List supported operations, provider types and features"),
	), s.handleCapabilities)

	s.mcpServer.AddTool(mcp.NewTool("providers",
		mcp.WithDescription("List registered providers"),
	), s.handleProviders)

	s.mcpServer.AddTool(mcp.NewTool("metrics",
		mcp.WithDescription("Show authentication, refresh and cache counters"),
	), s.handleMetrics)
}
