package mcpserver

import (
	"context"
	"io"

	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"taiga-bridge/internal/domain"
	"taiga-bridge/internal/service"
)

const (
	serverName   = "taiga-bridge"
	mimeJSON     = "application/json"
	SSEEndpoint  = "/sse"
	MessagePath  = "/message"
	auditEntries = 50
)

// Dispatcher es lo que el servidor MCP necesita del despachador de operaciones.
type Dispatcher interface {
	Operations() []service.Operation
	Dispatch(ctx context.Context, name string, args map[string]any) (any, error)
	RecentAudit(ctx context.Context, limit int) ([]domain.AuditEntry, error)
}

// Server expone el catalogo de operaciones como tools y recursos MCP.
type Server struct {
	mcp        *server.MCPServer
	dispatcher Dispatcher
	logger     *zap.Logger
}

// New registra una tool por operacion y los recursos taiga://.
func New(dispatcher Dispatcher, version string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		mcp: server.NewMCPServer(
			serverName,
			version,
			server.WithToolCapabilities(false),
			server.WithResourceCapabilities(false, false),
			server.WithRecovery(),
		),
		dispatcher: dispatcher,
		logger:     logger,
	}
	ops := dispatcher.Operations()
	for _, op := range ops {
		s.mcp.AddTool(toolFor(op), s.toolHandler(op.Name))
	}
	s.registerResources()
	logger.Info("mcp server ready", zap.Int("tools", len(ops)))
	return s
}

// MCP devuelve el servidor subyacente.
func (s *Server) MCP() *server.MCPServer { return s.mcp }

// ServeStdio atiende el protocolo sobre in/out hasta que ctx termine.
func (s *Server) ServeStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	stdio := server.NewStdioServer(s.mcp)
	stdio.SetErrorLogger(zap.NewStdLog(s.logger))
	return stdio.Listen(ctx, in, out)
}

// SSE construye el transporte SSE; baseURL es la URL publica anunciada a los clientes.
func (s *Server) SSE(baseURL string) *server.SSEServer {
	return server.NewSSEServer(s.mcp,
		server.WithBaseURL(baseURL),
		server.WithSSEEndpoint(SSEEndpoint),
		server.WithMessageEndpoint(MessagePath),
	)
}
