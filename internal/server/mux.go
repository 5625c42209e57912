// Package server provides HTTP server construction for the local
// fieldsync endpoints.
package server

import (
	"log/slog"
	"net/http"

	"github.com/alexjbarnes/fieldsync/internal/auth"
)

// MCPPath is where the MCP streamable HTTP handler is mounted.
const MCPPath = "/mcp"

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	Keys       *auth.Keys
	MCPHandler http.Handler
	Logger     *slog.Logger
}

// NewMux builds the HTTP mux with a liveness endpoint and the MCP
// endpoint. The MCP endpoint is protected by API key middleware.
func NewMux(cfg MuxConfig) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	authMiddleware := auth.Middleware(cfg.Keys, cfg.Logger)
	mux.Handle(MCPPath, authMiddleware(logRequests(cfg.Logger, cfg.MCPHandler)))

	return mux
}

// logRequests logs each authenticated MCP request. The response writer
// is passed through untouched so streaming responses keep flushing.
func logRequests(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger.Debug("mcp request",
			slog.String("method", r.Method),
			slog.String("ip", auth.RequestRemoteIP(r.Context())),
			slog.String("session", r.Header.Get("Mcp-Session-Id")),
		)

		next.ServeHTTP(w, r)
	})
}
