package server

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alexjbarnes/fieldsync/internal/auth"
	"github.com/stretchr/testify/assert"
)

func TestNewMux(t *testing.T) {
	mcp := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})

	mux := NewMux(MuxConfig{
		Keys:       auth.NewKeys([]string{"fs_key"}),
		MCPHandler: mcp,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, MCPPath, nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodPost, MCPPath, nil)
	req.Header.Set("Authorization", "Bearer fs_key")
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestNewMux_LogsAuthenticatedRequests(t *testing.T) {
	var buf bytes.Buffer

	mux := NewMux(MuxConfig{
		Keys: auth.NewKeys([]string{"fs_key"}),
		MCPHandler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusAccepted)
		}),
		Logger: slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})),
	})

	req := httptest.NewRequest(http.MethodPost, MCPPath, nil)
	req.RemoteAddr = "192.0.2.7:5000"
	req.Header.Set("Authorization", "Bearer fs_key")
	req.Header.Set("Mcp-Session-Id", "s-1")
	mux.ServeHTTP(httptest.NewRecorder(), req)

	out := buf.String()
	assert.Contains(t, out, "mcp request")
	assert.Contains(t, out, "ip=192.0.2.7")
	assert.Contains(t, out, "session=s-1")
}
