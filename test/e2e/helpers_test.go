package e2e_test

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/alexjbarnes/fieldsync/internal/auth"
	"github.com/alexjbarnes/fieldsync/internal/engine"
	"github.com/alexjbarnes/fieldsync/internal/mcpserver"
	"github.com/alexjbarnes/fieldsync/internal/models"
	"github.com/alexjbarnes/fieldsync/internal/server"
	"github.com/alexjbarnes/fieldsync/internal/state"
	"github.com/alexjbarnes/fieldsync/internal/syncserver"
	"github.com/alexjbarnes/fieldsync/internal/transport"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// harness holds the full e2e test stack: a real sync server over a
// SQLite file behind httptest, and any number of devices talking to it.
type harness struct {
	*httptest.Server
	store  *syncserver.Store
	tokens *syncserver.Tokens
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	store, err := syncserver.Open(t.Context(), filepath.Join(t.TempDir(), "server.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	tokens, err := syncserver.NewTokens([]byte("e2e-secret-that-is-long-enough!!"))
	require.NoError(t, err)

	srv := httptest.NewServer(syncserver.NewServer(store, tokens, quietLogger).Handler())
	t.Cleanup(srv.Close)

	return &harness{Server: srv, store: store, tokens: tokens}
}

// device is one client: its own state database and engine.
type device struct {
	id     string
	state  *state.State
	engine *engine.Engine
	token  string
}

func (h *harness) device(t *testing.T, id string, cfgs ...func(*engine.Config)) *device {
	t.Helper()

	st, err := state.LoadAt(filepath.Join(t.TempDir(), id+".db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	token, err := h.tokens.Issue(id, 0)
	require.NoError(t, err)

	cfg := engine.Config{DeviceID: id, BootstrapPull: true}
	for _, fn := range cfgs {
		fn(&cfg)
	}

	client := transport.NewClient(h.URL, token, h.Client())

	return &device{
		id:     id,
		state:  st,
		engine: engine.New(st, client, quietLogger, cfg),
		token:  token,
	}
}

func (d *device) save(t *testing.T, et models.EntityType, payload string) models.ID {
	t.Helper()

	id, _, err := d.engine.Save(t.Context(), et, json.RawMessage(payload))
	require.NoError(t, err)

	return id
}

func (d *device) sync(t *testing.T) engine.Result {
	t.Helper()

	res, err := d.engine.SyncAll(t.Context())
	require.NoError(t, err)

	return res
}

func (d *device) get(t *testing.T, id models.ID) *models.LocalRecord {
	t.Helper()

	rec, err := d.engine.Get(t.Context(), id)
	require.NoError(t, err)

	return rec
}

func (d *device) pending(t *testing.T) int {
	t.Helper()

	n, err := d.state.QueueLen()
	require.NoError(t, err)

	return n
}

// mcpSession serves the device's engine as MCP tools behind API key
// auth and connects a streamable HTTP client to it.
func (d *device) mcpSession(t *testing.T, apiKey string) *mcp.ClientSession {
	t.Helper()

	mcpServer := mcp.NewServer(&mcp.Implementation{Name: "fieldsync-mcp", Version: "test"}, nil)
	mcpserver.RegisterTools(mcpServer, d.engine)

	srv := httptest.NewServer(server.NewMux(server.MuxConfig{
		Keys: auth.NewKeys([]string{apiKey}),
		MCPHandler: mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
			return mcpServer
		}, nil),
		Logger: quietLogger,
	}))
	t.Cleanup(srv.Close)

	transport := &mcp.StreamableClientTransport{
		Endpoint: srv.URL + server.MCPPath,
		HTTPClient: &http.Client{
			Transport: &bearerTransport{
				token: apiKey,
				base:  srv.Client().Transport,
			},
		},
		DisableStandaloneSSE: true,
	}

	client := mcp.NewClient(
		&mcp.Implementation{Name: "e2e-test-client", Version: "test"},
		nil,
	)

	session, err := client.Connect(t.Context(), transport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })

	return session
}

// bearerTransport is an http.RoundTripper that injects a Bearer token
// into every request.
type bearerTransport struct {
	token string
	base  http.RoundTripper
}

func (bt *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+bt.token)

	return bt.base.RoundTrip(req)
}

// extractTextContent returns the text from the first content item.
func extractTextContent(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)

	tc, ok := result.Content[0].(*mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])

	return tc.Text
}
