package auth

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func protected(t *testing.T, keys *Keys) http.Handler {
	t.Helper()

	return Middleware(keys, testLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "192.0.2.1", RequestRemoteIP(r.Context()))
		w.WriteHeader(http.StatusNoContent)
	}))
}

func serve(h http.Handler, authHeader string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	return rec
}

func TestMiddleware_ValidKey(t *testing.T) {
	h := protected(t, NewKeys([]string{"fs_one", "fs_two"}))

	assert.Equal(t, http.StatusNoContent, serve(h, "Bearer fs_two").Code)
}

func TestMiddleware_NoToken(t *testing.T) {
	h := protected(t, NewKeys([]string{"fs_one"}))

	rec := serve(h, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.NotContains(t, rec.Header().Get("WWW-Authenticate"), "error=")

	rec = serve(h, "Basic dXNlcjpwYXNz")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMiddleware_InvalidKey(t *testing.T) {
	h := protected(t, NewKeys([]string{"fs_one"}))

	rec := serve(h, "Bearer fs_wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), `error="invalid_token"`)
}

func TestMiddleware_EmptyKeySetRejectsEverything(t *testing.T) {
	h := protected(t, NewKeys(nil))
	assert.Equal(t, http.StatusUnauthorized, serve(h, "Bearer ").Code)
	assert.Equal(t, http.StatusUnauthorized, serve(h, "Bearer anything").Code)
}

func TestNewKeys_SkipsBlank(t *testing.T) {
	k := NewKeys([]string{" fs_a ", "", "  "})
	assert.Equal(t, 1, k.Len())
	assert.True(t, k.Valid("fs_a"))
	assert.False(t, k.Valid(""))
}

func TestGenerateKey(t *testing.T) {
	a := GenerateKey()
	b := GenerateKey()

	assert.True(t, strings.HasPrefix(a, APIKeyPrefix))
	assert.Len(t, a, len(APIKeyPrefix)+48)
	assert.NotEqual(t, a, b)
	assert.True(t, NewKeys([]string{a}).Valid(a))
}

func TestRandomHex_Length(t *testing.T) {
	assert.Len(t, RandomHex(16), 32)
}
