// Package transport implements the HTTP client for the sync endpoint.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	syncerr "github.com/alexjbarnes/fieldsync/internal/errors"
	"github.com/alexjbarnes/fieldsync/internal/models"
	"github.com/tidwall/gjson"
)

// TransportError means the whole sync request failed: the network was
// unreachable, the request timed out, the server answered with a status
// outside the documented set, or the body could not be decoded. The
// queue must be left untouched and the attempt retried later.
type TransportError struct {
	// StatusCode is 0 when no HTTP response was received.
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string { return e.Err.Error() }

func (e *TransportError) Unwrap() []error { return []error{e.Err, syncerr.ErrTransport} }

// IsTransient reports whether err is a TransportError caused by a
// network failure or a server status worth retrying. Other transport
// errors (bad token, malformed request) will keep failing until the
// configuration changes.
func IsTransient(err error) bool {
	var te *TransportError
	if !errors.As(err, &te) {
		return false
	}

	return te.StatusCode == 0 || isTransientStatus(te.StatusCode)
}

// IsUnreachable reports whether err is a TransportError where no HTTP
// response came back at all.
func IsUnreachable(err error) bool {
	var te *TransportError

	return errors.As(err, &te) && te.StatusCode == 0
}

const (
	// SyncPath is the sync endpoint.
	SyncPath = "/v1/sync"

	// HealthPath answers reachability probes.
	HealthPath = "/healthz"

	// maxRedirects is the maximum number of HTTP redirects to follow
	// before giving up, matching the default net/http limit.
	maxRedirects = 10

	// DefaultTimeout is the timeout for the default HTTP client used
	// when no custom client is provided.
	DefaultTimeout = 30 * time.Second

	// maxResponseBytes caps response body reads. A batch of server
	// changes is larger than a typical API answer but still bounded.
	maxResponseBytes = 16 * 1024 * 1024
)

// Client talks to the sync server.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host so the bearer token never leaks to a
// third-party domain.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// NewHTTPClient returns an http.Client with the given timeout that only
// follows redirects to the original host.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:       timeout,
		CheckRedirect: sameHostRedirectPolicy,
	}
}

// NewClient creates a sync client for the server at baseURL. token is
// sent as a bearer credential when non-empty. If httpClient is nil, a
// client with a 30-second timeout and same-host redirect policy is
// created.
func NewClient(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = NewHTTPClient(DefaultTimeout)
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
	}
}

// BaseURL returns the server root the client talks to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Token returns the bearer token, used by the websocket presence
// connection to authenticate the same way.
func (c *Client) Token() string {
	return c.token
}

// Send posts one batch to the sync endpoint. A 200, or a 409/422 whose
// body is a well-formed sync response, yields a Response; per-operation
// rejections are reported inside it. Every other outcome is a
// *TransportError.
func (c *Client) Send(ctx context.Context, req Request) (*Response, error) {
	if req.Operations == nil {
		req.Operations = []models.PendingOperation{}
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshalling sync request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+SyncPath, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	c.authorize(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &TransportError{Err: fmt.Errorf("sending request to %s: %w", SyncPath, err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &TransportError{Err: fmt.Errorf("reading response from %s: %w", SyncPath, err)}
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case isPartialStatus(resp.StatusCode) && isSyncResponse(body):
	default:
		return nil, &TransportError{
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("sync %s returned status %d: %s", SyncPath, resp.StatusCode, errorMessage(body)),
		}
	}

	var out Response
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, &TransportError{
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("decoding response from %s: %w", SyncPath, err),
		}
	}

	return &out, nil
}

// Probe checks that the server is reachable. Any HTTP answer below 500
// counts as reachable; only the network path matters here.
func (c *Client) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+HealthPath, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransportError{Err: fmt.Errorf("probing %s: %w", HealthPath, err)}
	}
	defer resp.Body.Close()

	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= http.StatusInternalServerError {
		return &TransportError{
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("probing %s: status %d", HealthPath, resp.StatusCode),
		}
	}

	return nil
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// isPartialStatus reports whether code may carry a sync response with
// per-operation rejections.
func isPartialStatus(code int) bool {
	return code == http.StatusConflict || code == http.StatusUnprocessableEntity
}

// isSyncResponse reports whether body looks like a sync response rather
// than a bare error document.
func isSyncResponse(body []byte) bool {
	if !gjson.ValidBytes(body) {
		return false
	}

	return gjson.GetBytes(body, "rejected").IsArray() || gjson.GetBytes(body, "processedAcks").IsArray()
}

// errorMessage extracts a server error message, falling back to the
// sanitized raw body.
func errorMessage(body []byte) string {
	if gjson.ValidBytes(body) {
		if msg := gjson.GetBytes(body, "error").Str; msg != "" {
			return sanitizeResponseBody([]byte(msg))
		}
	}

	return sanitizeResponseBody(body)
}

// isTransientStatus returns true for HTTP status codes that indicate a
// temporary server-side problem worth retrying.
func isTransientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}

	return false
}

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages. Limits to 256 bytes and replaces
// non-printable characters to prevent log injection.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}
