package connectivity

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"
)

const (
	// PushPath is the server's websocket endpoint.
	PushPath = "/v1/sync/ws"

	// MessageChanged is sent by the server after another device's batch
	// was applied.
	MessageChanged = "changed"

	defaultReconnectMin = time.Second
	defaultReconnectMax = 2 * time.Minute

	// jitterDivisor controls the range of random jitter added to
	// reconnect backoff: jitter is uniform in [0, backoff/jitterDivisor).
	jitterDivisor = 2

	// reconnectBackoffMultiplier is the exponential growth factor
	// applied to the reconnect backoff after each consecutive failure.
	reconnectBackoffMultiplier = 2

	// pushReadLimit caps a single push message. Messages are small
	// notifications, never record data.
	pushReadLimit = 64 * 1024
)

// PushConfig configures the websocket presence connection.
type PushConfig struct {
	// ServerURL is the sync server root (http or https). The websocket
	// URL is derived from it.
	ServerURL string
	Token     string
	DeviceID  string

	ReconnectMin time.Duration
	ReconnectMax time.Duration
}

// WebSocketURL turns an http(s) server root into the push endpoint URL.
func WebSocketURL(serverURL string) string {
	u := strings.TrimRight(serverURL, "/")

	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}

	return u + PushPath
}

type pushClient struct {
	cfg      PushConfig
	logger   *slog.Logger
	presence chan<- bool
	nudges   chan<- struct{}
}

func newPushClient(cfg PushConfig, logger *slog.Logger, presence chan<- bool, nudges chan<- struct{}) *pushClient {
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = defaultReconnectMin
	}

	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = defaultReconnectMax
	}

	return &pushClient{cfg: cfg, logger: logger, presence: presence, nudges: nudges}
}

// run keeps a push connection open until ctx is cancelled, reconnecting
// with exponential backoff and jitter. A live connection means online;
// losing it is an offline edge.
func (p *pushClient) run(ctx context.Context) {
	backoff := p.cfg.ReconnectMin

	for {
		connected, err := p.session(ctx)
		if ctx.Err() != nil {
			return
		}

		if connected {
			backoff = p.cfg.ReconnectMin
			p.signal(ctx, false)
		}

		p.logger.Warn("push connection lost, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("backoff", backoff),
		)

		jitter := time.Duration(rand.Int64N(int64(backoff)/jitterDivisor + 1)) //nolint:gosec // G404: math/rand is fine for reconnect jitter, no security impact

		timer := time.NewTimer(backoff + jitter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if !connected {
			backoff = min(backoff*reconnectBackoffMultiplier, p.cfg.ReconnectMax)
		}
	}
}

// session dials once and reads until the connection fails. Reports
// whether the dial succeeded.
func (p *pushClient) session(ctx context.Context) (bool, error) {
	header := http.Header{}
	if p.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+p.cfg.Token)
	}

	if p.cfg.DeviceID != "" {
		header.Set("X-Device-ID", p.cfg.DeviceID)
	}

	url := WebSocketURL(p.cfg.ServerURL)

	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{ //nolint:bodyclose // websocket.Dial closes the response body internally
		HTTPHeader: header,
	})
	if err != nil {
		return false, fmt.Errorf("dialing %s: %w", url, err)
	}
	defer conn.CloseNow()

	conn.SetReadLimit(pushReadLimit)

	p.logger.Debug("push connection established", slog.String("url", url))
	p.signal(ctx, true)

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return true, fmt.Errorf("reading push message: %w", err)
		}

		if typ != websocket.MessageText {
			continue
		}

		switch kind := gjson.GetBytes(data, "type").Str; kind {
		case MessageChanged:
			p.nudge()
		case "":
			p.logger.Debug("ignoring malformed push message")
		default:
			p.logger.Debug("ignoring push message", slog.String("type", kind))
		}
	}
}

func (p *pushClient) signal(ctx context.Context, up bool) {
	select {
	case p.presence <- up:
	case <-ctx.Done():
	}
}

// nudge coalesces change notifications; one pending nudge is enough to
// pull everything new.
func (p *pushClient) nudge() {
	select {
	case p.nudges <- struct{}{}:
	default:
	}
}
