package syncserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const (
	// messageChanged tells a device that another device's batch was
	// applied and a pull would return something new.
	messageChanged = "changed"

	// subscriberBuffer is how many notifications may wait for a slow
	// subscriber. Further ones are dropped; one is enough to pull.
	subscriberBuffer = 1

	writeTimeout = 10 * time.Second
)

type pushMessage struct {
	Type     string `json:"type"`
	DeviceID string `json:"deviceId,omitempty"`
}

type subscriber struct {
	deviceID string
	msgs     chan []byte
}

// Hub fans change notifications out to connected devices.
type Hub struct {
	logger *slog.Logger

	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

// NewHub creates an empty Hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{logger: logger, subs: make(map[*subscriber]struct{})}
}

// Connected returns the number of open subscriptions.
func (h *Hub) Connected() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.subs)
}

// Notify tells every device except from that new changes exist.
func (h *Hub) Notify(from string) {
	data, err := json.Marshal(pushMessage{Type: messageChanged, DeviceID: from})
	if err != nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for sub := range h.subs {
		if sub.deviceID == from {
			continue
		}

		select {
		case sub.msgs <- data:
		default:
		}
	}
}

// ServeWS upgrades an authenticated request and streams notifications
// until the client goes away.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	deviceID := RequestDeviceID(r.Context())

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket accept failed", slog.String("error", err.Error()))
		return
	}
	defer conn.CloseNow()

	sub := &subscriber{deviceID: deviceID, msgs: make(chan []byte, subscriberBuffer)}
	h.add(sub)
	defer h.remove(sub)

	h.logger.Debug("device subscribed", slog.String("device", deviceID))

	// Clients never send anything; CloseRead handles control frames and
	// cancels ctx when the connection drops.
	ctx := conn.CloseRead(r.Context())

	for {
		select {
		case <-ctx.Done():
			return
		case data := <-sub.msgs:
			if err := h.write(ctx, conn, data); err != nil {
				h.logger.Debug("push write failed",
					slog.String("device", deviceID),
					slog.String("error", err.Error()),
				)

				return
			}
		}
	}
}

func (h *Hub) write(ctx context.Context, conn *websocket.Conn, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	return conn.Write(ctx, websocket.MessageText, data)
}

func (h *Hub) add(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.subs[sub] = struct{}{}
}

func (h *Hub) remove(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.subs, sub)
}
