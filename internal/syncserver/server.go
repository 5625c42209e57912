// Package syncserver is a reference implementation of the sync endpoint.
// It stores authoritative records in SQLite, applies each device batch
// in one transaction with idempotency by operation id, answers with the
// change feed since the device's watermark, and nudges other connected
// devices over a websocket after their view of the data went stale.
package syncserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/alexjbarnes/fieldsync/internal/transport"
)

// maxRequestBytes caps a sync request body.
const maxRequestBytes = 16 * 1024 * 1024

type contextKey int

const ctxDeviceID contextKey = iota

// RequestDeviceID returns the authenticated device from the context, or "".
func RequestDeviceID(ctx context.Context) string {
	v, _ := ctx.Value(ctxDeviceID).(string)
	return v
}

// Server serves the sync API.
type Server struct {
	store  *Store
	tokens *Tokens
	hub    *Hub
	logger *slog.Logger
}

// NewServer wires the store and token service into HTTP handlers.
func NewServer(store *Store, tokens *Tokens, logger *slog.Logger) *Server {
	return &Server{
		store:  store,
		tokens: tokens,
		hub:    NewHub(logger),
		logger: logger,
	}
}

// Hub returns the server's notification hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler builds the HTTP mux: the health probe, the sync endpoint and
// the push websocket. Everything except the probe needs a device token.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+transport.HealthPath, s.handleHealth)
	mux.Handle("POST "+transport.SyncPath, s.authenticate(http.HandlerFunc(s.handleSync)))
	mux.Handle("GET "+transport.SyncPath+"/ws", s.authenticate(http.HandlerFunc(s.hub.ServeWS)))

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// authenticate validates the Bearer device token and stores the device
// id in the request context.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			s.logger.Debug("missing bearer token", slog.String("path", r.URL.Path))
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeError(w, http.StatusUnauthorized, "missing token")

			return
		}

		deviceID, err := s.tokens.Validate(strings.TrimPrefix(authHeader, "Bearer "))
		if err != nil {
			s.logger.Debug("invalid token",
				slog.String("path", r.URL.Path),
				slog.String("error", err.Error()),
			)
			w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
			writeError(w, http.StatusUnauthorized, "invalid token")

			return
		}

		ctx := context.WithValue(r.Context(), ctxDeviceID, deviceID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	deviceID := RequestDeviceID(r.Context())

	var req transport.Request

	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.DeviceID != "" && req.DeviceID != deviceID {
		s.logger.Warn("device id does not match token",
			slog.String("token_device", deviceID),
			slog.String("body_device", req.DeviceID),
		)
		writeError(w, http.StatusForbidden, "device id does not match token")

		return
	}

	resp, err := s.store.Apply(r.Context(), deviceID, req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}

		s.logger.Error("applying sync batch",
			slog.String("device", deviceID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "internal error")

		return
	}

	s.logger.Info("sync batch applied",
		slog.String("device", deviceID),
		slog.Int("operations", len(req.Operations)),
		slog.Int("acked", len(resp.ProcessedAcks)),
		slog.Int("rejected", len(resp.Rejected)),
		slog.Int("changes", len(resp.ServerChanges)),
	)

	if len(resp.ProcessedAcks) > 0 {
		s.hub.Notify(deviceID)
	}

	writeJSON(w, responseStatus(resp), resp)
}

// responseStatus is 409 when any operation conflicted, 422 when any was
// invalid, and 200 otherwise. The body is the full response in all three.
func responseStatus(resp *transport.Response) int {
	status := http.StatusOK

	for _, rej := range resp.Rejected {
		if rej.Kind == transport.RejectConflict {
			return http.StatusConflict
		}

		status = http.StatusUnprocessableEntity
	}

	return status
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
