package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/oshokin/compose-updater/internal/domain/update"
	"github.com/oshokin/compose-updater/internal/logger"
	"github.com/oshokin/compose-updater/internal/service/broadcast"
)

// eventDenied reports a start request that the guard refused; the stream ends after it.
const eventDenied update.EventType = "denied"

// wsWriteTimeout bounds a single WebSocket write or ping.
const wsWriteTimeout = 10 * time.Second

// sink is one streaming transport.
type sink interface {
	send(ctx context.Context, event update.Event) error
	keepalive(ctx context.Context) error
}

// openStream subscribes and, when start is set, triggers an update. Subscribing
// first keeps every event of the new run in the stream. A denied start returns
// the denial event and no subscription.
func (s *Server) openStream(ctx context.Context, start bool) (*broadcast.Subscription, *update.Event) {
	sub := s.service.Subscribe()
	if !start {
		return sub, nil
	}

	if _, err := s.service.StartUpdate(ctx); err != nil {
		sub.Close()

		_, response := s.denial(err)

		return nil, &update.Event{
			Type:    eventDenied,
			Phase:   s.service.Snapshot().Phase,
			Message: response.Message,
			At:      time.Now(),
		}
	}

	return sub, nil
}

// pump forwards events to out until a terminal event, the end of the
// subscription or the end of ctx. Without start, an idle snapshot ends the
// stream at once since no run will follow.
func (s *Server) pump(ctx context.Context, sub *broadcast.Subscription, start bool, out sink) error {
	ticker := time.NewTicker(s.keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := out.keepalive(ctx); err != nil {
				return err
			}
		case event, ok := <-sub.Events():
			if !ok {
				return nil
			}

			if err := out.send(ctx, event); err != nil {
				return err
			}

			if event.Terminal() {
				return nil
			}

			if !start && event.Type == update.EventSnapshot && event.RunID == "" {
				return nil
			}
		}
	}
}

// sseSink writes Server-Sent Events.
type sseSink struct {
	w          http.ResponseWriter
	controller *http.ResponseController
}

func (s *sseSink) send(_ context.Context, event update.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		return fmt.Errorf("write event: %w", err)
	}

	return s.controller.Flush()
}

func (s *sseSink) keepalive(context.Context) error {
	if _, err := fmt.Fprint(s.w, ": keepalive\n\n"); err != nil {
		return fmt.Errorf("write keepalive: %w", err)
	}

	return s.controller.Flush()
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	start, _ := strconv.ParseBool(r.URL.Query().Get("start"))
	if start && !s.limiter.allow(w, r) {
		return
	}

	ctx := r.Context()
	out := &sseSink{w: w, controller: http.NewResponseController(w)}

	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	sub, denied := s.openStream(ctx, start)
	if denied != nil {
		if err := out.send(ctx, *denied); err != nil {
			logger.DebugKV(ctx, "Failed to send stream denial", "error", err)
		}

		return
	}

	defer sub.Close()

	if err := s.pump(ctx, sub, start, out); err != nil {
		logger.DebugKV(ctx, "Progress stream ended", "error", err)
	}
}

// wsSink writes JSON messages to a WebSocket.
type wsSink struct {
	conn *websocket.Conn
}

func (s *wsSink) send(ctx context.Context, event update.Event) error {
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()

	return wsjson.Write(ctx, s.conn, event)
}

func (s *wsSink) keepalive(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()

	return s.conn.Ping(ctx)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	start, _ := strconv.ParseBool(r.URL.Query().Get("start"))
	if start && !s.limiter.allow(w, r) {
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: originPatterns(s.allowedOrigins),
	})
	if err != nil {
		logger.WarnKV(r.Context(), "WebSocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	defer func() {
		if err := conn.CloseNow(); err != nil {
			logger.DebugKV(r.Context(), "Failed to close WebSocket", "error", err)
		}
	}()

	// The client never sends; CloseRead handles control frames and ends ctx when the peer leaves.
	ctx := conn.CloseRead(r.Context())
	out := &wsSink{conn: conn}

	sub, denied := s.openStream(ctx, start)
	if denied != nil {
		if err := out.send(ctx, *denied); err != nil {
			logger.DebugKV(ctx, "Failed to send stream denial", "error", err)
		}

		_ = conn.Close(websocket.StatusPolicyViolation, denied.Message)

		return
	}

	defer sub.Close()

	if err := s.pump(ctx, sub, start, out); err != nil {
		logger.DebugKV(ctx, "Progress stream ended", "error", err)
		return
	}

	_ = conn.Close(websocket.StatusNormalClosure, "")
}

// originPatterns turns allowed origins into WebSocket host patterns.
func originPatterns(origins []string) []string {
	if len(origins) == 0 {
		return []string{"*"}
	}

	patterns := make([]string, 0, len(origins))

	for _, origin := range origins {
		if u, err := url.Parse(origin); err == nil && u.Host != "" {
			patterns = append(patterns, u.Host)
		}
	}

	return patterns
}
