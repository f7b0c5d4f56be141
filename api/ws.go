package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/corpusworks/corpus/inbox"
	"github.com/corpusworks/corpus/telemetry"
)

// WebSocket protocol timings per the ingress contract: a ping every 30s and
// a client response required within 60s.
const (
	wsPingInterval  = 30 * time.Second
	wsReadDeadline  = 60 * time.Second
	wsWriteDeadline = 10 * time.Second
	// wsPollInterval paces backlog polling when no live feed is wired.
	wsPollInterval = 2 * time.Second
	// wsBacklogLimit caps the unread replay on connect.
	wsBacklogLimit = 500
)

// wsEnvelope is the signal frame streamed to subscribers. Sequence is the
// principal-scoped monotonic number clients deduplicate on.
type wsEnvelope struct {
	Type       string          `json:"type"`
	WorkflowID string          `json:"workflow_id,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	Sequence   int64           `json:"sequence"`
}

// handleWS upgrades the connection, waits for the client's auth message,
// replays the principal's unread backlog, then streams live signals.
// Delivery is at-least-once: a signal may arrive both in the replay and on
// the live feed, and clients drop duplicates by sequence.
func (s *Service) handleWS(w http.ResponseWriter, r *http.Request) {
	p, err := s.verifier.Verify(r.Context(), r.URL.Query().Get("token"))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}
	up := websocket.Upgrader{CheckOrigin: s.checkOrigin}
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the handshake error.
		return
	}
	defer conn.Close()
	s.metrics.IncCounter(telemetry.MetricWSConnections, 1)

	session := uuid.NewString()
	s.log.Debug(r.Context(), "ws session open", "session", session, "principal", p.ID)
	defer s.log.Debug(r.Context(), "ws session closed", "session", session, "principal", p.ID)

	if !awaitAuth(conn) {
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go readPump(conn, cancel)

	lastSeq, ok := s.replayBacklog(ctx, conn, p.ID)
	if !ok {
		return
	}
	if s.feed != nil {
		s.streamLive(ctx, conn, p.ID, lastSeq)
		return
	}
	s.pollBacklog(ctx, conn, p.ID, lastSeq)
}

func (s *Service) checkOrigin(r *http.Request) bool {
	if len(s.origins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.origins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// awaitAuth reads the first client frame and requires {type:"auth"}.
func awaitAuth(conn *websocket.Conn) bool {
	_ = conn.SetReadDeadline(time.Now().Add(wsReadDeadline))
	var first struct {
		Type string `json:"type"`
	}
	if err := conn.ReadJSON(&first); err != nil || first.Type != "auth" {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "auth message required"),
			time.Now().Add(wsWriteDeadline))
		return false
	}
	return true
}

// readPump consumes client frames to service pings and close handshakes.
// Any read error, including a missed read deadline, tears the stream down.
func readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	_ = conn.SetReadDeadline(time.Now().Add(wsReadDeadline))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsReadDeadline))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsReadDeadline))
	}
}

// replayBacklog sends the unread signals in delivery order and returns the
// highest sequence sent.
func (s *Service) replayBacklog(ctx context.Context, conn *websocket.Conn, principal string) (int64, bool) {
	backlog, err := s.inbox.Backlog(ctx, principal, wsBacklogLimit)
	if err != nil {
		s.log.Error(ctx, "ws backlog load failed", "principal", principal, "err", err)
		return 0, false
	}
	var lastSeq int64
	for _, sig := range backlog {
		if !writeSignal(conn, sig) {
			return 0, false
		}
		lastSeq = sig.Sequence
	}
	return lastSeq, true
}

// streamLive pushes signals from the principal's Pulse stream until the
// connection or the feed drops.
func (s *Service) streamLive(ctx context.Context, conn *websocket.Conn, principal string, lastSeq int64) {
	signals, errs, stop, err := s.feed.Subscribe(ctx, principal)
	if err != nil {
		s.log.Error(ctx, "ws live subscribe failed", "principal", principal, "err", err)
		return
	}
	defer stop()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-errs:
			if ok && err != nil {
				s.log.Error(ctx, "ws live feed failed", "principal", principal, "err", err)
			}
			return
		case sig, ok := <-signals:
			if !ok {
				return
			}
			if sig.Sequence <= lastSeq {
				continue
			}
			if !writeSignal(conn, sig) {
				return
			}
			lastSeq = sig.Sequence
		case <-ping.C:
			if !writePing(conn) {
				return
			}
		}
	}
}

// pollBacklog is the feed-less fallback: new unread signals are picked up by
// polling the store. Dev mode and tests run without Redis through this path.
func (s *Service) pollBacklog(ctx context.Context, conn *websocket.Conn, principal string, lastSeq int64) {
	poll := time.NewTicker(wsPollInterval)
	defer poll.Stop()
	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-poll.C:
			backlog, err := s.inbox.Backlog(ctx, principal, wsBacklogLimit)
			if err != nil {
				s.log.Error(ctx, "ws backlog poll failed", "principal", principal, "err", err)
				return
			}
			for _, sig := range backlog {
				if sig.Sequence <= lastSeq {
					continue
				}
				if !writeSignal(conn, sig) {
					return
				}
				lastSeq = sig.Sequence
			}
		case <-ping.C:
			if !writePing(conn) {
				return
			}
		}
	}
}

func writeSignal(conn *websocket.Conn, sig inbox.Signal) bool {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteDeadline))
	return conn.WriteJSON(wsEnvelope{
		Type:       sig.Kind,
		WorkflowID: sig.WorkflowID,
		Data:       sig.Payload,
		Timestamp:  sig.CreatedAt,
		Sequence:   sig.Sequence,
	}) == nil
}

func writePing(conn *websocket.Conn) bool {
	return conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteDeadline)) == nil
}
