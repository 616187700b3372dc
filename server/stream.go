package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teranos/jobsvc/errors"
	"github.com/teranos/jobsvc/logger"
	"github.com/teranos/jobsvc/pulse/events"
)

// WebSocket timeouts, see gorilla/websocket examples/chat/client.go.
const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Streams are one-way; clients only send control frames.
	maxMessageSize = 512

	streamBuffer = 64
)

// checkOrigin accepts requests without an Origin header and origins that
// start with one of the configured prefixes, so any port matches.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if strings.HasPrefix(origin, allowed) {
			return true
		}
	}
	return false
}

// handleTopicStream streams every message published on {topic}.
func (s *Server) handleTopicStream(w http.ResponseWriter, r *http.Request) {
	topic := r.PathValue("topic")
	s.stream(w, r, topic, func(m events.Message) (interface{}, bool) { return m, true })
}

// handleEventStream streams lifecycle events, optionally narrowed with
// ?jobId= or ?correlationId=.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	if s.lifecycleTopic == "" {
		writeFailure(w, s.log, errors.Wrap(errors.ErrServiceUnavailable, "lifecycle events are not published"), "event stream")
		return
	}
	jobID := r.URL.Query().Get("jobId")
	corrID := r.URL.Query().Get("correlationId")

	s.stream(w, r, s.lifecycleTopic, func(m events.Message) (interface{}, bool) {
		var ev events.Lifecycle
		if err := json.Unmarshal(m.Value, &ev); err != nil {
			s.log.Warnw("Dropping undecodable lifecycle event", logger.FieldTopic, m.Topic, logger.FieldError, err)
			return nil, false
		}
		if jobID != "" && ev.JobID != jobID {
			return nil, false
		}
		if corrID != "" && ev.CorrelationID != corrID {
			return nil, false
		}
		return ev, true
	})
}

// stream upgrades the request and forwards matching bus messages until the
// client goes away or the server shuts down.
func (s *Server) stream(w http.ResponseWriter, r *http.Request, topic string, project func(events.Message) (interface{}, bool)) {
	if s.bus == nil {
		writeFailure(w, s.log, errors.Wrap(errors.ErrServiceUnavailable, "event bus is not configured"), "stream")
		return
	}

	// Subscribe before the handshake completes so nothing published after
	// the client sees the upgrade is missed.
	msgs, unsubscribe := s.bus.Subscribe(topic, streamBuffer)

	upgrader := websocket.Upgrader{CheckOrigin: s.checkOrigin}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		unsubscribe()
		s.log.Warnw("WebSocket upgrade failed", logger.FieldTopic, topic, logger.FieldError, err)
		return
	}

	c := &streamClient{conn: conn, server: s, topic: topic, done: make(chan struct{})}

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		c.readPump()
	}()
	go func() {
		defer s.wg.Done()
		defer unsubscribe()
		c.writePump(msgs, project)
	}()
	s.log.Debugw("Stream opened", logger.FieldTopic, topic, logger.FieldAddress, r.RemoteAddr)
}

type streamClient struct {
	conn   *websocket.Conn
	server *Server
	topic  string
	done   chan struct{} // closed when readPump exits
}

// readPump only services control frames; it ends when the peer closes.
func (c *streamClient) readPump() {
	defer close(c.done)

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				c.server.log.Warnw("WebSocket read error", logger.FieldTopic, c.topic, logger.FieldError, err)
			}
			return
		}
	}
}

// writePump owns all writes to the connection.
func (c *streamClient) writePump(msgs <-chan events.Message, project func(events.Message) (interface{}, bool)) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.server.ctx.Done():
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		case <-c.done:
			return
		case m, ok := <-msgs:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			v, keep := project(m)
			if !keep {
				continue
			}
			if err := c.conn.WriteJSON(v); err != nil {
				c.server.log.Warnw("WebSocket write error", logger.FieldTopic, c.topic, logger.FieldError, err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
