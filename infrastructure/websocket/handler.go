// Package websocket carries the command/event protocol over a gorilla
// websocket connection. One reader and one writer goroutine per connection;
// all state changes happen in the broker.
package websocket

import (
	"chat-broker/contract"
	"chat-broker/domain"
	"chat-broker/sink"
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxFrameSize   = 64 * 1024
	cleanupTimeout = 5 * time.Second
)

// Broker is the serialization point connections report to.
type Broker interface {
	Connect(ctx context.Context, conn domain.ConnectionID, sink contract.EventSink) error
	Deliver(ctx context.Context, conn domain.ConnectionID, frame []byte) error
	Disconnect(ctx context.Context, conn domain.ConnectionID) error
}

type Handler struct {
	log        *slog.Logger
	broker     Broker
	upgrader   websocket.Upgrader
	bufferSize int
	dropped    *atomic.Int64
	pingPeriod time.Duration
	pongWait   time.Duration
}

// NewHandler builds the /ws endpoint. An empty origins list accepts only
// same-host upgrades; "*" accepts any origin.
func NewHandler(log *slog.Logger, broker Broker, bufferSize int, dropped *atomic.Int64, origins []string) *Handler {
	return &Handler{
		log:        log,
		broker:     broker,
		bufferSize: bufferSize,
		dropped:    dropped,
		pingPeriod: pingPeriod,
		pongWait:   pongWait,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin(origins),
		},
	}
}

func checkOrigin(origins []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || slices.Contains(origins, "*") {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return u.Host == r.Host || slices.Contains(origins, origin)
	}
}

// ServeHTTP upgrades the request and blocks on the read loop until the peer
// goes away. Disconnect is always reported, whatever ended the connection.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("Websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx := r.Context()
	id := domain.ConnectionID(uuid.NewString())
	out := sink.NewConnectionSink(id, h.bufferSize, h.dropped, h.log)
	if err := h.broker.Connect(ctx, id, out); err != nil {
		h.log.Warn("Broker refused connection", "conn_id", id, "error", err)
		return
	}
	defer func() {
		cleanup, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
		defer cancel()
		if err := h.broker.Disconnect(cleanup, id); err != nil {
			h.log.Warn("Disconnect not processed", "conn_id", id, "error", err)
		}
	}()

	go h.writePump(conn, out, id)
	h.readPump(ctx, conn, id)
}

func (h *Handler) readPump(ctx context.Context, conn *websocket.Conn, id domain.ConnectionID) {
	conn.SetReadLimit(maxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(h.pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.pongWait))
	})

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.log.Debug("Websocket read error", "conn_id", id, "error", err)
			}
			return
		}
		if err := h.broker.Deliver(ctx, id, frame); err != nil {
			h.log.Warn("Frame not delivered", "conn_id", id, "error", err)
			return
		}
	}
}

// writePump owns every write on conn. It ends when the sink is closed,
// either by the broker on disconnect or by the sink itself on overflow.
func (h *Handler) writePump(conn *websocket.Conn, out *sink.ConnectionSink, id domain.ConnectionID) {
	ticker := time.NewTicker(h.pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case e, ok := <-out.Events():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteJSON(e); err != nil {
				h.log.Debug("Websocket write failed", "conn_id", id, "error", err)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
