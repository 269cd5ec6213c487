package websocket

import (
	"chat-broker/contract"
	"chat-broker/domain"
	"chat-broker/domain/event"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"
)

// echoBroker answers every frame with an echo event.
type echoBroker struct {
	mu           sync.Mutex
	sinks        map[domain.ConnectionID]contract.EventSink
	disconnected chan domain.ConnectionID
}

func newEchoBroker() *echoBroker {
	return &echoBroker{
		sinks:        make(map[domain.ConnectionID]contract.EventSink),
		disconnected: make(chan domain.ConnectionID, 4),
	}
}

func (b *echoBroker) Connect(_ context.Context, conn domain.ConnectionID, sink contract.EventSink) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks[conn] = sink
	return nil
}

func (b *echoBroker) Deliver(_ context.Context, conn domain.ConnectionID, frame []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sinks[conn].Consume(event.Envelope{Type: "echo", Data: string(frame)})
}

func (b *echoBroker) Disconnect(_ context.Context, conn domain.ConnectionID) error {
	b.mu.Lock()
	if sink, ok := b.sinks[conn]; ok {
		sink.Close()
		delete(b.sinks, conn)
	}
	b.mu.Unlock()
	b.disconnected <- conn
	return nil
}

func (b *echoBroker) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sink := range b.sinks {
		sink.Close()
	}
}

func dial(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn
}

func TestHandler_Round_Trip(t *testing.T) {
	req := require.New(t)
	broker := newEchoBroker()
	handler := NewHandler(logs.GetLoggerFromLevel(slog.LevelDebug), broker, 8, &atomic.Int64{}, nil)
	server := httptest.NewServer(handler)
	defer server.Close()

	conn := dial(t, server)
	req.NoError(conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)))

	var reply struct {
		Type string `json:"type"`
		Data string `json:"data"`
	}
	req.NoError(conn.SetReadDeadline(time.Now().Add(2 * time.Second)))
	req.NoError(conn.ReadJSON(&reply))
	req.Equal("echo", reply.Type)
	req.Equal(`{"type":"ping"}`, reply.Data)

	req.NoError(conn.Close())
	select {
	case <-broker.disconnected:
	case <-time.After(2 * time.Second):
		req.Fail("closing the socket must disconnect the connection")
	}
}

func TestHandler_Closed_Sink_Ends_Connection(t *testing.T) {
	req := require.New(t)
	broker := newEchoBroker()
	handler := NewHandler(logs.GetLoggerFromLevel(slog.LevelDebug), broker, 8, &atomic.Int64{}, nil)
	server := httptest.NewServer(handler)
	defer server.Close()

	conn := dial(t, server)
	defer conn.Close()
	req.NoError(conn.WriteMessage(websocket.TextMessage, []byte(`{}`)))
	req.NoError(conn.SetReadDeadline(time.Now().Add(2 * time.Second)))
	_, _, err := conn.ReadMessage()
	req.NoError(err)

	broker.closeAll()
	_, _, err = conn.ReadMessage()
	req.True(websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)

	select {
	case <-broker.disconnected:
	case <-time.After(2 * time.Second):
		req.Fail("a closed sink must still run disconnect")
	}
}

func TestCheckOrigin(t *testing.T) {
	tests := []struct {
		name     string
		origins  []string
		origin   string
		host     string
		expected bool
	}{
		{name: "No origin header", origin: "", host: "chat.local", expected: true},
		{name: "Same host", origin: "http://chat.local", host: "chat.local", expected: true},
		{name: "Foreign host", origin: "http://evil.local", host: "chat.local", expected: false},
		{name: "Allowed list", origins: []string{"http://app.local"}, origin: "http://app.local", host: "chat.local", expected: true},
		{name: "Wildcard", origins: []string{"*"}, origin: "http://any.local", host: "chat.local", expected: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/ws", nil)
			r.Host = tt.host
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			require.Equal(t, tt.expected, checkOrigin(tt.origins)(r))
		})
	}
}
