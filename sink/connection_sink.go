package sink

import (
	"chat-broker/domain"
	"chat-broker/domain/event"
	"chat-broker/errors"
	"log/slog"
	"sync"
	"sync/atomic"
)

// ConnectionSink buffers the outbound events of a single connection until
// its writer drains them. A full buffer means the peer cannot keep up: the
// sink closes itself and the writer tears the connection down.
type ConnectionSink struct {
	id      domain.ConnectionID
	mu      sync.Mutex
	events  chan event.Envelope
	closed  bool
	dropped *atomic.Int64
	log     *slog.Logger
}

func NewConnectionSink(id domain.ConnectionID, capacity int, dropped *atomic.Int64, log *slog.Logger) *ConnectionSink {
	if dropped == nil {
		dropped = &atomic.Int64{}
	}
	return &ConnectionSink{
		id:      id,
		events:  make(chan event.Envelope, capacity),
		dropped: dropped,
		log:     log,
	}
}

func (s *ConnectionSink) Consume(e event.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.ErrSinkClosed
	}
	select {
	case s.events <- e:
		return nil
	default:
		s.dropped.Add(1)
		s.log.Warn("Slow consumer, closing connection", "conn_id", s.id, "event", e.Type)
		s.closeLocked()
		return errors.ErrSlowConsumer
	}
}

// Events is drained by the connection writer. It is closed with the sink.
func (s *ConnectionSink) Events() <-chan event.Envelope {
	return s.events
}

func (s *ConnectionSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
}

func (s *ConnectionSink) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.events)
}
