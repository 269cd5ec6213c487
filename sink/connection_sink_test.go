package sink

import (
	"chat-broker/domain/event"
	"chat-broker/errors"
	"log/slog"
	"sync/atomic"
	"testing"

	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"
)

func TestConnectionSink_Delivers_In_Order(t *testing.T) {
	req := require.New(t)
	s := NewConnectionSink("c1", 3, nil, logs.GetLoggerFromLevel(slog.LevelDebug))

	req.NoError(s.Consume(event.NewJoinedRoom("a")))
	req.NoError(s.Consume(event.NewJoinedRoom("b")))
	s.Close()

	var rooms []any
	for e := range s.Events() {
		rooms = append(rooms, e.Data.(event.JoinedRoomPayload).RoomName)
	}
	req.Len(rooms, 2)
	req.EqualValues("a", rooms[0])
	req.EqualValues("b", rooms[1])
}

func TestConnectionSink_Slow_Consumer_Is_Cut_Off(t *testing.T) {
	req := require.New(t)
	dropped := &atomic.Int64{}
	s := NewConnectionSink("c1", 1, dropped, logs.GetLoggerFromLevel(slog.LevelDebug))

	req.NoError(s.Consume(event.NewJoinedRoom("a")))
	req.ErrorIs(s.Consume(event.NewJoinedRoom("b")), errors.ErrSlowConsumer)
	req.ErrorIs(s.Consume(event.NewJoinedRoom("c")), errors.ErrSinkClosed)
	req.Equal(int64(1), dropped.Load())

	// Already buffered events are still handed to the writer
	e, ok := <-s.Events()
	req.True(ok)
	req.Equal(event.JoinedRoom, e.Type)
	_, ok = <-s.Events()
	req.False(ok)
}

func TestConnectionSink_Close_Is_Idempotent(t *testing.T) {
	req := require.New(t)
	s := NewConnectionSink("c1", 1, nil, logs.GetLoggerFromLevel(slog.LevelDebug))
	s.Close()
	s.Close()
	req.ErrorIs(s.Consume(event.NewJoinedRoom("a")), errors.ErrSinkClosed)
}
