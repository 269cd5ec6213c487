package observability

import (
	"log/slog"
	"testing"

	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"
)

func TestMonitoringManager_Refresh(t *testing.T) {
	req := require.New(t)
	mm := NewMonitoringManager(logs.GetLoggerFromLevel(slog.LevelDebug))

	mm.MessagesAppended.Add(3)
	mm.CommandsRejected.Add(1)
	mm.EventsDropped.Add(2)

	stats := mm.Refresh(Presence{OnlineUsers: 2, Sessions: 3, Connections: 4})

	req.Equal(uint64(3), stats.MessagesAppended)
	req.Equal(uint64(1), stats.CommandsRejected)
	req.Equal(int64(2), stats.EventsDropped)
	req.Equal(2, stats.OnlineUsers)
	req.Equal(4, stats.Connections)
	req.Positive(stats.Goroutines)
	req.Equal(stats, mm.GetLatest())
}
