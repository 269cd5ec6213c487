package workers

import (
	"chat-broker/observability"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"
)

type fixedPresence struct {
	presence observability.Presence
}

func (f fixedPresence) Presence(context.Context) (observability.Presence, error) {
	return f.presence, nil
}

func TestReporterWorker_Refreshes_Snapshot(t *testing.T) {
	req := require.New(t)
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	monitoring := observability.NewMonitoringManager(log)
	monitoring.MessagesAppended.Add(3)

	worker := NewReporterWorker(log, fixedPresence{observability.Presence{OnlineUsers: 2, Connections: 3}}, monitoring, 10*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- worker.Run(ctx) }()

	req.Eventually(func() bool {
		return monitoring.GetLatest().OnlineUsers == 2
	}, time.Second, 5*time.Millisecond)

	latest := monitoring.GetLatest()
	req.Equal(3, latest.Connections)
	req.Equal(uint64(3), latest.MessagesAppended)

	cancel()
	req.ErrorIs(<-done, context.Canceled)
}
