package workers

import (
	"chat-broker/observability"
	"context"
	"log/slog"
	"time"
)

// PresenceSource answers the live counts of the broker.
type PresenceSource interface {
	Presence(ctx context.Context) (observability.Presence, error)
}

// ReporterWorker refreshes the monitoring snapshot on a fixed interval and
// logs it, so /stats stays cheap to serve.
type ReporterWorker struct {
	log        *slog.Logger
	presence   PresenceSource
	monitoring *observability.MonitoringManager
	interval   time.Duration
}

func NewReporterWorker(
	log *slog.Logger,
	presence PresenceSource,
	monitoring *observability.MonitoringManager,
	interval time.Duration,
) *ReporterWorker {
	return &ReporterWorker{log: log, presence: presence, monitoring: monitoring, interval: interval}
}

func (w *ReporterWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Debug("Reporter stopped")
			return ctx.Err()
		case <-ticker.C:
			w.report(ctx)
		}
	}
}

func (w *ReporterWorker) report(ctx context.Context) {
	presence, err := w.presence.Presence(ctx)
	if err != nil {
		w.log.Debug("Presence unavailable", "error", err)
		return
	}
	stats := w.monitoring.Refresh(presence)
	w.log.Info("Broker stats",
		"online_users", stats.OnlineUsers,
		"connections", stats.Connections,
		"rooms", stats.Rooms,
		"messages_appended", stats.MessagesAppended,
		"commands_rejected", stats.CommandsRejected,
		"events_dropped", stats.EventsDropped,
		"rss_mb", stats.RSSMb,
		"goroutines", stats.Goroutines,
	)
}
