package observability

import (
	"log/slog"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/process"
)

// Presence is the live part of the stats, answered by the engine.
type Presence struct {
	OnlineUsers int `json:"online_users"`
	Sessions    int `json:"sessions"`
	Connections int `json:"connections"`
	Rooms       int `json:"rooms"`
	Typing      int `json:"typing"`
}

// MonitoringStats aggregates every metric exposed on /stats.
type MonitoringStats struct {
	Presence

	MessagesAppended  uint64 `json:"messages_appended"`
	CommandsRejected  uint64 `json:"commands_rejected"`
	EventsDropped     int64  `json:"events_dropped"`
	ConnectionsOpened uint64 `json:"connections_opened"`
	FilesStored       uint64 `json:"files_stored"`

	CPUPercent float64 `json:"cpu_percent"`
	RSSMb      uint64  `json:"rss_mb"`
	AllocMemMb uint64  `json:"alloc_mem_mb"`
	NumGC      uint32  `json:"num_gc"`
	Goroutines int     `json:"goroutines"`
	Uptime     string  `json:"uptime"`
}

// MonitoringManager holds the broker counters. Incrementers are safe for
// concurrent use; Refresh samples the process.
type MonitoringManager struct {
	log     *slog.Logger
	started time.Time
	proc    *process.Process

	MessagesAppended  atomic.Uint64
	CommandsRejected  atomic.Uint64
	ConnectionsOpened atomic.Uint64
	FilesStored       atomic.Uint64
	// EventsDropped is shared with every connection sink.
	EventsDropped atomic.Int64

	mu     sync.RWMutex
	latest MonitoringStats
}

func NewMonitoringManager(log *slog.Logger) *MonitoringManager {
	mm := &MonitoringManager{log: log, started: time.Now()}
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		log.Warn("Process metrics unavailable", "error", err)
	} else {
		mm.proc = proc
	}
	return mm
}

// Refresh samples the process and combines it with the counters and the
// given presence snapshot.
func (mm *MonitoringManager) Refresh(presence Presence) MonitoringStats {
	stats := MonitoringStats{
		Presence:          presence,
		MessagesAppended:  mm.MessagesAppended.Load(),
		CommandsRejected:  mm.CommandsRejected.Load(),
		EventsDropped:     mm.EventsDropped.Load(),
		ConnectionsOpened: mm.ConnectionsOpened.Load(),
		FilesStored:       mm.FilesStored.Load(),
		Goroutines:        runtime.NumGoroutine(),
		Uptime:            time.Since(mm.started).Round(time.Second).String(),
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	stats.AllocMemMb = m.Alloc / 1024 / 1024
	stats.NumGC = m.NumGC

	if mm.proc != nil {
		if cpu, err := mm.proc.CPUPercent(); err == nil {
			stats.CPUPercent = cpu
		} else {
			mm.log.Debug("Error while finding process cpu usage", "error", err)
		}
		if mem, err := mm.proc.MemoryInfo(); err == nil {
			stats.RSSMb = mem.RSS / 1024 / 1024
		} else {
			mm.log.Debug("Error while finding process memory usage", "error", err)
		}
	}

	mm.mu.Lock()
	mm.latest = stats
	mm.mu.Unlock()
	return stats
}

func (mm *MonitoringManager) GetLatest() MonitoringStats {
	mm.mu.RLock()
	defer mm.mu.RUnlock()
	return mm.latest
}
