package slave

import (
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// systemStats holds the host metrics reported through Slave.Status.
type systemStats struct {
	CPUPercent       float64
	MemoryPercent    float64
	DiskUsagePercent float64
	LoadAverage      float64
}

// defaultMetricsInterval is used when Config.MetricsInterval is zero.
const defaultMetricsInterval = 15 * time.Second

// systemMonitor caches host metrics for Config.MetricsInterval so a burst of
// Status() calls from a master's health check doesn't each pay for a fresh
// cpu/mem/disk/load read. There is no background ticker: a Status() call
// that lands after the cache has gone stale collects inline, on the
// requesting goroutine, and every other caller sees that refreshed snapshot
// until it goes stale again.
type systemMonitor struct {
	logger   *slog.Logger
	interval time.Duration
	diskPath string

	mu        sync.Mutex
	stats     systemStats
	collected time.Time
}

func newSystemMonitor(logger *slog.Logger, interval time.Duration, diskPath string) *systemMonitor {
	if interval <= 0 {
		interval = defaultMetricsInterval
	}
	if diskPath == "" {
		diskPath = "/"
	}
	return &systemMonitor{
		logger:   logger.With("component", "system_monitor"),
		interval: interval,
		diskPath: diskPath,
	}
}

// Stats returns the most recent host metrics, collecting a fresh snapshot
// first if the cached one is older than the configured interval.
func (sm *systemMonitor) Stats() systemStats {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if time.Since(sm.collected) >= sm.interval {
		sm.collectLocked()
	}
	return sm.stats
}

func (sm *systemMonitor) collectLocked() {
	stats := systemStats{}

	if percentage, err := cpu.Percent(0, false); err == nil && len(percentage) > 0 {
		stats.CPUPercent = percentage[0]
	} else {
		sm.logger.Debug("failed to collect cpu stats", "error", err)
	}

	if v, err := mem.VirtualMemory(); err == nil {
		stats.MemoryPercent = v.UsedPercent
	} else {
		sm.logger.Debug("failed to collect memory stats", "error", err)
	}

	if d, err := disk.Usage(sm.diskPath); err == nil {
		stats.DiskUsagePercent = d.UsedPercent
	} else {
		sm.logger.Debug("failed to collect disk stats", "path", sm.diskPath, "error", err)
	}

	if l, err := load.Avg(); err == nil {
		stats.LoadAverage = l.Load1
	} else {
		sm.logger.Debug("failed to collect load stats", "error", err)
	}

	sm.stats = stats
	sm.collected = time.Now()
}
