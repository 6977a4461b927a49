package server

import (
	"expvar"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// CollectorMetrics are the gauges a SystemCollector keeps current.
type CollectorMetrics struct {
	DiskUsagePercent *expvar.Float
	DiskFreeBytes    *expvar.Int
	MemUsagePercent  *expvar.Float
	LogFileBytes     *expvar.Int
}

// PublishCollectorMetrics creates the gauges and publishes them under prefix.
// It panics if called twice with the same prefix.
func PublishCollectorMetrics(prefix string) CollectorMetrics {
	return CollectorMetrics{
		DiskUsagePercent: expvar.NewFloat(prefix + "disk_usage_percent"),
		DiskFreeBytes:    expvar.NewInt(prefix + "disk_free_bytes"),
		MemUsagePercent:  expvar.NewFloat(prefix + "mem_usage_percent"),
		LogFileBytes:     expvar.NewInt(prefix + "log_file_bytes"),
	}
}

// SystemCollector periodically samples the disk that holds the log, the
// log file itself and memory usage.
type SystemCollector struct {
	metrics  CollectorMetrics
	diskPath string
	logPath  string
	interval time.Duration
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	logger   *slog.Logger
}

// NewSystemCollector creates a new collector. diskPath is the directory
// whose filesystem is monitored and logPath is the log file.
func NewSystemCollector(diskPath, logPath string, interval time.Duration, metrics CollectorMetrics, logger *slog.Logger) *SystemCollector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &SystemCollector{
		metrics:  metrics,
		diskPath: diskPath,
		logPath:  logPath,
		interval: interval,
		stopChan: make(chan struct{}),
		logger:   logger.With("component", "SystemCollector"),
	}
}

// Start begins the background collection loop.
func (sc *SystemCollector) Start() {
	sc.logger.Info("Starting system metrics collector", "interval", sc.interval)
	sc.Collect()
	sc.wg.Add(1)
	go sc.collectLoop()
}

// Stop signals the collection loop to terminate and waits for it to finish.
func (sc *SystemCollector) Stop() {
	sc.stopOnce.Do(func() {
		sc.logger.Info("Stopping system metrics collector")
		close(sc.stopChan)
	})
	sc.wg.Wait()
}

// Collect takes one sample. Gauges whose source fails keep their last value.
func (sc *SystemCollector) Collect() {
	if du, err := disk.Usage(sc.diskPath); err == nil {
		setFloat(sc.metrics.DiskUsagePercent, du.UsedPercent)
		setInt(sc.metrics.DiskFreeBytes, int64(du.Free))
	} else {
		sc.logger.Debug("Disk usage unavailable", "path", sc.diskPath, "error", err)
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		setFloat(sc.metrics.MemUsagePercent, vm.UsedPercent)
	}
	if sc.logPath != "" {
		if fi, err := os.Stat(sc.logPath); err == nil {
			setInt(sc.metrics.LogFileBytes, fi.Size())
		}
	}
}

func (sc *SystemCollector) collectLoop() {
	defer sc.wg.Done()
	ticker := time.NewTicker(sc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			sc.Collect()
		case <-sc.stopChan:
			return
		}
	}
}

func setFloat(v *expvar.Float, f float64) {
	if v != nil {
		v.Set(f)
	}
}

func setInt(v *expvar.Int, i int64) {
	if v != nil {
		v.Set(i)
	}
}
