package wal

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// LogSupervisor runs a task on a fixed period in a background goroutine.
// LogWriter uses it to fsync the log file.
type LogSupervisor struct {
	interval    time.Duration
	stopTimeout time.Duration
	logger      *slog.Logger

	stopChan  chan struct{}
	done      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
	started   atomic.Bool
}

// NewLogSupervisor creates a supervisor. Stop waits at most stopTimeout for an
// in-flight run of the task.
func NewLogSupervisor(interval, stopTimeout time.Duration, logger *slog.Logger) *LogSupervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSupervisor{
		interval:    interval,
		stopTimeout: stopTimeout,
		logger:      logger.With("component", "LogSupervisor"),
		stopChan:    make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Start begins running task every interval. Only the first call has an effect.
func (s *LogSupervisor) Start(task func() error) {
	s.startOnce.Do(func() {
		s.started.Store(true)
		go s.loop(task)
	})
}

func (s *LogSupervisor) loop(task func() error) {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := task(); err != nil {
				s.logger.Warn("Periodic log task failed", "error", err)
			}
		case <-s.stopChan:
			return
		}
	}
}

// Stop asks the loop to exit and waits up to the stop timeout. A loop that
// does not exit in time is logged and abandoned.
func (s *LogSupervisor) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
		if !s.started.Load() {
			return
		}
		select {
		case <-s.done:
		case <-time.After(s.stopTimeout):
			s.logger.Warn("Log supervisor did not stop in time", "timeout", s.stopTimeout)
		}
	})
}
