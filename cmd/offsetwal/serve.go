package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/INLOpen/offsetwal/config"
	"github.com/INLOpen/offsetwal/resume"
	"github.com/INLOpen/offsetwal/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Replay pending updates, then apply offset updates read from input",
		Long: `serve recovers the log, then reads one "key value" pair per line and
stores it through the write-ahead log. Values that parse as integers are
stored as int64 offsets, everything else as strings.`,
		RunE: runServe,
	}
	cmd.Flags().String("input", "-", "File to read updates from, - for stdin")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, logCloser, err := createLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	if logCloser != nil {
		defer logCloser.Close()
	}
	tp, cleanupTracer, err := initTracerProvider(cfg.Tracing, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize tracer provider: %w", err)
	}
	defer cleanupTracer()

	input := cmd.InOrStdin()
	if name, _ := cmd.Flags().GetString("input"); name != "-" {
		f, err := os.Open(name)
		if err != nil {
			return fmt.Errorf("failed to open input: %w", err)
		}
		defer f.Close()
		input = f
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg, logger, tp.Tracer("offsetwal"))
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Error("Failed to close cleanly", "error", err)
		}
	}()

	if err := a.strategy.Start(ctx); err != nil {
		return fmt.Errorf("failed to open log: %w", err)
	}
	if err := a.strategy.LoadCache(ctx); err != nil {
		return fmt.Errorf("recovery failed: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	runCtx, cancel := context.WithCancel(gctx)
	defer cancel()

	if cfg.Debug.Enabled {
		startDebug(runCtx, g, cfg, a)
	}

	g.Go(func() error {
		defer cancel()
		n, err := applyUpdates(runCtx, a.strategy, input)
		logger.Info("Input finished", "updates", n)
		return err
	})

	if err := g.Wait(); err != nil {
		return err
	}
	st := a.strategy.Stats()
	fmt.Fprintf(cmd.OutOrStdout(), "processed=%d failed=%d degraded=%d replayed=%d ack_p50=%s ack_p99=%s\n",
		st.Processed, st.Failed, st.Degraded, st.Replayed, st.AckP50, st.AckP99)
	return nil
}

// startDebug runs the debug server and the disk collector until ctx ends.
func startDebug(ctx context.Context, g *errgroup.Group, cfg *config.Config, a *app) {
	debugServer := server.NewDebugServer(cfg.Debug, a.logger)
	collector := server.NewSystemCollector(
		filepath.Dir(cfg.WAL.Path),
		cfg.WAL.Path,
		config.ParseDuration(cfg.Debug.DiskMonitorInterval, 0, a.logger),
		server.PublishCollectorMetrics("offsetwal_"),
		a.logger,
	)
	collector.Start()

	g.Go(debugServer.Start)
	g.Go(func() error {
		<-ctx.Done()
		debugServer.Stop()
		collector.Stop()
		return nil
	})
}

// applyUpdates sends every update in r through s, one at a time. Store
// failures are logged by the strategy and do not stop the loop.
func applyUpdates(ctx context.Context, s resume.OffsetStore, r io.Reader) (int, error) {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	n := 0
	for {
		select {
		case <-ctx.Done():
			return n, nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					return n, err
				default:
					return n, nil
				}
			}
			key, value, skip, err := parseUpdate(line)
			if err != nil {
				return n, err
			}
			if skip {
				continue
			}
			doneCh := make(chan error, 1)
			s.UpdateLastOffset(ctx, key, value, func(err error) { doneCh <- err })
			select {
			case <-doneCh:
			case <-ctx.Done():
				return n, nil
			}
			n++
		}
	}
}

// parseUpdate parses a "key value" line. Blank lines and lines starting
// with # are skipped.
func parseUpdate(line string) (key, value resume.Serializable, skip bool, err error) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return nil, nil, true, nil
	}
	fields := strings.Fields(line)
	if len(fields) != 2 {
		return nil, nil, false, fmt.Errorf("invalid update %q: want \"key value\"", line)
	}
	if i, err := strconv.ParseInt(fields[1], 10, 64); err == nil {
		return resume.StringOffset(fields[0]), resume.Int64Offset(i), false, nil
	}
	return resume.StringOffset(fields[0]), resume.StringOffset(fields[1]), false, nil
}
