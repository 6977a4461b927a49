package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newRecoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Replay updates the store never acknowledged, then exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
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

			a, err := newApp(cfg, logger, tp.Tracer("offsetwal"))
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			if err := a.strategy.Start(ctx); err != nil {
				return fmt.Errorf("failed to open log: %w", err)
			}
			res, err := a.strategy.Recover(ctx)
			if err != nil {
				return fmt.Errorf("recovery failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "scanned=%d replayed=%d failed=%d reset=%t\n",
				res.Scanned, res.Replayed, res.Failed, res.Reset)
			return nil
		},
	}
}
