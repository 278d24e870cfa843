package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/GriffinCanCode/good-listener/backend/capture/internal/app"
)

func newRecordCommand(ctx *commandContext) *cobra.Command {
	var duration time.Duration

	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record one answer and print the merged analysis as JSON",
		Long: "Records audio and video until --duration elapses or Ctrl-C is pressed, " +
			"then waits for every segment to be analyzed and prints the result.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if duration <= 0 {
				duration = cfg.MaxRecordDuration()
			}
			a, err := app.New(cfg, app.Options{})
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			stop := make(chan struct{})
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sigCh)
			go func() {
				if _, ok := <-sigCh; ok {
					slog.Info("stopping, waiting for analysis to finish")
					close(stop)
				}
			}()

			fmt.Fprintf(cmd.ErrOrStderr(), "Recording (max %s, Ctrl-C to stop)...\n", duration)
			res, recErr := a.Sessions.Record(cmd.Context(), duration, stop)

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(res); err != nil {
				return err
			}
			return recErr
		},
	}

	cmd.Flags().DurationVarP(&duration, "duration", "d", 0, "Maximum recording length (default: max_record_seconds)")
	return cmd
}
