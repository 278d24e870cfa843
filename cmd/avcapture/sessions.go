package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/GriffinCanCode/good-listener/backend/capture/internal/catalog"
	apperrors "github.com/GriffinCanCode/good-listener/backend/capture/internal/errors"
)

func newSessionsCommand(ctx *commandContext) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List recorded sessions from the catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if cfg.CatalogPath == "" {
				return apperrors.New(apperrors.ConfigInvalid, "catalog_path is not configured")
			}
			store, err := catalog.Open(cfg.CatalogPath)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			sessions, err := store.List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(sessions) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No sessions recorded")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderSessions(sessions))
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", catalog.DefaultListLimit, "Maximum number of sessions to show")
	return cmd
}

func renderSessions(sessions []catalog.Session) string {
	rows := make([][]string, 0, len(sessions))
	for _, s := range sessions {
		rows = append(rows, []string{
			s.ID,
			s.StartedAt.Local().Format("2006-01-02 15:04:05"),
			formatDuration(s.StoppedAt.Sub(s.StartedAt)),
			strconv.Itoa(s.Segments),
			sessionStatus(s),
		})
	}
	return renderTable(
		[]string{"ID", "Started", "Length", "Segments", "Status"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignLeft},
	)
}

func sessionStatus(s catalog.Session) string {
	var parts []string
	if s.Expired {
		parts = append(parts, "expired")
	}
	if s.AudioError != "" {
		parts = append(parts, "audio failed")
	}
	if s.VideoError != "" {
		parts = append(parts, "video failed")
	}
	if len(parts) == 0 {
		return "ok"
	}
	return strings.Join(parts, ", ")
}

func formatDuration(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	return d.Round(time.Second).String()
}
