package main

import (
	"github.com/spf13/cobra"

	"github.com/GriffinCanCode/good-listener/backend/capture/internal/agent"
	"github.com/GriffinCanCode/good-listener/backend/capture/internal/app"
)

func newMCPCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve recording tools to an interview agent over MCP stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			a, err := app.New(cfg, app.Options{})
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()
			return agent.New(a.Sessions, cfg.MaxRecordDuration()).ServeStdio(version)
		},
	}
}
