package main

import (
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"github.com/GriffinCanCode/good-listener/backend/capture/internal/analysis"
	"github.com/GriffinCanCode/good-listener/backend/capture/internal/trace"
)

func newEchoAnalyzerCommand(ctx *commandContext) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "echo-analyzer",
		Short: "Run a local analysis service that echoes segment metadata",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.AnalysisAddr
			}
			lis, err := net.Listen("tcp", addr)
			if err != nil {
				return err
			}

			srv := grpc.NewServer(
				grpc.UnaryInterceptor(trace.UnaryServerInterceptor()),
				grpc.MaxRecvMsgSize(analysis.MaxMessageSize),
			)
			analysis.Register(srv, analysis.EchoHandler{})

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sigCh)
			go func() {
				<-sigCh
				slog.Info("shutting down echo analyzer")
				srv.GracefulStop()
			}()

			slog.Info("echo analyzer listening", "addr", lis.Addr().String())
			return srv.Serve(lis)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default: analysis_addr)")
	return cmd
}
