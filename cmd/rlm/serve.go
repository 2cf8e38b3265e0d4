package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"rlm/internal/kernel"
)

func serveCmd(flags *globalFlags) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the session API over HTTP",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			k, err := startKernel(ctx, flags, kernel.Options{WatchConfig: true})
			if err != nil {
				return err
			}
			defer stopKernel(k)
			defer flushOnPanic(k)

			k.StartServer(addr)
			<-ctx.Done()
			k.Logger.Info("🛑 Shutdown signal received")
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default: server.addr from config)")
	return cmd
}
