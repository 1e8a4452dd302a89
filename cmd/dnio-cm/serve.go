package main

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	configmanager "github.com/datanimbus/dnio-configuration-manager"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP control plane",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		opts := []configmanager.Option{
			configmanager.WithVersion(version),
			configmanager.WithLogger(slog.Default()),
		}
		if servePort != 0 {
			opts = append(opts, configmanager.WithPort(servePort))
		}
		app, err := configmanager.New(opts...)
		if err != nil {
			return err
		}
		return app.Run(ctx)
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "listen port (overrides CM_PORT)")
}
