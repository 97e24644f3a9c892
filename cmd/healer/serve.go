package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/polzovatel/ui-self-healing-agent/internal/mcpserver"
)

var (
	serveTransport string
	servePort      int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Expose monitored sessions as MCP tools",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		rt, err := newRuntime(ctx, "", "")
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			rt.close(shutdownCtx)
		}()

		opts := mcpserver.Options{
			Name:      cfg.MCP.Name,
			Version:   version,
			Transport: cfg.MCP.Transport,
			Port:      cfg.MCP.Port,
		}
		if cmd.Flags().Changed("transport") {
			opts.Transport = serveTransport
		}
		if cmd.Flags().Changed("port") {
			opts.Port = servePort
		}

		srv := mcpserver.New(ctx, rt.orch, opts, log.Logger)
		errc := make(chan error, 1)
		go func() { errc <- srv.Serve(opts) }()
		select {
		case err := <-errc:
			return err
		case <-ctx.Done():
			log.Info().Msg("shutting down")
			return nil
		}
	},
}

var version = "dev"

func init() {
	serveCmd.Flags().StringVar(&serveTransport, "transport", "stdio", "Transport: stdio or http")
	serveCmd.Flags().IntVar(&servePort, "port", 8808, "Port for the http transport")
}
