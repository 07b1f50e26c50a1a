// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/neuroget/neuroget/internal/server"
)

func newServeCmd(ro *RootOpts) *cobra.Command {
	var (
		addr    string
		port    int
		dataDir string
		conns   int
		retries int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the sync API server",
		Long: `Start an HTTP server that provides:
  - REST API for managing dataset sync jobs
  - WebSocket for live progress updates

The data directory is configured server-side only (not via API) for
security.

Example:
  neuroget serve
  neuroget serve --port 3000 --data-dir /srv/datasets`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := server.Config{
				Addr:        addr,
				Port:        port,
				DataDir:     dataDir,
				Concurrency: conns,
				Retries:     retries,
				Endpoint:    ro.Endpoint,
				Token:       resolveToken(ro),
			}

			srv := server.New(cfg)

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			return srv.ListenAndServe(ctx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "0.0.0.0", "Address to bind to")
	cmd.Flags().IntVarP(&port, "port", "p", 8080, "Port to listen on")
	cmd.Flags().StringVar(&dataDir, "data-dir", "./Datasets", "Root directory datasets are mirrored into")
	cmd.Flags().IntVarP(&conns, "max-concurrent", "c", 5, "Maximum number of files downloading at once per job")
	cmd.Flags().IntVar(&retries, "retries", 5, "Max retry attempts per file")

	return cmd
}
