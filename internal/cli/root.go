// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package cli implements the neuroget command line interface.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/neuroget/neuroget/internal/credstore"
	"github.com/neuroget/neuroget/pkg/neuroget"
)

// RootOpts holds global CLI options.
type RootOpts struct {
	Token    string
	Endpoint string
	JSONOut  bool
	Quiet    bool
	Verbose  bool
	Config   string
}

// Execute runs the CLI with the given version string.
func Execute(version string) error {
	ro := &RootOpts{}
	ctx, cancel := signalContext(context.Background())
	defer cancel()

	root := &cobra.Command{
		Use:           "neuroget",
		Short:         "Resumable dataset mirroring for OpenNeuro-style catalogs",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if ro.Verbose {
				log.SetLevel(log.DebugLevel)
			}
		},
	}

	root.PersistentFlags().StringVarP(&ro.Token, "token", "t", "", "Catalog access token (also reads NEUROGET_TOKEN env and the credential store)")
	root.PersistentFlags().StringVar(&ro.Endpoint, "endpoint", neuroget.DefaultEndpoint, "Catalog base URL")
	root.PersistentFlags().BoolVar(&ro.JSONOut, "json", false, "Emit machine-readable JSON events (progress, plan, results)")
	root.PersistentFlags().BoolVarP(&ro.Quiet, "quiet", "q", false, "Quiet mode (minimal logs)")
	root.PersistentFlags().BoolVarP(&ro.Verbose, "verbose", "v", false, "Verbose logs (debug details)")
	root.PersistentFlags().StringVar(&ro.Config, "config", "", "Path to config file (JSON or YAML)")

	downloadCmd := newDownloadCmd(ctx, ro)
	root.AddCommand(downloadCmd)
	root.AddCommand(newLoginCmd(ro))
	root.AddCommand(newServeCmd(ro))
	root.AddCommand(newConfigCmd())
	root.AddCommand(newVersionCmd(version))

	root.SetHelpCommand(&cobra.Command{Use: "help", Hidden: true})

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return err
	}
	return nil
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-ch:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// resolveToken picks the access token: flag, then environment, then the
// per-host credential store.
func resolveToken(ro *RootOpts) string {
	if tok := strings.TrimSpace(ro.Token); tok != "" {
		log.Debug("using token from --token flag")
		return tok
	}
	if tok := strings.TrimSpace(os.Getenv("NEUROGET_TOKEN")); tok != "" {
		log.Debug("using token from NEUROGET_TOKEN")
		return tok
	}
	store, err := credstore.Open("")
	if err != nil {
		log.WithError(err).Debug("credential store unavailable")
		return ""
	}
	tok, err := store.Get(endpointHost(ro.Endpoint))
	if err != nil {
		log.WithError(err).Warn("Failed to read credential store")
		return ""
	}
	if tok != "" {
		log.WithField("host", endpointHost(ro.Endpoint)).Debug("using stored token")
	}
	return tok
}

func endpointHost(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return endpoint
	}
	return u.Host
}

// jsonProgress returns a JSON-lines progress handler.
func jsonProgress(w io.Writer) neuroget.ProgressFunc {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	var mu sync.Mutex
	return func(ev neuroget.ProgressEvent) {
		mu.Lock()
		_ = enc.Encode(ev)
		mu.Unlock()
	}
}

// quietProgress prints one line per terminal event only.
func quietProgress() neuroget.ProgressFunc {
	return func(ev neuroget.ProgressEvent) {
		switch ev.Event {
		case "error":
			fmt.Fprintf(os.Stderr, "error: %s: %s\n", ev.Path, ev.Message)
		case "done":
			fmt.Println(ev.Message)
		}
	}
}
