// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/neuroget/neuroget/internal/credstore"
)

func newLoginCmd(ro *RootOpts) *cobra.Command {
	var tokenFlag string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Store a catalog access token for restricted datasets",
		Long: `Stores an access token in the credential file
(` + credstore.DefaultPath + `), keyed by catalog host.

The token is read from --token, from stdin when piped, or from an
interactive hidden prompt. Obtain a token from your catalog account page
(for OpenNeuro: https://openneuro.org/keygen).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			token := strings.TrimSpace(tokenFlag)
			if token == "" {
				var err error
				token, err = promptToken()
				if err != nil {
					return err
				}
			}
			if token == "" {
				return fmt.Errorf("no token provided")
			}

			store, err := credstore.Open("")
			if err != nil {
				return err
			}
			host := endpointHost(ro.Endpoint)
			if err := store.Set(host, token); err != nil {
				return fmt.Errorf("store token: %w", err)
			}

			green := color.New(color.FgGreen).SprintFunc()
			fmt.Printf("%s Token stored for %s\n", green("✓"), host)
			return nil
		},
	}

	cmd.Flags().StringVar(&tokenFlag, "token", "", "Token value (omit for an interactive prompt)")

	return cmd
}

func promptToken() (string, error) {
	fd := int(syscall.Stdin)
	if term.IsTerminal(fd) {
		fmt.Print("Token (input hidden): ")
		raw, err := term.ReadPassword(fd)
		fmt.Println()
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(raw)), nil
	}

	// Piped input
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
