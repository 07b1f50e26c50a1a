// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"

	"github.com/neuroget/neuroget/internal/cli"
)

var Version = "1.0.0-dev" // set at build time via ldflags

func main() {
	if err := cli.Execute(Version); err != nil {
		os.Exit(1)
	}
}
