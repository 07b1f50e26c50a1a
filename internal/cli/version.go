// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"fmt"
	"runtime"
	"runtime/debug"

	"github.com/spf13/cobra"
)

// buildInfo describes the running binary.
type buildInfo struct {
	version   string
	goVersion string
	platform  string
	commit    string
	buildTime string
}

func currentBuild(version string) buildInfo {
	info := buildInfo{
		version:   version,
		goVersion: runtime.Version(),
		platform:  runtime.GOOS + "/" + runtime.GOARCH,
		commit:    "unknown",
		buildTime: "unknown",
	}

	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return info
	}
	for _, setting := range bi.Settings {
		switch setting.Key {
		case "vcs.revision":
			info.commit = setting.Value
			if len(info.commit) > 7 {
				info.commit = info.commit[:7]
			}
		case "vcs.time":
			info.buildTime = setting.Value
		}
	}
	return info
}

func newVersionCmd(version string) *cobra.Command {
	var short bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show version and build information",
		Run: func(cmd *cobra.Command, args []string) {
			info := currentBuild(version)

			if short {
				fmt.Println(info.version)
				return
			}

			fmt.Printf("neuroget %s (%s)\n", info.version, info.platform)
			fmt.Printf("  go:      %s\n", info.goVersion)
			fmt.Printf("  commit:  %s\n", info.commit)
			fmt.Printf("  built:   %s\n", info.buildTime)
		},
	}

	cmd.Flags().BoolVarP(&short, "short", "s", false, "Print only the version number")

	return cmd
}
