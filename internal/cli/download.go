// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/neuroget/neuroget/internal/tui"
	"github.com/neuroget/neuroget/pkg/neuroget"
)

func newDownloadCmd(ctx context.Context, ro *RootOpts) *cobra.Command {
	job := &neuroget.Job{}
	cfg := neuroget.DefaultSettings()
	var dryRun bool
	var planFmt string

	cmd := &cobra.Command{
		Use:   "download [DATASET]",
		Short: "Download a dataset snapshot",
		Long: `Downloads a dataset snapshot into a local directory.

DATASET is an accession number (ds000248) or a DOI-style identifier
(doi:10.18112/openneuro.ds000248.v1.0.0). Interrupted runs resume where
they left off; re-running against an up-to-date directory transfers
nothing.

Examples:
  neuroget download ds000248
  neuroget download ds000248 --tag 1.0.0 -o ./data/ds000248
  neuroget download ds000248 -i "sub-01/*" -x "*.nii.gz"`,
		Args: cobra.MaximumNArgs(1),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return applySettingsDefaults(cmd, ro, &cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			finalJob, finalCfg, err := finalize(cmd, ro, args, job, cfg)
			if err != nil {
				return err
			}

			// Plan-only mode
			if dryRun {
				p, err := neuroget.PlanSync(ctx, finalJob, finalCfg)
				if err != nil {
					return err
				}
				if strings.ToLower(planFmt) == "json" || ro.JSONOut {
					enc := json.NewEncoder(os.Stdout)
					enc.SetIndent("", "  ")
					return enc.Encode(p)
				}
				fmt.Printf("Plan for %s@%s (%d files):\n", p.Snapshot.Dataset, p.Snapshot.Tag, len(p.Items))
				for _, it := range p.Items {
					if it.Size != nil {
						fmt.Printf("  %s  %12d\n", it.Path, *it.Size)
					} else {
						fmt.Printf("  %s  %12s\n", it.Path, "?")
					}
				}
				return nil
			}

			// Progress mode selection
			var progress neuroget.ProgressFunc
			var ui *tui.LiveRenderer
			if ro.JSONOut {
				progress = jsonProgress(os.Stdout)
			} else if ro.Quiet {
				progress = quietProgress()
			} else {
				ui = tui.NewLiveRenderer()
				defer ui.Close()
				progress = ui.Handler()
			}

			result, err := neuroget.Sync(ctx, finalJob, finalCfg, progress)
			if ui != nil {
				ui.Close()
			}
			if err != nil {
				return err
			}
			if !ro.JSONOut && !ro.Quiet {
				printSummary(result)
			}
			if !result.OK() {
				return fmt.Errorf("%d of %d files failed", len(result.Failed),
					len(result.Succeeded)+len(result.Skipped)+len(result.Failed))
			}
			return nil
		},
	}

	// Job flags
	cmd.Flags().StringVarP(&job.Dataset, "dataset", "d", "", "Dataset identifier. If omitted, positional DATASET is used")
	cmd.Flags().StringVar(&job.Tag, "tag", "", "Snapshot tag to download (default: latest)")
	cmd.Flags().StringArrayVarP(&job.Include, "include", "i", nil, "Only download files matching this pattern (repeatable)")
	cmd.Flags().StringArrayVarP(&job.Exclude, "exclude", "x", nil, "Skip files matching this pattern (repeatable)")

	// Settings flags
	cmd.Flags().StringVarP(&cfg.TargetDir, "target-dir", "o", "", "Destination directory (default: the dataset id)")
	cmd.Flags().IntVarP(&cfg.Concurrency, "max-concurrent", "c", cfg.Concurrency, "Maximum number of files downloading at once")
	cmd.Flags().BoolVar(&cfg.VerifyHash, "verify-hash", cfg.VerifyHash, "Verify content hashes when the catalog reports them")
	cmd.Flags().BoolVar(&cfg.VerifySize, "verify-size", cfg.VerifySize, "Verify final file sizes when the catalog reports them")
	cmd.Flags().IntVar(&cfg.Retries, "retries", cfg.Retries, "Max retry attempts per file for transient failures")
	cmd.Flags().StringVar(&cfg.BackoffInitial, "backoff-initial", cfg.BackoffInitial, "Initial retry backoff duration")
	cmd.Flags().StringVar(&cfg.BackoffMax, "backoff-max", cfg.BackoffMax, "Maximum retry backoff duration")

	// CLI-only flags
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Plan only: print the file list and exit")
	cmd.Flags().StringVar(&planFmt, "plan-format", "table", "Plan output format for --dry-run: table|json")

	return cmd
}

func finalize(cmd *cobra.Command, ro *RootOpts, args []string, job *neuroget.Job, cfg neuroget.Settings) (neuroget.Job, neuroget.Settings, error) {
	j := *job
	c := cfg

	c.Token = resolveToken(ro)
	c.Endpoint = ro.Endpoint

	if j.Dataset == "" && len(args) > 0 {
		j.Dataset = args[0]
	}
	if j.Dataset == "" {
		return j, c, neuroget.ErrMissingDataset
	}

	return j, c, nil
}

func printSummary(result *neuroget.SyncResult) {
	green := color.New(color.FgGreen).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()

	fmt.Println()
	fmt.Printf("%s %d downloaded, %s %d skipped, %s %d failed\n",
		green("✓"), len(result.Succeeded),
		yellow("→"), len(result.Skipped),
		red("✗"), len(result.Failed))

	if len(result.Failed) > 0 {
		paths := make([]string, 0, len(result.Failed))
		for p := range result.Failed {
			paths = append(paths, p)
		}
		sort.Strings(paths)
		fmt.Println()
		for _, p := range paths {
			fmt.Printf("  %s %s: %v\n", red("✗"), p, result.Failed[p])
		}
	}
}
