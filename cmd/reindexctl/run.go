package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/spherical-ai/knowledge-platform/internal/reindex"
)

var (
	runTenant string
	runLimit  int
	runDryRun bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Detect drift and drain the reindex queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		platform, err := buildApp(cmd)
		if err != nil {
			return err
		}
		defer platform.Close()

		var bar *progressbar.ProgressBar
		if !outputJSON {
			bar = progressbar.NewOptions(-1,
				progressbar.OptionSetDescription("reindexing"),
				progressbar.OptionSetWriter(os.Stderr),
				progressbar.OptionSpinnerType(14),
			)
			defer func() { _ = bar.Finish() }()
		}

		done := make(chan struct{})
		if bar != nil {
			go func() {
				ticker := time.NewTicker(100 * time.Millisecond)
				defer ticker.Stop()
				for {
					select {
					case <-done:
						return
					case <-cmd.Context().Done():
						return
					case <-ticker.C:
						_ = bar.Add(1)
					}
				}
			}()
		}

		summary, err := platform.Reindexer.Run(cmd.Context(), reindex.Options{
			TenantID: runTenant,
			Limit:    runLimit,
			DryRun:   runDryRun,
		})
		close(done)
		if err != nil {
			return err
		}

		printSummary(summary)
		return nil
	},
}

var detectTenant string

var detectCmd = &cobra.Command{
	Use:   "detect",
	Short: "Detect drifted documents and enqueue them without processing",
	RunE: func(cmd *cobra.Command, args []string) error {
		platform, err := buildApp(cmd)
		if err != nil {
			return err
		}
		defer platform.Close()

		enqueued, err := platform.Reindexer.DetectDrift(cmd.Context(), detectTenant)
		if err != nil {
			return err
		}

		if outputJSON {
			return json.NewEncoder(os.Stdout).Encode(map[string]int{"enqueued": enqueued})
		}
		if enqueued == 0 {
			fmt.Println("No drifted documents found.")
			return nil
		}
		color.Yellow("Enqueued %d drifted document(s) for reindexing.", enqueued)
		return nil
	},
}

func init() {
	runCmd.Flags().StringVar(&runTenant, "tenant", "", "restrict the run to one tenant")
	runCmd.Flags().IntVar(&runLimit, "limit", 0, "max jobs to process (default: poll limit)")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "report pending work without processing")

	detectCmd.Flags().StringVar(&detectTenant, "tenant", "", "restrict detection to one tenant")
}

func printSummary(summary *reindex.Summary) {
	if outputJSON {
		_ = json.NewEncoder(os.Stdout).Encode(summary)
		return
	}

	fmt.Println()
	color.Green("Processed: %d", summary.Processed)
	if summary.Failed > 0 {
		color.Red("Failed:    %d", summary.Failed)
	} else {
		fmt.Printf("Failed:    %d\n", summary.Failed)
	}
	fmt.Printf("Skipped:   %d\n", summary.Skipped)
	fmt.Printf("Enqueued:  %d\n", summary.Enqueued)
	fmt.Printf("Duration:  %.1fs\n", summary.DurationSeconds)
}
