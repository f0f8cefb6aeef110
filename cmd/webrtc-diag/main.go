package main

import (
	"fmt"
	"os"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/openavatarchat/webrtc-harness/internal/diag"
)

var (
	baseURL   string
	skipGuide bool
)

var cmd = &cobra.Command{
	Use:   "webrtc-diag [BASE_URL]",
	Short: "Probe a webrtc-harness server and report what a browser client would encounter",
	Long: `webrtc-diag runs a fixed probe sequence against a running harness server:

  1. server connectivity
  2. configuration endpoint, with STUN/TURN analysis
  3. offer/answer exchange with a minimal SDP offer
  4. guarded DataChannel send test
  5. status endpoint

Warnings do not fail the run; an unreachable server or a rejected probe does.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true

		target := baseURL
		if len(args) == 1 {
			target = args[0]
		}

		pterm.Info.Println(fmt.Sprintf("probing %s", target))
		reporter := diag.NewPtermReporter()

		start := time.Now()
		summary := diag.NewClient(target, reporter).Run(cmd.Context())

		if !skipGuide {
			pterm.Println()
			diag.PrintGuide(reporter)
		}

		pterm.Println()
		if !summary.Passed() {
			return fmt.Errorf("diagnostics failed after %s", time.Since(start).Round(time.Millisecond))
		}
		pterm.Success.Println(fmt.Sprintf("diagnostics passed in %s", time.Since(start).Round(time.Millisecond)))
		return nil
	},
}

func init() {
	flags := cmd.Flags()
	flags.StringVar(&baseURL, "base-url", "http://localhost:8080", "harness server base URL")
	flags.BoolVar(&skipGuide, "skip-guide", false, "omit the DataChannel troubleshooting guide")
}

func main() {
	if err := cmd.Execute(); err != nil {
		pterm.Error.Println(err.Error())
		os.Exit(1)
	}
}
