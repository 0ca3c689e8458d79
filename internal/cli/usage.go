package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/tokenmeter/tokenmeter/pkg/model"
)

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Show aggregated usage and spend",
	Long:  `Show today's and this month's usage from ccusage and all enabled providers.`,
	RunE:  runUsage,
}

var usageRefreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Fetch every source now and show the result",
	RunE:  runUsageRefresh,
}

func init() {
	rootCmd.AddCommand(usageCmd)
	usageCmd.AddCommand(usageRefreshCmd)
	usageCmd.PersistentFlags().Bool("daily", false, "Show the per-day table")
}

func runUsage(cmd *cobra.Command, _ []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	summary, err := a.tracker.GetUsageSummary(cmd.Context())
	if err != nil {
		return fmt.Errorf("get usage summary: %w", err)
	}
	daily, _ := cmd.Flags().GetBool("daily")
	printSummary(summary, daily)
	return nil
}

func runUsageRefresh(cmd *cobra.Command, _ []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	summary, err := a.tracker.RefreshUsage(cmd.Context())
	if err != nil {
		return fmt.Errorf("refresh usage: %w", err)
	}
	daily, _ := cmd.Flags().GetBool("daily")
	printSummary(summary, daily)
	return nil
}

func printSummary(s *model.UsageSummary, daily bool) {
	fmt.Printf("=== TokenMeter Usage (%s) ===\n\n", s.Level)
	fmt.Printf("Today (%s):  $%.4f  %d tokens\n", s.Today.Date, s.Today.CostUSD, s.Today.TotalTokens)
	fmt.Printf("This month:        $%.4f  %d tokens\n", s.ThisMonth.CostUSD, s.ThisMonth.TotalTokens)

	switch {
	case s.FixedSource.NotInstalled:
		fmt.Printf("\nccusage: not installed\n")
	case s.FixedSource.Error != "":
		fmt.Printf("\nccusage: %s\n", s.FixedSource.Error)
	}

	if len(s.ModelBreakdown) > 0 {
		fmt.Printf("\nBy Model (this month):\n")
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "  MODEL\tIN\tOUT\tCOST\n")
		for _, m := range s.ModelBreakdown {
			fmt.Fprintf(w, "  %s\t%d\t%d\t$%.4f\n", m.ModelName, m.InputTokens, m.OutputTokens, m.CostUSD)
		}
		w.Flush()
	}

	if len(s.Providers) > 0 {
		fmt.Printf("\nProviders:\n")
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "  ID\tNAME\tSTATUS\n")
		for _, p := range s.Providers {
			status := "ok"
			switch {
			case !p.Enabled:
				status = "disabled"
			case p.Stale:
				status = "stale: " + p.LastError
			case p.LastError != "":
				status = p.LastError
			case p.LastFetchedAt == nil:
				status = "never fetched"
			}
			fmt.Fprintf(w, "  %s\t%s\t%s\n", p.ID, p.Name, status)
		}
		w.Flush()
	}

	if daily && len(s.Daily) > 0 {
		fmt.Printf("\nDaily:\n")
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "  DATE\tTOKENS\tCOST\n")
		for _, d := range s.Daily {
			fmt.Fprintf(w, "  %s\t%d\t$%.4f\n", d.Date, d.TotalTokens, d.CostUSD)
		}
		w.Flush()
	}
}
