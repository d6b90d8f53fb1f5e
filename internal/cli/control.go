package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/lazypower/radguard/internal/client"
	"github.com/lazypower/radguard/internal/engine"
)

var (
	serverURL     string
	reportFlips   uint32
	reportCompute uint32
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the protection status of a running server",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := client.New(serverURL)
		st, err := c.Protection(cmd.Context())
		if err != nil {
			return err
		}
		regions, err := c.Regions(cmd.Context())
		if err != nil {
			return err
		}
		printStatus(cmd.OutOrStdout(), st, regions)
		return nil
	},
}

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Report externally observed errors to a running server",
	RunE: func(cmd *cobra.Command, args []string) error {
		level, err := client.New(serverURL).Report(cmd.Context(), reportFlips, reportCompute)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "level: %s\n", level)
		return nil
	},
}

var boostCmd = &cobra.Command{
	Use:   "boost <duration>",
	Short: "Raise protection by one level for a while",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := time.ParseDuration(args[0])
		if err != nil {
			return fmt.Errorf("parse duration: %w", err)
		}
		level, err := client.New(serverURL).Boost(cmd.Context(), d)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "level: %s for %s\n", level, d)
		return nil
	},
}

var levelCmd = &cobra.Command{
	Use:   "level <minimal|standard|enhanced|maximum>",
	Short: "Set the protection level of a running server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		level, err := client.New(serverURL).SetLevel(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "level: %s\n", level)
		return nil
	},
}

func init() {
	for _, cmd := range []*cobra.Command{statusCmd, reportCmd, boostCmd, levelCmd} {
		cmd.Flags().StringVar(&serverURL, "url", "", "Server URL (default: $RADGUARD_URL or "+client.DefaultServerURL+")")
		rootCmd.AddCommand(cmd)
	}
	reportCmd.Flags().Uint32Var(&reportFlips, "flips", 0, "Bit flips observed since the last report")
	reportCmd.Flags().Uint32Var(&reportCompute, "compute", 0, "Compute errors observed since the last report")
}

func printStatus(w io.Writer, st engine.Status, regions []engine.RegionStatus) {
	fmt.Fprintf(w, "run %s, up %s\n", st.RunID, st.Uptime.Round(time.Second))
	boosted := ""
	if st.Boosted {
		boosted = " (boosted)"
	}
	fmt.Fprintf(w, "  level: %s%s, flux %.4f/s\n", st.Level, boosted, st.Assessment.EstimatedFlux)
	fmt.Fprintf(w, "  scrubbing every %s, temporal %v, checkpoints %v\n",
		st.ScrubInterval, st.Config.TemporalRedundancy, st.Config.CheckpointRecovery)
	if st.Injected != nil {
		fmt.Fprintf(w, "  injected: %d flips, %d stuck-bit writes\n", st.Injected.Flips, st.Injected.Stuck)
	}

	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "REGION\tVALUE\tSCRUBS\tFAILED\tREPAIRED BITS\tSTUCK MASK\tROLLBACKS")
	for _, r := range regions {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%s\t%d\n",
			r.Name, r.Value, r.Scrubs, r.ScrubFailures, r.RepairedBits, r.StuckMask, r.Rollbacks)
	}
	tw.Flush()
}
