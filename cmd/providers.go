package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/sells-group/cartrouter/internal/model"
	"github.com/sells-group/cartrouter/internal/router"
)

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "Inspect configured providers",
}

var providersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List providers with their learned reliability",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initApp(cmd.Context(), "providers")
		if err != nil {
			return err
		}
		defer env.Close()

		return printProviders(cmd.OutOrStdout(), env.Router.Providers(), env.Learner.Scores())
	},
}

var providersHealthCmd = &cobra.Command{
	Use:   "health",
	Short: "Probe every enabled provider",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initApp(cmd.Context(), "providers")
		if err != nil {
			return err
		}
		defer env.Close()

		return printHealth(cmd.Context(), cmd.OutOrStdout(), env.Router)
	},
}

// printProviders writes the provider table, then any learned scores whose
// provider is no longer configured.
func printProviders(out io.Writer, providers []router.ProviderStatus, scores []model.ReliabilityScore) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tKIND\tENABLED\tPRIORITY\tREGIONS\tCIRCUIT\tRELIABILITY\tSAMPLES")
	configured := make(map[string]bool, len(providers))
	for _, p := range providers {
		configured[p.ID] = true
		circuit := p.Circuit
		if circuit == "" {
			circuit = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%d\t%s\t%s\t%.3f\t%d\n",
			p.ID, p.Name, p.Kind, p.Enabled, p.Priority,
			strings.Join(p.Regions, ","), circuit, p.Reliability.SuccessRate, p.Reliability.Samples)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	var orphans []model.ReliabilityScore
	for _, s := range scores {
		if !configured[s.ProviderID] {
			orphans = append(orphans, s)
		}
	}
	if len(orphans) == 0 {
		return nil
	}
	fmt.Fprintln(out, "\nUnconfigured providers with learned scores:")
	w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tRELIABILITY\tSAMPLES\tUPDATED")
	for _, s := range orphans {
		fmt.Fprintf(w, "%s\t%.3f\t%d\t%s\n", s.ProviderID, s.SuccessRate, s.Samples, s.UpdatedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func printHealth(ctx context.Context, out io.Writer, r *router.Router) error {
	statuses := r.Health(ctx)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tHEALTHY\tLATENCY_MS\tERROR")
	for _, s := range statuses {
		fmt.Fprintf(w, "%s\t%t\t%d\t%s\n", s.ProviderID, s.Healthy, s.LatencyMs, s.Error)
	}
	return w.Flush()
}

func init() {
	providersCmd.AddCommand(providersListCmd, providersHealthCmd)
	rootCmd.AddCommand(providersCmd)
}
