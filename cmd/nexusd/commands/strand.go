package commands

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/nexus/pkg/engine"
	"github.com/openfroyo/nexus/pkg/stores"
	"github.com/openfroyo/nexus/pkg/telemetry"
)

func newStrandCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "strand",
		Short: "Inspect and control strands",
	}
	cmd.AddCommand(newStrandListCommand())
	cmd.AddCommand(newStrandShowCommand())
	cmd.AddCommand(newStrandDestroyCommand())
	return cmd
}

func newStrandListCommand() *cobra.Command {
	var (
		prog  string
		all   bool
		limit int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List strands",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := openApp(ctx, "")
			if err != nil {
				return err
			}
			defer a.close()

			strands, err := a.store.ListStrands(ctx, prog, all, limit)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(strands)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tPROG\tLABEL\tDEPTH\tWAKE\tDONE")
			for _, st := range strands {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%t\n",
					st.ID, st.Prog(), st.Label(), len(st.Stack), formatTime(st.WakeAt), st.Done)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&prog, "prog", "", "only strands of this program")
	cmd.Flags().BoolVar(&all, "all", false, "include finished strands")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum number of strands")
	return cmd
}

func newStrandShowCommand() *cobra.Command {
	var events int

	cmd := &cobra.Command{
		Use:   "show ID",
		Short: "Show a strand and its recent events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := openApp(ctx, "")
			if err != nil {
				return err
			}
			defer a.close()

			st, err := a.store.GetStrand(ctx, args[0])
			if err != nil {
				return err
			}
			evs, err := a.store.ListEvents(ctx, stores.EventQuery{StrandID: st.ID, Limit: events})
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(struct {
					Strand *engine.Strand    `json:"strand"`
					Events []telemetry.Event `json:"events"`
				}{st, evs})
			}
			printStrand(st, evs)
			return nil
		},
	}

	cmd.Flags().IntVar(&events, "events", 20, "number of recent events to show")
	return cmd
}

func newStrandDestroyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "destroy ID",
		Short: "Request the destruction of a strand's resource",
		Long: `Raise the destroy flag of a strand. The next time the strand runs it is
redirected to its program's destroy step.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := openApp(ctx, "")
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.store.RequestDestroy(ctx, args[0]); err != nil {
				return err
			}
			log.Info().Str("strand_id", args[0]).Msg("Destroy requested")
			return nil
		},
	}
	return cmd
}

func printStrand(st *engine.Strand, evs []telemetry.Event) {
	fmt.Printf("ID:       %s\n", st.ID)
	fmt.Printf("Created:  %s\n", st.CreatedAt.Format(time.RFC3339))
	fmt.Printf("Wake:     %s\n", formatTime(st.WakeAt))
	fmt.Printf("Destroy:  %t\n", st.DestroyRequested)
	fmt.Printf("Done:     %t\n", st.Done)
	if st.LeaseOwner != "" {
		fmt.Printf("Lease:    %s until %s\n", st.LeaseOwner, formatTime(st.LeaseExpiresAt))
	}
	if len(st.ExitResult) > 0 {
		fmt.Printf("Result:   %s\n", st.ExitResult)
	}

	fmt.Println("\nStack (top first):")
	for i := len(st.Stack) - 1; i >= 0; i-- {
		fmt.Printf("  %s@%s\n", st.Stack[i].Prog, st.Stack[i].Label)
	}

	if len(evs) == 0 {
		return
	}
	fmt.Println("\nEvents:")
	for _, ev := range evs {
		fmt.Printf("  %s  %-7s  %-28s  %s\n", ev.Timestamp.Format(time.RFC3339), ev.Level, ev.Type, ev.Message)
	}
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format(time.RFC3339)
}
