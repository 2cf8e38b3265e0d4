package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"rlm/internal/kernel"
)

func sessionsCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and delete sessions",
	}

	var asJSON bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List known sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			k, err := startKernel(cmd.Context(), flags, kernel.Options{})
			if err != nil {
				return err
			}
			defer stopKernel(k)

			statuses := k.Sessions.ListSessions()
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(statuses)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "SESSION\tPHASE\tPROGRESS\tOUTCOME\tTASK")
			for _, st := range statuses {
				fmt.Fprintf(w, "%s\t%s\t%.0f%%\t%s\t%s\n", st.SessionID, st.Phase, st.Progress*100, st.Outcome, firstLine(st.Task))
			}
			return w.Flush()
		},
	}
	list.Flags().BoolVar(&asJSON, "json", false, "Print statuses as JSON")

	del := &cobra.Command{
		Use:   "delete <session-id>...",
		Short: "Delete sessions and their checkpoints",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := startKernel(cmd.Context(), flags, kernel.Options{})
			if err != nil {
				return err
			}
			defer stopKernel(k)

			for _, id := range args {
				if err := k.Sessions.DeleteSession(cmd.Context(), id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "🗑️  Deleted %s\n", id)
			}
			return nil
		},
	}

	cmd.AddCommand(list, del)
	return cmd
}
