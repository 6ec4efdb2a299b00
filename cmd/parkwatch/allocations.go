package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func allocationsCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "allocations",
		Short: "Inspect stored allocation decisions",
	}
	cmd.AddCommand(allocationsHistoryCommand(a))
	return cmd
}

func allocationsHistoryCommand(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print the most recent allocations, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := a.openDatabase()
			if err != nil {
				return err
			}
			defer db.Close()

			records, err := db.ListHistory(cmd.Context(), limit)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tSPACE\tSIZE\tSCORE\tOUTCOME")
			for _, rec := range records {
				outcome := rec.Outcome
				if outcome == "" {
					outcome = "-"
				}
				fmt.Fprintf(tw, "%s\t%s\t%g\t%.3f\t%s\n",
					rec.Timestamp.Local().Format(time.DateTime), rec.SpaceID, rec.VehicleSize, rec.Score, outcome)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum entries, 0 for all")
	return cmd
}
