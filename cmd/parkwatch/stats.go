package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"parkwatch/internal/coordinator"
)

func statsCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Work with stored occupancy statistics",
	}
	cmd.AddCommand(statsExportCommand(a))
	return cmd
}

func statsExportCommand(a *app) *cobra.Command {
	var (
		output string
		since  string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write stored snapshots as CSV",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var from *time.Time
			if since != "" {
				t, err := time.Parse(time.RFC3339, since)
				if err != nil {
					return fmt.Errorf("invalid --since: %w", err)
				}
				from = &t
			}

			db, err := a.openDatabase()
			if err != nil {
				return err
			}
			defer db.Close()

			snaps, err := db.ListSnapshots(cmd.Context(), from)
			if err != nil {
				return err
			}

			var w io.Writer = cmd.OutOrStdout()
			if output != "" && output != "-" {
				f, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("failed to create %s: %w", output, err)
				}
				defer f.Close()
				w = f
			}
			if err := coordinator.WriteStatisticsCSV(w, snaps); err != nil {
				return err
			}
			a.logger.WithField("snapshots", len(snaps)).Info("Statistics exported")
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file, stdout when empty")
	cmd.Flags().StringVar(&since, "since", "", "Only snapshots at or after this RFC3339 time")
	return cmd
}
