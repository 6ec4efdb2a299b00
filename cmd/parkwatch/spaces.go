package main

import (
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"parkwatch/internal/spaces"
)

func spacesCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "spaces",
		Short: "Inspect and edit saved space positions",
	}
	cmd.AddCommand(
		spacesListCommand(a),
		spacesAddCommand(a),
		spacesRemoveCommand(a),
		spacesGroupCommand(a),
		spacesLayoutsCommand(a),
		spacesDeleteCommand(a),
	)
	return cmd
}

// withRegistry loads the positions saved for reference, runs fn and saves the
// result when fn reports a change.
func (a *app) withRegistry(cmd *cobra.Command, reference string, fn func(*spaces.Registry) (bool, error)) error {
	db, err := a.openDatabase()
	if err != nil {
		return err
	}
	defer db.Close()

	registry := spaces.NewRegistry(db, a.logger)
	if _, ok := registry.Load(cmd.Context(), reference); !ok {
		return fmt.Errorf("positions for %s could not be read", reference)
	}
	changed, err := fn(registry)
	if err != nil || !changed {
		return err
	}
	return registry.Save(cmd.Context(), reference)
}

func spacesListCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list <reference-image>",
		Short: "Print the saved positions for a calibration image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withRegistry(cmd, args[0], func(r *spaces.Registry) (bool, error) {
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "INDEX\tLABEL\tX\tY\tW\tH\tGROUP")
				for _, s := range r.Spaces() {
					ref := s.Reference
					fmt.Fprintf(tw, "%d\t%s\t%d\t%d\t%d\t%d\t%s\n", s.Index, s.Label, ref.X, ref.Y, ref.W, ref.H, s.GroupID)
				}
				return false, tw.Flush()
			})
		},
	}
}

func parseInts(args []string) ([]int, error) {
	out := make([]int, len(args))
	for i, arg := range args {
		n, err := strconv.Atoi(arg)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", arg)
		}
		out[i] = n
	}
	return out, nil
}

func spacesAddCommand(a *app) *cobra.Command {
	var width, height int
	cmd := &cobra.Command{
		Use:   "add <reference-image> <x> <y> <w> <h>",
		Short: "Add a space in calibration image coordinates",
		Args:  cobra.ExactArgs(5),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := parseInts(args[1:])
			if err != nil {
				return err
			}
			return a.withRegistry(cmd, args[0], func(r *spaces.Registry) (bool, error) {
				if width > 0 && height > 0 {
					r.SetReferenceDimensions(width, height)
				}
				if _, err := r.Add(spaces.Rect{X: n[0], Y: n[1], W: n[2], H: n[3]}); err != nil {
					return false, err
				}
				return true, nil
			})
		},
	}
	cmd.Flags().IntVar(&width, "width", 0, "Calibration image width")
	cmd.Flags().IntVar(&height, "height", 0, "Calibration image height")
	return cmd
}

func spacesRemoveCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <reference-image> <index>",
		Short: "Remove the space at an index shown by list",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := parseInts(args[1:])
			if err != nil {
				return err
			}
			return a.withRegistry(cmd, args[0], func(r *spaces.Registry) (bool, error) {
				return true, r.RemoveAt(n[0])
			})
		},
	}
}

func spacesGroupCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "group <reference-image> <index>...",
		Short: "Group spaces into one multi-space unit",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := parseInts(args[1:])
			if err != nil {
				return err
			}
			return a.withRegistry(cmd, args[0], func(r *spaces.Registry) (bool, error) {
				id, err := r.GroupAt(n)
				if err != nil {
					return false, err
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return true, nil
			})
		},
	}
}

func spacesLayoutsCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "layouts",
		Short: "List the calibration images that have saved positions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := a.openDatabase()
			if err != nil {
				return err
			}
			defer db.Close()

			names, err := spaces.Layouts(cmd.Context(), db)
			if err != nil {
				return err
			}
			for _, name := range names {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}
}

func spacesDeleteCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <reference-image>",
		Short: "Delete every saved position of a calibration image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := a.openDatabase()
			if err != nil {
				return err
			}
			defer db.Close()

			if err := spaces.DeleteLayout(cmd.Context(), db, args[0]); err != nil {
				return err
			}
			a.logger.WithField("reference", args[0]).Info("Layout deleted")
			return nil
		},
	}
}
