package main

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	apperrors "cfevents/internal/errors"
	"cfevents/internal/importer"
)

func (c *cli) newImportCommand() *cobra.Command {
	var names []string
	var kind string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import new events and reconcile flagged rows",
		Example: `  cfevents import                        # every configured source
  cfevents import --sources ebrite,meetup
  cfevents import --source-type feeds`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.run(cmd, names, kind, importer.ModeImport)
		},
	}
	cmd.Flags().StringSliceVar(&names, "sources", nil, "comma separated source names")
	cmd.Flags().StringVar(&kind, "source-type", "", "source kind: apis or feeds")
	cmd.MarkFlagsMutuallyExclusive("sources", "source-type")
	return cmd
}

func (c *cli) newUpdateCommand() *cobra.Command {
	var names []string
	var kind string
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Reconcile rows flagged for update without importing new ones",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.run(cmd, names, kind, importer.ModeUpdate)
		},
	}
	cmd.Flags().StringSliceVar(&names, "sources", nil, "comma separated source names")
	cmd.Flags().StringVar(&kind, "source-type", "", "source kind: apis or feeds")
	cmd.MarkFlagsMutuallyExclusive("sources", "source-type")
	return cmd
}

func (c *cli) run(cmd *cobra.Command, names []string, kind string, mode importer.Mode) error {
	ctx := cmd.Context()
	// Selection errors must surface before the store is touched.
	if _, err := importer.Select(c.cfg, names, kind); err != nil {
		return err
	}

	env, err := importer.Setup(c.cfg, nil)
	if err != nil {
		return err
	}
	defer env.Close()

	srcs, err := env.Sources(ctx, names, kind)
	if err != nil {
		return err
	}
	sum, err := env.Importer.Run(ctx, srcs, mode)
	if perr := printSummary(cmd.OutOrStdout(), sum); perr != nil {
		return perr
	}
	if err != nil {
		return err
	}
	if failed := sum.Failed(); len(failed) > 0 {
		return fmt.Errorf("%d source(s) failed: %s", len(failed), strings.Join(failed, ", "))
	}
	return nil
}

func printSummary(w io.Writer, sum importer.Summary) error {
	t := tablewriter.NewTable(w)
	t.Header("Source", "Imported", "Updated", "Duplicates", "Already", "Unchanged", "Failed", "Dropped", "Status")
	for _, r := range sum.Sources {
		rep := r.Report
		status := "ok"
		if r.Err != nil {
			status = r.Err.Error()
		}
		if err := t.Append(rep.Source, rep.Imported, rep.Updated, rep.Duplicates, rep.AlreadyImported,
			rep.Unchanged, rep.Failed, rep.Dropped, status); err != nil {
			return err
		}
	}
	if err := t.Render(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "run %s (%s): %s\n", sum.RunID, sum.Mode, sum.Totals().String())
	return err
}

func (c *cli) newSourcesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sources",
		Short: "List configured sources",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			t := tablewriter.NewTable(cmd.OutOrStdout())
			t.Header("Name", "Type", "Kind", "URL")
			for _, sc := range c.cfg.Sources {
				target := sc.URL
				if target == "" {
					target = sc.SpreadsheetID
				}
				if err := t.Append(sc.Name, sc.Type, sc.Kind(), target); err != nil {
					return err
				}
			}
			return t.Render()
		},
	}
}

func (c *cli) newInvalidateCommand() *cobra.Command {
	var restore bool
	cmd := &cobra.Command{
		Use:   "invalidate <event-id>",
		Short: "Hide an event from search without deleting it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || id <= 0 {
				return apperrors.NewValidationError("event-id", args[0], "must be a positive integer")
			}
			env, err := importer.Setup(c.cfg, nil)
			if err != nil {
				return err
			}
			defer env.Close()

			if err := env.Store.SetValid(cmd.Context(), id, restore); err != nil {
				if errors.Is(err, apperrors.ErrNotFound) {
					return fmt.Errorf("event %d does not exist", id)
				}
				return err
			}
			state := "invalidated"
			if restore {
				state = "restored"
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "event %d %s\n", id, state)
			return err
		},
	}
	cmd.Flags().BoolVar(&restore, "restore", false, "mark the event valid again")
	return cmd
}
