package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/manthysbr/npsat-dispatch/internal/core/codec"
	"github.com/manthysbr/npsat-dispatch/internal/core/domain"
)

func parseJobID(arg string) (domain.JobID, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id < 1 {
		return 0, fmt.Errorf("invalid model run id %q", arg)
	}
	return domain.JobID(id), nil
}

func resetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "reset <id>",
		Short:   "Move a model run from ERROR back to READY",
		Args:    cobra.ExactArgs(1),
		PreRunE: a.load,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			ctx, cancel := a.context(cmd)
			defer cancel()

			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.ResetJob(ctx, id); err != nil {
				return fmt.Errorf("reset model run %d: %w", id, err)
			}
			fmt.Fprintf(a.out, "model run %d is READY\n", id)
			return nil
		},
	}
}

func renderCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "render <id>",
		Short:   "Print the solver message for a model run without sending it",
		Args:    cobra.ExactArgs(1),
		PreRunE: a.load,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			ctx, cancel := a.context(cmd)
			defer cancel()

			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			job, err := store.GetJob(ctx, id)
			if err != nil {
				return fmt.Errorf("load model run %d: %w", id, err)
			}
			msg, err := codec.Encode(job, a.cfg.Tables())
			if err != nil {
				return err
			}
			fmt.Fprint(a.out, msg)
			return nil
		},
	}
}

func migrateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "migrate",
		Short:   "Create any missing job store tables",
		Args:    cobra.NoArgs,
		PreRunE: a.load,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := a.context(cmd)
			defer cancel()

			a.cfg.Store.Migrate = true
			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()
			fmt.Fprintf(a.out, "%s schema is up to date\n", a.cfg.Store.Driver)
			return nil
		},
	}
}
