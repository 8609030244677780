package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/manthysbr/npsat-dispatch/internal/adapters/jobstore"
	"github.com/manthysbr/npsat-dispatch/internal/adapters/sqlstore"
	"github.com/manthysbr/npsat-dispatch/internal/config"
)

// app carries what every subcommand needs once flags are parsed
type app struct {
	configPath string
	timeout    time.Duration
	cfg        config.Config
	out        io.Writer
	logger     *slog.Logger
}

func (a *app) load(cmd *cobra.Command, _ []string) error {
	var err error
	if a.configPath != "" {
		a.cfg, err = config.LoadFile(a.configPath)
	} else {
		a.cfg, err = config.Load()
	}
	if err != nil {
		return err
	}
	a.out = cmd.OutOrStdout()
	a.logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: a.cfg.SlogLevel()}))
	return nil
}

func (a *app) context(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), a.timeout)
}

func (a *app) openStore(ctx context.Context) (*sqlstore.Store, error) {
	store, err := jobstore.Open(ctx, a.cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open job store: %w", err)
	}
	return store, nil
}

// RootCmd is the root command of the operator CLI
func RootCmd() *cobra.Command {
	a := &app{}
	cmd := &cobra.Command{
		Use:          "npsatctl",
		Short:        "npsatctl inspects and repairs the npsat model run dispatcher.",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&a.configPath, "config", "", "path to npsat.yaml (default $NPSAT_CONFIG or ./npsat.yaml)")
	cmd.PersistentFlags().DurationVar(&a.timeout, "timeout", 30*time.Second, "deadline for the whole command")

	cmd.AddCommand(
		resetCmd(a),
		probeCmd(a),
		renderCmd(a),
		migrateCmd(a),
		encryptSecretCmd(a),
	)
	return cmd
}
