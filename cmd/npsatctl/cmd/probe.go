package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"k8s.io/utils/clock"

	"github.com/manthysbr/npsat-dispatch/internal/adapters/mantis"
	"github.com/manthysbr/npsat-dispatch/internal/core/services"
)

func probeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "probe",
		Short:   "Ask every configured solver whether it is ready",
		Args:    cobra.NoArgs,
		PreRunE: a.load,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := a.context(cmd)
			defer cancel()

			client := mantis.NewClient(a.logger, mantis.ClientConfig{
				ProbeTimeout:  a.cfg.Solver.ProbeTimeout,
				ProbeRequest:  a.cfg.Solver.ProbeRequest,
				ProbeResponse: a.cfg.Solver.ProbeResponse,
			})
			registry := services.NewEndpointRegistry(a.logger, client, clock.RealClock{}, a.cfg.Endpoints(),
				services.RegistryConfig{ProbeConcurrency: a.cfg.Solver.ProbeConcurrency})
			online := registry.ProbeAll(ctx)

			tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ENDPOINT\tONLINE\tPROBED\tERROR")
			for _, ep := range registry.Snapshot() {
				probed := "-"
				if ep.LastProbe != nil {
					probed = ep.LastProbe.Format(time.RFC3339)
				}
				fmt.Fprintf(tw, "%s\t%t\t%s\t%s\n", ep.Address(), ep.Online, probed, ep.ProbeError)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "%d of %d online\n", online, len(a.cfg.Solver.Endpoints))
			return nil
		},
	}
}
