package commands

import (
	"github.com/spf13/cobra"

	"github.com/mohans/interpx/dispatch"
)

func newWorkerCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Args:  cobra.NoArgs,
		Short: "Track queued jobs until SIGINT or SIGTERM",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.client()
			if err != nil {
				return err
			}
			store, closeStore, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeStore()

			opts := a.trackerOptions(cmd.OutOrStdout())
			opts.OnUpdate = nil
			p := dispatch.NewProcessor(a.redisOpt(), store, client, dispatch.ProcessorConfig{
				Concurrency: a.cfg.Worker.Concurrency,
				Queues:      map[string]int{a.cfg.Worker.Queue: 1},
				Tracking:    opts,
				Logger:      a.log,
			})
			a.log.WithField("queue", a.cfg.Worker.Queue).Info("worker starting")
			return p.Run(nil)
		},
	}
}
