package main

import (
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"

	"github.com/leaklens/audit-cli/internal/queue"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the audit queue worker",
	Long:  "Hosts the Temporal workflow and activity that execute audit jobs. Multiple workers may run concurrently against the same task queue.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("worker"); err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		orch, err := buildOrchestrator(st)
		if err != nil {
			return err
		}

		tc, err := dialTemporal()
		if err != nil {
			return err
		}
		defer tc.Close()

		queue.DefaultOptions = queue.Options{
			ActivityTimeout: time.Duration(cfg.Temporal.ActivityTimeoutSecs) * time.Second,
		}

		w := queue.NewWorker(tc, &queue.Activities{Orchestrator: orch})

		zap.L().Info("worker starting",
			zap.String("task_queue", queue.TaskQueue),
			zap.String("temporal", cfg.Temporal.HostPort),
		)

		if err := w.Run(worker.InterruptCh()); err != nil {
			return eris.Wrap(err, "worker run")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}
