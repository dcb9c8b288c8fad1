package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var runCaseID string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one audit inline for a case",
	Long:  "Creates a job for the case and executes the full pipeline in-process, without the Temporal queue. Intended for local runs and debugging.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("run"); err != nil {
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

		job, err := st.CreateJob(ctx, runCaseID)
		if err != nil {
			return eris.Wrap(err, "create job")
		}

		shareID, err := orch.Run(ctx, runCaseID, job.ID)
		if err != nil {
			return eris.Wrap(err, "audit run")
		}

		report, err := st.GetReportByShareID(ctx, shareID)
		if err != nil {
			return eris.Wrap(err, "load report")
		}

		zap.L().Info("audit complete",
			zap.String("case_id", runCaseID),
			zap.String("job_id", job.ID),
			zap.String("share_id", shareID),
		)

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	},
}

func init() {
	runCmd.Flags().StringVar(&runCaseID, "case", "", "case ID to audit (required)")
	_ = runCmd.MarkFlagRequired("case")
	rootCmd.AddCommand(runCmd)
}
