package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/leaklens/audit-cli/internal/model"
	"github.com/leaklens/audit-cli/internal/queue"
)

var intakeCmd = &cobra.Command{
	Use:   "intake",
	Short: "Create and import audit cases",
}

// -- intake create --

var (
	intakeWebsite      string
	intakeLocation     string
	intakeOffering     string
	intakeJobsMin      float64
	intakeJobsMax      float64
	intakeTicketMin    float64
	intakeTicketMax    float64
	intakeAvailability string
	intakePackages     bool
	intakeTripFee      bool
	intakeMembership   bool
	intakeWarranty     bool
	intakeEnqueue      bool
)

var intakeCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a case from intake answers",
	Long:  "Creates a case from the intake questionnaire fields. With --enqueue, also creates a pending job and submits it to the worker queue.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("intake"); err != nil {
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

		c := model.Case{
			Website:  intakeWebsite,
			Location: intakeLocation,
			Offering: intakeOffering,
			Vitals: model.Vitals{
				JobsMin:       intakeJobsMin,
				JobsMax:       intakeJobsMax,
				TicketMin:     intakeTicketMin,
				TicketMax:     intakeTicketMax,
				Availability:  intakeAvailability,
				OffersPkgs:    intakePackages,
				ChargesFee:    intakeTripFee,
				HasMembership: intakeMembership,
				OffersWty:     intakeWarranty,
			}.Normalize(),
		}

		created, err := st.CreateCase(ctx, c)
		if err != nil {
			return eris.Wrap(err, "create case")
		}

		out := map[string]string{"case_id": created.ID}

		if intakeEnqueue {
			job, err := st.CreateJob(ctx, created.ID)
			if err != nil {
				return eris.Wrap(err, "create job")
			}

			tc, err := dialTemporal()
			if err != nil {
				return err
			}
			defer tc.Close()

			if err := queue.Enqueue(ctx, tc, created.ID, job.ID); err != nil {
				return err
			}
			out["job_id"] = job.ID
		}

		zap.L().Info("case created",
			zap.String("case_id", created.ID),
			zap.String("location", created.Location),
			zap.Bool("enqueued", intakeEnqueue),
		)

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	},
}

// -- intake import --

var intakeImportFile string

var intakeImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Bulk-import cases from a JSON file",
	Long:  "Reads a JSON array of cases and upserts them by ID. Does not create jobs; submit imported cases with intake create --enqueue or via the HTTP API.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("intake"); err != nil {
			return err
		}

		data, err := os.ReadFile(intakeImportFile)
		if err != nil {
			return eris.Wrapf(err, "read %s", intakeImportFile)
		}

		var cases []model.Case
		if err := json.Unmarshal(data, &cases); err != nil {
			return eris.Wrap(err, "parse cases file")
		}
		for i := range cases {
			cases[i].Vitals = cases[i].Vitals.Normalize()
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		n, err := st.ImportCases(ctx, cases)
		if err != nil {
			return eris.Wrap(err, "import cases")
		}

		fmt.Fprintf(os.Stdout, "imported %d of %d cases\n", n, len(cases))
		return nil
	},
}

func init() {
	intakeCreateCmd.Flags().StringVar(&intakeWebsite, "website", "", "business website URL")
	intakeCreateCmd.Flags().StringVar(&intakeLocation, "location", "", "service area, e.g. \"Plano, TX\" (required)")
	intakeCreateCmd.Flags().StringVar(&intakeOffering, "offering", "", "primary service offering, e.g. \"HVAC repair\" (required)")
	intakeCreateCmd.Flags().Float64Var(&intakeJobsMin, "jobs-min", 0, "low end of monthly job volume")
	intakeCreateCmd.Flags().Float64Var(&intakeJobsMax, "jobs-max", 0, "high end of monthly job volume")
	intakeCreateCmd.Flags().Float64Var(&intakeTicketMin, "ticket-min", 0, "low end of average ticket, USD")
	intakeCreateCmd.Flags().Float64Var(&intakeTicketMax, "ticket-max", 0, "high end of average ticket, USD")
	intakeCreateCmd.Flags().StringVar(&intakeAvailability, "availability", "", "business_hours, extended, or 24_7")
	intakeCreateCmd.Flags().BoolVar(&intakePackages, "packages", false, "offers service packages")
	intakeCreateCmd.Flags().BoolVar(&intakeTripFee, "trip-fee", false, "charges a trip fee")
	intakeCreateCmd.Flags().BoolVar(&intakeMembership, "membership", false, "offers a membership plan")
	intakeCreateCmd.Flags().BoolVar(&intakeWarranty, "warranty", false, "offers a workmanship warranty")
	intakeCreateCmd.Flags().BoolVar(&intakeEnqueue, "enqueue", false, "create a job and submit it to the queue")
	_ = intakeCreateCmd.MarkFlagRequired("location")
	_ = intakeCreateCmd.MarkFlagRequired("offering")

	intakeImportCmd.Flags().StringVar(&intakeImportFile, "file", "", "path to JSON array of cases (required)")
	_ = intakeImportCmd.MarkFlagRequired("file")

	intakeCmd.AddCommand(intakeCreateCmd)
	intakeCmd.AddCommand(intakeImportCmd)
	rootCmd.AddCommand(intakeCmd)
}
