package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/leaklens/audit-cli/internal/model"
	"github.com/leaklens/audit-cli/internal/queue"
	"github.com/leaklens/audit-cli/internal/store"
)

var servePort int

// enqueueFunc submits a created job to the worker queue. Injected so the
// router is testable without a Temporal server.
type enqueueFunc func(ctx context.Context, caseID, jobID string) error

// auditRequest is the intake payload accepted by POST /api/audits.
type auditRequest struct {
	Website  string       `json:"website"`
	Location string       `json:"location"`
	Offering string       `json:"offering"`
	Vitals   model.Vitals `json:"vitals"`
}

// jobView is the status poll response. ShareID is set only once the job
// has a persisted report.
type jobView struct {
	ID       string          `json:"id"`
	CaseID   string          `json:"case_id"`
	Status   model.JobStatus `json:"status"`
	Stage    string          `json:"stage,omitempty"`
	Progress int             `json:"progress"`
	Error    string          `json:"error,omitempty"`
	ShareID  string          `json:"share_id,omitempty"`
}

func newRouter(st store.Store, enqueue enqueueFunc) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		if err := st.Ping(req.Context()); err != nil {
			zap.L().Error("health check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Post("/api/audits", func(w http.ResponseWriter, req *http.Request) {
		var body auditRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if body.Location == "" || body.Offering == "" {
			writeError(w, http.StatusBadRequest, "location and offering are required")
			return
		}

		ctx := req.Context()
		raw, _ := json.Marshal(body)
		c, err := st.CreateCase(ctx, model.Case{
			Website:    body.Website,
			Location:   body.Location,
			Offering:   body.Offering,
			Vitals:     body.Vitals.Normalize(),
			RawPayload: raw,
		})
		if err != nil {
			zap.L().Error("intake: create case failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}

		job, err := st.CreateJob(ctx, c.ID)
		if err != nil {
			zap.L().Error("intake: create job failed", zap.String("case_id", c.ID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}

		if err := enqueue(ctx, c.ID, job.ID); err != nil {
			zap.L().Error("intake: enqueue failed", zap.String("job_id", job.ID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}

		writeJSON(w, http.StatusAccepted, map[string]string{
			"case_id": c.ID,
			"job_id":  job.ID,
		})
	})

	r.Get("/api/jobs/{id}", func(w http.ResponseWriter, req *http.Request) {
		ctx := req.Context()
		job, err := st.GetJob(ctx, chi.URLParam(req, "id"))
		if err != nil {
			if eris.Is(err, store.ErrNotFound) {
				writeError(w, http.StatusNotFound, "job not found")
				return
			}
			zap.L().Error("job poll failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}

		view := jobView{
			ID:       job.ID,
			CaseID:   job.CaseID,
			Status:   job.Status,
			Stage:    job.Stage,
			Progress: job.Progress,
			Error:    job.Error,
		}
		if job.Status == model.JobStatusCompleted {
			if report, err := st.GetReportByJobID(ctx, job.ID); err == nil {
				view.ShareID = report.ShareID
			}
		}
		writeJSON(w, http.StatusOK, view)
	})

	r.Get("/api/reports/{shareID}", func(w http.ResponseWriter, req *http.Request) {
		report, err := st.GetReportByShareID(req.Context(), chi.URLParam(req, "shareID"))
		if err != nil {
			if eris.Is(err, store.ErrNotFound) {
				writeError(w, http.StatusNotFound, "report not found")
				return
			}
			zap.L().Error("report fetch failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusOK, report.Blob)
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the intake and report HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate("serve"); err != nil {
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

		tc, err := dialTemporal()
		if err != nil {
			return err
		}
		defer tc.Close()

		router := newRouter(st, func(ctx context.Context, caseID, jobID string) error {
			return queue.Enqueue(ctx, tc, caseID, jobID)
		})

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: router,
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			_ = srv.Shutdown(context.Background())
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
