package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/leaklens/audit-cli/internal/model"
)

func TestFormatJobsList(t *testing.T) {
	updated := time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC)
	jobs := []model.Job{
		{
			ID:        "job-1",
			CaseID:    "case-1",
			Status:    model.JobStatusRunning,
			Stage:     "research",
			Progress:  30,
			UpdatedAt: updated,
		},
		{
			ID:        "job-2",
			CaseID:    "case-2",
			Status:    model.JobStatusPending,
			UpdatedAt: updated,
		},
	}

	var buf bytes.Buffer
	formatJobsList(&buf, jobs)

	out := buf.String()
	assert.Contains(t, out, "JOB ID")
	assert.Contains(t, out, "job-1")
	assert.Contains(t, out, "research")
	assert.Contains(t, out, "30%")
	assert.Contains(t, out, "2025-06-01T12:30:00Z")
	// Pending jobs with no stage render a placeholder.
	assert.Contains(t, out, "-")
}

func TestRootCommandTree(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}

	for _, want := range []string{"intake", "run", "jobs", "worker", "serve", "migrate"} {
		assert.True(t, names[want], "missing command %s", want)
	}
}
