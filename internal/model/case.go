// Package model defines the schemas shared across pipeline stages: intake
// cases, audit jobs, extracted market evidence, benchmark scores, and the
// final report content. Every cross-stage value is validated and normalized
// at the stage boundary so a partially-populated input never crashes a stage.
package model

import (
	"encoding/json"
	"time"
)

// JobStatus represents the lifecycle state of an audit job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Terminal reports whether the status is a final state.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Availability tiers from the intake form.
const (
	AvailabilityBusinessHours = "business_hours"
	AvailabilityExtended      = "extended"
	AvailabilityTwentyFour    = "24_7"
)

// Vitals holds the free-form business vitals from the intake questionnaire.
// Every field is optional; numeric fields normalize to non-negative values
// with a zero fallback so the benchmark engine never sees garbage.
type Vitals struct {
	JobsMin       float64 `json:"jobs_min"`
	JobsMax       float64 `json:"jobs_max"`
	TicketMin     float64 `json:"ticket_min"`
	TicketMax     float64 `json:"ticket_max"`
	Availability  string  `json:"availability,omitempty"`
	OffersPkgs    bool    `json:"offers_packages,omitempty"`
	ChargesFee    bool    `json:"charges_trip_fee,omitempty"`
	HasMembership bool    `json:"has_membership,omitempty"`
	OffersWty     bool    `json:"offers_warranty,omitempty"`
}

// Normalize clamps numeric vitals to be non-negative and orders the
// min/max pairs. NaN or negative inputs fall back to 0.
func (v Vitals) Normalize() Vitals {
	v.JobsMin = clampNonNegative(v.JobsMin)
	v.JobsMax = clampNonNegative(v.JobsMax)
	v.TicketMin = clampNonNegative(v.TicketMin)
	v.TicketMax = clampNonNegative(v.TicketMax)
	if v.JobsMax < v.JobsMin {
		v.JobsMin, v.JobsMax = v.JobsMax, v.JobsMin
	}
	if v.TicketMax < v.TicketMin {
		v.TicketMin, v.TicketMax = v.TicketMax, v.TicketMin
	}
	return v
}

func clampNonNegative(f float64) float64 {
	// NaN compares false against everything, so the explicit self-compare
	// catches it alongside negatives.
	if f != f || f < 0 {
		return 0
	}
	return f
}

// Case is a single business's intake record for one audit engagement.
// Created by the intake surface; read-only to the pipeline.
type Case struct {
	ID         string          `json:"id"`
	Website    string          `json:"website"`
	Location   string          `json:"location"`
	Offering   string          `json:"offering"`
	Vitals     Vitals          `json:"vitals"`
	RawPayload json.RawMessage `json:"raw_payload,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Job is one execution of the audit pipeline against a Case. The
// orchestrator is the exclusive writer once the job leaves pending.
type Job struct {
	ID          string          `json:"id"`
	CaseID      string          `json:"case_id"`
	Status      JobStatus       `json:"status"`
	Stage       string          `json:"stage,omitempty"`
	Progress    int             `json:"progress"`
	Error       string          `json:"error,omitempty"`
	Diagnostics json.RawMessage `json:"diagnostics,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}
