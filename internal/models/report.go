// This file defines the report job models. Report content itself is never
// persisted; only run metadata is kept for the dashboard's history view.

package models

import "time"

// ReportRequest carries the parameters a report job is started with.
type ReportRequest struct {
	Title             string   `json:"title"`
	CompetitorDomains []string `json:"competitor_domains"`
	Keywords          []string `json:"keywords"`
}

// ReportRun is one execution of the report generation job, persisted for the
// run history endpoint.
type ReportRun struct {
	ID              string     `json:"id"`
	Title           string     `json:"title"`
	RequestedBy     int64      `json:"requested_by"`
	Status          string     `json:"status"`
	CurrentStage    string     `json:"current_stage,omitempty"`
	OverallProgress float64    `json:"overall_progress"`
	ErrorMessage    *string    `json:"error_message,omitempty"`
	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}
