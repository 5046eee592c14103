package model

import "time"

// RunStatus is the lifecycle state of a scraping run.
type RunStatus string

const (
	RunRunning    RunStatus = "running"
	RunProcessing RunStatus = "processing"
	RunCompleted  RunStatus = "completed"
	RunFailed     RunStatus = "failed"
)

// IsTerminal reports whether the status is completed or failed.
func (s RunStatus) IsTerminal() bool {
	return s == RunCompleted || s == RunFailed
}

// ScrapingRun records one execution of the pipeline.
// EndTime is set if and only if Status is terminal.
type ScrapingRun struct {
	ID           string       `json:"id"`
	StartTime    time.Time    `json:"start_time"`
	EndTime      *time.Time   `json:"end_time,omitempty"`
	Status       RunStatus    `json:"status"`
	Counts       map[Kind]int `json:"counts"`
	SourceCount  int          `json:"source_count"`
	ErrorMessage *string      `json:"error_message,omitempty"`
}

// Count returns the found count for kind, zero when unset.
func (r *ScrapingRun) Count(kind Kind) int {
	if r == nil || r.Counts == nil {
		return 0
	}
	return r.Counts[kind]
}

// RunUpdate is a partial update to a scraping run. Nil fields are left unchanged.
type RunUpdate struct {
	Status       *RunStatus
	EndTime      *time.Time
	Counts       map[Kind]int
	SourceCount  *int
	ErrorMessage *string
}
