package models

import (
	"time"
)

// JobStatus enumerates lifecycle states persisted in Postgres.
const (
	StatusIdle        = "idle"
	StatusRunning     = "running"
	StatusBackfilling = "backfilling"
	StatusSyncing     = "syncing"
	StatusComplete    = "complete"
	StatusError       = "error"
)

// MaxErrorLog bounds the number of error strings kept on a job.
const MaxErrorLog = 5

// Job tracks one pipeline stage over one logical scope.
type Job struct {
	Stage          string     `json:"stage"`
	Scope          string     `json:"scope"`
	Status         string     `json:"status"`
	Cursor         *string    `json:"cursor"`
	TotalProcessed int64      `json:"totalProcessed"`
	TotalErrors    int64      `json:"totalErrors"`
	ErrorLog       []string   `json:"errorLog"`
	LastRunAt      *time.Time `json:"lastRunAt,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// Busy reports whether the job is in any of the in-progress states.
func (j Job) Busy() bool {
	return IsBusyStatus(j.Status)
}

// IsBusyStatus treats running, backfilling and syncing as equivalent.
func IsBusyStatus(status string) bool {
	switch status {
	case StatusRunning, StatusBackfilling, StatusSyncing:
		return true
	}
	return false
}

// AppendErrorLog appends msgs to log and keeps only the most recent MaxErrorLog entries.
func AppendErrorLog(log []string, msgs ...string) []string {
	out := make([]string, 0, len(log)+len(msgs))
	out = append(out, log...)
	out = append(out, msgs...)
	if len(out) > MaxErrorLog {
		out = out[len(out)-MaxErrorLog:]
	}
	return out
}
