// Package model holds the durable Job/Peer entities (§3) and the state
// machine transitions (§4.1). It is deliberately free of any storage driver
// import so it can be unit tested without a database.
package model

import (
	"time"

	"gorm.io/datatypes"
)

// State is one of the seven job states from §3.
type State string

const (
	StateScheduled State = "scheduled"
	StateAvailable State = "available"
	StateExecuting State = "executing"
	StateRetryable State = "retryable"
	StateCompleted State = "completed"
	StateDiscarded State = "discarded"
	StateCancelled State = "cancelled"
)

func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateDiscarded, StateCancelled:
		return true
	default:
		return false
	}
}

// ErrorEntry is one element of Job.Errors, appended (never overwritten) on
// each failed attempt (§4.1 "appended via JSON array push").
type ErrorEntry struct {
	Attempt int       `json:"attempt"`
	At      time.Time `json:"at"`
	Error   string    `json:"error"`
}

// Job is the central durable entity described in §3.
type Job struct {
	ID uint64 `gorm:"primaryKey;autoIncrement" json:"id"`

	State State  `gorm:"column:state;type:varchar(16);not null;index:idx_jobs_claim,priority:1" json:"state"`
	Queue string `gorm:"column:queue;type:varchar(128);not null;index:idx_jobs_claim,priority:2" json:"queue"`

	Worker string `gorm:"column:worker;type:varchar(128);not null" json:"worker"`

	Args datatypes.JSON `gorm:"column:args;type:jsonb" json:"args"`
	Meta datatypes.JSON `gorm:"column:meta;type:jsonb" json:"meta"`
	Tags datatypes.JSON `gorm:"column:tags;type:jsonb" json:"tags"`

	Attempt     int `gorm:"column:attempt;not null;default:0" json:"attempt"`
	MaxAttempts int `gorm:"column:max_attempts;not null;default:20" json:"max_attempts"`
	Priority    int `gorm:"column:priority;not null;default:0;index:idx_jobs_claim,priority:3" json:"priority"`

	Errors       datatypes.JSON `gorm:"column:errors;type:jsonb" json:"errors"`
	AttemptedBy  datatypes.JSON `gorm:"column:attempted_by;type:jsonb" json:"attempted_by"`

	InsertedAt   time.Time  `gorm:"column:inserted_at;not null;autoCreateTime" json:"inserted_at"`
	ScheduledAt  time.Time  `gorm:"column:scheduled_at;not null;index:idx_jobs_claim,priority:4" json:"scheduled_at"`
	AttemptedAt  *time.Time `gorm:"column:attempted_at" json:"attempted_at,omitempty"`
	CompletedAt  *time.Time `gorm:"column:completed_at" json:"completed_at,omitempty"`
	CancelledAt  *time.Time `gorm:"column:cancelled_at" json:"cancelled_at,omitempty"`
	DiscardedAt  *time.Time `gorm:"column:discarded_at" json:"discarded_at,omitempty"`
}

func (Job) TableName() string { return "jobs" }

// Claimable reports whether the row is eligible for claim (§4.1): only
// "available" jobs are claimed directly; scheduled/retryable rows must first
// pass through the Stager.
func (j *Job) Claimable() bool {
	return j.State == StateAvailable
}

// CanRetryAttempt reports whether another execution attempt is permitted
// given the invariant 0 <= attempt <= max_attempts (§3).
func (j *Job) CanRetryAttempt() bool {
	return j.Attempt < j.MaxAttempts
}
