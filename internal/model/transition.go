package model

import (
	"math"
	"math/rand"
	"time"
)

// Outcome is the result a worker's perform(job) resolves to, mapped onto a
// terminal transition by the Executor per the §4.3 table.
type Outcome struct {
	Kind   OutcomeKind
	Reason string        // for Cancel/Error
	Snooze time.Duration // for Snooze
}

type OutcomeKind int

const (
	OutcomeOK OutcomeKind = iota
	OutcomeCancel
	OutcomeError
	OutcomeSnooze
)

func OK() Outcome                             { return Outcome{Kind: OutcomeOK} }
func Cancel(reason string) Outcome            { return Outcome{Kind: OutcomeCancel, Reason: reason} }
func Fail(reason string) Outcome              { return Outcome{Kind: OutcomeError, Reason: reason} }
func Snooze(d time.Duration) Outcome          { return Outcome{Kind: OutcomeSnooze, Snooze: d} }

// DefaultBackoff implements §4.3 step 5: 2^attempt + 15 seconds, +-10% jitter.
// Workers may override via their own backoff(job); this is the fallback.
func DefaultBackoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	base := math.Pow(2, float64(attempt)) + 15
	jitter := base * 0.10
	delta := (rand.Float64()*2 - 1) * jitter
	seconds := base + delta
	if seconds < 0 {
		seconds = 0
	}
	return time.Duration(seconds * float64(time.Second))
}

// Transition describes a pending database update produced by resolving a
// Job + Outcome through the §4.1 state machine. Applying it is the Store's
// job; computing it here keeps the decision table testable without a
// database.
type Transition struct {
	NextState   State
	ScheduledAt time.Time
	MaxAttempts int
	ErrorText   string // non-empty means append an ErrorEntry
	Terminal    bool
}

// Resolve implements the §4.1 "executing --> ..." arm of the state machine
// and the §4.3 outcome-to-transition table. now is injected for testability.
func Resolve(job *Job, outcome Outcome, now time.Time) Transition {
	switch outcome.Kind {
	case OutcomeOK:
		return Transition{NextState: StateCompleted, ScheduledAt: now, MaxAttempts: job.MaxAttempts, Terminal: true}

	case OutcomeCancel:
		return Transition{
			NextState:   StateCancelled,
			ScheduledAt: now,
			MaxAttempts: job.MaxAttempts,
			ErrorText:   outcome.Reason,
			Terminal:    true,
		}

	case OutcomeSnooze:
		return Transition{
			NextState:   StateScheduled,
			ScheduledAt: now.Add(outcome.Snooze),
			MaxAttempts: job.MaxAttempts + 1,
			Terminal:    false,
		}

	case OutcomeError:
		if job.CanRetryAttempt() {
			return Transition{
				NextState:   StateRetryable,
				ScheduledAt: now.Add(DefaultBackoff(job.Attempt)),
				MaxAttempts: job.MaxAttempts,
				ErrorText:   outcome.Reason,
				Terminal:    false,
			}
		}
		return Transition{
			NextState:   StateDiscarded,
			ScheduledAt: now,
			MaxAttempts: job.MaxAttempts,
			ErrorText:   outcome.Reason,
			Terminal:    true,
		}

	default:
		// Unknown outcome kinds are treated as a worker fault, not a crash.
		return Resolve(job, Fail("unrecognized outcome"), now)
	}
}
