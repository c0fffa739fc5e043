package metrics

import (
	"time"
)

// Recorder defines the interface for recording pipeline metrics
type Recorder interface {
	// RecordSession records a finished ingestion session with its terminal state
	RecordSession(state string, duration time.Duration)

	// RecordIssue records one report issue
	RecordIssue(stage, severity, kind string)

	// RecordProcessing records one image processing attempt
	RecordProcessing(success bool, duration time.Duration)

	// RecordUploadAttempt records one sink call; outcome is ok, retryable or permanent
	RecordUploadAttempt(sink, outcome string, duration time.Duration)

	// RecordUploadOutcome records the final status of one upload item
	RecordUploadOutcome(status string)

	// IncActiveSessions increments the count of running sessions
	IncActiveSessions()

	// DecActiveSessions decrements the count of running sessions
	DecActiveSessions()
}

// Nop discards every measurement.
type Nop struct{}

func (Nop) RecordSession(string, time.Duration) {}
func (Nop) RecordIssue(string, string, string) {}
func (Nop) RecordProcessing(bool, time.Duration) {}
func (Nop) RecordUploadAttempt(string, string, time.Duration) {}
func (Nop) RecordUploadOutcome(string) {}
func (Nop) IncActiveSessions() {}
func (Nop) DecActiveSessions() {}
