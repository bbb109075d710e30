package learning

import (
	"errors"
	"fmt"
)

// Result is the outcome of a fix attempt.
type Result string

const (
	// ResultSuccess means the fix resolved the issue.
	ResultSuccess Result = "success"
	// ResultFailure means the fix did not help.
	ResultFailure Result = "failure"
	// ResultPartial counts toward frequency but neither successes nor failures.
	ResultPartial Result = "partial"
)

// Valid reports whether r is a known result.
func (r Result) Valid() bool {
	switch r {
	case ResultSuccess, ResultFailure, ResultPartial:
		return true
	}
	return false
}

// FixAttemptRecord is one concluded attempt to resolve an issue.
// Records are appended to history and never modified afterwards, except by
// Generalize, which rewrites the type and method keys and keeps the originals.
type FixAttemptRecord struct {
	ID             string `json:"id"`
	IssueID        string `json:"issueId"`
	IssueType      string `json:"issueType"`
	Component      string `json:"component,omitempty"`
	FixMethod      string `json:"fixMethod"`
	Result         Result `json:"result"`
	TimestampStart int64  `json:"timestampStart"`
	DurationMs     int64  `json:"durationMs"`
	Details        string `json:"details,omitempty"`

	// Symptom is the error text observed, used for fuzzy advisory matching.
	Symptom string `json:"symptom,omitempty"`

	OriginalIssueType string `json:"originalIssueType,omitempty"`
	OriginalFixMethod string `json:"originalFixMethod,omitempty"`
}

// endMs is when the attempt concluded.
func (r *FixAttemptRecord) endMs() int64 {
	return r.TimestampStart + r.DurationMs
}

// PatternAggregate holds derived statistics for one (issue type, method) pair.
type PatternAggregate struct {
	IssueType   string  `json:"issueType"`
	FixMethod   string  `json:"fixMethod"`
	Frequency   int     `json:"frequency"`
	Successes   int     `json:"successes"`
	Failures    int     `json:"failures"`
	Partials    int     `json:"partials"`
	SuccessRate float64 `json:"successRate"`

	// TimeWasted is the sum of durations of failed attempts in milliseconds.
	TimeWasted int64 `json:"timeWasted"`

	// BestKnownSolution and MisdiagnosisMethod describe the whole issue type.
	BestKnownSolution  string `json:"bestKnownSolution,omitempty"`
	MisdiagnosisMethod string `json:"misdiagnosisMethod,omitempty"`

	LastUpdated int64 `json:"lastUpdated"`
	LastFailed  int64 `json:"lastFailed,omitempty"`
}

func (a *PatternAggregate) recompute() {
	if a.Frequency > 0 {
		a.SuccessRate = float64(a.Successes) / float64(a.Frequency)
	} else {
		a.SuccessRate = 0
	}
}

// Solution is the best-known method for an issue type.
type Solution struct {
	Method      string  `json:"method"`
	SuccessRate float64 `json:"successRate"`
	Frequency   int     `json:"frequency"`
	Successes   int     `json:"successes"`
}

// MisdiagnosisPattern is the advisory metadata kept per issue type.
type MisdiagnosisPattern struct {
	IssueType           string   `json:"issueType"`
	Symptom             string   `json:"symptom,omitempty"`
	Symptoms            []string `json:"symptoms"`
	CommonWrongApproach string   `json:"commonWrongApproach,omitempty"`
	CorrectApproach     string   `json:"correctApproach,omitempty"`
	Frequency           int      `json:"frequency"`
	TimeWasted          int64    `json:"timeWasted"`
}

// GeneralizeReport summarizes a Generalize run.
type GeneralizeReport struct {
	RecordsRewritten int `json:"recordsRewritten"`
	KeysBefore       int `json:"keysBefore"`
	KeysAfter        int `json:"keysAfter"`

	// Merged maps each generalized pair key to the distinct keys folded into it.
	Merged map[string][]string `json:"merged,omitempty"`
}

// RebuildReport summarizes a Rebuild run.
type RebuildReport struct {
	Records    int  `json:"records"`
	Skipped    int  `json:"skipped"`
	Aggregates int  `json:"aggregates"`
	Rewritten  bool `json:"rewritten"`
}

// ErrInvalidRecord is wrapped by every InvalidRecordError.
var ErrInvalidRecord = errors.New("invalid fix attempt record")

// InvalidRecordError rejects a malformed FixAttemptRecord.
type InvalidRecordError struct {
	Field  string
	Reason string
}

func (e *InvalidRecordError) Error() string {
	return fmt.Sprintf("invalid fix attempt record: %s %s", e.Field, e.Reason)
}

func (e *InvalidRecordError) Unwrap() error { return ErrInvalidRecord }
