// Package learning keeps the history of fix attempts and the statistics
// derived from it.
//
// Every concluded attempt is appended to learning.fixAttempts in the shared
// document. The service maintains an in-memory index of PatternAggregate
// values keyed by (issue type, fix method) and writes the aggregates back to
// learning.patterns and the per-type advisory metadata to
// learning.misdiagnosisPatterns. The index is a cache: Rebuild derives it
// again from the stored history, which is what happens after a load.
//
// # Best solution
//
// The best-known solution for an issue type is the method with the highest
// success rate, then the highest frequency, then the most recent attempt.
//
// # Generalization
//
// Generalize folds near-duplicate keys that differ only by embedded file
// paths, line numbers or hex identifiers into one key (see Normalize). The
// history records are rewritten with the originals preserved and the
// aggregates are rebuilt from history, so a second run changes nothing.
//
// # Usage
//
//	svc, err := learning.NewService(nil, doc, logger)
//
//	agg, err := svc.RecordAttempt(ctx, &learning.FixAttemptRecord{
//	    IssueID:    "issue-17",
//	    IssueType:  "powershell_syntax_error",
//	    FixMethod:  "check_try_catch",
//	    Result:     learning.ResultSuccess,
//	    DurationMs: 300000,
//	})
//
//	best, ok := svc.BestSolution("powershell_syntax_error")
package learning
