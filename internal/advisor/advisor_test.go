package advisor

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/statekeeper/internal/document"
	"github.com/fyrsmithlabs/statekeeper/internal/learning"
)

func newLearner(t *testing.T) (learning.Service, *document.Document) {
	t.Helper()
	doc := document.New()
	svc, err := learning.NewService(nil, doc, nil)
	require.NoError(t, err)
	return svc, doc
}

func recordAttempt(t *testing.T, svc learning.Service, rec learning.FixAttemptRecord) {
	t.Helper()
	_, err := svc.RecordAttempt(context.Background(), &rec)
	require.NoError(t, err)
}

func seedPowershell(t *testing.T, svc learning.Service) {
	t.Helper()
	const it = "powershell_syntax_error"
	recordAttempt(t, svc, learning.FixAttemptRecord{
		IssueID: "i1", IssueType: it, FixMethod: "search_brackets", Result: learning.ResultFailure,
		TimestampStart: 1000, DurationMs: 1800000, Symptom: "Missing closing '}' in statement block",
	})
	recordAttempt(t, svc, learning.FixAttemptRecord{
		IssueID: "i1", IssueType: it, FixMethod: "search_brackets", Result: learning.ResultFailure,
		TimestampStart: 2000000, DurationMs: 2400000,
	})
	recordAttempt(t, svc, learning.FixAttemptRecord{
		IssueID: "i1", IssueType: it, FixMethod: "check_try_catch", Result: learning.ResultSuccess,
		TimestampStart: 5000000, DurationMs: 300000,
	})
}

func TestNew_RequiresPatterns(t *testing.T) {
	_, err := New(nil, nil)
	assert.Error(t, err)
}

func TestQuery_PowershellScenario(t *testing.T) {
	svc, _ := newLearner(t)
	seedPowershell(t, svc)
	adv, err := New(svc, nil)
	require.NoError(t, err)

	got, err := adv.Query(context.Background(), "powershell_syntax_error", "", "scripts")
	require.NoError(t, err)
	assert.Equal(t, MatchIssueType, got.MatchedBy)
	require.Len(t, got.Warnings, 1)
	assert.Equal(t, "search_brackets", got.Warnings[0].Method)
	assert.Equal(t, 2, got.Warnings[0].FailureCount)
	assert.Equal(t, int64(4200000), got.Warnings[0].TimeWasted)

	require.NotNil(t, got.CorrectApproach)
	assert.Equal(t, "check_try_catch", got.CorrectApproach.Method)
	assert.Equal(t, 1.0, got.CorrectApproach.SuccessRate)
	assert.Equal(t, 1, got.CorrectApproach.Frequency)

	require.NotNil(t, got.EstimatedTimeSavings)
	assert.Equal(t, int64(4200000), *got.EstimatedTimeSavings)

	assert.Contains(t, got.Summary(), "avoid search_brackets (failed 2 times, 1h10m0s wasted)")
	assert.Contains(t, got.Summary(), "try check_try_catch")
}

func TestQuery_UnknownIssueDegrades(t *testing.T) {
	svc, _ := newLearner(t)
	adv, err := New(svc, nil)
	require.NoError(t, err)

	got, err := adv.Query(context.Background(), "never_seen", "something broke", "")
	require.NoError(t, err)
	assert.Equal(t, MatchNone, got.MatchedBy)
	assert.Empty(t, got.Warnings)
	assert.Nil(t, got.CorrectApproach)
	assert.Nil(t, got.EstimatedTimeSavings)

	b, err := json.Marshal(got)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"warnings":[]`)
	assert.Contains(t, string(b), `"correctApproach":null`)
	assert.Contains(t, string(b), `"estimatedTimeSavings":null`)
	assert.Equal(t, "no recorded patterns for never_seen", got.Summary())
}

func TestQuery_SymptomFallback(t *testing.T) {
	svc, _ := newLearner(t)
	seedPowershell(t, svc)
	adv, err := New(svc, nil)
	require.NoError(t, err)

	got, err := adv.Query(context.Background(), "script_error",
		"At line:12 char:5 Missing closing '}' in statement block or type definition", "")
	require.NoError(t, err)
	assert.Equal(t, MatchSymptom, got.MatchedBy)
	assert.Equal(t, "powershell_syntax_error", got.MatchedIssueType)
	assert.Equal(t, "Missing closing '}' in statement block", got.MatchedSymptom)
	require.Len(t, got.Warnings, 1)

	got, err = adv.Query(context.Background(), "", "missing CLOSING", "")
	require.NoError(t, err)
	assert.Equal(t, MatchSymptom, got.MatchedBy, "short messages match inside stored symptoms")
}

func TestQuery_NormalizedIssueType(t *testing.T) {
	svc, _ := newLearner(t)
	recordAttempt(t, svc, learning.FixAttemptRecord{
		IssueType: "syntax_error_line_<n>", FixMethod: "lint", Result: learning.ResultFailure, DurationMs: 10,
	})
	adv, err := New(svc, nil)
	require.NoError(t, err)

	got, err := adv.Query(context.Background(), "Syntax Error Line 99", "", "")
	require.NoError(t, err)
	assert.Equal(t, MatchNormalized, got.MatchedBy)
	assert.Equal(t, "syntax_error_line_<n>", got.MatchedIssueType)
}

func TestQuery_NoSuccessMeansNoCorrectApproach(t *testing.T) {
	svc, _ := newLearner(t)
	recordAttempt(t, svc, learning.FixAttemptRecord{
		IssueType: "flaky", FixMethod: "rerun", Result: learning.ResultFailure, DurationMs: 100,
	})
	recordAttempt(t, svc, learning.FixAttemptRecord{
		IssueType: "flaky", FixMethod: "pin_seed", Result: learning.ResultPartial, DurationMs: 50,
	})
	adv, err := New(svc, nil)
	require.NoError(t, err)

	got, err := adv.Query(context.Background(), "flaky", "", "")
	require.NoError(t, err)
	assert.Nil(t, got.CorrectApproach)
	require.Len(t, got.Warnings, 1)
	require.NotNil(t, got.EstimatedTimeSavings)
	assert.Equal(t, int64(100), *got.EstimatedTimeSavings)
}

func TestQuery_ReadOnly(t *testing.T) {
	svc, doc := newLearner(t)
	seedPowershell(t, svc)
	adv, err := New(svc, nil)
	require.NoError(t, err)

	before := doc.Snapshot()
	aggs := svc.Aggregates("")
	changes := 0
	cancel := doc.Subscribe(func(document.Change) { changes++ })
	defer cancel()

	for _, q := range []string{"powershell_syntax_error", "unknown", ""} {
		_, err := adv.Query(context.Background(), q, "missing closing", "c")
		require.NoError(t, err)
	}
	assert.Zero(t, changes)
	assert.True(t, before.Equal(doc.Snapshot()))
	assert.Equal(t, aggs, svc.Aggregates(""))
}

func TestQuery_Canceled(t *testing.T) {
	svc, _ := newLearner(t)
	adv, err := New(svc, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = adv.Query(ctx, "x", "", "")
	assert.ErrorIs(t, err, context.Canceled)
}
