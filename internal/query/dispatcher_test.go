package query

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/statekeeper/internal/advisor"
	"github.com/fyrsmithlabs/statekeeper/internal/document"
	"github.com/fyrsmithlabs/statekeeper/internal/learning"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, *document.Document) {
	t.Helper()
	doc := document.New()
	svc, err := learning.NewService(nil, doc, nil)
	require.NoError(t, err)

	for _, rec := range []learning.FixAttemptRecord{
		{IssueType: "powershell_syntax_error", FixMethod: "search_brackets", Result: learning.ResultFailure, TimestampStart: 1, DurationMs: 1800000},
		{IssueType: "powershell_syntax_error", FixMethod: "search_brackets", Result: learning.ResultFailure, TimestampStart: 2, DurationMs: 2400000},
		{IssueType: "powershell_syntax_error", FixMethod: "check_try_catch", Result: learning.ResultSuccess, TimestampStart: 3, DurationMs: 300000},
	} {
		rec := rec
		_, err := svc.RecordAttempt(context.Background(), &rec)
		require.NoError(t, err)
	}

	adv, err := advisor.New(svc, nil)
	require.NoError(t, err)
	d, err := NewDispatcher(svc, adv, doc, nil)
	require.NoError(t, err)
	return d, doc
}

func TestNewDispatcher_Validation(t *testing.T) {
	_, err := NewDispatcher(nil, nil, nil, nil)
	assert.Error(t, err)
}

func TestDispatch_Routes(t *testing.T) {
	d, doc := newTestDispatcher(t)
	require.NoError(t, doc.Set("game.chips.total", document.IntValue(1000)))
	ctx := context.Background()

	tests := []struct {
		question string
		kind     string
		subject  string
		text     string
	}{
		{"best fix for powershell_syntax_error", KindBestSolution, "powershell_syntax_error", "check_try_catch: 100% success over 1 attempts"},
		{"What is the best solution for powershell_syntax_error?", KindBestSolution, "powershell_syntax_error", "check_try_catch"},
		{"what failed for powershell_syntax_error", KindAdvisory, "powershell_syntax_error", "avoid search_brackets"},
		{"advice for powershell_syntax_error", KindAdvisory, "powershell_syntax_error", "try check_try_catch"},
		{"time wasted on powershell_syntax_error", KindTimeWasted, "powershell_syntax_error", "1h10m0s wasted"},
		{"get game.chips.total", KindValue, "game.chips.total", "1000"},
		{"get game.missing", KindValue, "game.missing", "no value at game.missing"},
		{"list patterns", KindPatterns, "", "1 issue types: powershell_syntax_error"},
		{"show patterns", KindPatterns, "", "1 issue types: powershell_syntax_error"},
		{"show all issue types", KindPatterns, "", "powershell_syntax_error"},
		{"show game.chips.total", KindValue, "game.chips.total", "1000"},
		{"best fix for unknown_issue", KindBestSolution, "unknown_issue", "no recorded attempts"},
	}
	for _, tt := range tests {
		t.Run(tt.question, func(t *testing.T) {
			ans, err := d.Dispatch(ctx, tt.question)
			require.NoError(t, err)
			assert.Equal(t, tt.kind, ans.Kind)
			assert.Equal(t, tt.subject, ans.Subject)
			assert.Contains(t, ans.Text, tt.text)
		})
	}
}

func TestDispatch_TimeWastedData(t *testing.T) {
	d, _ := newTestDispatcher(t)
	ans, err := d.Dispatch(context.Background(), "how much time was wasted on powershell_syntax_error?")
	require.NoError(t, err)
	assert.Equal(t, int64(4200000), ans.Data)
}

func TestDispatch_Errors(t *testing.T) {
	d, _ := newTestDispatcher(t)
	ctx := context.Background()

	_, err := d.Dispatch(ctx, "   ")
	assert.ErrorIs(t, err, ErrEmptyQuestion)

	_, err = d.Dispatch(ctx, "why is the sky blue")
	assert.ErrorIs(t, err, ErrUnrecognizedQuestion)

	_, err = d.Dispatch(ctx, "get a..b")
	var ipe *document.InvalidPathError
	assert.ErrorAs(t, err, &ipe)
}
