package main

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/statekeeper/internal/advisor"
	"github.com/fyrsmithlabs/statekeeper/internal/changelog"
	"github.com/fyrsmithlabs/statekeeper/internal/document"
	httpapi "github.com/fyrsmithlabs/statekeeper/internal/http"
	"github.com/fyrsmithlabs/statekeeper/internal/learning"
	"github.com/fyrsmithlabs/statekeeper/internal/persistence"
	"github.com/fyrsmithlabs/statekeeper/internal/query"
)

// startServer serves the API over an in-process document and returns its
// URL and state file.
func startServer(t *testing.T) (string, string) {
	t.Helper()
	doc := document.New()
	log, err := changelog.New(nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })
	doc.Subscribe(log.Observe)

	path := filepath.Join(t.TempDir(), "state.json")
	manager, err := persistence.NewManager(persistence.DefaultConfig(path), doc, persistence.WithChangeLog(log))
	require.NoError(t, err)
	svc, err := learning.NewService(nil, doc, nil)
	require.NoError(t, err)
	adv, err := advisor.New(svc, nil)
	require.NoError(t, err)
	dispatcher, err := query.NewDispatcher(svc, adv, doc, nil)
	require.NoError(t, err)

	server, err := httpapi.NewServer(httpapi.Deps{
		State:     doc,
		Learning:  svc,
		Advisor:   adv,
		Questions: dispatcher,
		Saver:     manager,
		Changes:   log,
	}, zap.NewNop(), &httpapi.Config{})
	require.NoError(t, err)

	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	return ts.URL, path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestHealthCmd(t *testing.T) {
	url, _ := startServer(t)

	out, err := execute(t, "health", "--server", url)
	require.NoError(t, err)
	assert.Contains(t, out, "Status:     ok")
	assert.Contains(t, out, "Change log: 0 entries")

	out, err = execute(t, "health", "--server", url, "--json")
	require.NoError(t, err)
	var h httpapi.HealthResponse
	require.NoError(t, json.Unmarshal([]byte(out), &h))
	assert.Equal(t, "ok", h.Status)
}

func TestStateCmds(t *testing.T) {
	url, path := startServer(t)

	_, err := execute(t, "set", "game.chips.total", "1000", "--server", url)
	require.NoError(t, err)
	_, err = execute(t, "set", "issues.i1.title", "Login fails", "--server", url)
	require.NoError(t, err)

	out, err := execute(t, "get", "game.chips.total", "--server", url)
	require.NoError(t, err)
	assert.Equal(t, "1000", strings.TrimSpace(out))

	out, err = execute(t, "get", "issues.i1.title", "--server", url)
	require.NoError(t, err)
	assert.Equal(t, `"Login fails"`, strings.TrimSpace(out))

	out, err = execute(t, "changes", "--prefix", "game", "--server", url)
	require.NoError(t, err)
	assert.Contains(t, out, "game.chips.total")
	assert.NotContains(t, out, "issues.i1.title")

	out, err = execute(t, "save", "--server", url)
	require.NoError(t, err)
	assert.Contains(t, out, "saved "+path)

	out, err = execute(t, "inspect", path, "game.chips.total")
	require.NoError(t, err)
	assert.Equal(t, "1000", strings.TrimSpace(out))

	out, err = execute(t, "inspect", path)
	require.NoError(t, err)
	assert.Contains(t, out, "game")
	assert.Contains(t, out, "change log: 2 entries")

	out, err = execute(t, "delete", "game.chips.total", "--server", url)
	require.NoError(t, err)
	assert.Contains(t, out, "deleted game.chips.total")

	_, err = execute(t, "get", "game.chips.total", "--server", url)
	assert.ErrorContains(t, err, `no value at "game.chips.total"`)
}

func TestLearningCmds(t *testing.T) {
	url, _ := startServer(t)

	for _, args := range [][]string{
		{"--method", "search_brackets", "--result", "failure", "--duration", "30m", "--start", "1000000"},
		{"--method", "search_brackets", "--result", "failure", "--duration", "40m", "--start", "3000000"},
		{"--method", "check_try_catch", "--result", "success", "--duration", "5m", "--start", "5400000"},
	} {
		cmd := append([]string{"attempt", "--issue-type", "powershell", "--server", url}, args...)
		_, err := execute(t, cmd...)
		require.NoError(t, err)
	}

	out, err := execute(t, "best", "powershell", "--server", url)
	require.NoError(t, err)
	assert.Equal(t, "check_try_catch: 100.0% success over 1 attempts", strings.TrimSpace(out))

	out, err = execute(t, "advice", "--issue-type", "powershell", "--server", url, "--json")
	require.NoError(t, err)
	var adv advisor.Advisory
	require.NoError(t, json.Unmarshal([]byte(out), &adv))
	require.Len(t, adv.Warnings, 1)
	assert.Equal(t, "search_brackets", adv.Warnings[0].Method)
	assert.Equal(t, int64(4200000), adv.Warnings[0].TimeWasted)

	out, err = execute(t, "aggregates", "--server", url)
	require.NoError(t, err)
	assert.Contains(t, out, "search_brackets")
	assert.Contains(t, out, "1h 10m")

	out, err = execute(t, "ask", "best", "fix", "for", "powershell", "--server", url)
	require.NoError(t, err)
	assert.Contains(t, out, "check_try_catch")

	_, err = execute(t, "best", "unknown_type", "--server", url)
	assert.ErrorContains(t, err, "no attempts recorded for unknown_type")

	_, err = execute(t, "advice", "--server", url)
	assert.ErrorContains(t, err, "one of --issue-type or --error is required")
}

func TestAttemptCmd_RequiresFlags(t *testing.T) {
	_, err := execute(t, "attempt", "--issue-type", "powershell")
	assert.ErrorContains(t, err, "required flag(s)")
}

func TestParseValue(t *testing.T) {
	tests := []struct {
		name string
		arg  string
		in   string
		want string
	}{
		{name: "number", arg: "1000", want: `1000`},
		{name: "object", arg: `{"a":1}`, want: `{"a":1}`},
		{name: "plain string", arg: "Login fails", want: `"Login fails"`},
		{name: "stdin", arg: "-", in: "[1, 2]\n", want: `[1, 2]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseValue(tt.arg, strings.NewReader(tt.in))
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "hello", truncate("hello", 10))
	assert.Equal(t, "hello w...", truncate("hello world!", 10))
}
