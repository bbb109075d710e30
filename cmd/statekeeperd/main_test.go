package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/statekeeper/internal/client"
)

// daemonEnv points the daemon at a scratch home, store and free port.
func daemonEnv(t *testing.T) (storePath, baseURL string) {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	storePath = filepath.Join(home, "state.json")
	t.Setenv("STATEKEEPER_SERVER_HTTP_PORT", fmt.Sprint(port))
	t.Setenv("STATEKEEPER_STORE_PATH", storePath)
	t.Setenv("STATEKEEPER_CHANGELOG_ARCHIVE__IN_MEMORY", "true")
	t.Setenv("STATEKEEPER_LOGGING_LEVEL", "warn")
	return storePath, fmt.Sprintf("http://127.0.0.1:%d", port)
}

// startDaemon runs the daemon until the returned stop func is called.
func startDaemon(t *testing.T, baseURL string) (*client.Client, func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- run(ctx, "")
	}()

	c := client.New(baseURL)
	require.Eventually(t, func() bool {
		_, err := c.Health(context.Background())
		return err == nil
	}, 5*time.Second, 20*time.Millisecond, "daemon did not become healthy")

	stopped := false
	stop := func() {
		if stopped {
			return
		}
		stopped = true
		cancel()
		select {
		case err := <-errCh:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("daemon did not shut down in time")
		}
	}
	t.Cleanup(stop)
	return c, stop
}

func TestMainIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	_, baseURL := daemonEnv(t)
	c, _ := startDaemon(t, baseURL)

	health, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", health.Status)
}

func TestRun_SavesOnShutdownAndReloads(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	storePath, baseURL := daemonEnv(t)
	ctx := context.Background()

	c, stop := startDaemon(t, baseURL)
	require.NoError(t, c.Set(ctx, "game.chips.total", []byte(`1000`)))
	stop()

	_, err := os.Stat(storePath)
	require.NoError(t, err, "final save should write the state file")

	c, _ = startDaemon(t, baseURL)
	v, err := c.Get(ctx, "game.chips.total")
	require.NoError(t, err)
	n, ok := v.AsInt64()
	require.True(t, ok)
	assert.Equal(t, int64(1000), n)
}

func TestRun_QuarantinesCorruptStateFile(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	storePath, baseURL := daemonEnv(t)
	require.NoError(t, os.WriteFile(storePath, []byte("{not json"), 0o600))

	c, _ := startDaemon(t, baseURL)
	_, err := c.Health(context.Background())
	require.NoError(t, err)

	moved, err := filepath.Glob(storePath + ".corrupt-*")
	require.NoError(t, err)
	assert.Len(t, moved, 1)
}

func TestRun_InvalidConfig(t *testing.T) {
	daemonEnv(t)
	t.Setenv("STATEKEEPER_SERVER_HTTP_PORT", "70000")

	err := run(context.Background(), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid server port")
}
