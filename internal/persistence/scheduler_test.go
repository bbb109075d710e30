package persistence

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/statekeeper/internal/document"
)

type fakeTicker struct {
	ch      chan time.Time
	mu      sync.Mutex
	stopped bool
}

func newFakeTicker() *fakeTicker {
	return &fakeTicker{ch: make(chan time.Time)}
}

func (f *fakeTicker) C() <-chan time.Time { return f.ch }

func (f *fakeTicker) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
}

func (f *fakeTicker) isStopped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestNewScheduler_Validation(t *testing.T) {
	_, err := NewScheduler(nil, nil)
	assert.Error(t, err)

	m, _, _ := newTestManager(t)
	_, err = NewScheduler(m, nil, WithInterval(0))
	assert.Error(t, err)
}

func TestScheduler_SavesAfterDebounce(t *testing.T) {
	clock := &manualClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	path := t.TempDir() + "/state.json"
	doc := document.New(document.WithClock(clock.Now))
	cfg := DefaultConfig(path)
	m, err := NewManager(cfg, doc)
	require.NoError(t, err)

	ticker := newFakeTicker()
	s, err := NewScheduler(m, nil,
		WithDebounce(2*time.Second),
		WithTicker(func(time.Duration) Ticker { return ticker }),
		WithSchedulerClock(clock.Now),
	)
	require.NoError(t, err)
	require.NoError(t, s.Start())
	assert.Error(t, s.Start(), "second start is rejected")

	require.NoError(t, doc.Set("game.chips.total", document.IntValue(1000)))

	ticker.ch <- clock.Now()
	// The next send only completes once the previous tick has been handled.
	ticker.ch <- clock.Now()
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "changes are not quiet yet")

	clock.Advance(3 * time.Second)
	ticker.ch <- clock.Now()
	assert.Eventually(t, func() bool { return !m.Dirty() }, time.Second, 5*time.Millisecond)
	_, err = os.Stat(path)
	assert.NoError(t, err)

	require.NoError(t, s.Stop(context.Background()))
	assert.True(t, ticker.isStopped())
}

func TestScheduler_SteadyWritesDoNotBlockSaves(t *testing.T) {
	clock := &manualClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	path := t.TempDir() + "/state.json"
	doc := document.New(document.WithClock(clock.Now))
	m, err := NewManager(DefaultConfig(path), doc)
	require.NoError(t, err)

	s, err := NewScheduler(m, nil,
		WithInterval(30*time.Second),
		WithDebounce(2*time.Second),
		WithSchedulerClock(clock.Now),
	)
	require.NoError(t, err)

	require.NoError(t, doc.Set("learning.knowledge", document.SequenceValue(document.StringValue("e1"))))
	for i := 1; i <= 600; i++ {
		clock.Advance(time.Second)
		require.NoError(t, doc.Set("system.health.heartbeat", document.IntValue(int64(i))))
		if i%30 == 0 {
			s.tick()
		}
	}

	root, _, err := Inspect(path, nil)
	require.NoError(t, err)
	v, ok := root.Lookup("learning.knowledge")
	require.True(t, ok)
	assert.Equal(t, 1, v.Len())
}

func TestScheduler_MaxDelayDefaultsToInterval(t *testing.T) {
	m, _, _ := newTestManager(t)
	s, err := NewScheduler(m, nil, WithInterval(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, time.Minute, s.maxDelay)

	s, err = NewScheduler(m, nil, WithInterval(time.Minute), WithMaxDelay(5*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, s.maxDelay)
}

func TestScheduler_StopPerformsFinalSave(t *testing.T) {
	m, doc, path := newTestManager(t)
	ticker := newFakeTicker()
	s, err := NewScheduler(m, nil,
		WithDebounce(time.Hour),
		WithTicker(func(time.Duration) Ticker { return ticker }),
	)
	require.NoError(t, err)
	require.NoError(t, s.Start())

	require.NoError(t, doc.Set("learning.knowledge", document.SequenceValue(document.StringValue("e1"))))
	require.NoError(t, s.Stop(context.Background()))

	assert.False(t, m.Dirty())
	root, _, err := Inspect(path, nil)
	require.NoError(t, err)
	v, ok := root.Lookup("learning.knowledge")
	require.True(t, ok)
	assert.Equal(t, 1, v.Len())
}

func TestScheduler_StopWithoutStart(t *testing.T) {
	m, _, path := newTestManager(t)
	s, err := NewScheduler(m, nil)
	require.NoError(t, err)

	require.NoError(t, s.Stop(context.Background()))
	_, err = os.Stat(path)
	assert.NoError(t, err, "a never-saved manager is dirty and gets flushed")
}

func TestScheduler_FailedSaveKeepsRunning(t *testing.T) {
	m, doc, _ := newTestManager(t)
	failing := true
	var mu sync.Mutex
	m.write = func(p string, data []byte, mode os.FileMode, verify func([]byte) error) error {
		mu.Lock()
		defer mu.Unlock()
		if failing {
			return os.ErrPermission
		}
		return writeAtomic(p, data, mode, verify)
	}
	m.cfg.MaxAttempts = 1

	ticker := newFakeTicker()
	s, err := NewScheduler(m, nil,
		WithDebounce(0),
		WithTicker(func(time.Duration) Ticker { return ticker }),
	)
	require.NoError(t, err)
	require.NoError(t, s.Start())

	require.NoError(t, doc.Set("a", document.IntValue(1)))
	ticker.ch <- time.Now()
	ticker.ch <- time.Now()
	assert.True(t, m.Dirty())

	mu.Lock()
	failing = false
	mu.Unlock()
	ticker.ch <- time.Now()
	assert.Eventually(t, func() bool { return !m.Dirty() }, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Stop(context.Background()))
}
