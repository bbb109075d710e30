package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/fyrsmithlabs/statekeeper/internal/changelog"
	"github.com/fyrsmithlabs/statekeeper/internal/document"
)

// sequenceDroppingCodec encodes every sequence as [] and decodes normally.
type sequenceDroppingCodec struct{}

func (sequenceDroppingCodec) Encode(v document.Value) ([]byte, error) {
	return JSONCodec{}.Encode(dropSequences(v))
}

func (sequenceDroppingCodec) Decode(data []byte) (document.Value, error) {
	return JSONCodec{}.Decode(data)
}

func dropSequences(v document.Value) document.Value {
	switch v.Kind() {
	case document.KindSequence:
		return document.SequenceValue()
	case document.KindMapping:
		out := document.EmptyMapping()
		for _, k := range v.Keys() {
			f, _ := v.Field(k)
			out = out.WithField(k, dropSequences(f))
		}
		return out
	default:
		return v
	}
}

func newTestManager(t *testing.T, opts ...Option) (*Manager, *document.Document, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.json")
	doc := document.New()
	cfg := DefaultConfig(path)
	cfg.InitialBackoff = time.Millisecond
	m, err := NewManager(cfg, doc, opts...)
	require.NoError(t, err)
	return m, doc, path
}

func readEnvelope(t *testing.T, path string) envelope {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var env envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

func TestNewManager_Validation(t *testing.T) {
	_, err := NewManager(nil, document.New())
	assert.Error(t, err)

	_, err = NewManager(DefaultConfig("state.json"), nil)
	assert.Error(t, err)

	cfg := DefaultConfig("state.json")
	cfg.GuardedPaths = []string{"bad..path"}
	_, err = NewManager(cfg, document.New())
	assert.Error(t, err)

	doc := document.New()
	_, err = NewManager(DefaultConfig("a.json"), doc)
	require.NoError(t, err)
	_, err = NewManager(DefaultConfig("b.json"), doc)
	assert.ErrorIs(t, err, document.ErrAlreadyReserved, "metadata can only be owned once")
}

func TestManager_SaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	m, doc, path := newTestManager(t)

	require.NoError(t, doc.Set("game.chips.total", document.IntValue(1000)))
	require.NoError(t, doc.Set("game.name", document.StringValue("poker")))
	res, err := m.Save(ctx)
	require.NoError(t, err)
	assert.Equal(t, path, res.Path)
	assert.Equal(t, 1, res.Attempts)
	assert.False(t, m.Dirty())

	fresh := document.New()
	m2, err := NewManager(DefaultConfig(path), fresh)
	require.NoError(t, err)
	lr, err := m2.Load(ctx)
	require.NoError(t, err)
	assert.False(t, lr.Missing)

	got, ok := fresh.Get("game.chips.total")
	require.True(t, ok)
	n, _ := got.AsInt64()
	assert.Equal(t, int64(1000), n)

	game, _ := fresh.Get("game")
	assert.Equal(t, "poker", game.StringField("name"))

	savedAt, ok := fresh.Get(SavedAtPath)
	require.True(t, ok)
	ms, _ := savedAt.AsInt64()
	assert.Equal(t, res.SavedAt.UnixMilli(), ms)
}

func TestManager_LoadMissingFile(t *testing.T) {
	m, doc, _ := newTestManager(t)
	require.NoError(t, doc.Set("stale", document.BoolValue(true)))

	res, err := m.Load(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Missing)
	_, ok := doc.Get("stale")
	assert.False(t, ok)
	assert.False(t, m.Dirty())
}

func TestManager_FaultySerializerLeavesFileIntact(t *testing.T) {
	ctx := context.Background()
	m, doc, path := newTestManager(t)

	knowledge := document.SequenceValue(document.StringValue("e1"), document.StringValue("e2"))
	require.NoError(t, doc.Set("learning.knowledge", knowledge))
	_, err := m.Save(ctx)
	require.NoError(t, err)
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	m.codec = sequenceDroppingCodec{}
	require.NoError(t, doc.Set("learning.version", document.IntValue(2)))

	_, err = m.Save(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrShrinkPrevented)

	var we *WriteError
	require.True(t, errors.As(err, &we))
	assert.True(t, we.PriorStateIntact())

	var se *ShrinkError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "learning.knowledge", se.GuardedPath)

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	root, _, err := Inspect(path, nil)
	require.NoError(t, err)
	got, ok := root.Lookup("learning.knowledge")
	require.True(t, ok)
	assert.True(t, knowledge.Equal(got))

	assert.True(t, m.Dirty(), "failed save keeps changes pending")

	m.codec = JSONCodec{}
	_, err = m.Save(ctx)
	require.NoError(t, err)
	assert.False(t, m.Dirty())
}

func TestManager_FaultySerializerWithoutPriorFile(t *testing.T) {
	m, doc, path := newTestManager(t, WithCodec(sequenceDroppingCodec{}))
	require.NoError(t, doc.Set("learning.knowledge", document.SequenceValue(document.StringValue("e1"))))

	_, err := m.Save(context.Background())
	assert.ErrorIs(t, err, ErrShrinkPrevented)
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestManager_RegressionGuard(t *testing.T) {
	ctx := context.Background()
	m, doc, path := newTestManager(t)

	require.NoError(t, doc.Set("issues.i1.status", document.StringValue("open")))
	_, err := m.Save(ctx)
	require.NoError(t, err)
	before, _ := os.ReadFile(path)

	// Replace bypasses change notifications, so the guard sees an unexplained loss.
	require.NoError(t, doc.Replace(document.EmptyMapping()))
	require.NoError(t, doc.Set("other", document.IntValue(1)))
	_, err = m.Save(ctx)
	require.ErrorIs(t, err, ErrShrinkPrevented)
	var se *ShrinkError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "issues", se.GuardedPath)

	after, _ := os.ReadFile(path)
	assert.Equal(t, before, after)
}

func TestManager_ExplicitClearIsSaved(t *testing.T) {
	ctx := context.Background()
	m, doc, path := newTestManager(t)

	require.NoError(t, doc.Set("learning.knowledge", document.SequenceValue(document.StringValue("e1"))))
	_, err := m.Save(ctx)
	require.NoError(t, err)

	require.NoError(t, doc.Set("learning.knowledge", document.SequenceValue()))
	_, err = m.Save(ctx)
	require.NoError(t, err)

	root, _, err := Inspect(path, nil)
	require.NoError(t, err)
	got, ok := root.Lookup("learning.knowledge")
	require.True(t, ok)
	assert.Equal(t, 0, got.Len())

	require.NoError(t, doc.Set("issues.i1", document.StringValue("x")))
	_, err = m.Save(ctx)
	require.NoError(t, err)
	_, err = doc.Delete("issues")
	require.NoError(t, err)
	_, err = m.Save(ctx)
	require.NoError(t, err, "deleting the guarded path counts as a clear")
}

func TestManager_ClearDuringSaveSurvives(t *testing.T) {
	ctx := context.Background()
	m, doc, path := newTestManager(t)

	require.NoError(t, doc.Set("learning.knowledge", document.SequenceValue(document.StringValue("e1"))))
	_, err := m.Save(ctx)
	require.NoError(t, err)

	// The snapshot still holds e1; the clear lands while the file is written.
	require.NoError(t, doc.Set("issues.i1", document.StringValue("x")))
	m.write = func(p string, data []byte, mode os.FileMode, verify func([]byte) error) error {
		if err := doc.Set("learning.knowledge", document.SequenceValue()); err != nil {
			return err
		}
		return writeAtomic(p, data, mode, verify)
	}
	_, err = m.Save(ctx)
	require.NoError(t, err)
	m.write = writeAtomic

	_, err = m.Save(ctx)
	require.NoError(t, err, "clear observed after the snapshot still counts")
	root, _, err := Inspect(path, nil)
	require.NoError(t, err)
	got, _ := root.Lookup("learning.knowledge")
	assert.Equal(t, 0, got.Len())

	// A clear that is re-marked mid-save keeps its newer mark.
	require.NoError(t, doc.Set("learning.knowledge", document.SequenceValue(document.StringValue("e2"))))
	_, err = m.Save(ctx)
	require.NoError(t, err)
	require.NoError(t, doc.Set("learning.knowledge", document.SequenceValue()))
	m.write = func(p string, data []byte, mode os.FileMode, verify func([]byte) error) error {
		if err := doc.Set("learning.knowledge", document.SequenceValue(document.StringValue("e3"))); err != nil {
			return err
		}
		if err := doc.Set("learning.knowledge", document.SequenceValue()); err != nil {
			return err
		}
		return writeAtomic(p, data, mode, verify)
	}
	_, err = m.Save(ctx)
	require.NoError(t, err)
	m.mu.Lock()
	_, marked := m.cleared["learning.knowledge"]
	m.mu.Unlock()
	assert.True(t, marked)
}

func TestManager_ClearOfParentCountsForGuardedChild(t *testing.T) {
	ctx := context.Background()
	m, doc, _ := newTestManager(t)

	require.NoError(t, doc.Set("learning.knowledge", document.SequenceValue(document.StringValue("e1"))))
	_, err := m.Save(ctx)
	require.NoError(t, err)

	require.NoError(t, doc.Set("learning", document.EmptyMapping()))
	_, err = m.Save(ctx)
	assert.NoError(t, err)
}

func TestManager_PartialSave(t *testing.T) {
	ctx := context.Background()
	m, doc, path := newTestManager(t)

	require.NoError(t, doc.Set("alpha.x", document.IntValue(1)))
	require.NoError(t, doc.Set("beta.y", document.IntValue(2)))
	res, err := m.Save(ctx)
	require.NoError(t, err)
	assert.True(t, res.FullRewrite)
	assert.Equal(t, 3, res.Encoded, "alpha, beta and metadata")

	require.NoError(t, doc.Set("alpha.x", document.IntValue(5)))
	res, err = m.Save(ctx)
	require.NoError(t, err)
	assert.False(t, res.FullRewrite)
	assert.Equal(t, 3, res.Sections)
	assert.Equal(t, 2, res.Encoded, "alpha and metadata")

	root, _, err := Inspect(path, nil)
	require.NoError(t, err)
	x, _ := root.Lookup("alpha.x")
	n, _ := x.AsInt64()
	assert.Equal(t, int64(5), n)
	y, _ := root.Lookup("beta.y")
	n, _ = y.AsInt64()
	assert.Equal(t, int64(2), n)
}

func TestManager_WriteRetry(t *testing.T) {
	ctx := context.Background()
	m, doc, path := newTestManager(t)
	require.NoError(t, doc.Set("a", document.IntValue(1)))

	failures := 2
	m.write = func(p string, data []byte, mode os.FileMode, verify func([]byte) error) error {
		if failures > 0 {
			failures--
			return errors.New("disk busy")
		}
		return writeAtomic(p, data, mode, verify)
	}
	res, err := m.Save(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Attempts)
	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestManager_WriteRetryExhausted(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	m, doc, path := newTestManager(t, WithLogger(zap.New(core)))
	require.NoError(t, doc.Set("a", document.IntValue(1)))

	calls := 0
	m.write = func(string, []byte, os.FileMode, func([]byte) error) error {
		calls++
		return errors.New("disk full")
	}
	_, err := m.Save(context.Background())
	require.Error(t, err)
	var we *WriteError
	require.True(t, errors.As(err, &we))
	assert.Equal(t, "write", we.Op)
	assert.Equal(t, 3, calls)
	assert.True(t, m.Dirty())
	assert.Equal(t, 2, logs.FilterMessage("state write failed, retrying").Len())
	assert.Equal(t, 1, logs.FilterMessage("state save failed, previous file left intact").Len())

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestManager_ReadBackFailureRetriesFull(t *testing.T) {
	ctx := context.Background()
	m, doc, _ := newTestManager(t)
	require.NoError(t, doc.Set("a", document.IntValue(1)))
	_, err := m.Save(ctx)
	require.NoError(t, err)

	require.NoError(t, doc.Set("a", document.IntValue(2)))
	corrupted := false
	m.write = func(p string, data []byte, mode os.FileMode, verify func([]byte) error) error {
		if !corrupted {
			corrupted = true
			return &errReadBack{err: ErrVerificationFailed}
		}
		return writeAtomic(p, data, mode, verify)
	}
	res, err := m.Save(ctx)
	require.NoError(t, err)
	assert.True(t, res.FullRewrite)
}

func TestManager_CorruptFile(t *testing.T) {
	ctx := context.Background()
	m, doc, path := newTestManager(t, WithClock(func() time.Time {
		return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	}))
	require.NoError(t, doc.Set("keep", document.IntValue(7)))
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, err := m.Load(ctx)
	var ce *CorruptError
	require.True(t, errors.As(err, &ce))
	v, ok := doc.Get("keep")
	require.True(t, ok, "document untouched on corrupt load")
	n, _ := v.AsInt64()
	assert.Equal(t, int64(7), n)

	dest, err := m.Quarantine()
	require.NoError(t, err)
	assert.Equal(t, path+".corrupt-20240301T120000", dest)
	_, err = os.Stat(dest)
	assert.NoError(t, err)

	res, err := m.Load(ctx)
	require.NoError(t, err)
	assert.True(t, res.Missing)
}

func TestManager_UnsupportedVersion(t *testing.T) {
	m, _, path := newTestManager(t)
	require.NoError(t, os.WriteFile(path, []byte(`{"version":99,"sections":{}}`), 0o600))

	_, err := m.Load(context.Background())
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
	var ce *CorruptError
	assert.True(t, errors.As(err, &ce))
}

type rejectingCodec struct{ JSONCodec }

func (rejectingCodec) Decode([]byte) (document.Value, error) {
	return document.Null(), errors.New("unreadable section")
}

func TestManager_CorruptSection(t *testing.T) {
	m, _, path := newTestManager(t, WithCodec(rejectingCodec{}))
	require.NoError(t, os.WriteFile(path, []byte(`{"version":1,"sections":{"game":{"x":1}}}`), 0o600))

	_, err := m.Load(context.Background())
	var ce *CorruptError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "game", ce.Section)
}

func TestManager_ChangeLogTail(t *testing.T) {
	ctx := context.Background()
	log, err := changelog.New(nil)
	require.NoError(t, err)
	defer log.Close()

	path := filepath.Join(t.TempDir(), "state.json")
	doc := document.New()
	doc.Subscribe(log.Observe)
	cfg := DefaultConfig(path)
	cfg.ChangeLogTail = 2
	m, err := NewManager(cfg, doc, WithChangeLog(log))
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, doc.Set("issues.i1.attempts", document.IntValue(int64(i))))
	}
	res, err := m.Save(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Entries)

	env := readEnvelope(t, path)
	require.Len(t, env.ChangeLog, 2)
	assert.Equal(t, uint64(5), env.ChangeLog[1].Seq)

	restored, err := changelog.New(nil)
	require.NoError(t, err)
	defer restored.Close()
	m2, err := NewManager(DefaultConfig(path), document.New(), WithChangeLog(restored))
	require.NoError(t, err)
	lr, err := m2.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, lr.Entries)
	assert.Equal(t, 2, restored.Len())
	assert.Equal(t, uint64(5), restored.LastSeq())
}

func TestManager_MetadataTracking(t *testing.T) {
	m, doc, _ := newTestManager(t)
	assert.True(t, m.Dirty(), "new manager has never saved")

	_, err := m.Save(context.Background())
	require.NoError(t, err)
	assert.False(t, m.Dirty(), "savedAt stamp does not dirty the document")

	err = doc.Set(SavedAtPath, document.IntValue(1))
	assert.ErrorIs(t, err, document.ErrReservedPath)
}

func TestManager_Close(t *testing.T) {
	ctx := context.Background()
	m, doc, path := newTestManager(t)
	require.NoError(t, doc.Set("a", document.IntValue(1)))

	require.NoError(t, m.Close(ctx))
	_, err := os.Stat(path)
	assert.NoError(t, err, "close flushes pending changes")

	_, err = m.Save(ctx)
	assert.ErrorIs(t, err, ErrClosed)

	require.NoError(t, doc.Set("b", document.IntValue(2)))
	assert.False(t, m.Dirty(), "closed manager no longer observes")
}

func TestManager_ContextCanceled(t *testing.T) {
	m, doc, _ := newTestManager(t)
	require.NoError(t, doc.Set("a", document.IntValue(1)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.Save(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSaveResultLabel(t *testing.T) {
	assert.Equal(t, "shrink_prevented", saveResultLabel(&ShrinkError{GuardedPath: "x"}))
	assert.Equal(t, "verification_failed", saveResultLabel(ErrVerificationFailed))
	assert.Equal(t, "write_failed", saveResultLabel(errors.New("boom")))
}
