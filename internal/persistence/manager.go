// Package persistence saves the document and the change log tail to a single
// JSON state file and loads them back.
//
// The file is an envelope of independently encoded top-level sections. Saves
// re-encode only sections that changed since the last successful write,
// verify the encoding before and after writing, and replace the file with a
// temp-file rename so a crash or failure never leaves a partial file.
//
// # No-shrink guard
//
// A save is refused with ErrShrinkPrevented when a guarded path holds data in
// memory but would be written empty, or when a guarded path that was
// non-empty on disk is now empty without an explicit clear having been
// observed through the document.
package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/statekeeper/internal/changelog"
	"github.com/fyrsmithlabs/statekeeper/internal/document"
)

const instrumentationName = "github.com/fyrsmithlabs/statekeeper/internal/persistence"

// FormatVersion is the envelope version written by this package.
const FormatVersion = 1

// MetadataSection is the top-level section owned by the manager.
const MetadataSection = "metadata"

// SavedAtPath records the time of the last successful save in Unix ms.
const SavedAtPath = "metadata.savedAt"

// Config configures a Manager.
type Config struct {
	// Path is the state file.
	Path string

	// GuardedPaths are protected by the no-shrink guard.
	GuardedPaths []string

	// ChangeLogTail is how many of the newest change log entries are saved
	// (default: 1000).
	ChangeLogTail int

	// MaxAttempts bounds file write attempts per save (default: 3).
	MaxAttempts int

	// InitialBackoff is the first retry delay (default: 50ms).
	InitialBackoff time.Duration

	// FileMode is the state file permission (default: 0600).
	FileMode os.FileMode
}

// DefaultGuardedPaths lists the paths whose loss would erase learned state.
func DefaultGuardedPaths() []string {
	return []string{
		"learning.knowledge",
		"learning.fixAttempts",
		"learning.patterns",
		"learning.misdiagnosisPatterns",
		"issues",
		"fixes",
	}
}

// DefaultConfig returns defaults for the given state file.
func DefaultConfig(path string) *Config {
	return &Config{
		Path:           path,
		GuardedPaths:   DefaultGuardedPaths(),
		ChangeLogTail:  1000,
		MaxAttempts:    3,
		InitialBackoff: 50 * time.Millisecond,
		FileMode:       0o600,
	}
}

// SaveResult describes a successful save.
type SaveResult struct {
	Path        string    `json:"path"`
	SavedAt     time.Time `json:"savedAt"`
	Sections    int       `json:"sections"`
	Encoded     int       `json:"encoded"`
	Bytes       int       `json:"bytes"`
	Entries     int       `json:"entries"`
	Attempts    int       `json:"attempts"`
	FullRewrite bool      `json:"fullRewrite"`
}

// LoadResult describes a load.
type LoadResult struct {
	Path     string    `json:"path"`
	Missing  bool      `json:"missing"`
	SavedAt  time.Time `json:"savedAt"`
	Sections int       `json:"sections"`
	Entries  int       `json:"entries"`
}

type envelope struct {
	Version   int                        `json:"version"`
	SavedAt   int64                      `json:"savedAt"`
	Sections  map[string]json.RawMessage `json:"sections"`
	ChangeLog []changelog.Entry          `json:"changeLog,omitempty"`
}

// Option configures a Manager.
type Option func(*Manager)

// WithCodec replaces the section codec.
func WithCodec(c Codec) Option {
	return func(m *Manager) { m.codec = c }
}

// WithChangeLog persists and restores the tail of l.
func WithChangeLog(l *changelog.Log) Option {
	return func(m *Manager) { m.changes = l }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithClock overrides the time source for savedAt stamps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// Manager owns the state file for one document.
type Manager struct {
	cfg     Config
	doc     *document.Document
	meta    *document.Namespace
	codec   Codec
	changes *changelog.Log
	write   writeFunc

	saveMu sync.Mutex

	mu            sync.Mutex
	dirty         map[string]struct{}
	allDirty      bool
	cleared       map[string]uint64
	clearSeq      uint64
	lastChange    time.Time
	firstDirty    time.Time
	written       map[string]json.RawMessage
	savedNonEmpty map[string]bool
	closed        bool
	unsubscribe   func()

	logger  *zap.Logger
	tracer  trace.Tracer
	metrics *Metrics
	now     func() time.Time
}

// NewManager creates a manager for doc. It reserves the metadata section
// and subscribes to document changes for dirty tracking.
func NewManager(cfg *Config, doc *document.Document, opts ...Option) (*Manager, error) {
	if cfg == nil || cfg.Path == "" {
		return nil, errors.New("state file path is required")
	}
	if doc == nil {
		return nil, errors.New("document is required")
	}
	c := *cfg
	if c.ChangeLogTail <= 0 {
		c.ChangeLogTail = 1000
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 50 * time.Millisecond
	}
	if c.FileMode == 0 {
		c.FileMode = 0o600
	}
	for _, g := range c.GuardedPaths {
		if err := document.ValidatePath(g); err != nil {
			return nil, fmt.Errorf("guarded path: %w", err)
		}
	}

	meta, err := doc.Reserve(MetadataSection)
	if err != nil {
		return nil, fmt.Errorf("reserve metadata: %w", err)
	}

	m := &Manager{
		cfg:           c,
		doc:           doc,
		meta:          meta,
		codec:         JSONCodec{},
		write:         writeAtomic,
		dirty:         make(map[string]struct{}),
		allDirty:      true,
		cleared:       make(map[string]uint64),
		written:       make(map[string]json.RawMessage),
		savedNonEmpty: make(map[string]bool),
		logger:        zap.NewNop(),
		tracer:        otel.Tracer(instrumentationName),
		metrics:       NewMetrics(),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.unsubscribe = doc.Subscribe(m.observe)
	return m, nil
}

// Path returns the state file path.
func (m *Manager) Path() string { return m.cfg.Path }

// Dirty reports whether unsaved changes exist.
func (m *Manager) Dirty() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allDirty || len(m.dirty) > 0
}

// LastChange returns the time of the most recent observed change.
func (m *Manager) LastChange() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastChange
}

// OldestUnsaved returns the time of the oldest change not yet saved, or the
// zero time when none is pending.
func (m *Manager) OldestUnsaved() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.firstDirty
}

// observe runs under the document lock; it must not touch the document.
func (m *Manager) observe(c document.Change) {
	top, _, _ := strings.Cut(c.Path, document.Separator)
	if top == MetadataSection {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.dirty[top] = struct{}{}
	m.lastChange = c.At
	if m.firstDirty.IsZero() {
		m.firstDirty = c.At
	}

	for _, g := range m.cfg.GuardedPaths {
		switch {
		case document.HasPathPrefix(g, c.Path):
			rel := strings.TrimPrefix(strings.TrimPrefix(g, c.Path), document.Separator)
			v, ok := c.New.Lookup(rel)
			if c.Deleted || !ok || v.IsEmpty() {
				m.markCleared(g)
			} else {
				delete(m.cleared, g)
			}
		case document.HasPathPrefix(c.Path, g):
			if c.Deleted {
				m.markCleared(g)
			} else {
				delete(m.cleared, g)
			}
		}
	}
}

// markCleared stamps each explicit clear so a save only retires the
// clears its snapshot saw.
func (m *Manager) markCleared(g string) {
	m.clearSeq++
	m.cleared[g] = m.clearSeq
}

type dirtyState struct {
	sections   map[string]struct{}
	all        bool
	cleared    map[string]uint64
	firstDirty time.Time
}

func (m *Manager) takeDirty() dirtyState {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := dirtyState{
		sections:   m.dirty,
		all:        m.allDirty,
		cleared:    make(map[string]uint64, len(m.cleared)),
		firstDirty: m.firstDirty,
	}
	for g, seq := range m.cleared {
		st.cleared[g] = seq
	}
	m.dirty = make(map[string]struct{})
	m.allDirty = false
	m.firstDirty = time.Time{}
	return st
}

func (m *Manager) restoreDirty(st dirtyState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range st.sections {
		m.dirty[k] = struct{}{}
	}
	if st.all {
		m.allDirty = true
	}
	if !st.firstDirty.IsZero() && (m.firstDirty.IsZero() || st.firstDirty.Before(m.firstDirty)) {
		m.firstDirty = st.firstDirty
	}
}

// Save writes the current document to disk. On error the previous file is
// intact and the unsaved changes remain dirty.
func (m *Manager) Save(ctx context.Context) (*SaveResult, error) {
	ctx, span := m.tracer.Start(ctx, "persistence.Save")
	defer span.End()

	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	start := time.Now()
	if m.isClosed() {
		return nil, &WriteError{Path: m.cfg.Path, Op: "save", Err: ErrClosed}
	}
	if err := ctx.Err(); err != nil {
		return nil, &WriteError{Path: m.cfg.Path, Op: "save", Err: err}
	}

	// Dirty marks are taken inside the snapshot so no change can fall
	// between the two.
	var st dirtyState
	snapshot := m.doc.SnapshotWith(func() { st = m.takeDirty() })
	savedAt := m.now()
	meta, _ := snapshot.Field(MetadataSection)
	snapshot = snapshot.WithField(MetadataSection, meta.WithField("savedAt", document.IntValue(savedAt.UnixMilli())))

	res, err := m.save(ctx, snapshot, st, savedAt)
	m.metrics.SaveDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		m.restoreDirty(st)
		m.metrics.SavesTotal.WithLabelValues(saveResultLabel(err)).Inc()
		if errors.Is(err, ErrShrinkPrevented) {
			m.metrics.ShrinkPrevented.Inc()
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "save failed")
		m.logger.Error("state save failed, previous file left intact",
			zap.String("path", m.cfg.Path),
			zap.Error(err),
		)
		return nil, err
	}

	m.mu.Lock()
	for g, seq := range st.cleared {
		if m.cleared[g] == seq {
			delete(m.cleared, g)
		}
	}
	for _, g := range m.cfg.GuardedPaths {
		v, ok := snapshot.Lookup(g)
		m.savedNonEmpty[g] = ok && !v.IsEmpty()
	}
	m.mu.Unlock()

	if err := m.meta.Set(SavedAtPath, document.IntValue(savedAt.UnixMilli())); err != nil {
		m.logger.Warn("failed to record savedAt", zap.Error(err))
	}

	m.metrics.SavesTotal.WithLabelValues("ok").Inc()
	m.metrics.FileBytes.Set(float64(res.Bytes))
	span.SetAttributes(
		attribute.Int("sections", res.Sections),
		attribute.Int("encoded", res.Encoded),
		attribute.Int("bytes", res.Bytes),
		attribute.Bool("full_rewrite", res.FullRewrite),
	)
	m.logger.Debug("state saved",
		zap.String("path", res.Path),
		zap.Int("sections", res.Sections),
		zap.Int("encoded", res.Encoded),
		zap.Int("bytes", res.Bytes),
		zap.Int("attempts", res.Attempts),
	)
	return res, nil
}

func (m *Manager) save(ctx context.Context, snapshot document.Value, st dirtyState, savedAt time.Time) (*SaveResult, error) {
	if err := m.checkRegression(snapshot, st.cleared); err != nil {
		return nil, &WriteError{Path: m.cfg.Path, Op: "guard", Err: err}
	}

	full := st.all
	for {
		sections, encoded, err := m.encodeSections(snapshot, st.sections, full)
		if err != nil {
			return nil, &WriteError{Path: m.cfg.Path, Op: "encode", Err: err}
		}

		if err := m.checkSections(snapshot, sections, encoded); err != nil {
			if !full {
				m.retryFull(err, "pre-write")
				full = true
				continue
			}
			return nil, &WriteError{Path: m.cfg.Path, Op: "verify", Err: err}
		}

		var tail []changelog.Entry
		if m.changes != nil {
			tail = m.changes.Entries(m.cfg.ChangeLogTail)
		}
		data, err := json.Marshal(envelope{
			Version:   FormatVersion,
			SavedAt:   savedAt.UnixMilli(),
			Sections:  sections,
			ChangeLog: tail,
		})
		if err != nil {
			return nil, &WriteError{Path: m.cfg.Path, Op: "encode", Err: err}
		}

		verify := func(b []byte) error {
			return m.verifyFile(b, snapshot)
		}
		attempts, err := m.writeWithRetry(ctx, data, verify)
		if err != nil {
			if isReadBack(err) && !full {
				m.retryFull(err, "read-back")
				full = true
				continue
			}
			return nil, &WriteError{Path: m.cfg.Path, Op: "write", Err: err}
		}

		m.mu.Lock()
		m.written = sections
		m.mu.Unlock()

		return &SaveResult{
			Path:        m.cfg.Path,
			SavedAt:     savedAt,
			Sections:    len(sections),
			Encoded:     len(encoded),
			Bytes:       len(data),
			Entries:     len(tail),
			Attempts:    attempts,
			FullRewrite: full,
		}, nil
	}
}

func (m *Manager) retryFull(err error, stage string) {
	m.metrics.VerificationRetries.Inc()
	m.logger.Warn("state verification failed, retrying with full serialization",
		zap.String("stage", stage),
		zap.Error(err),
	)
}

// checkRegression refuses to drop guarded data that was on disk unless the
// document reported an explicit clear.
func (m *Manager) checkRegression(snapshot document.Value, cleared map[string]uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, g := range m.cfg.GuardedPaths {
		if !m.savedNonEmpty[g] {
			continue
		}
		if _, ok := cleared[g]; ok {
			continue
		}
		if v, ok := snapshot.Lookup(g); !ok || v.IsEmpty() {
			return &ShrinkError{GuardedPath: g, Reason: "saved data is empty in memory without an explicit clear"}
		}
	}
	return nil
}

// encodeSections encodes dirty sections and reuses the last written bytes
// for the rest.
func (m *Manager) encodeSections(snapshot document.Value, dirty map[string]struct{}, full bool) (map[string]json.RawMessage, []string, error) {
	m.mu.Lock()
	written := m.written
	m.mu.Unlock()

	sections := make(map[string]json.RawMessage, snapshot.Len())
	var encoded []string
	for _, key := range snapshot.Keys() {
		prev, have := written[key]
		_, isDirty := dirty[key]
		if have && !full && !isDirty && key != MetadataSection {
			sections[key] = prev
			continue
		}
		v, _ := snapshot.Lookup(key)
		b, err := m.codec.Encode(v)
		if err != nil {
			return nil, nil, fmt.Errorf("section %s: %w", key, err)
		}
		sections[key] = b
		encoded = append(encoded, key)
	}
	return sections, encoded, nil
}

// checkSections decodes the given sections and compares them with the
// snapshot. A guarded or top-level value that is non-empty in memory but
// decodes empty is a shrink; any other difference is a verification failure.
func (m *Manager) checkSections(snapshot document.Value, sections map[string]json.RawMessage, keys []string) error {
	for _, key := range keys {
		want, _ := snapshot.Lookup(key)
		raw, ok := sections[key]
		if !ok {
			if want.IsEmpty() {
				continue
			}
			return &ShrinkError{GuardedPath: key, Reason: "section missing from serialized state"}
		}
		got, err := m.codec.Decode(raw)
		if err != nil {
			return fmt.Errorf("%w: section %s: %v", ErrVerificationFailed, key, err)
		}
		if !want.IsEmpty() && got.IsEmpty() {
			return &ShrinkError{GuardedPath: key, Reason: "serialization produced an empty section"}
		}
		for _, g := range m.cfg.GuardedPaths {
			if !document.HasPathPrefix(g, key) {
				continue
			}
			rel := strings.TrimPrefix(strings.TrimPrefix(g, key), document.Separator)
			w, _ := want.Lookup(rel)
			d, _ := got.Lookup(rel)
			if !w.IsEmpty() && d.IsEmpty() {
				return &ShrinkError{GuardedPath: g, Reason: "serialization produced an empty value"}
			}
		}
		if !want.Equal(got) {
			return fmt.Errorf("%w: section %s does not round-trip", ErrVerificationFailed, key)
		}
	}
	return nil
}

// verifyFile checks the bytes read back from disk against the snapshot.
func (m *Manager) verifyFile(data []byte, snapshot document.Value) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}
	return m.checkSections(snapshot, env.Sections, snapshot.Keys())
}

func (m *Manager) writeWithRetry(ctx context.Context, data []byte, verify func([]byte) error) (int, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.cfg.InitialBackoff
	b.MaxInterval = 2 * time.Second

	attempts := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		if err := ctx.Err(); err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		err := m.write(m.cfg.Path, data, m.cfg.FileMode, verify)
		if err == nil {
			return struct{}{}, nil
		}
		if isReadBack(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		if attempts < m.cfg.MaxAttempts {
			m.metrics.WriteRetries.Inc()
			m.logger.Warn("state write failed, retrying",
				zap.Int("attempt", attempts),
				zap.Error(err),
			)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(m.cfg.MaxAttempts)))
	return attempts, err
}

// Load replaces the document and change log with the contents of the state
// file. A missing file yields an empty document; an unreadable one yields a
// CorruptError and leaves the document untouched.
func (m *Manager) Load(ctx context.Context) (*LoadResult, error) {
	ctx, span := m.tracer.Start(ctx, "persistence.Load")
	defer span.End()

	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(m.cfg.Path)
	if errors.Is(err, fs.ErrNotExist) {
		if err := m.doc.Replace(document.EmptyMapping()); err != nil {
			return nil, err
		}
		m.resetTracking(nil, document.EmptyMapping())
		m.metrics.LoadsTotal.WithLabelValues("missing").Inc()
		m.logger.Info("no state file, starting empty", zap.String("path", m.cfg.Path))
		return &LoadResult{Path: m.cfg.Path, Missing: true}, nil
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("read state file: %w", err)
	}

	env, root, err := m.decodeFile(data)
	if err != nil {
		m.metrics.LoadsTotal.WithLabelValues("corrupt").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "corrupt state file")
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := m.doc.Replace(root); err != nil {
		return nil, err
	}
	if m.changes != nil {
		m.changes.Restore(env.ChangeLog)
	}
	m.resetTracking(env.Sections, root)
	m.metrics.LoadsTotal.WithLabelValues("ok").Inc()

	res := &LoadResult{
		Path:     m.cfg.Path,
		SavedAt:  time.UnixMilli(env.SavedAt),
		Sections: len(env.Sections),
		Entries:  len(env.ChangeLog),
	}
	span.SetAttributes(attribute.Int("sections", res.Sections), attribute.Int("entries", res.Entries))
	m.logger.Info("state loaded",
		zap.String("path", res.Path),
		zap.Int("sections", res.Sections),
		zap.Int("entries", res.Entries),
		zap.Time("saved_at", res.SavedAt),
	)
	return res, nil
}

// Inspect decodes a state file without touching any document.
func Inspect(path string, codec Codec) (document.Value, []changelog.Entry, error) {
	if codec == nil {
		codec = JSONCodec{}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return document.Null(), nil, err
	}
	m := &Manager{cfg: Config{Path: path}, codec: codec}
	env, root, err := m.decodeFile(data)
	if err != nil {
		return document.Null(), nil, err
	}
	return root, env.ChangeLog, nil
}

func (m *Manager) decodeFile(data []byte) (*envelope, document.Value, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, document.Null(), &CorruptError{Path: m.cfg.Path, Err: err}
	}
	if env.Version < 1 || env.Version > FormatVersion {
		return nil, document.Null(), &CorruptError{Path: m.cfg.Path, Err: fmt.Errorf("%w: %d", ErrUnsupportedVersion, env.Version)}
	}

	keys := make([]string, 0, len(env.Sections))
	for k := range env.Sections {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	root := document.EmptyMapping()
	for _, k := range keys {
		v, err := m.codec.Decode(env.Sections[k])
		if err != nil {
			return nil, document.Null(), &CorruptError{Path: m.cfg.Path, Section: k, Err: err}
		}
		root = root.WithField(k, v)
	}
	return &env, root, nil
}

func (m *Manager) resetTracking(sections map[string]json.RawMessage, root document.Value) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sections == nil {
		sections = make(map[string]json.RawMessage)
	}
	m.written = sections
	m.dirty = make(map[string]struct{})
	m.allDirty = false
	m.cleared = make(map[string]uint64)
	m.firstDirty = time.Time{}
	for _, g := range m.cfg.GuardedPaths {
		v, ok := root.Lookup(g)
		m.savedNonEmpty[g] = ok && !v.IsEmpty()
	}
}

// Quarantine moves an unreadable state file aside and returns its new path.
func (m *Manager) Quarantine() (string, error) {
	m.saveMu.Lock()
	defer m.saveMu.Unlock()
	dest := fmt.Sprintf("%s.corrupt-%s", m.cfg.Path, m.now().UTC().Format("20060102T150405"))
	if err := os.Rename(m.cfg.Path, dest); err != nil {
		return "", fmt.Errorf("quarantine state file: %w", err)
	}
	m.logger.Warn("corrupt state file moved aside", zap.String("from", m.cfg.Path), zap.String("to", dest))
	return dest, nil
}

// Close performs a final save when dirty and detaches from the document.
func (m *Manager) Close(ctx context.Context) error {
	var err error
	if m.Dirty() {
		_, err = m.Save(ctx)
	}
	m.mu.Lock()
	m.closed = true
	unsubscribe := m.unsubscribe
	m.unsubscribe = nil
	m.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
	return err
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func saveResultLabel(err error) string {
	switch {
	case errors.Is(err, ErrShrinkPrevented):
		return "shrink_prevented"
	case errors.Is(err, ErrVerificationFailed):
		return "verification_failed"
	default:
		return "write_failed"
	}
}
