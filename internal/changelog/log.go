// Package changelog records an ordered, bounded history of document changes.
//
// Each change is classified by a path policy. Critical paths keep full
// before and after values; auxiliary paths keep digests and a preview so
// high-churn state does not bloat the log. When the log exceeds its bound
// the oldest entries are evicted and, if an Archive is configured, handed
// to it asynchronously for forensic queries.
package changelog

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/statekeeper/internal/document"
	"github.com/fyrsmithlabs/statekeeper/internal/secrets"
)

// Config configures a Log.
type Config struct {
	// MaxEntries bounds the in-memory log (default: 10000).
	MaxEntries int

	// PreviewBytes bounds auxiliary previews (default: 256).
	PreviewBytes int

	// ArchiveQueue is the number of eviction batches buffered for the
	// archive writer (default: 1024).
	ArchiveQueue int

	Policy Policy
}

// DefaultConfig returns the default log configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxEntries:   10000,
		PreviewBytes: 256,
		ArchiveQueue: 1024,
		Policy:       DefaultPolicy(),
	}
}

// Option configures optional collaborators.
type Option func(*Log)

// WithArchive sends evicted entries to a.
func WithArchive(a Archive) Option {
	return func(l *Log) { l.archive = a }
}

// WithScrubber redacts secrets from critical values and previews.
func WithScrubber(s secrets.Scrubber) Option {
	return func(l *Log) { l.scrubber = s }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Log) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// Log is the in-memory change log.
type Log struct {
	mu      sync.Mutex
	cfg     Config
	policy  Policy
	entries []Entry
	seq     uint64
	lastTS  int64

	scrubber secrets.Scrubber
	archive  Archive
	queue    chan []Entry
	wg       sync.WaitGroup
	closed   bool

	now     func() time.Time
	logger  *zap.Logger
	metrics *Metrics
}

// New creates a Log. A nil cfg uses DefaultConfig.
func New(cfg *Config, opts ...Option) (*Log, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	c := *cfg
	if c.MaxEntries <= 0 {
		c.MaxEntries = 10000
	}
	if c.PreviewBytes <= 0 {
		c.PreviewBytes = 256
	}
	if c.ArchiveQueue <= 0 {
		c.ArchiveQueue = 1024
	}
	if c.Policy.Rules == nil && c.Policy.Default == "" {
		c.Policy = DefaultPolicy()
	}
	if err := c.Policy.Validate(); err != nil {
		return nil, err
	}

	l := &Log{
		cfg:      c,
		policy:   c.Policy,
		scrubber: secrets.Noop{},
		now:      time.Now,
		logger:   zap.NewNop(),
		metrics:  NewMetrics(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.archive != nil {
		l.queue = make(chan []Entry, c.ArchiveQueue)
		l.wg.Add(1)
		go l.archiveLoop()
	}
	return l, nil
}

// SetPolicy swaps the classification policy for subsequent changes.
func (l *Log) SetPolicy(p Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.policy = p
	return nil
}

// Policy returns the active policy.
func (l *Log) Policy() Policy {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.policy
}

// Observe records a document change. It is meant to be passed to
// document.Subscribe.
func (l *Log) Observe(c document.Change) {
	op := OpSet
	if c.Deleted {
		op = OpDelete
	}
	l.record(c.Path, op, c.Old, c.New, c.HadOld)
}

// Record logs a set of path from prev to next. It reports whether an entry
// was written.
func (l *Log) Record(path string, prev, next document.Value, hadOld bool) bool {
	return l.record(path, OpSet, prev, next, hadOld)
}

func (l *Log) record(path string, op Op, prev, next document.Value, hadOld bool) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	action := l.policy.Classify(path)
	if action == ActionSkip {
		return false
	}

	e := Entry{
		ID:     uuid.NewString(),
		Path:   path,
		Op:     op,
		HadOld: hadOld,
	}
	switch action {
	case ActionCritical:
		e.Class = ClassCritical
		l.fillCritical(&e, prev, next)
	default:
		e.Class = ClassAuxiliary
		l.fillAuxiliary(&e, prev, next)
	}

	l.seq++
	e.Seq = l.seq
	e.Timestamp = l.nextTimestamp()
	l.entries = append(l.entries, e)
	l.metrics.EntriesTotal.WithLabelValues(string(e.Class)).Inc()

	if len(l.entries) > l.cfg.MaxEntries {
		l.trimLocked(l.cfg.MaxEntries)
	}
	l.metrics.Size.Set(float64(len(l.entries)))
	return true
}

func (l *Log) fillCritical(e *Entry, prev, next document.Value) {
	if _, err := prev.MarshalJSON(); err != nil {
		l.placeholder(e, err)
		return
	}
	if _, err := next.MarshalJSON(); err != nil {
		l.placeholder(e, err)
		return
	}
	if e.HadOld {
		e.OldValue = valuePtr(l.scrub(prev))
	}
	if e.Op == OpSet {
		e.NewValue = valuePtr(l.scrub(next))
	}
}

func (l *Log) fillAuxiliary(e *Entry, prev, next document.Value) {
	var err error
	if e.HadOld {
		if e.OldDigest, err = digest(prev); err != nil {
			l.placeholder(e, err)
			return
		}
	}
	if e.Op == OpSet {
		if e.NewDigest, err = digest(next); err != nil {
			e.OldDigest = ""
			l.placeholder(e, err)
			return
		}
		e.Preview = document.Preview(l.scrub(next), l.cfg.PreviewBytes)
	}
}

func (l *Log) placeholder(e *Entry, err error) {
	serr := &SerializationError{Path: e.Path, Err: err}
	e.Placeholder = true
	e.Preview = "<unserializable>"
	l.metrics.SerializationErrors.Inc()
	l.logger.Warn("change recorded as placeholder",
		zap.String("path", e.Path),
		zap.Error(serr),
	)
}

func (l *Log) scrub(v document.Value) document.Value {
	out, n := l.scrubber.ScrubValue(v)
	if n > 0 {
		l.metrics.SecretsRedactedTotal.Add(float64(n))
		return out
	}
	return v.Clone()
}

func (l *Log) nextTimestamp() int64 {
	ts := l.now().UnixMilli()
	if ts <= l.lastTS {
		ts = l.lastTS + 1
	}
	l.lastTS = ts
	return ts
}

// Trim evicts the oldest entries until at most max remain.
func (l *Log) Trim(max int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := l.trimLocked(max)
	l.metrics.Size.Set(float64(len(l.entries)))
	return n
}

func (l *Log) trimLocked(max int) int {
	if max < 0 {
		max = 0
	}
	excess := len(l.entries) - max
	if excess <= 0 {
		return 0
	}
	var evicted []Entry
	if l.queue != nil {
		evicted = make([]Entry, excess)
		copy(evicted, l.entries[:excess])
	}
	clear(l.entries[:excess])
	l.entries = l.entries[excess:]

	l.metrics.Evicted.Add(float64(excess))
	if evicted != nil {
		l.enqueueArchive(evicted)
	}
	return excess
}

func (l *Log) enqueueArchive(batch []Entry) {
	if l.queue == nil || l.closed {
		return
	}
	select {
	case l.queue <- batch:
	default:
		l.metrics.ArchiveDropped.Add(float64(len(batch)))
		l.logger.Warn("archive queue full, dropping evicted entries",
			zap.Int("count", len(batch)),
			zap.Uint64("first_seq", batch[0].Seq),
		)
	}
}

func (l *Log) archiveLoop() {
	defer l.wg.Done()
	for batch := range l.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := l.archive.Store(ctx, batch); err != nil {
			l.metrics.ArchiveErrors.Inc()
			l.logger.Warn("archive store failed",
				zap.Int("count", len(batch)),
				zap.Error(err),
			)
		}
		cancel()
	}
}

// Query returns entries whose path lies under prefix and whose timestamp
// is at or after since, in chronological order.
func (l *Log) Query(prefix string, since int64) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Entry
	for _, e := range l.entries {
		if e.Timestamp >= since && document.HasPathPrefix(e.Path, prefix) {
			out = append(out, e)
		}
	}
	return out
}

// QueryArchive queries evicted entries.
func (l *Log) QueryArchive(ctx context.Context, prefix string, since int64, limit int) ([]Entry, error) {
	if l.archive == nil {
		return nil, ErrNoArchive
	}
	return l.archive.Query(ctx, prefix, since, limit)
}

// Entries returns the newest limit entries in chronological order.
// A limit of zero or less returns everything.
func (l *Log) Entries(limit int) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	start := 0
	if limit > 0 && len(l.entries) > limit {
		start = len(l.entries) - limit
	}
	out := make([]Entry, len(l.entries)-start)
	copy(out, l.entries[start:])
	return out
}

// Len returns the number of in-memory entries.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// LastSeq returns the sequence number of the newest entry ever recorded.
func (l *Log) LastSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}

// Restore replaces the log with persisted entries. Sequence numbers and
// timestamps continue after the newest restored entry.
func (l *Log) Restore(entries []Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(make([]Entry, 0, len(entries)), entries...)
	for _, e := range entries {
		if e.Seq > l.seq {
			l.seq = e.Seq
		}
		if e.Timestamp > l.lastTS {
			l.lastTS = e.Timestamp
		}
	}
	if len(l.entries) > l.cfg.MaxEntries {
		l.trimLocked(l.cfg.MaxEntries)
	}
	l.metrics.Size.Set(float64(len(l.entries)))
}

// Close drains the archive queue and closes the archive.
func (l *Log) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	if l.queue != nil {
		close(l.queue)
	}
	l.mu.Unlock()

	l.wg.Wait()
	if l.archive != nil {
		return l.archive.Close()
	}
	return nil
}

// ErrNoArchive is returned by QueryArchive when no archive is configured.
var ErrNoArchive = errors.New("no archive configured")
