package learning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/statekeeper/internal/document"
)

const instrumentationName = "github.com/fyrsmithlabs/statekeeper/internal/learning"

// Document prefixes owned by the service.
const (
	FixAttemptsPath  = "learning.fixAttempts"
	PatternsPath     = "learning.patterns"
	MisdiagnosisPath = "learning.misdiagnosisPatterns"
)

// Service records fix attempts and answers questions about them.
type Service interface {
	// RecordAttempt appends rec to history and returns the updated aggregate
	// for its (issue type, method) pair.
	RecordAttempt(ctx context.Context, rec *FixAttemptRecord) (*PatternAggregate, error)

	// Aggregate returns the statistics for one pair.
	Aggregate(issueType, fixMethod string) (*PatternAggregate, bool)

	// Aggregates lists the aggregates of one issue type, or all when empty.
	Aggregates(issueType string) []*PatternAggregate

	// IssueTypes lists the known issue types.
	IssueTypes() []string

	// BestSolution returns the best-known method for an issue type.
	BestSolution(issueType string) (*Solution, bool)

	// MisdiagnosisPattern returns the advisory metadata for an issue type.
	MisdiagnosisPattern(issueType string) (*MisdiagnosisPattern, bool)

	// MisdiagnosisPatterns lists the advisory metadata of every issue type.
	MisdiagnosisPatterns() []*MisdiagnosisPattern

	// Generalize merges near-duplicate keys. Running it twice is a no-op.
	Generalize(ctx context.Context) (*GeneralizeReport, error)

	// Rebuild derives the index again from the stored history.
	Rebuild(ctx context.Context) (*RebuildReport, error)
}

// Config configures the learning service.
type Config struct {
	// MaxSymptoms caps the distinct symptoms kept per issue type (default: 10)
	MaxSymptoms int

	// UnassignedIssueID groups records reported without an issue id (default: unassigned)
	UnassignedIssueID string
}

// DefaultServiceConfig returns sensible defaults.
func DefaultServiceConfig() *Config {
	return &Config{
		MaxSymptoms:       10,
		UnassignedIssueID: "unassigned",
	}
}

// Option configures the service.
type Option func(*service)

// WithClock overrides the clock used to stamp records without a start time.
func WithClock(now func() time.Time) Option {
	return func(s *service) { s.now = now }
}

// service implements the Service interface.
type service struct {
	config       *Config
	attempts     *document.Namespace
	patterns     *document.Namespace
	misdiagnosis *document.Namespace
	logger       *zap.Logger
	now          func() time.Time

	// Telemetry
	tracer            trace.Tracer
	meter             metric.Meter
	attemptCounter    metric.Int64Counter
	invalidCounter    metric.Int64Counter
	generalizeCounter metric.Int64Counter

	mu  sync.RWMutex
	idx *index
}

// NewService creates the learning service. It reserves the learning
// namespaces in doc and indexes any history already present.
func NewService(cfg *Config, doc *document.Document, logger *zap.Logger, opts ...Option) (Service, error) {
	if cfg == nil {
		cfg = DefaultServiceConfig()
	}
	if doc == nil {
		return nil, errors.New("document is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.UnassignedIssueID == "" {
		cfg.UnassignedIssueID = "unassigned"
	}

	s := &service{
		config: cfg,
		logger: logger,
		now:    time.Now,
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
		idx:    newIndex(),
	}
	for _, opt := range opts {
		opt(s)
	}

	var err error
	if s.attempts, err = doc.Reserve(FixAttemptsPath); err != nil {
		return nil, fmt.Errorf("reserve fix attempts: %w", err)
	}
	if s.patterns, err = doc.Reserve(PatternsPath); err != nil {
		return nil, fmt.Errorf("reserve patterns: %w", err)
	}
	if s.misdiagnosis, err = doc.Reserve(MisdiagnosisPath); err != nil {
		return nil, fmt.Errorf("reserve misdiagnosis patterns: %w", err)
	}

	s.initMetrics()

	idx, records, skipped := s.indexHistory()
	s.idx = idx
	if records > 0 {
		s.logger.Info("indexed fix attempt history",
			zap.Int("records", records),
			zap.Int("skipped", skipped),
			zap.Int("aggregates", idx.pairCount()),
		)
	}
	return s, nil
}

// initMetrics initializes OpenTelemetry metrics.
func (s *service) initMetrics() {
	var err error

	s.attemptCounter, err = s.meter.Int64Counter(
		"statekeeper.learning.attempts_total",
		metric.WithDescription("Total number of fix attempts recorded"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		s.logger.Warn("failed to create attempt counter", zap.Error(err))
	}

	s.invalidCounter, err = s.meter.Int64Counter(
		"statekeeper.learning.invalid_records_total",
		metric.WithDescription("Total number of rejected fix attempt records"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		s.logger.Warn("failed to create invalid record counter", zap.Error(err))
	}

	s.generalizeCounter, err = s.meter.Int64Counter(
		"statekeeper.learning.generalize_runs_total",
		metric.WithDescription("Total number of generalization passes"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		s.logger.Warn("failed to create generalize counter", zap.Error(err))
	}
}

func validateRecord(r *FixAttemptRecord) error {
	switch {
	case r.IssueType == "":
		return &InvalidRecordError{Field: "issueType", Reason: "is required"}
	case r.FixMethod == "":
		return &InvalidRecordError{Field: "fixMethod", Reason: "is required"}
	case !r.Result.Valid():
		return &InvalidRecordError{Field: "result", Reason: fmt.Sprintf("must be success, failure or partial, got %q", r.Result)}
	case r.DurationMs < 0:
		return &InvalidRecordError{Field: "durationMs", Reason: "must not be negative"}
	}
	return nil
}

// RecordAttempt appends the record and updates the aggregates of its issue type.
func (s *service) RecordAttempt(ctx context.Context, rec *FixAttemptRecord) (*PatternAggregate, error) {
	ctx, span := s.tracer.Start(ctx, "learning.RecordAttempt")
	defer span.End()

	if rec == nil {
		return nil, s.reject(ctx, span, &InvalidRecordError{Field: "record", Reason: "is required"})
	}
	r := *rec
	r.IssueType = strings.TrimSpace(r.IssueType)
	r.FixMethod = strings.TrimSpace(r.FixMethod)
	r.IssueID = strings.TrimSpace(r.IssueID)
	r.Result = Result(strings.ToLower(strings.TrimSpace(string(r.Result))))
	if err := validateRecord(&r); err != nil {
		return nil, s.reject(ctx, span, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.TimestampStart == 0 {
		r.TimestampStart = s.now().UnixMilli() - r.DurationMs
	}
	issueID := r.IssueID
	if issueID == "" {
		issueID = s.config.UnassignedIssueID
	}

	span.SetAttributes(
		attribute.String("issue_type", r.IssueType),
		attribute.String("fix_method", r.FixMethod),
		attribute.String("result", string(r.Result)),
	)

	v, err := document.FromAny(&r)
	if err != nil {
		return nil, fmt.Errorf("encode fix attempt: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.attempts.Append(s.attempts.Path(document.EscapeSegment(issueID)), v); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("append fix attempt: %w", err)
	}

	ts := s.idx.add(&r, s.config.MaxSymptoms)
	if err := s.writeType(r.IssueType, ts); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if s.attemptCounter != nil {
		s.attemptCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("result", string(r.Result)),
		))
	}

	agg := *ts.methods[r.FixMethod]
	s.logger.Debug("fix attempt recorded",
		zap.String("issue_id", issueID),
		zap.String("issue_type", r.IssueType),
		zap.String("fix_method", r.FixMethod),
		zap.String("result", string(r.Result)),
		zap.Int("frequency", agg.Frequency),
		zap.Float64("success_rate", agg.SuccessRate),
	)
	return &agg, nil
}

func (s *service) reject(ctx context.Context, span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, "invalid record")
	if s.invalidCounter != nil {
		s.invalidCounter.Add(ctx, 1)
	}
	s.logger.Warn("fix attempt rejected", zap.Error(err))
	return err
}

// writeType persists every aggregate of one issue type and its advisory metadata.
func (s *service) writeType(issueType string, ts *typeStats) error {
	for _, m := range ts.sortedMethods() {
		v, err := document.FromAny(ts.methods[m])
		if err != nil {
			return fmt.Errorf("encode aggregate: %w", err)
		}
		if err := s.patterns.Set(s.patterns.Path(pairSegment(issueType, m)), v); err != nil {
			return fmt.Errorf("write aggregate: %w", err)
		}
	}
	if p := ts.pattern(issueType); p != nil {
		v, err := document.FromAny(p)
		if err != nil {
			return fmt.Errorf("encode misdiagnosis pattern: %w", err)
		}
		if err := s.misdiagnosis.Set(s.misdiagnosis.Path(document.EscapeSegment(issueType)), v); err != nil {
			return fmt.Errorf("write misdiagnosis pattern: %w", err)
		}
	}
	return nil
}

// pairSegment is the key of one aggregate under learning.patterns.
func pairSegment(issueType, fixMethod string) string {
	seg := document.EscapeSegment(issueType) + "|" + document.EscapeSegment(fixMethod)
	if len(seg) <= document.MaxSegmentLength {
		return seg
	}
	return document.EscapeSegment(seg)
}

func (s *service) Aggregate(issueType, fixMethod string) (*PatternAggregate, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ts, ok := s.idx.types[issueType]
	if !ok {
		return nil, false
	}
	a, ok := ts.methods[fixMethod]
	if !ok {
		return nil, false
	}
	cp := *a
	return &cp, true
}

func (s *service) Aggregates(issueType string) []*PatternAggregate {
	s.mu.RLock()
	defer s.mu.RUnlock()

	types := []string{issueType}
	if issueType == "" {
		types = s.idx.sortedTypes()
	}
	var out []*PatternAggregate
	for _, t := range types {
		ts, ok := s.idx.types[t]
		if !ok {
			continue
		}
		for _, m := range ts.sortedMethods() {
			cp := *ts.methods[m]
			out = append(out, &cp)
		}
	}
	return out
}

func (s *service) IssueTypes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.idx.sortedTypes()
}

func (s *service) BestSolution(issueType string) (*Solution, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ts, ok := s.idx.types[issueType]
	if !ok {
		return nil, false
	}
	best := ts.best()
	if best == nil {
		return nil, false
	}
	return &Solution{
		Method:      best.FixMethod,
		SuccessRate: best.SuccessRate,
		Frequency:   best.Frequency,
		Successes:   best.Successes,
	}, true
}

func (s *service) MisdiagnosisPattern(issueType string) (*MisdiagnosisPattern, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ts, ok := s.idx.types[issueType]
	if !ok {
		return nil, false
	}
	p := ts.pattern(issueType)
	return p, p != nil
}

func (s *service) MisdiagnosisPatterns() []*MisdiagnosisPattern {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*MisdiagnosisPattern
	for _, t := range s.idx.sortedTypes() {
		if p := s.idx.types[t].pattern(t); p != nil {
			out = append(out, p)
		}
	}
	return out
}

// storedRecord is one history entry together with its position.
type storedRecord struct {
	issueKey string
	pos      int
	rec      FixAttemptRecord
}

// readHistory decodes learning.fixAttempts. Entries that do not decode are
// returned in raw so they can be written back untouched.
func (s *service) readHistory() (map[string][]document.Value, []storedRecord, int) {
	root, ok := s.attempts.Get(FixAttemptsPath)
	if !ok || !root.IsMapping() {
		return nil, nil, 0
	}
	raw := make(map[string][]document.Value, root.Len())
	var records []storedRecord
	skipped := 0
	for _, key := range root.Keys() {
		seq, _ := root.Field(key)
		items := seq.Items()
		raw[key] = items
		for i, item := range items {
			var rec FixAttemptRecord
			if err := decodeValue(item, &rec); err != nil || validateRecord(&rec) != nil {
				skipped++
				s.logger.Warn("skipping unreadable fix attempt",
					zap.String("issue", key),
					zap.Int("position", i),
				)
				continue
			}
			records = append(records, storedRecord{issueKey: key, pos: i, rec: rec})
		}
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].rec.endMs() < records[j].rec.endMs()
	})
	return raw, records, skipped
}

func (s *service) buildIndex(records []storedRecord) *index {
	idx := newIndex()
	for i := range records {
		idx.add(&records[i].rec, s.config.MaxSymptoms)
	}
	return idx
}

func (s *service) indexHistory() (*index, int, int) {
	_, records, skipped := s.readHistory()
	return s.buildIndex(records), len(records), skipped
}

// storedForms renders the aggregates and advisory metadata as mappings.
func storedForms(idx *index) (document.Value, document.Value, error) {
	patterns := make(map[string]document.Value)
	misdiagnosis := make(map[string]document.Value)
	for _, t := range idx.sortedTypes() {
		ts := idx.types[t]
		for _, m := range ts.sortedMethods() {
			v, err := document.FromAny(ts.methods[m])
			if err != nil {
				return document.Null(), document.Null(), err
			}
			patterns[pairSegment(t, m)] = v
		}
		if p := ts.pattern(t); p != nil {
			v, err := document.FromAny(p)
			if err != nil {
				return document.Null(), document.Null(), err
			}
			misdiagnosis[document.EscapeSegment(t)] = v
		}
	}
	return document.MappingValue(patterns), document.MappingValue(misdiagnosis), nil
}

// writeAll replaces both derived namespaces when they differ from idx.
func (s *service) writeAll(idx *index) (bool, error) {
	patterns, misdiagnosis, err := storedForms(idx)
	if err != nil {
		return false, fmt.Errorf("encode aggregates: %w", err)
	}
	changed := false
	if cur, _ := s.patterns.Get(PatternsPath); !cur.Equal(patterns) {
		if err := s.patterns.Set(PatternsPath, patterns); err != nil {
			return changed, fmt.Errorf("write aggregates: %w", err)
		}
		changed = true
	}
	if cur, _ := s.misdiagnosis.Get(MisdiagnosisPath); !cur.Equal(misdiagnosis) {
		if err := s.misdiagnosis.Set(MisdiagnosisPath, misdiagnosis); err != nil {
			return changed, fmt.Errorf("write misdiagnosis patterns: %w", err)
		}
		changed = true
	}
	return changed, nil
}

// Rebuild derives the index from learning.fixAttempts and rewrites the
// derived namespaces when they are out of date. Without any history the
// stored aggregates are left alone.
func (s *service) Rebuild(ctx context.Context) (*RebuildReport, error) {
	ctx, span := s.tracer.Start(ctx, "learning.Rebuild")
	defer span.End()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, records, skipped := s.readHistory()
	idx := s.buildIndex(records)
	s.idx = idx

	report := &RebuildReport{
		Records:    len(records),
		Skipped:    skipped,
		Aggregates: idx.pairCount(),
	}
	if len(records) == 0 {
		if cur, ok := s.patterns.Get(PatternsPath); ok && !cur.IsEmpty() {
			s.logger.Warn("no fix attempt history, keeping stored aggregates")
		}
		return report, nil
	}

	rewritten, err := s.writeAll(idx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	report.Rewritten = rewritten

	span.SetAttributes(
		attribute.Int("records", report.Records),
		attribute.Int("aggregates", report.Aggregates),
	)
	s.logger.Info("learning index rebuilt",
		zap.Int("records", report.Records),
		zap.Int("skipped", report.Skipped),
		zap.Int("aggregates", report.Aggregates),
		zap.Bool("rewritten", report.Rewritten),
	)
	return report, nil
}

// Generalize normalizes issue types and methods in history, keeping the
// originals on each rewritten record, and rebuilds the aggregates.
func (s *service) Generalize(ctx context.Context) (*GeneralizeReport, error) {
	ctx, span := s.tracer.Start(ctx, "learning.Generalize")
	defer span.End()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	raw, records, _ := s.readHistory()
	report := &GeneralizeReport{KeysBefore: s.buildIndex(records).pairCount()}

	merged := make(map[string]map[string]struct{})
	changedIssues := make(map[string]bool)
	for i := range records {
		r := &records[i].rec
		from := pairKeyString(r.IssueType, r.FixMethod)
		nt, nm := Normalize(r.IssueType), Normalize(r.FixMethod)
		into := pairKeyString(nt, nm)
		if merged[into] == nil {
			merged[into] = make(map[string]struct{})
		}
		merged[into][from] = struct{}{}

		if nt == r.IssueType && nm == r.FixMethod {
			continue
		}
		if nt != r.IssueType && r.OriginalIssueType == "" {
			r.OriginalIssueType = r.IssueType
		}
		if nm != r.FixMethod && r.OriginalFixMethod == "" {
			r.OriginalFixMethod = r.FixMethod
		}
		r.IssueType, r.FixMethod = nt, nm

		v, err := document.FromAny(r)
		if err != nil {
			return nil, fmt.Errorf("encode fix attempt: %w", err)
		}
		raw[records[i].issueKey][records[i].pos] = v
		changedIssues[records[i].issueKey] = true
		report.RecordsRewritten++
	}

	keys := make([]string, 0, len(changedIssues))
	for k := range changedIssues {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := s.attempts.Set(s.attempts.Path(k), document.SequenceValue(raw[k]...)); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("rewrite fix attempts: %w", err)
		}
	}

	idx := s.buildIndex(records)
	if len(records) > 0 {
		if _, err := s.writeAll(idx); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
	}
	s.idx = idx
	report.KeysAfter = idx.pairCount()

	for into, froms := range merged {
		_, self := froms[into]
		if len(froms) == 1 && self {
			continue
		}
		list := make([]string, 0, len(froms))
		for f := range froms {
			list = append(list, f)
		}
		sort.Strings(list)
		if report.Merged == nil {
			report.Merged = make(map[string][]string)
		}
		report.Merged[into] = list
	}

	if s.generalizeCounter != nil {
		s.generalizeCounter.Add(ctx, 1)
	}
	span.SetAttributes(
		attribute.Int("records_rewritten", report.RecordsRewritten),
		attribute.Int("keys_before", report.KeysBefore),
		attribute.Int("keys_after", report.KeysAfter),
	)
	s.logger.Info("generalization pass complete",
		zap.Int("records_rewritten", report.RecordsRewritten),
		zap.Int("keys_before", report.KeysBefore),
		zap.Int("keys_after", report.KeysAfter),
	)
	return report, nil
}

func pairKeyString(issueType, fixMethod string) string {
	return issueType + "|" + fixMethod
}

func decodeValue(v document.Value, out any) error {
	b, err := v.MarshalJSON()
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}
