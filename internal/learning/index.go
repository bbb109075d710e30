package learning

import (
	"sort"
	"strings"
)

// typeStats is the index entry for one issue type.
type typeStats struct {
	methods map[string]*PatternAggregate

	failures         int
	timeWasted       int64
	lastFailedMethod string
	lastFailedAt     int64

	symptom   string
	symptomAt int64
	symptoms  []string
}

type index struct {
	types map[string]*typeStats
}

func newIndex() *index {
	return &index{types: make(map[string]*typeStats)}
}

// add folds one record into the index and returns the updated type entry.
func (x *index) add(rec *FixAttemptRecord, maxSymptoms int) *typeStats {
	ts, ok := x.types[rec.IssueType]
	if !ok {
		ts = &typeStats{methods: make(map[string]*PatternAggregate)}
		x.types[rec.IssueType] = ts
	}
	a, ok := ts.methods[rec.FixMethod]
	if !ok {
		a = &PatternAggregate{IssueType: rec.IssueType, FixMethod: rec.FixMethod}
		ts.methods[rec.FixMethod] = a
	}

	end := rec.endMs()
	a.Frequency++
	switch rec.Result {
	case ResultSuccess:
		a.Successes++
	case ResultFailure:
		a.Failures++
		a.TimeWasted += rec.DurationMs
		if end > a.LastFailed {
			a.LastFailed = end
		}
		ts.failures++
		ts.timeWasted += rec.DurationMs
		if end >= ts.lastFailedAt {
			ts.lastFailedMethod = rec.FixMethod
			ts.lastFailedAt = end
		}
	case ResultPartial:
		a.Partials++
	}
	if end > a.LastUpdated {
		a.LastUpdated = end
	}
	a.recompute()

	if s := strings.TrimSpace(rec.Symptom); s != "" {
		if end >= ts.symptomAt {
			ts.symptom = s
			ts.symptomAt = end
		}
		ts.addSymptom(s, maxSymptoms)
	}

	ts.finalize()
	return ts
}

func (ts *typeStats) addSymptom(s string, max int) {
	for i, have := range ts.symptoms {
		if have == s {
			ts.symptoms = append(ts.symptoms[:i], ts.symptoms[i+1:]...)
			break
		}
	}
	ts.symptoms = append(ts.symptoms, s)
	if max > 0 && len(ts.symptoms) > max {
		ts.symptoms = ts.symptoms[len(ts.symptoms)-max:]
	}
}

// finalize stamps the type-level fields on every method aggregate.
func (ts *typeStats) finalize() {
	best := ts.best()
	for _, a := range ts.methods {
		a.BestKnownSolution = ""
		if best != nil {
			a.BestKnownSolution = best.FixMethod
		}
		a.MisdiagnosisMethod = ts.lastFailedMethod
	}
}

// sortedMethods returns the method names in lexical order.
func (ts *typeStats) sortedMethods() []string {
	out := make([]string, 0, len(ts.methods))
	for m := range ts.methods {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// best applies the tie-break: success rate, frequency, recency, then name.
func (ts *typeStats) best() *PatternAggregate {
	var best *PatternAggregate
	for _, m := range ts.sortedMethods() {
		a := ts.methods[m]
		if best == nil || betterSolution(a, best) {
			best = a
		}
	}
	return best
}

func betterSolution(a, b *PatternAggregate) bool {
	if a.SuccessRate != b.SuccessRate {
		return a.SuccessRate > b.SuccessRate
	}
	if a.Frequency != b.Frequency {
		return a.Frequency > b.Frequency
	}
	return a.LastUpdated > b.LastUpdated
}

// commonWrongApproach is the method with the most failures.
func (ts *typeStats) commonWrongApproach() string {
	var worst *PatternAggregate
	for _, m := range ts.sortedMethods() {
		a := ts.methods[m]
		if a.Failures == 0 {
			continue
		}
		if worst == nil || a.Failures > worst.Failures ||
			a.Failures == worst.Failures && a.LastFailed > worst.LastFailed {
			worst = a
		}
	}
	if worst == nil {
		return ""
	}
	return worst.FixMethod
}

// pattern returns the advisory metadata, or nil when there is nothing to warn about.
func (ts *typeStats) pattern(issueType string) *MisdiagnosisPattern {
	if ts.failures == 0 && len(ts.symptoms) == 0 {
		return nil
	}
	p := &MisdiagnosisPattern{
		IssueType:           issueType,
		Symptom:             ts.symptom,
		Symptoms:            append([]string{}, ts.symptoms...),
		CommonWrongApproach: ts.commonWrongApproach(),
		Frequency:           ts.failures,
		TimeWasted:          ts.timeWasted,
	}
	if best := ts.best(); best != nil && best.Successes > 0 {
		p.CorrectApproach = best.FixMethod
	}
	return p
}

func (x *index) sortedTypes() []string {
	out := make([]string, 0, len(x.types))
	for t := range x.types {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (x *index) pairCount() int {
	n := 0
	for _, ts := range x.types {
		n += len(ts.methods)
	}
	return n
}
