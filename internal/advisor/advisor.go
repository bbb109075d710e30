// Package advisor answers "what should I avoid and what should I try" for
// an issue before a fix is attempted.
//
// The advisor only reads from the learning index. An issue type is matched
// exactly, then in its generalized form, and finally the error message is
// compared against the symptoms recorded for every issue type.
package advisor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/statekeeper/internal/learning"
)

const instrumentationName = "github.com/fyrsmithlabs/statekeeper/internal/advisor"

// Patterns is the read side of the learning service.
type Patterns interface {
	IssueTypes() []string
	Aggregates(issueType string) []*learning.PatternAggregate
	BestSolution(issueType string) (*learning.Solution, bool)
	MisdiagnosisPatterns() []*learning.MisdiagnosisPattern
}

// How an advisory was matched to stored patterns.
const (
	MatchIssueType  = "issue_type"
	MatchNormalized = "normalized_issue_type"
	MatchSymptom    = "symptom"
	MatchNone       = "none"
)

// Warning names a method that failed before for the matched issue type.
type Warning struct {
	Method       string `json:"method"`
	FailureCount int    `json:"failureCount"`
	TimeWasted   int64  `json:"timeWasted"`
	LastFailed   int64  `json:"lastFailed,omitempty"`
}

// Approach is the recommended method.
type Approach struct {
	Method      string  `json:"method"`
	SuccessRate float64 `json:"successRate"`
	Frequency   int     `json:"frequency"`
}

// Advisory is the answer to a Query. Warnings is never nil.
type Advisory struct {
	IssueType            string    `json:"issueType"`
	MatchedIssueType     string    `json:"matchedIssueType,omitempty"`
	MatchedBy            string    `json:"matchedBy"`
	MatchedSymptom       string    `json:"matchedSymptom,omitempty"`
	Component            string    `json:"component,omitempty"`
	Warnings             []Warning `json:"warnings"`
	CorrectApproach      *Approach `json:"correctApproach"`
	EstimatedTimeSavings *int64    `json:"estimatedTimeSavings"`
}

// Summary renders the advisory as one line of text.
func (a *Advisory) Summary() string {
	if len(a.Warnings) == 0 && a.CorrectApproach == nil {
		return fmt.Sprintf("no recorded patterns for %s", a.IssueType)
	}
	var parts []string
	for _, w := range a.Warnings {
		parts = append(parts, fmt.Sprintf("avoid %s (failed %d times, %s wasted)",
			w.Method, w.FailureCount, time.Duration(w.TimeWasted)*time.Millisecond))
	}
	if a.CorrectApproach != nil {
		parts = append(parts, fmt.Sprintf("try %s (%.0f%% success over %d attempts)",
			a.CorrectApproach.Method, a.CorrectApproach.SuccessRate*100, a.CorrectApproach.Frequency))
	}
	return strings.Join(parts, "; ")
}

// Advisor answers advisory queries.
type Advisor struct {
	patterns Patterns
	logger   *zap.Logger
	tracer   trace.Tracer
}

// New creates an advisor over p.
func New(p Patterns, logger *zap.Logger) (*Advisor, error) {
	if p == nil {
		return nil, errors.New("patterns source is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Advisor{
		patterns: p,
		logger:   logger,
		tracer:   otel.Tracer(instrumentationName),
	}, nil
}

// Query looks up the history for issueType, falling back to matching
// errorMessage against recorded symptoms. An unknown issue yields an empty
// advisory, never an error; only a canceled context fails.
func (a *Advisor) Query(ctx context.Context, issueType, errorMessage, component string) (*Advisory, error) {
	ctx, span := a.tracer.Start(ctx, "advisor.Query")
	defer span.End()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	adv := &Advisory{
		IssueType: issueType,
		MatchedBy: MatchNone,
		Component: component,
		Warnings:  []Warning{},
	}

	matched, how, symptom := a.match(strings.TrimSpace(issueType), errorMessage)
	if matched != "" {
		adv.MatchedIssueType = matched
		adv.MatchedBy = how
		adv.MatchedSymptom = symptom
		a.fill(adv, matched)
	}

	span.SetAttributes(
		attribute.String("issue_type", issueType),
		attribute.String("matched_by", adv.MatchedBy),
		attribute.Int("warnings", len(adv.Warnings)),
	)
	a.logger.Debug("advisory computed",
		zap.String("issue_type", issueType),
		zap.String("component", component),
		zap.String("matched_by", adv.MatchedBy),
		zap.Int("warnings", len(adv.Warnings)),
	)
	return adv, nil
}

func (a *Advisor) match(issueType, errorMessage string) (string, string, string) {
	known := make(map[string]bool)
	for _, t := range a.patterns.IssueTypes() {
		known[t] = true
	}
	if issueType != "" && known[issueType] {
		return issueType, MatchIssueType, ""
	}
	if issueType != "" {
		if n := learning.Normalize(issueType); known[n] {
			return n, MatchNormalized, ""
		}
	}

	msg := strings.ToLower(strings.TrimSpace(errorMessage))
	if msg == "" {
		return "", "", ""
	}
	var (
		bestType    string
		bestSymptom string
		bestFreq    int
	)
	for _, p := range a.patterns.MisdiagnosisPatterns() {
		for _, s := range p.Symptoms {
			ls := strings.ToLower(s)
			if ls == "" || !(strings.Contains(msg, ls) || strings.Contains(ls, msg)) {
				continue
			}
			if len(s) > len(bestSymptom) || len(s) == len(bestSymptom) && p.Frequency > bestFreq {
				bestType, bestSymptom, bestFreq = p.IssueType, s, p.Frequency
			}
		}
	}
	if bestType == "" {
		return "", "", ""
	}
	return bestType, MatchSymptom, bestSymptom
}

func (a *Advisor) fill(adv *Advisory, issueType string) {
	best, ok := a.patterns.BestSolution(issueType)
	if ok && best.Successes > 0 {
		adv.CorrectApproach = &Approach{
			Method:      best.Method,
			SuccessRate: best.SuccessRate,
			Frequency:   best.Frequency,
		}
	}

	var total int64
	for _, agg := range a.patterns.Aggregates(issueType) {
		if agg.Failures == 0 {
			continue
		}
		if adv.CorrectApproach != nil && agg.FixMethod == adv.CorrectApproach.Method {
			continue
		}
		adv.Warnings = append(adv.Warnings, Warning{
			Method:       agg.FixMethod,
			FailureCount: agg.Failures,
			TimeWasted:   agg.TimeWasted,
			LastFailed:   agg.LastFailed,
		})
		total += agg.TimeWasted
	}
	sort.SliceStable(adv.Warnings, func(i, j int) bool {
		if adv.Warnings[i].TimeWasted != adv.Warnings[j].TimeWasted {
			return adv.Warnings[i].TimeWasted > adv.Warnings[j].TimeWasted
		}
		return adv.Warnings[i].Method < adv.Warnings[j].Method
	})
	if len(adv.Warnings) > 0 {
		adv.EstimatedTimeSavings = &total
	}
}
