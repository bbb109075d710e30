// Package query routes free-text questions to the learning index, the
// advisor or the document.
package query

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/statekeeper/internal/advisor"
	"github.com/fyrsmithlabs/statekeeper/internal/document"
	"github.com/fyrsmithlabs/statekeeper/internal/learning"
)

var (
	// ErrEmptyQuestion is returned for a blank question.
	ErrEmptyQuestion = errors.New("question is empty")

	// ErrUnrecognizedQuestion is returned when no route matches.
	ErrUnrecognizedQuestion = errors.New("unrecognized question")
)

// Answer kinds.
const (
	KindBestSolution = "best_solution"
	KindAdvisory     = "advisory"
	KindTimeWasted   = "time_wasted"
	KindValue        = "value"
	KindPatterns     = "patterns"
)

// Answer is the routed result of a question.
type Answer struct {
	Kind     string `json:"kind"`
	Question string `json:"question"`
	Subject  string `json:"subject,omitempty"`
	Text     string `json:"text"`
	Data     any    `json:"data"`
}

// Learner is the part of the learning service the dispatcher reads.
type Learner interface {
	IssueTypes() []string
	Aggregates(issueType string) []*learning.PatternAggregate
	BestSolution(issueType string) (*learning.Solution, bool)
}

// Advisor produces advisories.
type Advisor interface {
	Query(ctx context.Context, issueType, errorMessage, component string) (*advisor.Advisory, error)
}

// Reader reads document paths.
type Reader interface {
	Get(path string) (document.Value, bool)
}

type route struct {
	kind    string
	pattern *regexp.Regexp
}

var routes = []route{
	{KindBestSolution, regexp.MustCompile(`(?i)^(?:what(?:'s| is) the )?best (?:fix|solution|approach) for (.+?)\??$`)},
	{KindAdvisory, regexp.MustCompile(`(?i)^(?:what failed for|advice for|advise on|warnings for) (.+?)\??$`)},
	{KindTimeWasted, regexp.MustCompile(`(?i)^(?:how much )?time (?:was )?wasted on (.+?)\??$`)},
	// Listings go before values so "show patterns" is not read as a path.
	{KindPatterns, regexp.MustCompile(`(?i)^(?:list|show) (?:all )?(?:patterns|issue types)$`)},
	{KindValue, regexp.MustCompile(`(?i)^(?:get|show|read) (\S+)$`)},
}

// Dispatcher answers questions.
type Dispatcher struct {
	learner Learner
	advisor Advisor
	state   Reader
	logger  *zap.Logger
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(l Learner, a Advisor, r Reader, logger *zap.Logger) (*Dispatcher, error) {
	if l == nil || a == nil || r == nil {
		return nil, errors.New("learner, advisor and reader are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{learner: l, advisor: a, state: r, logger: logger}, nil
}

// Dispatch routes question to the matching lookup.
func (d *Dispatcher) Dispatch(ctx context.Context, question string) (*Answer, error) {
	q := strings.TrimSpace(question)
	if q == "" {
		return nil, ErrEmptyQuestion
	}
	for _, r := range routes {
		m := r.pattern.FindStringSubmatch(q)
		if m == nil {
			continue
		}
		subject := ""
		if len(m) > 1 {
			subject = strings.TrimSpace(m[1])
		}
		d.logger.Debug("question routed", zap.String("kind", r.kind), zap.String("subject", subject))
		ans := &Answer{Kind: r.kind, Question: q, Subject: subject}
		if err := d.answer(ctx, ans); err != nil {
			return nil, err
		}
		return ans, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnrecognizedQuestion, q)
}

func (d *Dispatcher) answer(ctx context.Context, ans *Answer) error {
	switch ans.Kind {
	case KindBestSolution:
		best, ok := d.learner.BestSolution(ans.Subject)
		if !ok {
			ans.Text = fmt.Sprintf("no recorded attempts for %s", ans.Subject)
			return nil
		}
		ans.Data = best
		ans.Text = fmt.Sprintf("%s: %.0f%% success over %d attempts", best.Method, best.SuccessRate*100, best.Frequency)

	case KindAdvisory:
		adv, err := d.advisor.Query(ctx, ans.Subject, ans.Subject, "")
		if err != nil {
			return err
		}
		ans.Data = adv
		ans.Text = adv.Summary()

	case KindTimeWasted:
		var total int64
		aggs := d.learner.Aggregates(ans.Subject)
		for _, a := range aggs {
			total += a.TimeWasted
		}
		ans.Data = total
		if len(aggs) == 0 {
			ans.Text = fmt.Sprintf("no recorded attempts for %s", ans.Subject)
		} else {
			ans.Text = fmt.Sprintf("%s wasted on failed fixes for %s", time.Duration(total)*time.Millisecond, ans.Subject)
		}

	case KindValue:
		if err := document.ValidatePath(ans.Subject); err != nil {
			return err
		}
		v, ok := d.state.Get(ans.Subject)
		if !ok {
			ans.Text = fmt.Sprintf("no value at %s", ans.Subject)
			return nil
		}
		ans.Data = v
		ans.Text = document.Preview(v, 200)

	case KindPatterns:
		types := d.learner.IssueTypes()
		ans.Data = d.learner.Aggregates("")
		if len(types) == 0 {
			ans.Text = "no patterns recorded"
		} else {
			ans.Text = fmt.Sprintf("%d issue types: %s", len(types), strings.Join(types, ", "))
		}
	}
	return nil
}
