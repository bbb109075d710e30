package secrets

import (
	"sort"

	"github.com/fyrsmithlabs/statekeeper/internal/document"
)

// Scrubber redacts secrets from strings and from every string inside a Value.
type Scrubber interface {
	// Scrub returns content with matches replaced and the number of findings.
	Scrub(content string) (string, int)

	// ScrubValue returns a copy of v with every string scrubbed.
	// Mapping keys are left alone.
	ScrubValue(v document.Value) (document.Value, int)

	IsEnabled() bool
}

type scrubber struct {
	config *Config
}

type span struct{ start, end int }

// New creates a Scrubber. A nil config uses DefaultConfig.
func New(cfg *Config) (Scrubber, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !cfg.Enabled {
		return Noop{}, nil
	}
	return &scrubber{config: cfg}, nil
}

func (s *scrubber) IsEnabled() bool { return true }

func (s *scrubber) Scrub(content string) (string, int) {
	var spans []span
	for _, rule := range s.config.compiledRules {
		if !rule.applies(content) {
			continue
		}
		for _, m := range rule.pattern.FindAllStringIndex(content, -1) {
			if s.allowed(content[m[0]:m[1]]) {
				continue
			}
			spans = append(spans, span{m[0], m[1]})
		}
	}
	if len(spans) == 0 {
		return content, 0
	}

	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })
	merged := []span{spans[0]}
	for _, sp := range spans[1:] {
		last := &merged[len(merged)-1]
		if sp.start <= last.end {
			if sp.end > last.end {
				last.end = sp.end
			}
			continue
		}
		merged = append(merged, sp)
	}

	out := content
	for i := len(merged) - 1; i >= 0; i-- {
		out = out[:merged[i].start] + s.config.RedactionString + out[merged[i].end:]
	}
	return out, len(spans)
}

func (s *scrubber) ScrubValue(v document.Value) (document.Value, int) {
	switch v.Kind() {
	case document.KindString:
		str, _ := v.AsString()
		out, n := s.Scrub(str)
		if n == 0 {
			return v, 0
		}
		return document.StringValue(out), n
	case document.KindSequence:
		items := v.Items()
		total := 0
		for i, it := range items {
			var n int
			items[i], n = s.ScrubValue(it)
			total += n
		}
		if total == 0 {
			return v, 0
		}
		return document.SequenceValue(items...), total
	case document.KindMapping:
		fields := make(map[string]document.Value, v.Len())
		total := 0
		for _, k := range v.Keys() {
			f, _ := v.Field(k)
			var n int
			fields[k], n = s.ScrubValue(f)
			total += n
		}
		if total == 0 {
			return v, 0
		}
		return document.MappingValue(fields), total
	default:
		return v, 0
	}
}

func (s *scrubber) allowed(match string) bool {
	for _, re := range s.config.compiledAllowList {
		if re.MatchString(match) {
			return true
		}
	}
	return false
}

func (r *compiledRule) applies(content string) bool {
	if len(r.keywords) == 0 {
		return true
	}
	for _, kw := range r.keywords {
		if kw.MatchString(content) {
			return true
		}
	}
	return false
}

// Noop leaves content untouched.
type Noop struct{}

func (Noop) Scrub(content string) (string, int) { return content, 0 }

func (Noop) ScrubValue(v document.Value) (document.Value, int) { return v, 0 }

func (Noop) IsEnabled() bool { return false }

var (
	_ Scrubber = (*scrubber)(nil)
	_ Scrubber = Noop{}
)
