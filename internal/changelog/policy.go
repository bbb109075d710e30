package changelog

import (
	"fmt"
	"strings"
)

// Action decides how a path's changes are retained.
type Action string

const (
	// ActionCritical keeps full old and new values.
	ActionCritical Action = "critical"
	// ActionAuxiliary keeps digests and a short preview.
	ActionAuxiliary Action = "auxiliary"
	// ActionSkip does not log the change.
	ActionSkip Action = "skip"
)

// Rule maps a path pattern to an action. A "*" segment matches exactly one
// segment; a trailing "**" matches the remainder, including nothing.
type Rule struct {
	Pattern string `koanf:"pattern" json:"pattern"`
	Action  Action `koanf:"action" json:"action"`
}

// Policy is an ordered rule list. The first matching rule wins.
type Policy struct {
	Rules   []Rule `koanf:"rules" json:"rules"`
	Default Action `koanf:"default" json:"default"`
}

// DefaultPolicy logs issue, fix and learning state in full and skips
// health heartbeats and persistence metadata.
func DefaultPolicy() Policy {
	return Policy{
		Rules: []Rule{
			{Pattern: "system.health.**", Action: ActionSkip},
			{Pattern: "metadata.**", Action: ActionSkip},
			{Pattern: "issues.**", Action: ActionCritical},
			{Pattern: "fixes.**", Action: ActionCritical},
			{Pattern: "learning.**", Action: ActionCritical},
		},
		Default: ActionAuxiliary,
	}
}

// Validate checks actions and pattern shape.
func (p Policy) Validate() error {
	if p.Default != "" && !validAction(p.Default) {
		return fmt.Errorf("invalid default action %q", p.Default)
	}
	for i, r := range p.Rules {
		if !validAction(r.Action) {
			return fmt.Errorf("rule %d (%s): invalid action %q", i, r.Pattern, r.Action)
		}
		if r.Pattern == "" {
			return fmt.Errorf("rule %d: pattern is required", i)
		}
		segs := strings.Split(r.Pattern, ".")
		for j, s := range segs {
			if s == "" {
				return fmt.Errorf("rule %d (%s): empty segment", i, r.Pattern)
			}
			if s == "**" && j != len(segs)-1 {
				return fmt.Errorf("rule %d (%s): ** must be the last segment", i, r.Pattern)
			}
		}
	}
	return nil
}

// Classify returns the action for path.
func (p Policy) Classify(path string) Action {
	segs := strings.Split(path, ".")
	for _, r := range p.Rules {
		if matchPattern(strings.Split(r.Pattern, "."), segs) {
			return r.Action
		}
	}
	if p.Default == "" {
		return ActionAuxiliary
	}
	return p.Default
}

func matchPattern(pattern, segs []string) bool {
	for i, p := range pattern {
		if p == "**" {
			return true
		}
		if i >= len(segs) {
			return false
		}
		if p != "*" && p != segs[i] {
			return false
		}
	}
	return len(pattern) == len(segs)
}

func validAction(a Action) bool {
	return a == ActionCritical || a == ActionAuxiliary || a == ActionSkip
}
