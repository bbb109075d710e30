// Package secrets redacts credentials from values before they are retained
// in the change log or its archive.
package secrets

import (
	"errors"
	"fmt"
	"regexp"
)

var (
	// ErrInvalidTOML is returned when an allowlist file cannot be parsed.
	ErrInvalidTOML = errors.New("invalid allowlist toml")

	// ErrInvalidRegex is returned when a rule or allowlist pattern does not compile.
	ErrInvalidRegex = errors.New("invalid regex pattern")
)

// Config configures the scrubber.
type Config struct {
	Enabled         bool     `koanf:"enabled"`
	Rules           []Rule   `koanf:"rules"`
	RedactionString string   `koanf:"redaction_string"`
	AllowList       []string `koanf:"allow_list"`

	// AllowListFile optionally points at a TOML file with an [allowlist]
	// table whose regexes are appended to AllowList.
	AllowListFile string `koanf:"allow_list_file"`

	compiledRules     []*compiledRule
	compiledAllowList []*regexp.Regexp
}

// Rule defines a secret detection rule. Keywords, when present, must
// appear in the input before the pattern is evaluated.
type Rule struct {
	ID       string   `koanf:"id"`
	Pattern  string   `koanf:"pattern"`
	Keywords []string `koanf:"keywords"`
}

type compiledRule struct {
	Rule
	pattern  *regexp.Regexp
	keywords []*regexp.Regexp
}

// DefaultConfig enables the built-in rules.
func DefaultConfig() *Config {
	return &Config{
		Enabled:         true,
		RedactionString: "[REDACTED]",
		Rules:           DefaultRules(),
	}
}

// Validate compiles rules and the allowlist.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.RedactionString == "" {
		c.RedactionString = "[REDACTED]"
	}

	c.compiledRules = make([]*compiledRule, 0, len(c.Rules))
	for i, rule := range c.Rules {
		if rule.ID == "" {
			return fmt.Errorf("rule %d: id is required", i)
		}
		re, err := regexp.Compile(rule.Pattern)
		if err != nil || rule.Pattern == "" {
			return fmt.Errorf("%w: rule %s: %v", ErrInvalidRegex, rule.ID, err)
		}
		cr := &compiledRule{Rule: rule, pattern: re}
		for _, kw := range rule.Keywords {
			cr.keywords = append(cr.keywords, regexp.MustCompile("(?i)"+regexp.QuoteMeta(kw)))
		}
		c.compiledRules = append(c.compiledRules, cr)
	}

	if c.AllowListFile != "" {
		extra, err := LoadAllowList(c.AllowListFile)
		if err != nil {
			return err
		}
		c.AllowList = append(c.AllowList, extra...)
	}
	c.compiledAllowList = make([]*regexp.Regexp, 0, len(c.AllowList))
	for i, p := range c.AllowList {
		re, err := regexp.Compile(p)
		if err != nil {
			return fmt.Errorf("%w: allow_list %d: %v", ErrInvalidRegex, i, err)
		}
		c.compiledAllowList = append(c.compiledAllowList, re)
	}
	return nil
}
