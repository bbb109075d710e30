package secrets

// DefaultRules covers the credentials that tend to show up in error text
// and tool output captured by the harness.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID:       "aws-access-key-id",
			Pattern:  `(A3T[A-Z0-9]|AKIA|ASIA)[A-Z0-9]{16}`,
			Keywords: []string{"a3t", "akia", "asia"},
		},
		{
			ID:       "generic-api-key",
			Pattern:  `(?i)(?:api[_-]?key|apikey)\s*[:=]\s*['"]?[A-Za-z0-9_\-]{16,64}['"]?`,
			Keywords: []string{"key"},
		},
		{
			ID:       "generic-secret",
			Pattern:  `(?i)(?:secret|password|passwd|pwd)\s*[:=]\s*['"]?[^\s'"]{8,}['"]?`,
			Keywords: []string{"secret", "pass", "pwd"},
		},
		{
			ID:       "bearer-token",
			Pattern:  `(?i)bearer\s+[A-Za-z0-9\-._~+/]{16,}=*`,
			Keywords: []string{"bearer"},
		},
		{
			ID:      "private-key",
			Pattern: `-----BEGIN (?:RSA |DSA |EC |OPENSSH |PGP )?PRIVATE KEY(?: BLOCK)?-----`,
		},
		{
			ID:      "github-token",
			Pattern: `gh[pousr]_[A-Za-z0-9]{36}`,
		},
		{
			ID:      "anthropic-api-key",
			Pattern: `sk-ant-[A-Za-z0-9_\-]{20,}`,
		},
		{
			ID:      "openai-api-key",
			Pattern: `sk-(?:proj-)?[A-Za-z0-9]{32,}`,
		},
		{
			ID:      "jwt",
			Pattern: `eyJ[A-Za-z0-9_-]{8,}\.eyJ[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]{8,}`,
		},
	}
}
