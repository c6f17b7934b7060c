// Package redact scrubs credentials out of text that leaves the gateway, such
// as upstream error bodies relayed to callers or written to logs.
package redact

import (
	"regexp"
	"strings"
	"sync"
)

// Pattern names one kind of credential.
type Pattern struct {
	Name  string
	Regex *regexp.Regexp
}

// Order matters: more specific patterns run first so their names win.
var defaultPatterns = []Pattern{
	{"private_key", regexp.MustCompile(`-----BEGIN (?:RSA |EC |DSA |OPENSSH )?PRIVATE KEY-----[\s\S]*?(?:-----END (?:RSA |EC |DSA |OPENSSH )?PRIVATE KEY-----|$)`)},
	{"anthropic_key", regexp.MustCompile(`sk-ant-[A-Za-z0-9_-]{20,}`)},
	{"openai_key", regexp.MustCompile(`sk-(?:proj-)?[A-Za-z0-9_-]{20,}`)},
	{"promptcraft_key", regexp.MustCompile(`pc-[a-z0-9]+-[a-z0-9]{32}`)},
	{"glm_key", regexp.MustCompile(`[0-9a-f]{32}\.[A-Za-z0-9]{16}`)},
	{"aws_access_key", regexp.MustCompile(`AKIA[0-9A-Z]{16}`)},
	{"github_token", regexp.MustCompile(`gh[pousr]_[A-Za-z0-9_]{36,}`)},
	{"stripe_key", regexp.MustCompile(`sk_live_[A-Za-z0-9]{24,}`)},
	{"jwt", regexp.MustCompile(`eyJ[A-Za-z0-9_-]+\.eyJ[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+`)},
	{"bearer", regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._~+/=-]{16,}`)},
	{"connection_string", regexp.MustCompile(`(?:postgres|postgresql|mysql|mongodb|redis)://[^\s"']+`)},
}

// Redactor replaces credential matches with a [REDACTED:<name>] marker.
type Redactor struct {
	patterns []Pattern

	mu       sync.RWMutex
	literals []string
}

// New returns a redactor with the built-in patterns. Literal values, such as
// the configured provider API keys, are always redacted as well.
func New(literals ...string) *Redactor {
	r := &Redactor{patterns: defaultPatterns}
	r.SetLiterals(literals...)
	return r
}

// SetLiterals replaces the literal values, e.g. after provider keys rotate.
func (r *Redactor) SetLiterals(literals ...string) {
	var kept []string
	for _, l := range literals {
		// Short values would redact ordinary words.
		if len(l) >= 8 {
			kept = append(kept, l)
		}
	}
	r.mu.Lock()
	r.literals = kept
	r.mu.Unlock()
}

// String returns s with every credential replaced.
func (r *Redactor) String(s string) string {
	if s == "" {
		return s
	}
	r.mu.RLock()
	literals := r.literals
	r.mu.RUnlock()
	for _, l := range literals {
		s = strings.ReplaceAll(s, l, "[REDACTED]")
	}
	for _, p := range r.patterns {
		s = p.Regex.ReplaceAllString(s, "[REDACTED:"+p.Name+"]")
	}
	return s
}

// Error redacts err's message; nil stays nil.
func (r *Redactor) Error(err error) string {
	if err == nil {
		return ""
	}
	return r.String(err.Error())
}
