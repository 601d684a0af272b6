// Package patterns provides the regex taxonomy that classifies well-known
// failure modes without a model round-trip.
package patterns

import (
	"regexp"

	"github.com/wopr/fleet/internal/core"
)

// KnownPattern maps a compiled regex to a pre-classified decision. The list
// is ordered; the first match wins.
type KnownPattern struct {
	Name       string
	Regex      *regexp.Regexp
	Tier       core.Tier
	Action     string
	Confidence float64
	Reasoning  string
}

// Matcher scans error text against the built-in taxonomy. It is pure and
// safe for concurrent use.
type Matcher struct {
	patterns []KnownPattern
}

// NewMatcher compiles the built-in taxonomy.
func NewMatcher() *Matcher {
	return &Matcher{patterns: builtinPatterns()}
}

// Match returns the first pattern decision for text, or nil when no pattern
// applies and the caller should fall through to model classification.
func (m *Matcher) Match(text string) *core.Decision {
	for i := range m.patterns {
		p := &m.patterns[i]
		if p.Regex.MatchString(text) {
			return &core.Decision{
				Tier:         p.Tier,
				Action:       p.Action,
				Confidence:   p.Confidence,
				Reasoning:    p.Reasoning,
				ErrorPattern: p.Name,
			}
		}
	}
	return nil
}

// PatternCount reports the size of the taxonomy.
func (m *Matcher) PatternCount() int {
	return len(m.patterns)
}

func builtinPatterns() []KnownPattern {
	mk := func(name, expr string, tier core.Tier, action string, conf float64, why string) KnownPattern {
		return KnownPattern{
			Name:       name,
			Regex:      regexp.MustCompile("(?i)" + expr),
			Tier:       tier,
			Action:     action,
			Confidence: conf,
			Reasoning:  why,
		}
	}

	return []KnownPattern{
		mk("oom_kill", `out of memory|oom-?kill|memory cgroup out of memory`,
			core.TierSuggest, "check_memory", 0.9,
			"Kernel OOM event; memory pressure needs review before restarting anything"),
		mk("disk_full", `no space left on device|disk (is )?full|filesystem full`,
			core.TierAuto, "clear_tmp", 0.85,
			"Filesystem exhaustion; clearing stale /tmp files is safe and usually sufficient"),
		mk("process_killed", `killed process|received sig(kill|term)|signal 9`,
			core.TierSuggest, "restart_service", 0.8,
			"Process was killed; a supervised restart restores service"),
		mk("connection_refused", `connection refused|could not connect to|dial tcp .* refused`,
			core.TierSuggest, "restart_service", 0.75,
			"Dependency is not accepting connections; restarting the unit often recovers it"),
		mk("timeout", `timed? ?out|deadline exceeded|context canceled`,
			core.TierSuggest, "restart_service", 0.65,
			"Operation timed out; transient unless it repeats"),
		mk("auth_failure", `authentication fail|permission denied|invalid credentials|unauthorized`,
			core.TierEscalate, "investigate", 0.8,
			"Authentication failures need a human; automated retries make lockouts worse"),
		mk("cert_error", `x509|certificate (has )?expired|tls handshake (error|failure)|certificate verify failed`,
			core.TierEscalate, "investigate", 0.8,
			"Certificate problem; renewal or trust chain work is operator territory"),
		mk("dns_failure", `no such host|name resolution fail|temporary failure in name resolution`,
			core.TierAuto, "dns_flush", 0.8,
			"Resolver failure; flushing the host DNS cache is a safe first step"),
	}
}
