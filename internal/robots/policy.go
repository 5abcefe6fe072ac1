// Package robots fetches, caches and evaluates per-host robots.txt policies.
package robots

import (
	"bufio"
	"bytes"
	"net/url"
	"strings"
	"time"

	"github.com/temoto/robotstxt"
)

// Policy is the evaluated robots declaration for one host.
type Policy struct {
	host       string
	exists     bool
	fallback   bool
	group      *robotstxt.Group
	crawlDelay time.Duration
	disallowed []string
	expiresAt  time.Time
}

// AllowAll returns a policy that permits every path and declares no delay.
func AllowAll(host string) Policy {
	return Policy{host: host}
}

// Host returns the host the policy applies to.
func (p Policy) Host() string { return p.host }

// Exists reports whether the host served a robots declaration.
func (p Policy) Exists() bool { return p.exists }

// Fallback reports whether the policy is the allow-all stand-in used after a
// failed fetch.
func (p Policy) Fallback() bool { return p.fallback }

// CrawlDelay is the declared delay for the matched agent group.
func (p Policy) CrawlDelay() time.Duration { return p.crawlDelay }

// ExpiresAt is when the cached declaration must be refreshed.
func (p Policy) ExpiresAt() time.Time { return p.expiresAt }

// DisallowedPaths lists the disallow rules of the matched group.
func (p Policy) DisallowedPaths() []string {
	return append([]string(nil), p.disallowed...)
}

// IsAllowed reports whether the path (optionally with query) may be fetched.
func (p Policy) IsAllowed(path string) bool {
	if p.group == nil {
		return true
	}
	if path == "" {
		path = "/"
	}
	return p.group.Test(path)
}

// IsAllowedURL evaluates the path and query of an absolute URL.
func (p Policy) IsAllowedURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return p.IsAllowed(u.RequestURI())
}

func buildPolicy(rec Record, userAgent string) (Policy, error) {
	pol := Policy{host: rec.Host, exists: rec.Exists, fallback: rec.Failed, expiresAt: rec.ExpiresAt}
	if rec.Failed || !rec.Exists {
		return pol, nil
	}
	data, err := robotstxt.FromBytes(rec.Body)
	if err != nil {
		return Policy{}, err
	}
	group := data.FindGroup(userAgent)
	pol.group = group
	if group != nil {
		pol.crawlDelay = group.CrawlDelay
	}
	pol.disallowed = disallowRules(rec.Body, userAgent)
	return pol, nil
}

// disallowRules scans the declaration for the disallow lines of the group
// FindGroup would select: the longest agent token that prefixes the user agent,
// falling back to "*".
func disallowRules(body []byte, userAgent string) []string {
	ua := strings.ToLower(userAgent)
	groups := make(map[string][]string)
	var agents []string
	inRules := false
	sc := bufio.NewScanner(bytes.NewReader(body))
	for sc.Scan() {
		line := sc.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)
		switch key {
		case "user-agent":
			if inRules {
				agents = nil
				inRules = false
			}
			agent := strings.ToLower(value)
			agents = append(agents, agent)
			if _, ok := groups[agent]; !ok {
				groups[agent] = nil
			}
		case "disallow":
			inRules = true
			if value == "" {
				continue
			}
			for _, a := range agents {
				groups[a] = append(groups[a], value)
			}
		case "allow", "crawl-delay":
			inRules = true
		}
	}

	best, bestLen := "", 0
	if _, ok := groups["*"]; ok {
		best, bestLen = "*", 1
	}
	for a := range groups {
		if a != "*" && strings.HasPrefix(ua, a) && len(a) > bestLen {
			best, bestLen = a, len(a)
		}
	}
	if best == "" {
		return nil
	}
	seen := make(map[string]struct{})
	out := make([]string, 0, len(groups[best]))
	for _, p := range groups[best] {
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}
