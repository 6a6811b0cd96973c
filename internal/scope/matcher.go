// Package scope selects hosts by name glob, IP address, CIDR or IP range.
package scope

import (
	"net/netip"
	"path"
	"strings"

	"github.com/sloppy/tplsync/internal/apierr"
	"github.com/sloppy/tplsync/internal/db"
)

// Rule is one parsed selector. A leading "!" makes it an exclusion.
type Rule struct {
	Definition string
	Type       string // "glob", "ip", "cidr" or "range"
	Exclude    bool
	prefix     netip.Prefix
	addr       netip.Addr
	last       netip.Addr
	glob       string
}

// Matcher keeps hosts matched by any include rule and by no exclude rule.
// Without include rules every host is included.
type Matcher struct {
	rules    []Rule
	includes int
}

// NewMatcher parses patterns. An unparsable pattern is a parameter error.
func NewMatcher(patterns []string) (*Matcher, error) {
	m := &Matcher{}
	for _, p := range patterns {
		rule, err := parseRule(p)
		if err != nil {
			return nil, err
		}
		if !rule.Exclude {
			m.includes++
		}
		m.rules = append(m.rules, rule)
	}
	return m, nil
}

func parseRule(def string) (Rule, error) {
	rule := Rule{Definition: def}
	s := strings.TrimSpace(def)
	if strings.HasPrefix(s, "!") {
		rule.Exclude = true
		s = strings.TrimSpace(s[1:])
	}
	if s == "" {
		return Rule{}, apierr.Parameters("Empty host selector %q.", def)
	}

	if prefix, err := netip.ParsePrefix(s); err == nil {
		rule.Type = "cidr"
		rule.prefix = prefix.Masked()
		return rule, nil
	}
	if addr, err := netip.ParseAddr(s); err == nil {
		rule.Type = "ip"
		rule.addr = addr
		return rule, nil
	}
	if first, last, ok := strings.Cut(s, "-"); ok {
		a, errA := netip.ParseAddr(strings.TrimSpace(first))
		b, errB := netip.ParseAddr(strings.TrimSpace(last))
		if errA == nil && errB == nil {
			if a.Is4() != b.Is4() || b.Less(a) {
				return Rule{}, apierr.Parameters("Invalid IP range %q.", def)
			}
			rule.Type = "range"
			rule.addr, rule.last = a, b
			return rule, nil
		}
	}
	if strings.ContainsAny(s, "/") {
		return Rule{}, apierr.Parameters("Invalid CIDR %q.", def)
	}
	if _, err := path.Match(s, ""); err != nil {
		return Rule{}, apierr.Parameters("Invalid host name pattern %q.", def)
	}
	rule.Type = "glob"
	rule.glob = s
	return rule, nil
}

// Rules returns the parsed rules in order.
func (m *Matcher) Rules() []Rule {
	return append([]Rule(nil), m.rules...)
}

// Match reports whether h is selected.
func (m *Matcher) Match(h db.Host) bool {
	included := m.includes == 0
	for _, rule := range m.rules {
		if !rule.matches(h) {
			continue
		}
		if rule.Exclude {
			return false
		}
		included = true
	}
	return included
}

// Filter returns the selected hosts, keeping their order.
func (m *Matcher) Filter(hosts []db.Host) []db.Host {
	var out []db.Host
	for _, h := range hosts {
		if m.Match(h) {
			out = append(out, h)
		}
	}
	return out
}

func (r Rule) matches(h db.Host) bool {
	if r.Type == "glob" {
		for _, name := range []string{h.Host, h.Name} {
			if name == "" {
				continue
			}
			if ok, _ := path.Match(r.glob, name); ok {
				return true
			}
		}
		return false
	}
	addr, err := netip.ParseAddr(h.IP)
	if err != nil {
		return false
	}
	switch r.Type {
	case "cidr":
		return r.prefix.Contains(addr)
	case "ip":
		return r.addr == addr
	case "range":
		return addr.Is4() == r.addr.Is4() && !addr.Less(r.addr) && !r.last.Less(addr)
	}
	return false
}
