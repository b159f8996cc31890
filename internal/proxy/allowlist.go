package proxy

import (
	"fmt"
	"regexp"
)

// AllowList decides whether a model may be served through a provider. It
// supports two matching modes:
//
//   - Exact match: the model string must equal the rule exactly.
//   - Regex match: the model string is tested against a compiled regexp.
//
// An empty AllowList is unrestricted, and a nil *AllowList is safe to call.
type AllowList struct {
	exact    map[string]struct{}
	patterns []*regexp.Regexp
}

// NewAllowList compiles the given exact names and regex patterns into an
// AllowList. Returns an error if any pattern fails to compile so that
// misconfiguration is caught at startup.
func NewAllowList(exact, patterns []string) (*AllowList, error) {
	al := &AllowList{
		exact: make(map[string]struct{}, len(exact)),
	}

	for _, e := range exact {
		if e != "" {
			al.exact[e] = struct{}{}
		}
	}

	for _, p := range patterns {
		if p == "" {
			continue
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("allow list: invalid pattern %q: %w", p, err)
		}
		al.patterns = append(al.patterns, re)
	}

	return al, nil
}

// Allows reports whether the given model may be served. An empty list allows
// everything; otherwise exact rules are checked first (O(1)), then regex
// patterns in order.
func (al *AllowList) Allows(model string) bool {
	if al.Len() == 0 {
		return true
	}
	if _, ok := al.exact[model]; ok {
		return true
	}
	for _, re := range al.patterns {
		if re.MatchString(model) {
			return true
		}
	}
	return false
}

// Len returns the total number of rules configured.
func (al *AllowList) Len() int {
	if al == nil {
		return 0
	}
	return len(al.exact) + len(al.patterns)
}
