package herald

import "strings"

// MatchSubject reports whether subject matches pattern, where pattern is
// a slash-separated glob (spec.md §3 "Subject filter"): `*` matches
// exactly one segment, `**` matches the rest of the subject (zero or
// more remaining segments). No glob library in the retrieval pack models
// this `**`-consumes-the-tail semantics, so it is hand-rolled (see
// SPEC_FULL.md DOMAIN STACK).
func MatchSubject(pattern, subject string) bool {
	return matchSegments(strings.Split(pattern, "/"), strings.Split(subject, "/"))
}

func matchSegments(pattern, subject []string) bool {
	if len(pattern) == 0 {
		return len(subject) == 0
	}
	head := pattern[0]
	if head == "**" {
		if len(pattern) == 1 {
			return true
		}
		for i := 0; i <= len(subject); i++ {
			if matchSegments(pattern[1:], subject[i:]) {
				return true
			}
		}
		return false
	}
	if len(subject) == 0 {
		return false
	}
	if head != "*" && head != subject[0] {
		return false
	}
	return matchSegments(pattern[1:], subject[1:])
}

// Filter is an ordered list of glob patterns; a listener is eligible if
// any pattern matches the subject.
type Filter []string

// Matches reports whether subject matches any pattern in f.
func (f Filter) Matches(subject string) bool {
	for _, p := range f {
		if MatchSubject(p, subject) {
			return true
		}
	}
	return false
}
