// Package workertype decides whether an instance type is "worker-eligible"
// (§4.3 step 4, §4.4): such instance types receive the full SSH bootstrap
// (serving engine + agent install) and a longer startup deadline, matched
// against a configurable set of glob-style codes (e.g. "L4-*", "L40S-*").
// Glob matching is a single stdlib filepath.Match call, not worth pulling in a
// third-party matcher for.
package workertype

import "path/filepath"

// Eligible reports whether code matches any of patterns.
func Eligible(code string, patterns []string) bool {
	for _, p := range patterns {
		if ok, err := filepath.Match(p, code); err == nil && ok {
			return true
		}
	}
	return false
}
