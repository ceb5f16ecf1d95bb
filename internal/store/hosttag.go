package store

import "github.com/bmatcuk/doublestar/v4"

// HostTagMatches reports whether worker can run a run queued for tag,
// per spec.md §4.4 step 1: tag is a glob pattern (`?`/`*`, case-insensitive)
// matched against each of worker's HostTags, and worker must also carry
// tag within AllowedTags if the worker's certificate narrowed it.
func HostTagMatches(tag string, worker *Worker) bool {
	if len(worker.AllowedTags) > 0 && !anyMatchesPattern(tag, worker.AllowedTags) {
		return false
	}
	return anyMatchesPattern(tag, worker.HostTags)
}

// anyMatchesPattern reports whether pattern (a glob from a Run's host_tag)
// matches any of candidates (concrete tags a Worker carries).
func anyMatchesPattern(pattern string, candidates []string) bool {
	lowerPattern := toLower(pattern)
	for _, c := range candidates {
		ok, err := doublestar.Match(lowerPattern, toLower(c))
		if err == nil && ok {
			return true
		}
	}
	return false
}

func toLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c - 'A' + 'a'
		}
	}
	return string(b)
}
