// Package temporal provides the timestamp formatting and point-in-time
// predicate construction used by the fact repository (internal/facts)
// and the search engine (internal/search). All timestamps are
// ISO-8601 strings with explicit UTC offset; equality and ordering are
// lexicographic over the canonical form, so storage and comparison
// never need to parse a timestamp back into a time.Time.
package temporal

import (
	"fmt"
	"time"
)

// Layout is the canonical ISO-8601 UTC representation used throughout
// the store: RFC3339 with a fixed 'Z' suffix and no sub-second component,
// so lexicographic and chronological order coincide exactly.
const Layout = "2006-01-02T15:04:05Z"

// Clock produces the current time. Pluggable so tests can hold time fixed,
// per spec's Clock collaborator contract (now() -> ISO-8601 UTC).
type Clock interface {
	Now() string
}

// SystemClock is the default Clock, backed by time.Now.
type SystemClock struct{}

// Now returns the current UTC time in Layout.
func (SystemClock) Now() string {
	return Format(time.Now())
}

// Format renders t in the canonical form.
func Format(t time.Time) string {
	return t.UTC().Format(Layout)
}

// Parse reads a canonical timestamp back into a time.Time.
func Parse(s string) (time.Time, error) {
	t, err := time.Parse(Layout, s)
	if err != nil {
		// Tolerate a handful of RFC3339 variants (fractional seconds,
		// explicit zero offset) that may arrive from a caller-supplied
		// valid_from rather than one this package produced.
		if t2, err2 := time.Parse(time.RFC3339, s); err2 == nil {
			return t2.UTC(), nil
		}
		if t2, err2 := time.Parse(time.RFC3339Nano, s); err2 == nil {
			return t2.UTC(), nil
		}
		return time.Time{}, fmt.Errorf("temporal: parse %q: %w", s, err)
	}
	return t.UTC(), nil
}

// Mode enumerates the closed whitelist of point-in-time predicate shapes.
// Only these modes are ever accepted — callers never get to splice an
// arbitrary string into a query.
type Mode int

const (
	// ModeActive selects facts with valid_until = ⊥ (currently open).
	ModeActive Mode = iota
	// ModeAsOf selects facts valid at a specific instant.
	ModeAsOf
)

// Predicate is a closed, engine-internal representation of a point-in-time
// condition: valid_from <= t AND (valid_until IS NULL OR valid_until > t).
// SQL builders consume this struct directly rather than interpolating a
// caller-provided time string.
type Predicate struct {
	Mode Mode
	At   string // canonical timestamp; required when Mode == ModeAsOf
}

// ActivePredicate returns the predicate selecting only currently-active facts.
func ActivePredicate() Predicate {
	return Predicate{Mode: ModeActive}
}

// AsOfPredicate returns the predicate selecting facts active at t.
// t must already be in canonical form (see Format/Parse).
func AsOfPredicate(t string) Predicate {
	return Predicate{Mode: ModeAsOf, At: t}
}

// SQL returns the WHERE-clause fragment and its bind arguments for this
// predicate, assuming columns valid_from and valid_until on the queried
// table. The fragment never contains interpolated user data.
func (p Predicate) SQL() (fragment string, args []any) {
	switch p.Mode {
	case ModeAsOf:
		return "valid_from <= ? AND (valid_until IS NULL OR valid_until > ?)", []any{p.At, p.At}
	default:
		return "valid_until IS NULL", nil
	}
}

// Before reports whether a <= b lexicographically (and therefore
// chronologically, given the canonical layout).
func Before(a, b string) bool { return a <= b }

// DaysSince returns the number of days elapsed between t (canonical form)
// and now, clamped to a minimum of 0. Used by the fact repository's
// recency component of the recall ranking key.
func DaysSince(t string, now string) float64 {
	pt, err := Parse(t)
	if err != nil {
		return 0
	}
	pn, err := Parse(now)
	if err != nil {
		pn = time.Now().UTC()
	}
	d := pn.Sub(pt).Hours() / 24
	if d < 0 {
		return 0
	}
	return d
}
