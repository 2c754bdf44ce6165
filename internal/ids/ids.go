// Package ids provides the UUIDv7 identifier helpers shared by the event
// log and session registry. UUIDv7 is time-ordered, which is exactly the
// cross-partition sort spec.md §4.1 needs for "show me the last N events
// across everything, newest last".
package ids

import "github.com/google/uuid"

// New returns a new UUIDv7 in canonical ASCII-hex form.
func New() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails if the system clock/random source is broken
		// beyond repair; fall back to a V4 rather than panic so a single
		// bad read doesn't take down a session.
		return uuid.New().String()
	}
	return id.String()
}

// Less reports whether a sorts before b as UUIDv7 strings. Since UUIDv7
// embeds a millisecond timestamp in its leading bits, plain lexicographic
// comparison of the canonical hex form is time-ordered.
func Less(a, b string) bool {
	return a < b
}
