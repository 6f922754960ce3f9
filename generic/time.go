package generic

import "time"

// =============================================================================
// VALIDITY - Half-open date windows on rules and reference data
// =============================================================================

// Validity is a window starting at From. A nil To means open-ended.
type Validity struct {
	From time.Time
	To   *time.Time
}

// IsOpenEnded reports whether the window has no end.
func (v Validity) IsOpenEnded() bool { return v.To == nil }

func Date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}
