package bus

import "strings"

// Match reports whether an event type passes a subscription filter.
//
// Filter grammar:
//   - ""  or "*"  matches every event type
//   - "prefix.*"  matches event types in the prefix family ("changeset.*"
//     matches "changeset.submitted" but not "changeset" itself)
//   - "*.suffix"  matches event types ending in the suffix at a dot
//     boundary ("*.merged" matches "changeset.merged" but not "merged")
//   - anything else is an exact match
func Match(filter, eventType string) bool {
	if filter == "" || filter == "*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(filter, ".*"); ok {
		return strings.HasPrefix(eventType, prefix+".")
	}
	if suffix, ok := strings.CutPrefix(filter, "*."); ok {
		return strings.HasSuffix(eventType, "."+suffix)
	}
	return filter == eventType
}
