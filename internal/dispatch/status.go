package dispatch

import "gitrelay/internal/event"

// Statuses outside finalStatuses (created, push, opened, pending, running,
// open, close, reopen, update, approved, unapproved, approval, unapproval,
// "pipeline started", and anything unrecognized) keep the unit open: the
// live message is edited in place as they arrive.

// finalStatuses end the unit: after the message reflects one of these, the
// key is no longer tracked for edits.
var finalStatuses = map[string]bool{
	"success":  true,
	"failed":   true,
	"canceled": true,
	"skipped":  true,
	"finished": true,
	"manual":   true,
	"merge":    true,
	"merged":   true,
}

// closerStatuses end a pipeline's pending phase and unlock the buffered
// pending event for coalescing. "running" closes the phase without being
// terminal.
var closerStatuses = map[string]bool{
	"running":  true,
	"success":  true,
	"failed":   true,
	"canceled": true,
	"skipped":  true,
	"finished": true,
	"manual":   true,
}

// isFinal reports whether no further updates for the unit are expected.
// A merge event whose action is an explicit merge is final regardless of
// its state string.
func isFinal(ev event.Event) bool {
	if ev.Merge != nil && ev.Merge.Action == "merge" {
		return true
	}
	return finalStatuses[ev.Status]
}

func isCloser(status string) bool { return closerStatuses[status] }
