package event

import "fmt"

// UnitKey identifies the logical unit of work an event belongs to: the
// merge request or pipeline run that successive deliveries keep updating.
//
// Push events have no unit: every push is dispatched independently and
// UnitKey reports ok=false for them.
type UnitKey struct {
	Kind   Kind
	UnitID int64
	Branch string
}

// String renders a stable store/log key. Two events for the same logical
// unit always produce the same string; distinct units never collide
// (Kind and UnitID are both part of the key).
func (k UnitKey) String() string {
	return fmt.Sprintf("%s:%d:%s", k.Kind, k.UnitID, k.Branch)
}

// UnitKey derives the event's unit identity.
//
// The key is computed only from fields GitLab redelivers verbatim on
// retries, so repeated deliveries of the same logical event resolve to
// the same key.
func (e Event) UnitKey() (UnitKey, bool) {
	switch e.Kind {
	case KindMerge:
		if e.Merge == nil {
			return UnitKey{}, false
		}
		return UnitKey{Kind: KindMerge, UnitID: e.Merge.UnitID, Branch: e.Branch}, true
	case KindPipeline:
		if e.Pipeline == nil {
			return UnitKey{}, false
		}
		return UnitKey{Kind: KindPipeline, UnitID: e.Pipeline.UnitID, Branch: e.Branch}, true
	default:
		return UnitKey{}, false
	}
}
