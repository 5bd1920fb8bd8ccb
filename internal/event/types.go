package event

import (
	"fmt"
	"time"
)

// Kind discriminates the supported webhook event families.
type Kind string

const (
	KindPush     Kind = "push"
	KindMerge    Kind = "merge"
	KindPipeline Kind = "pipeline"

	// KindOther covers recognized-but-not-dispatched deliveries
	// (issues, notes, tag pushes, ...). They are acknowledged and dropped.
	KindOther Kind = "other"
)

// Title returns the human heading used in rendered messages.
func (k Kind) Title() string {
	switch k {
	case KindPush:
		return "Push"
	case KindMerge:
		return "Merge Request"
	case KindPipeline:
		return "Pipeline"
	default:
		return "Event"
	}
}

// Actor is the user that triggered the event.
type Actor struct {
	Name     string
	Username string
	ID       int64

	// TelegramID is the actor's Telegram account, resolved from the
	// project's user mappings after normalization. 0 means unmapped;
	// the renderer then falls back to a plain name.
	TelegramID int64
}

// DisplayName prefers the username (stable across renames in chat mentions).
func (a Actor) DisplayName() string {
	if a.Username != "" {
		return a.Username
	}
	return a.Name
}

// Event is the normalized unit processed per webhook delivery.
//
// It is a tagged variant: Kind selects exactly one of the detail pointers;
// the others are nil. Fields that the source payload did not populate stay
// zero and are omitted by the renderer, never defaulted.
type Event struct {
	Kind    Kind
	Project string
	Branch  string
	Status  string
	Actor   Actor
	At      time.Time

	Push     *PushDetail
	Merge    *MergeDetail
	Pipeline *PipelineDetail
}

// CommitSummary is one pushed commit, trimmed for display.
type CommitSummary struct {
	SHA   string
	Title string
}

type PushDetail struct {
	Before       string
	After        string
	TotalCommits int
	Commits      []CommitSummary
}

type MergeDetail struct {
	UnitID       int64 // merge request iid, stable within the project
	SourceBranch string
	TargetBranch string
	Title        string
	Action       string
	Draft        bool
	Assignees    []string
	Reviewers    []string
	URL          string
}

type PipelineDetail struct {
	UnitID      int64 // pipeline id
	DurationSec *int64
	URL         string
}

// URL returns the event's link, if its kind carries one.
func (e Event) URL() string {
	switch {
	case e.Merge != nil:
		return e.Merge.URL
	case e.Pipeline != nil:
		return e.Pipeline.URL
	}
	return ""
}

// NormalizeError reports a delivery that cannot be turned into an Event
// because a required discriminant is missing from the payload.
type NormalizeError struct {
	Reason string
}

func (e *NormalizeError) Error() string {
	return fmt.Sprintf("normalize: %s", e.Reason)
}
