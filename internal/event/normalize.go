package event

import (
	"encoding/json"
	"strings"
	"time"
)

// Webhook header values GitLab sends in X-Gitlab-Event.
const (
	HookPush     = "Push Hook"
	HookMerge    = "Merge Request Hook"
	HookPipeline = "Pipeline Hook"
)

const maxCommitSummaries = 5

// envelope mirrors the union of the three payload shapes the relay consumes.
// Field presence depends on the hook kind; absent fields decode to zero.
type envelope struct {
	Project struct {
		Name string `json:"name"`
	} `json:"project"`

	User struct {
		Name     string `json:"name"`
		Username string `json:"username"`
		ID       int64  `json:"id"`
	} `json:"user"`

	// Push payloads carry the actor at the top level instead.
	UserName     string `json:"user_name"`
	UserUsername string `json:"user_username"`
	UserID       int64  `json:"user_id"`

	Ref    string `json:"ref"`
	Before string `json:"before"`
	After  string `json:"after"`

	TotalCommitsCount int `json:"total_commits_count"`
	Commits           []struct {
		ID      string `json:"id"`
		Message string `json:"message"`
	} `json:"commits"`

	ObjectAttributes struct {
		ID           int64  `json:"id"`
		IID          int64  `json:"iid"`
		Ref          string `json:"ref"`
		Status       string `json:"status"`
		State        string `json:"state"`
		Action       string `json:"action"`
		Title        string `json:"title"`
		SourceBranch string `json:"source_branch"`
		TargetBranch string `json:"target_branch"`
		URL          string `json:"url"`
		Duration     *int64 `json:"duration"`
		Draft        bool   `json:"draft"`
	} `json:"object_attributes"`

	Assignees []struct {
		Name     string `json:"name"`
		Username string `json:"username"`
	} `json:"assignees"`
	Reviewers []struct {
		Name     string `json:"name"`
		Username string `json:"username"`
	} `json:"reviewers"`
}

// KindOf maps an X-Gitlab-Event header to the event kind it denotes.
func KindOf(hook string) Kind {
	switch strings.TrimSpace(hook) {
	case HookPush:
		return KindPush
	case HookMerge:
		return KindMerge
	case HookPipeline:
		return KindPipeline
	default:
		return KindOther
	}
}

// Normalize maps a raw webhook delivery into an Event.
//
// It is a pure mapping: no I/O, no defaulting of absent fields. Deliveries
// of unsupported kinds normalize to KindOther without touching the body.
// A supported kind with no project name fails with *NormalizeError.
func Normalize(hook string, body []byte, now time.Time) (Event, error) {
	kind := KindOf(hook)
	if kind == KindOther {
		return Event{Kind: KindOther, At: now}, nil
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Event{}, &NormalizeError{Reason: "invalid payload: " + err.Error()}
	}
	if strings.TrimSpace(env.Project.Name) == "" {
		return Event{}, &NormalizeError{Reason: "missing project name"}
	}

	ev := Event{
		Kind:    kind,
		Project: env.Project.Name,
		At:      now,
	}

	switch kind {
	case KindPush:
		ev.Branch = ShortRef(env.Ref)
		ev.Status = "pushed"
		ev.Actor = Actor{Name: env.UserName, Username: env.UserUsername, ID: env.UserID}
		d := &PushDetail{
			Before:       env.Before,
			After:        env.After,
			TotalCommits: env.TotalCommitsCount,
		}
		if d.TotalCommits == 0 {
			d.TotalCommits = len(env.Commits)
		}
		for i, c := range env.Commits {
			if i == maxCommitSummaries {
				break
			}
			sha := c.ID
			if len(sha) > 8 {
				sha = sha[:8]
			}
			title, _, _ := strings.Cut(c.Message, "\n")
			d.Commits = append(d.Commits, CommitSummary{SHA: sha, Title: strings.TrimSpace(title)})
		}
		ev.Push = d

	case KindMerge:
		attr := env.ObjectAttributes
		ev.Branch = attr.SourceBranch
		ev.Status = attr.State
		if ev.Status == "" {
			ev.Status = attr.Action
		}
		ev.Actor = Actor{Name: env.User.Name, Username: env.User.Username, ID: env.User.ID}
		d := &MergeDetail{
			UnitID:       attr.IID,
			SourceBranch: attr.SourceBranch,
			TargetBranch: attr.TargetBranch,
			Title:        attr.Title,
			Action:       attr.Action,
			Draft:        attr.Draft,
			URL:          attr.URL,
		}
		for _, a := range env.Assignees {
			d.Assignees = append(d.Assignees, pick(a.Username, a.Name))
		}
		for _, r := range env.Reviewers {
			d.Reviewers = append(d.Reviewers, pick(r.Username, r.Name))
		}
		ev.Merge = d

	case KindPipeline:
		attr := env.ObjectAttributes
		ref := attr.Ref
		if ref == "" {
			ref = env.Ref
		}
		ev.Branch = ShortRef(ref)
		ev.Status = attr.Status
		ev.Actor = Actor{Name: env.User.Name, Username: env.User.Username, ID: env.User.ID}
		ev.Pipeline = &PipelineDetail{
			UnitID:      attr.ID,
			DurationSec: attr.Duration,
			URL:         attr.URL,
		}
	}

	return ev, nil
}

// ShortRef reduces a fully qualified ref ("refs/heads/main") to its last
// path segment. This is intentionally naive: a branch named "feat/x" comes
// out as "x". Matching the upstream behavior beats silently diverging from
// the keys it already handed out.
func ShortRef(ref string) string {
	if ref == "" {
		return ""
	}
	if i := strings.LastIndexByte(ref, '/'); i >= 0 {
		return ref[i+1:]
	}
	return ref
}

func pick(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
