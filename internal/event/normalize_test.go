package event

import (
	"errors"
	"testing"
	"time"
)

const pushPayload = `{
	"project": {"name": "X"},
	"ref": "refs/heads/main",
	"before": "aaa",
	"after": "bbb",
	"user_name": "Bob",
	"user_username": "bob",
	"user_id": 99,
	"total_commits_count": 2,
	"commits": [
		{"id": "deadbeefcafe", "message": "fix: thing\n\ndetails"},
		{"id": "0123456789ab", "message": "feat: other"}
	]
}`

const mergePayload = `{
	"project": {"name": "X"},
	"user": {"name": "Alice", "username": "alice", "id": 7},
	"object_attributes": {
		"iid": 7,
		"state": "opened",
		"action": "open",
		"title": "Add login",
		"source_branch": "feature-login",
		"target_branch": "main",
		"url": "https://git.example/mr/7",
		"draft": false
	},
	"assignees": [{"name": "Bob", "username": "bob"}],
	"reviewers": [{"name": "Carol", "username": "carol"}]
}`

const pipelinePayload = `{
	"project": {"name": "X"},
	"user": {"name": "Alice", "username": "alice", "id": 7},
	"object_attributes": {
		"id": 42,
		"ref": "refs/heads/main",
		"status": "success",
		"duration": 95,
		"url": "https://git.example/pipelines/42"
	}
}`

func TestNormalizePush(t *testing.T) {
	t.Parallel()
	now := time.Now()
	ev, err := Normalize(HookPush, []byte(pushPayload), now)
	if err != nil {
		t.Fatalf("Normalize error: %v", err)
	}
	if ev.Kind != KindPush {
		t.Fatalf("Kind = %s, want push", ev.Kind)
	}
	if ev.Project != "X" || ev.Branch != "main" || ev.Status != "pushed" {
		t.Fatalf("unexpected common fields: %+v", ev)
	}
	if ev.Actor.Username != "bob" || ev.Actor.ID != 99 {
		t.Fatalf("unexpected actor: %+v", ev.Actor)
	}
	if ev.Push == nil || ev.Merge != nil || ev.Pipeline != nil {
		t.Fatal("push events must carry exactly the push detail")
	}
	if len(ev.Push.Commits) != 2 {
		t.Fatalf("commits = %d, want 2", len(ev.Push.Commits))
	}
	if ev.Push.Commits[0].SHA != "deadbeef" || ev.Push.Commits[0].Title != "fix: thing" {
		t.Fatalf("unexpected commit summary: %+v", ev.Push.Commits[0])
	}
}

func TestNormalizeMerge(t *testing.T) {
	t.Parallel()
	ev, err := Normalize(HookMerge, []byte(mergePayload), time.Now())
	if err != nil {
		t.Fatalf("Normalize error: %v", err)
	}
	if ev.Kind != KindMerge || ev.Merge == nil {
		t.Fatalf("unexpected kind/detail: %+v", ev)
	}
	if ev.Status != "opened" || ev.Branch != "feature-login" {
		t.Fatalf("status/branch = %q/%q", ev.Status, ev.Branch)
	}
	d := ev.Merge
	if d.UnitID != 7 || d.TargetBranch != "main" || d.URL == "" {
		t.Fatalf("unexpected merge detail: %+v", d)
	}
	if len(d.Assignees) != 1 || d.Assignees[0] != "bob" {
		t.Fatalf("assignees = %v", d.Assignees)
	}
	if len(d.Reviewers) != 1 || d.Reviewers[0] != "carol" {
		t.Fatalf("reviewers = %v", d.Reviewers)
	}
}

func TestNormalizePipeline(t *testing.T) {
	t.Parallel()
	ev, err := Normalize(HookPipeline, []byte(pipelinePayload), time.Now())
	if err != nil {
		t.Fatalf("Normalize error: %v", err)
	}
	if ev.Kind != KindPipeline || ev.Pipeline == nil {
		t.Fatalf("unexpected kind/detail: %+v", ev)
	}
	if ev.Status != "success" || ev.Branch != "main" {
		t.Fatalf("status/branch = %q/%q", ev.Status, ev.Branch)
	}
	if ev.Pipeline.UnitID != 42 {
		t.Fatalf("UnitID = %d, want 42", ev.Pipeline.UnitID)
	}
	if ev.Pipeline.DurationSec == nil || *ev.Pipeline.DurationSec != 95 {
		t.Fatalf("DurationSec = %v, want 95", ev.Pipeline.DurationSec)
	}
}

func TestNormalizePipelineDurationAbsent(t *testing.T) {
	t.Parallel()
	payload := `{"project":{"name":"X"},"object_attributes":{"id":1,"ref":"main","status":"pending"}}`
	ev, err := Normalize(HookPipeline, []byte(payload), time.Now())
	if err != nil {
		t.Fatalf("Normalize error: %v", err)
	}
	if ev.Pipeline.DurationSec != nil {
		t.Fatalf("DurationSec = %v, want nil for absent field", ev.Pipeline.DurationSec)
	}
}

func TestNormalizeMissingProject(t *testing.T) {
	t.Parallel()
	_, err := Normalize(HookPush, []byte(`{"ref":"refs/heads/main"}`), time.Now())
	var nerr *NormalizeError
	if !errors.As(err, &nerr) {
		t.Fatalf("err = %v, want *NormalizeError", err)
	}
}

func TestNormalizeUnsupportedKind(t *testing.T) {
	t.Parallel()
	// The body is not even parsed for unsupported kinds.
	ev, err := Normalize("Note Hook", []byte(`not json`), time.Now())
	if err != nil {
		t.Fatalf("Normalize error: %v", err)
	}
	if ev.Kind != KindOther {
		t.Fatalf("Kind = %s, want other", ev.Kind)
	}
}

func TestShortRef(t *testing.T) {
	t.Parallel()
	tests := []struct {
		ref  string
		want string
	}{
		{"refs/heads/main", "main"},
		{"refs/tags/v1.0", "v1.0"},
		{"main", "main"},
		// Naive on purpose: slashy branch names lose their prefix.
		{"refs/heads/feat/login", "login"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := ShortRef(tt.ref); got != tt.want {
			t.Errorf("ShortRef(%q) = %q, want %q", tt.ref, got, tt.want)
		}
	}
}
