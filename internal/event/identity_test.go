package event

import (
	"testing"
	"time"
)

func mergeEvent(iid int64, branch string) Event {
	return Event{
		Kind:   KindMerge,
		Branch: branch,
		Merge:  &MergeDetail{UnitID: iid, SourceBranch: branch},
	}
}

func pipelineEvent(id int64, branch string) Event {
	return Event{
		Kind:     KindPipeline,
		Branch:   branch,
		Pipeline: &PipelineDetail{UnitID: id},
	}
}

func TestUnitKeyStableAcrossRedelivery(t *testing.T) {
	t.Parallel()
	e1 := pipelineEvent(42, "main")
	e1.At = time.Now()
	e2 := pipelineEvent(42, "main")
	e2.At = e1.At.Add(5 * time.Minute) // redelivery later; key must not move

	k1, ok1 := e1.UnitKey()
	k2, ok2 := e2.UnitKey()
	if !ok1 || !ok2 {
		t.Fatal("pipeline events must have a unit key")
	}
	if k1 != k2 {
		t.Fatalf("keys differ: %v vs %v", k1, k2)
	}
}

func TestUnitKeyDistinguishesUnits(t *testing.T) {
	t.Parallel()
	keys := map[string]bool{}
	for _, ev := range []Event{
		mergeEvent(7, "main"),
		mergeEvent(8, "main"),
		mergeEvent(7, "dev"),
		pipelineEvent(7, "main"), // same id and branch, different kind
	} {
		k, ok := ev.UnitKey()
		if !ok {
			t.Fatalf("expected key for %s", ev.Kind)
		}
		if keys[k.String()] {
			t.Fatalf("key collision: %s", k)
		}
		keys[k.String()] = true
	}
}

func TestPushHasNoUnitKey(t *testing.T) {
	t.Parallel()
	ev := Event{Kind: KindPush, Branch: "main", Push: &PushDetail{}}
	if _, ok := ev.UnitKey(); ok {
		t.Fatal("push events must not deduplicate")
	}
	other := Event{Kind: KindOther}
	if _, ok := other.UnitKey(); ok {
		t.Fatal("other events must not deduplicate")
	}
}
