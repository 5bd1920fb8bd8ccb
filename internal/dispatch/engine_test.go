package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"gitrelay/internal/event"
	"gitrelay/internal/render"
	"gitrelay/internal/state"
	"gitrelay/internal/transport"
	"gitrelay/pkg/logx"
)

type gatewayCall struct {
	op   string // "send" or "edit"
	ref  transport.MessageRef
	text string
}

// fakeGateway records calls and hands out sequential message ids. Setting
// fail makes every call error without recording.
type fakeGateway struct {
	mu     sync.Mutex
	calls  []gatewayCall
	nextID int
	fail   error
}

func (g *fakeGateway) SendText(_ context.Context, to transport.ChatTarget, text string, _ *transport.SendOptions) (transport.MessageRef, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.fail != nil {
		return transport.MessageRef{}, g.fail
	}
	g.nextID++
	ref := transport.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: g.nextID}
	g.calls = append(g.calls, gatewayCall{op: "send", ref: ref, text: text})
	return ref, nil
}

func (g *fakeGateway) EditText(_ context.Context, ref transport.MessageRef, text string, _ *transport.SendOptions) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.fail != nil {
		return g.fail
	}
	g.calls = append(g.calls, gatewayCall{op: "edit", ref: ref, text: text})
	return nil
}

func (g *fakeGateway) callLog() []gatewayCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]gatewayCall(nil), g.calls...)
}

func newTestEngine(t *testing.T) (*Engine, *fakeGateway, *state.Memory) {
	t.Helper()
	gw := &fakeGateway{}
	mem := state.NewMemory()
	return New(Config{}, mem, gw, logx.Nop()), gw, mem
}

func mergeEvent(id int64, status string) event.Event {
	return event.Event{
		Kind:    event.KindMerge,
		Project: "demo",
		Branch:  "main",
		Status:  status,
		Merge:   &event.MergeDetail{UnitID: id, SourceBranch: "feat", TargetBranch: "main"},
	}
}

func pipelineEvent(id int64, status string) event.Event {
	return event.Event{
		Kind:     event.KindPipeline,
		Project:  "demo",
		Branch:   "main",
		Status:   status,
		At:       time.Now(),
		Pipeline: &event.PipelineDetail{UnitID: id},
	}
}

var testTarget = transport.ChatTarget{ChatID: -100123}

func TestPushSendsWithoutStoring(t *testing.T) {
	t.Parallel()
	eng, gw, mem := newTestEngine(t)

	ev := event.Event{Kind: event.KindPush, Project: "demo", Branch: "main", Status: "pushed"}
	out, err := eng.Dispatch(context.Background(), ev, testTarget, render.Defaults())
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if out.Action != ActionSent || !out.Finalized {
		t.Fatalf("outcome = %+v, want sent+finalized", out)
	}
	if calls := gw.callLog(); len(calls) != 1 || calls[0].op != "send" {
		t.Fatalf("gateway calls = %+v, want one send", calls)
	}
	if n := mem.Len(); n != 0 {
		t.Fatalf("store has %d entries after push, want 0", n)
	}
}

func TestMergeLifecycle(t *testing.T) {
	t.Parallel()
	eng, gw, mem := newTestEngine(t)
	ctx := context.Background()

	out, err := eng.Dispatch(ctx, mergeEvent(7, "opened"), testTarget, render.Defaults())
	if err != nil {
		t.Fatalf("opened: %v", err)
	}
	if out.Action != ActionSent || out.Finalized {
		t.Fatalf("opened outcome = %+v, want sent, not finalized", out)
	}

	out2, err := eng.Dispatch(ctx, mergeEvent(7, "merged"), testTarget, render.Defaults())
	if err != nil {
		t.Fatalf("merged: %v", err)
	}
	if out2.Action != ActionEdited || !out2.Finalized {
		t.Fatalf("merged outcome = %+v, want edited+finalized", out2)
	}
	if out2.Ref != out.Ref {
		t.Fatalf("edit targeted %+v, want the opened message %+v", out2.Ref, out.Ref)
	}

	if n := mem.Len(); n != 0 {
		t.Fatalf("store has %d entries after final status, want 0", n)
	}
	calls := gw.callLog()
	if len(calls) != 2 || calls[0].op != "send" || calls[1].op != "edit" {
		t.Fatalf("gateway calls = %+v, want send then edit", calls)
	}
}

func TestMergeUpdateEditsInPlace(t *testing.T) {
	t.Parallel()
	eng, gw, mem := newTestEngine(t)
	ctx := context.Background()

	if _, err := eng.Dispatch(ctx, mergeEvent(3, "opened"), testTarget, render.Defaults()); err != nil {
		t.Fatalf("opened: %v", err)
	}
	out, err := eng.Dispatch(ctx, mergeEvent(3, "updated"), testTarget, render.Defaults())
	if err != nil {
		t.Fatalf("updated: %v", err)
	}
	if out.Action != ActionEdited || out.Finalized {
		t.Fatalf("updated outcome = %+v, want edited, not finalized", out)
	}
	if n := mem.Len(); n != 1 {
		t.Fatalf("store has %d entries, handle must survive a non-final edit", n)
	}
	if calls := gw.callLog(); len(calls) != 2 {
		t.Fatalf("gateway calls = %+v", calls)
	}
}

func TestDistinctUnitsGetDistinctMessages(t *testing.T) {
	t.Parallel()
	eng, gw, _ := newTestEngine(t)
	ctx := context.Background()

	o1, err := eng.Dispatch(ctx, mergeEvent(1, "opened"), testTarget, render.Defaults())
	if err != nil {
		t.Fatalf("unit 1: %v", err)
	}
	o2, err := eng.Dispatch(ctx, mergeEvent(2, "opened"), testTarget, render.Defaults())
	if err != nil {
		t.Fatalf("unit 2: %v", err)
	}
	if o1.Ref == o2.Ref {
		t.Fatalf("both units got message %+v", o1.Ref)
	}
	if calls := gw.callLog(); len(calls) != 2 {
		t.Fatalf("gateway calls = %+v, want two sends", calls)
	}
}

func TestPipelinePendingBuffered(t *testing.T) {
	t.Parallel()
	eng, gw, _ := newTestEngine(t)

	out, err := eng.Dispatch(context.Background(), pipelineEvent(9, "pending"), testTarget, render.Defaults())
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if out.Action != ActionBuffered {
		t.Fatalf("outcome = %+v, want buffered", out)
	}
	if calls := gw.callLog(); len(calls) != 0 {
		t.Fatalf("pending must not reach the gateway, got %+v", calls)
	}
}

func TestPipelinePendingThenSuccessCoalesces(t *testing.T) {
	t.Parallel()
	eng, gw, mem := newTestEngine(t)
	ctx := context.Background()

	if _, err := eng.Dispatch(ctx, pipelineEvent(9, "pending"), testTarget, render.Defaults()); err != nil {
		t.Fatalf("pending: %v", err)
	}
	out, err := eng.Dispatch(ctx, pipelineEvent(9, "success"), testTarget, render.Defaults())
	if err != nil {
		t.Fatalf("success: %v", err)
	}
	if out.Action != ActionSent || !out.Coalesced || !out.Finalized {
		t.Fatalf("outcome = %+v, want sent+coalesced+finalized", out)
	}

	calls := gw.callLog()
	if len(calls) != 1 {
		t.Fatalf("gateway calls = %+v, want exactly one", calls)
	}
	if !strings.Contains(calls[0].text, "`pending`") || !strings.Contains(calls[0].text, "`success`") {
		t.Fatalf("coalesced text missing a phase:\n%s", calls[0].text)
	}
	if n := mem.Len(); n != 0 {
		t.Fatalf("store has %d entries after coalesced final, want 0", n)
	}
}

func TestPipelineRunningEditsThenFinalDeletes(t *testing.T) {
	t.Parallel()
	eng, _, mem := newTestEngine(t)
	ctx := context.Background()

	// No pending phase: running arrives first and opens the unit.
	out, err := eng.Dispatch(ctx, pipelineEvent(4, "running"), testTarget, render.Defaults())
	if err != nil {
		t.Fatalf("running: %v", err)
	}
	if out.Action != ActionSent || out.Coalesced {
		t.Fatalf("running outcome = %+v", out)
	}

	out2, err := eng.Dispatch(ctx, pipelineEvent(4, "failed"), testTarget, render.Defaults())
	if err != nil {
		t.Fatalf("failed: %v", err)
	}
	if out2.Action != ActionEdited || !out2.Finalized {
		t.Fatalf("failed outcome = %+v, want edited+finalized", out2)
	}
	if n := mem.Len(); n != 0 {
		t.Fatalf("store has %d entries after final pipeline status, want 0", n)
	}
}

func TestFinalOnFirstSightLeavesNoHandle(t *testing.T) {
	t.Parallel()
	eng, gw, mem := newTestEngine(t)

	out, err := eng.Dispatch(context.Background(), mergeEvent(11, "merged"), testTarget, render.Defaults())
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if out.Action != ActionSent || !out.Finalized {
		t.Fatalf("outcome = %+v, want sent+finalized", out)
	}
	if calls := gw.callLog(); len(calls) != 1 || calls[0].op != "send" {
		t.Fatalf("gateway calls = %+v", calls)
	}
	if n := mem.Len(); n != 0 {
		t.Fatalf("store has %d entries, a final first sight must not be tracked", n)
	}
}

func TestGatewaySendFailureLeavesStateUnchanged(t *testing.T) {
	t.Parallel()
	eng, gw, mem := newTestEngine(t)
	ctx := context.Background()

	gw.fail = errors.New("telegram down")
	_, err := eng.Dispatch(ctx, mergeEvent(5, "opened"), testTarget, render.Defaults())
	var gerr *GatewayError
	if !errors.As(err, &gerr) {
		t.Fatalf("err = %v, want GatewayError", err)
	}
	if n := mem.Len(); n != 0 {
		t.Fatalf("store has %d entries after failed send, want 0", n)
	}

	// Redelivery after recovery behaves as a fresh open.
	gw.fail = nil
	out, err := eng.Dispatch(ctx, mergeEvent(5, "opened"), testTarget, render.Defaults())
	if err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if out.Action != ActionSent {
		t.Fatalf("redelivery outcome = %+v, want sent", out)
	}
}

func TestGatewayFailureRestoresPendingBuffer(t *testing.T) {
	t.Parallel()
	eng, gw, _ := newTestEngine(t)
	ctx := context.Background()

	if _, err := eng.Dispatch(ctx, pipelineEvent(6, "pending"), testTarget, render.Defaults()); err != nil {
		t.Fatalf("pending: %v", err)
	}

	gw.fail = errors.New("telegram down")
	if _, err := eng.Dispatch(ctx, pipelineEvent(6, "success"), testTarget, render.Defaults()); err == nil {
		t.Fatal("want error from failed send")
	}

	// The consumed pending must have been put back: a retried closer still
	// renders the coalesced transition.
	gw.fail = nil
	out, err := eng.Dispatch(ctx, pipelineEvent(6, "success"), testTarget, render.Defaults())
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if !out.Coalesced {
		t.Fatalf("outcome = %+v, retry lost the pending phase", out)
	}
}

func TestGatewayEditFailureKeepsHandle(t *testing.T) {
	t.Parallel()
	eng, gw, mem := newTestEngine(t)
	ctx := context.Background()

	first, err := eng.Dispatch(ctx, mergeEvent(8, "opened"), testTarget, render.Defaults())
	if err != nil {
		t.Fatalf("opened: %v", err)
	}

	gw.fail = errors.New("telegram down")
	if _, err := eng.Dispatch(ctx, mergeEvent(8, "merged"), testTarget, render.Defaults()); err == nil {
		t.Fatal("want error from failed edit")
	}
	if n := mem.Len(); n != 1 {
		t.Fatalf("store has %d entries after failed edit, handle must survive", n)
	}

	gw.fail = nil
	out, err := eng.Dispatch(ctx, mergeEvent(8, "merged"), testTarget, render.Defaults())
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if out.Action != ActionEdited || out.Ref != first.Ref {
		t.Fatalf("retry outcome = %+v, want edit of %+v", out, first.Ref)
	}
}

func TestConcurrentSameKeyDispatch(t *testing.T) {
	t.Parallel()
	eng, gw, _ := newTestEngine(t)
	ctx := context.Background()

	const workers = 16
	var wg sync.WaitGroup
	errc := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := eng.Dispatch(ctx, mergeEvent(42, "updated"), testTarget, render.Defaults())
			errc <- err
		}()
	}
	wg.Wait()
	close(errc)
	for err := range errc {
		if err != nil {
			t.Fatalf("Dispatch: %v", err)
		}
	}

	calls := gw.callLog()
	sends := 0
	for _, c := range calls {
		if c.op == "send" {
			sends++
		}
	}
	if sends != 1 {
		t.Fatalf("%d sends for one unit, want exactly 1 (then edits): %+v", sends, calls)
	}
	if len(calls) != workers {
		t.Fatalf("%d gateway calls for %d deliveries", len(calls), workers)
	}
}

func TestConcurrentIdenticalPendings(t *testing.T) {
	t.Parallel()
	eng, gw, _ := newTestEngine(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := eng.Dispatch(ctx, pipelineEvent(13, "pending"), testTarget, render.Defaults()); err != nil {
				t.Errorf("Dispatch: %v", err)
			}
		}()
	}
	wg.Wait()

	if calls := gw.callLog(); len(calls) != 0 {
		t.Fatalf("pendings must stay suppressed, got %+v", calls)
	}

	// One buffer slot survives: a single closer coalesces once and the
	// next closer for the key sees nothing pending.
	out, err := eng.Dispatch(ctx, pipelineEvent(13, "running"), testTarget, render.Defaults())
	if err != nil {
		t.Fatalf("running: %v", err)
	}
	if !out.Coalesced {
		t.Fatalf("outcome = %+v, want coalesced", out)
	}
	out2, err := eng.Dispatch(ctx, pipelineEvent(13, "running"), testTarget, render.Defaults())
	if err != nil {
		t.Fatalf("second running: %v", err)
	}
	if out2.Coalesced {
		t.Fatalf("outcome = %+v, second closer must find an empty buffer", out2)
	}
}

func TestUnsupportedKindIgnored(t *testing.T) {
	t.Parallel()
	eng, gw, _ := newTestEngine(t)

	out, err := eng.Dispatch(context.Background(), event.Event{Kind: event.KindOther}, testTarget, render.Defaults())
	if !errors.Is(err, ErrUnsupportedKind) {
		t.Fatalf("err = %v, want ErrUnsupportedKind", err)
	}
	if out.Action != ActionIgnored {
		t.Fatalf("outcome = %+v, want ignored", out)
	}
	if calls := gw.callLog(); len(calls) != 0 {
		t.Fatalf("gateway calls = %+v, want none", calls)
	}
}
