// Package dispatch decides, per normalized event, whether to send a new
// chat message, edit the unit's live message in place, buffer the event,
// or drop it — and keeps the unit-key → message-handle mapping consistent
// while concurrent, duplicated webhook deliveries race in.
package dispatch

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"gitrelay/internal/event"
	"gitrelay/internal/render"
	"gitrelay/internal/state"
	"gitrelay/internal/transport"
	logx "gitrelay/pkg/logx"
)

const lockStripes = 64

type Config struct {
	// HandleTTL bounds store entries for units that never finalize.
	HandleTTL time.Duration
	// BufferTTL is the pipeline pending-coalescing window.
	BufferTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.HandleTTL <= 0 {
		c.HandleTTL = state.DefaultHandleTTL
	}
	if c.BufferTTL <= 0 {
		c.BufferTTL = state.DefaultBufferTTL
	}
	return c
}

type Action string

const (
	ActionSent     Action = "sent"
	ActionEdited   Action = "edited"
	ActionBuffered Action = "buffered"
	ActionIgnored  Action = "ignored"
)

// Outcome reports what a delivery resulted in.
type Outcome struct {
	Action    Action
	Ref       transport.MessageRef
	Coalesced bool
	Finalized bool
}

// Engine is the notification dispatch state machine.
//
// A unit's state is never stored explicitly; it is inferred from the
// presence/absence of its store entry (no entry = unseen or finalized,
// handle = open, buffered event = pending-coalescing window).
type Engine struct {
	cfg   Config
	store state.Store
	gw    transport.Gateway
	log   logx.Logger

	// locks serialize lookup→decide→gateway→store per unit key. Striped:
	// unrelated keys may share a stripe, which only over-serializes.
	locks [lockStripes]sync.Mutex
}

func New(cfg Config, store state.Store, gw transport.Gateway, log logx.Logger) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{cfg: cfg.withDefaults(), store: store, gw: gw, log: log}
}

func (e *Engine) lockFor(key event.UnitKey) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(key.String()))
	return &e.locks[h.Sum32()%lockStripes]
}

// Dispatch processes one delivery. Deliveries are independent, concurrent,
// unordered, and may be duplicated by the upstream platform; Dispatch is
// correct under arbitrary interleaving.
//
// Store mutations happen only after the gateway call succeeds, so a failed
// send/edit leaves the unit exactly where it was for the next redelivery.
func (e *Engine) Dispatch(ctx context.Context, ev event.Event, to transport.ChatTarget, prefs render.Prefs) (Outcome, error) {
	switch ev.Kind {
	case event.KindPush:
		return e.sendNew(ctx, ev, to, render.Render(ev, prefs))
	case event.KindMerge, event.KindPipeline:
		key, ok := ev.UnitKey()
		if !ok {
			// Detail payload missing; nothing to deduplicate against.
			return e.sendNew(ctx, ev, to, render.Render(ev, prefs))
		}
		mu := e.lockFor(key)
		mu.Lock()
		defer mu.Unlock()
		return e.dispatchKeyed(ctx, ev, key, to, prefs)
	default:
		return Outcome{Action: ActionIgnored}, ErrUnsupportedKind
	}
}

func (e *Engine) dispatchKeyed(ctx context.Context, ev event.Event, key event.UnitKey, to transport.ChatTarget, prefs render.Prefs) (Outcome, error) {
	// Pipeline pending: suppress and buffer; a closer status within the
	// window collapses both into one visible transition. A second pending
	// simply overwrites the first.
	if ev.Kind == event.KindPipeline && ev.Status == "pending" {
		if err := e.store.Buffer(ctx, key, ev, e.cfg.BufferTTL); err != nil {
			return Outcome{}, &StoreError{Op: "buffer", Err: err}
		}
		e.log.Debug("pending buffered", logx.String("key", key.String()))
		return Outcome{Action: ActionBuffered}, nil
	}

	var pending *event.Event
	if ev.Kind == event.KindPipeline && isCloser(ev.Status) {
		p, err := e.store.TakeBuffer(ctx, key)
		if err != nil {
			return Outcome{}, &StoreError{Op: "take buffer", Err: err}
		}
		pending = p
	}

	text := render.Render(ev, prefs)
	if pending != nil {
		text = render.RenderCoalesced(*pending, ev, prefs)
	}

	ref, live, err := e.store.Get(ctx, key)
	if err != nil {
		e.restoreBuffer(ctx, key, pending)
		return Outcome{}, &StoreError{Op: "get", Err: err}
	}

	final := isFinal(ev)

	if live {
		if err := e.gw.EditText(ctx, ref, text, sendOptions()); err != nil {
			e.restoreBuffer(ctx, key, pending)
			return Outcome{}, &GatewayError{Op: "edit", Err: err}
		}
		if final {
			if err := e.store.Delete(ctx, key); err != nil {
				return Outcome{}, &StoreError{Op: "delete", Err: err}
			}
		}
		return Outcome{Action: ActionEdited, Ref: ref, Coalesced: pending != nil, Finalized: final}, nil
	}

	newRef, err := e.gw.SendText(ctx, to, text, sendOptions())
	if err != nil {
		e.restoreBuffer(ctx, key, pending)
		return Outcome{}, &GatewayError{Op: "send", Err: err}
	}
	if !final {
		// A final status on first sight leaves nothing to track: the
		// message stays visible but no further edits can arrive.
		if err := e.store.Put(ctx, key, newRef, e.cfg.HandleTTL); err != nil {
			return Outcome{}, &StoreError{Op: "put", Err: err}
		}
	}
	return Outcome{Action: ActionSent, Ref: newRef, Coalesced: pending != nil, Finalized: final}, nil
}

func (e *Engine) sendNew(ctx context.Context, ev event.Event, to transport.ChatTarget, text string) (Outcome, error) {
	ref, err := e.gw.SendText(ctx, to, text, sendOptions())
	if err != nil {
		return Outcome{}, &GatewayError{Op: "send", Err: err}
	}
	return Outcome{Action: ActionSent, Ref: ref, Finalized: true}, nil
}

// restoreBuffer puts a consumed pending event back after a failed gateway
// call, so a redelivery of the closer status can still coalesce. The
// caller holds the key's stripe lock, making take+restore atomic from the
// point of view of concurrent deliveries.
func (e *Engine) restoreBuffer(ctx context.Context, key event.UnitKey, pending *event.Event) {
	if pending == nil {
		return
	}
	if err := e.store.Buffer(ctx, key, *pending, e.cfg.BufferTTL); err != nil {
		e.log.Warn("could not restore pending buffer", logx.String("key", key.String()), logx.Err(err))
	}
}

func sendOptions() *transport.SendOptions {
	return &transport.SendOptions{ParseMode: render.ParseMode, DisablePreview: true}
}
