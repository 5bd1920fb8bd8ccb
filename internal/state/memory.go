package state

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"gitrelay/internal/event"
	"gitrelay/internal/transport"
)

const shardCount = 16

// entry carries the handle and the coalescing buffer with independent
// expiries. An entry with both sides empty/expired is removed.
type entry struct {
	ref    transport.MessageRef
	hasRef bool
	refExp time.Time

	buf    *event.Event
	bufExp time.Time
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// Memory is an in-process Store: a sharded map with one mutex per shard,
// so operations for the same key serialize while unrelated keys proceed.
type Memory struct {
	shards [shardCount]*shard
	now    func() time.Time
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	m := &Memory{now: time.Now}
	for i := range m.shards {
		m.shards[i] = &shard{entries: make(map[string]*entry)}
	}
	return m
}

func (m *Memory) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return m.shards[h.Sum32()%shardCount]
}

func (m *Memory) Get(_ context.Context, key event.UnitKey) (transport.MessageRef, bool, error) {
	k := key.String()
	s := m.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entries[k]
	if e == nil {
		return transport.MessageRef{}, false, nil
	}
	now := m.now()
	m.expireLocked(s, k, e, now)
	if !e.hasRef {
		return transport.MessageRef{}, false, nil
	}
	return e.ref, true, nil
}

func (m *Memory) Put(_ context.Context, key event.UnitKey, ref transport.MessageRef, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultHandleTTL
	}
	k := key.String()
	s := m.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entries[k]
	if e == nil {
		e = &entry{}
		s.entries[k] = e
	}
	e.ref = ref
	e.hasRef = true
	e.refExp = m.now().Add(ttl)
	return nil
}

func (m *Memory) Delete(_ context.Context, key event.UnitKey) error {
	k := key.String()
	s := m.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entries[k]
	if e == nil {
		return nil
	}
	e.hasRef = false
	e.ref = transport.MessageRef{}
	if e.buf == nil {
		delete(s.entries, k)
	}
	return nil
}

func (m *Memory) Buffer(_ context.Context, key event.UnitKey, ev event.Event, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultBufferTTL
	}
	k := key.String()
	s := m.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entries[k]
	if e == nil {
		e = &entry{}
		s.entries[k] = e
	}
	cp := ev
	e.buf = &cp
	e.bufExp = m.now().Add(ttl)
	return nil
}

func (m *Memory) TakeBuffer(_ context.Context, key event.UnitKey) (*event.Event, error) {
	k := key.String()
	s := m.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entries[k]
	if e == nil {
		return nil, nil
	}
	now := m.now()
	m.expireLocked(s, k, e, now)
	buf := e.buf
	e.buf = nil
	if !e.hasRef {
		delete(s.entries, k)
	}
	return buf, nil
}

// PruneExpired drops every expired handle and buffer. Returns the number
// of entries removed entirely.
func (m *Memory) PruneExpired() int {
	now := m.now()
	removed := 0
	for _, s := range m.shards {
		s.mu.Lock()
		for k, e := range s.entries {
			m.expireLocked(s, k, e, now)
			if _, ok := s.entries[k]; !ok {
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Len reports the number of live entries (after passive expiry).
func (m *Memory) Len() int {
	now := m.now()
	n := 0
	for _, s := range m.shards {
		s.mu.Lock()
		for k, e := range s.entries {
			m.expireLocked(s, k, e, now)
			if _, ok := s.entries[k]; ok {
				n++
			}
		}
		s.mu.Unlock()
	}
	return n
}

// expireLocked clears expired sides of e and removes empty entries.
// Caller holds the shard lock.
func (m *Memory) expireLocked(s *shard, k string, e *entry, now time.Time) {
	if e.hasRef && now.After(e.refExp) {
		e.hasRef = false
		e.ref = transport.MessageRef{}
	}
	if e.buf != nil && now.After(e.bufExp) {
		e.buf = nil
	}
	if !e.hasRef && e.buf == nil {
		delete(s.entries, k)
	}
}
