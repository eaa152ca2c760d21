package cache

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/evmotors/dealer-core/logger"
)

// DefaultRetention is how long a cache entry with no subscribers is kept
// before eviction, unless the query declares its own retention.
const DefaultRetention = 60 * time.Second

// ErrStoreClosed is returned for operations issued after Close.
var ErrStoreClosed = errors.New("cache: store is closed")

// Status is the lifecycle state of a cache entry's current fetch cycle.
type Status int

const (
	StatusPending Status = iota
	StatusFulfilled
	StatusRejected
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusFulfilled:
		return "fulfilled"
	case StatusRejected:
		return "rejected"
	}
	return "unknown"
}

// Fetcher produces the value for a query or performs a mutation.
type Fetcher func(ctx context.Context) (any, error)

// QuerySpec declares a cacheable read.
type QuerySpec struct {
	// Key is the identity of the query. Required.
	Key Key
	// Fetch produces the value on a cache miss or refetch. Required.
	Fetch Fetcher
	// Provides are the tags describing what the result represents.
	Provides []Tag
	// Retention overrides DefaultRetention when > 0.
	Retention time.Duration
}

// MutationSpec declares a write and the tags it invalidates on success.
type MutationSpec struct {
	Fetch       Fetcher
	Invalidates []Tag
}

// Snapshot is an immutable view of an entry delivered to subscribers.
type Snapshot struct {
	Key    Key
	Status Status
	Data   any
	Err    error
}

type entry struct {
	key            Key
	status         Status
	data           any
	err            error
	provides       []Tag
	retention      time.Duration
	lastFetch      Fetcher
	subscribers    []*Subscription
	fetchSeq       uint64
	fetching       bool
	refetchQueued  bool
	lastAccessedAt time.Time
	retentionTimer *time.Timer
}

func (e *entry) snapshot() Snapshot {
	return Snapshot{Key: e.key, Status: e.status, Data: e.data, Err: e.err}
}

func (e *entry) providesTag(tag Tag) bool {
	for _, t := range e.provides {
		if t == tag {
			return true
		}
	}
	return false
}

// Subscription represents one subscriber's interest in a query. Closing it
// decrements the entry's reference count; when the count reaches zero the
// retention timer is armed.
type Subscription struct {
	store *Store
	key   Key
	fn    func(Snapshot)
	once  sync.Once
}

// Close detaches the subscriber. It does not abort an in-flight fetch;
// other subscribers may depend on it and the result is cached either way.
func (sub *Subscription) Close() {
	sub.once.Do(func() {
		sub.store.unsubscribe(sub)
	})
}

// Store is the cache engine: a table of entries keyed by Key, with
// single-flight fetch de-duplication, tag-based invalidation, subscriber
// reference counting, and retention timers. Create one per client with New;
// there is no package-level instance.
//
// Subscriber callbacks run with the store lock held, in subscription order,
// so no callback ever observes a torn entry. Callbacks must not call back
// into the Store; hand off to a goroutine if a callback needs to issue a
// query or mutation.
type Store struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    logger.Logger

	mu      sync.Mutex
	entries map[Key]*entry
	closed  bool

	retention time.Duration
	nowFn     func() time.Time
	wg        sync.WaitGroup
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithRetention sets the default retention window for entries whose
// QuerySpec does not declare one.
func WithRetention(d time.Duration) StoreOption {
	return func(s *Store) { s.retention = d }
}

// New returns an empty Store. The parent context bounds all background
// fetches; cancelling it (or calling Close) stops the store.
func New(parent context.Context, log logger.Logger, opts ...StoreOption) *Store {
	ctx, cancel := context.WithCancel(parent)
	s := &Store{
		ctx:       ctx,
		cancel:    cancel,
		log:       log.WithPrefix("[cache]"),
		entries:   make(map[Key]*entry),
		retention: DefaultRetention,
		nowFn:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close stops all retention timers, waits for in-flight fetches to settle,
// and drops the entry table. The store is unusable afterwards.
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for _, e := range s.entries {
		if e.retentionTimer != nil {
			e.retentionTimer.Stop()
		}
	}
	s.entries = make(map[Key]*entry)
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
}

// Subscribe attaches fn to the query identified by spec.Key. If the entry is
// already fulfilled, fn is invoked immediately with the cached snapshot and
// no fetch is issued. If a fetch is in flight, the subscriber shares it.
// Otherwise a fetch begins. fn is then invoked at every subsequent state
// transition, including background refetches caused by tag invalidation,
// until the returned Subscription is closed.
func (s *Store) Subscribe(spec QuerySpec, fn func(Snapshot)) (*Subscription, error) {
	if spec.Fetch == nil {
		return nil, errors.New("cache: QuerySpec.Fetch is required")
	}
	if fn == nil {
		return nil, errors.New("cache: subscriber callback is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	e, ok := s.entries[spec.Key]
	if !ok {
		e = &entry{
			key:       spec.Key,
			status:    StatusPending,
			provides:  spec.Provides,
			retention: spec.Retention,
		}
		s.entries[spec.Key] = e
	}
	if spec.Retention > 0 {
		e.retention = spec.Retention
	}
	e.lastAccessedAt = s.nowFn()
	if e.retentionTimer != nil {
		e.retentionTimer.Stop()
		e.retentionTimer = nil
	}

	sub := &Subscription{store: s, key: spec.Key, fn: fn}
	e.subscribers = append(e.subscribers, sub)
	e.lastFetch = spec.Fetch

	switch {
	case e.status == StatusFulfilled && !e.fetching:
		// Cache hit: deliver the stored value synchronously.
		fn(e.snapshot())
	case e.fetching:
		// Attach to the in-flight fetch; one fetcher call serves everyone.
	default:
		s.startFetchLocked(e, spec.Fetch, spec.Provides)
	}
	return sub, nil
}

// Query is the one-shot form of Subscribe: it waits for the entry's next
// terminal state (or returns immediately on a cache hit) and detaches.
func (s *Store) Query(ctx context.Context, spec QuerySpec) (any, error) {
	ch := make(chan Snapshot, 1)
	sub, err := s.Subscribe(spec, func(snap Snapshot) {
		if snap.Status == StatusPending {
			return
		}
		select {
		case ch <- snap:
		default:
		}
	})
	if err != nil {
		return nil, err
	}
	defer sub.Close()

	select {
	case snap := <-ch:
		if snap.Status == StatusRejected {
			return nil, snap.Err
		}
		return snap.Data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Mutate invokes the mutation's fetcher exactly once (mutations are not
// de-duplicated) and, only on success, invalidates every live entry whose
// provided tags intersect spec.Invalidates: subscribed entries refetch in
// the background while their subscribers keep seeing the previous fulfilled
// value; unsubscribed entries are evicted. A failed mutation touches no
// entries. When mutations race on overlapping tags, invalidation follows
// completion order.
func (s *Store) Mutate(ctx context.Context, spec MutationSpec) (any, error) {
	if spec.Fetch == nil {
		return nil, errors.New("cache: MutationSpec.Fetch is required")
	}
	data, err := spec.Fetch(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return data, nil
	}
	s.invalidateLocked(spec.Invalidates)
	return data, nil
}

// Invalidate marks every entry intersecting tags as stale, outside of any
// mutation. Subscribed entries refetch; idle entries are evicted.
func (s *Store) Invalidate(tags ...Tag) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.invalidateLocked(tags)
}

// Purge evicts every entry, typically on logout when previously cached
// scopes are no longer legitimate for the session. Live subscriptions are
// orphaned: they receive no further notifications until re-subscribed.
func (s *Store) Purge() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for _, e := range s.entries {
		if e.retentionTimer != nil {
			e.retentionTimer.Stop()
		}
		e.fetchSeq++
	}
	s.entries = make(map[Key]*entry)
}

// Peek returns the current snapshot for key without subscribing or
// triggering a fetch.
func (s *Store) Peek(key Key) (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return Snapshot{}, false
	}
	return e.snapshot(), true
}

// Len reports the number of live entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Store) invalidateLocked(tags []Tag) {
	for key, e := range s.entries {
		if !intersects(e, tags) {
			continue
		}
		if len(e.subscribers) > 0 {
			if e.fetching {
				// The in-flight fetch may predate this invalidation;
				// queue another cycle behind it.
				e.refetchQueued = true
				continue
			}
			s.log.Debug("invalidated %s, refetching for %d subscriber(s)", key, len(e.subscribers))
			s.startFetchLocked(e, nil, nil)
		} else {
			s.log.Debug("invalidated %s, evicting idle entry", key)
			s.evictLocked(e)
		}
	}
}

func intersects(e *entry, tags []Tag) bool {
	for _, tag := range tags {
		if e.providesTag(tag) {
			return true
		}
	}
	return false
}

// startFetchLocked begins a new fetch cycle for e. A fulfilled entry keeps
// its status and data while the refetch runs so subscribers never flash
// back to pending; a fresh entry stays pending. fetch and provides may be
// nil on refetch, in which case the entry's previous declarations are
// reused.
func (s *Store) startFetchLocked(e *entry, fetch Fetcher, provides []Tag) {
	if fetch == nil {
		fetch = e.lastFetch
	}
	if fetch == nil {
		return
	}
	if provides == nil {
		provides = e.provides
	}
	e.lastFetch = fetch
	e.fetching = true
	e.fetchSeq++
	seq := e.fetchSeq

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		// The store context, not a subscriber's: detaching never aborts
		// a shared fetch.
		data, err := fetch(s.ctx)

		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed || s.entries[e.key] != e || e.fetchSeq != seq {
			return // superseded or evicted mid-flight
		}
		e.fetching = false
		if err != nil {
			e.status = StatusRejected
			e.data = nil
			e.err = err
		} else {
			e.status = StatusFulfilled
			e.data = data
			e.err = nil
			e.provides = provides
		}
		s.notifyLocked(e)
		if e.refetchQueued {
			e.refetchQueued = false
			if len(e.subscribers) > 0 {
				s.startFetchLocked(e, nil, nil)
				return
			}
			// An invalidation arrived while this fetch ran, so its result
			// predates the invalidation. With nobody left subscribed, drop
			// the entry so the next access fetches fresh.
			s.evictLocked(e)
			return
		}
		if len(e.subscribers) == 0 {
			s.armRetentionLocked(e)
		}
	}()
}

func (s *Store) notifyLocked(e *entry) {
	snap := e.snapshot()
	for _, sub := range e.subscribers {
		sub.fn(snap)
	}
}

func (s *Store) unsubscribe(sub *Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[sub.key]
	if !ok || s.closed {
		return
	}
	for i, candidate := range e.subscribers {
		if candidate == sub {
			e.subscribers = append(e.subscribers[:i], e.subscribers[i+1:]...)
			break
		}
	}
	if len(e.subscribers) == 0 && !e.fetching {
		s.armRetentionLocked(e)
	}
}

func (s *Store) armRetentionLocked(e *entry) {
	retention := e.retention
	if retention <= 0 {
		retention = s.retention
	}
	if e.retentionTimer != nil {
		e.retentionTimer.Stop()
	}
	e.retentionTimer = time.AfterFunc(retention, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed || s.entries[e.key] != e || len(e.subscribers) > 0 {
			return
		}
		s.log.Trace("retention window expired for %s", e.key)
		s.evictLocked(e)
	})
}

func (s *Store) evictLocked(e *entry) {
	if e.retentionTimer != nil {
		e.retentionTimer.Stop()
		e.retentionTimer = nil
	}
	// Invalidate any in-flight cycle so its completion handler discards.
	e.fetchSeq++
	delete(s.entries, e.key)
}
