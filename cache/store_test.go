package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evmotors/dealer-core/logger"
)

func newTestStore(t *testing.T, opts ...StoreOption) *Store {
	t.Helper()
	s := New(context.Background(), logger.NewTestLogger(), opts...)
	t.Cleanup(s.Close)
	return s
}

func staticFetch(val any, calls *atomic.Int32) Fetcher {
	return func(ctx context.Context) (any, error) {
		if calls != nil {
			calls.Add(1)
		}
		return val, nil
	}
}

func TestQueryFetchesOnceThenHits(t *testing.T) {
	s := newTestStore(t)
	var calls atomic.Int32
	spec := QuerySpec{
		Key:      MustKey("vehicles", "list", nil),
		Fetch:    staticFetch([]string{"EV6"}, &calls),
		Provides: []Tag{ListTag("vehicles")},
	}

	val, err := s.Query(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, []string{"EV6"}, val)
	assert.Equal(t, int32(1), calls.Load())

	// Second query inside the retention window is a pure cache hit.
	val, err = s.Query(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, []string{"EV6"}, val)
	assert.Equal(t, int32(1), calls.Load())
}

func TestConcurrentQueriesDeduplicate(t *testing.T) {
	s := newTestStore(t)
	var calls atomic.Int32
	release := make(chan struct{})
	spec := QuerySpec{
		Key: MustKey("orders", "list", nil),
		Fetch: func(ctx context.Context) (any, error) {
			calls.Add(1)
			<-release
			return "orders-payload", nil
		},
		Provides: []Tag{ListTag("orders")},
	}

	const n = 5
	results := make([]any, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = s.Query(context.Background(), spec)
		}(i)
	}

	// Let every caller attach to the in-flight fetch before releasing it.
	assert.Eventually(t, func() bool {
		snap, ok := s.Peek(spec.Key)
		return ok && snap.Status == StatusPending
	}, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load(), "N concurrent queries must invoke the fetcher exactly once")
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "orders-payload", results[i])
	}
}

func TestTagInvalidationClosure(t *testing.T) {
	s := newTestStore(t)
	var byIDCalls, listCalls, orderCalls atomic.Int32

	byID := QuerySpec{
		Key:      MustKey("vehicles", "byID", map[string]string{"id": "7"}),
		Fetch:    staticFetch("vehicle-7", &byIDCalls),
		Provides: []Tag{IDTag("vehicles", "7")},
	}
	list := QuerySpec{
		Key:      MustKey("vehicles", "list", nil),
		Fetch:    staticFetch("vehicle-list", &listCalls),
		Provides: []Tag{ListTag("vehicles")},
	}
	orders := QuerySpec{
		Key:      MustKey("orders", "list", nil),
		Fetch:    staticFetch("order-list", &orderCalls),
		Provides: []Tag{ListTag("orders")},
	}

	subByID, err := s.Subscribe(byID, func(Snapshot) {})
	require.NoError(t, err)
	defer subByID.Close()
	subList, err := s.Subscribe(list, func(Snapshot) {})
	require.NoError(t, err)
	defer subList.Close()
	subOrders, err := s.Subscribe(orders, func(Snapshot) {})
	require.NoError(t, err)
	defer subOrders.Close()

	assert.Eventually(t, func() bool {
		return byIDCalls.Load() == 1 && listCalls.Load() == 1 && orderCalls.Load() == 1
	}, time.Second, time.Millisecond)

	_, err = s.Mutate(context.Background(), MutationSpec{
		Fetch:       staticFetch("updated", nil),
		Invalidates: []Tag{IDTag("vehicles", "7"), ListTag("vehicles")},
	})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return byIDCalls.Load() == 2 && listCalls.Load() == 2
	}, time.Second, time.Millisecond, "both intersecting entries must refetch")
	assert.Equal(t, int32(1), orderCalls.Load(), "non-intersecting entry must be unaffected")
}

func TestInvalidationEvictsIdleEntries(t *testing.T) {
	s := newTestStore(t)
	var calls atomic.Int32
	spec := QuerySpec{
		Key:      MustKey("customers", "list", nil),
		Fetch:    staticFetch("customers", &calls),
		Provides: []Tag{ListTag("customers")},
	}
	_, err := s.Query(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Len())

	s.Invalidate(ListTag("customers"))

	assert.Equal(t, 0, s.Len(), "idle invalidated entry is evicted, not refetched")
	_, err = s.Query(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestMutationFailureLeavesEntriesUntouched(t *testing.T) {
	s := newTestStore(t)
	var calls atomic.Int32
	spec := QuerySpec{
		Key:      MustKey("orders", "list", nil),
		Fetch:    staticFetch("orders", &calls),
		Provides: []Tag{ListTag("orders")},
	}
	sub, err := s.Subscribe(spec, func(Snapshot) {})
	require.NoError(t, err)
	defer sub.Close()
	assert.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)

	boom := errors.New("order rejected")
	_, err = s.Mutate(context.Background(), MutationSpec{
		Fetch:       func(ctx context.Context) (any, error) { return nil, boom },
		Invalidates: []Tag{ListTag("orders")},
	})
	require.ErrorIs(t, err, boom)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load(), "failed mutation must not invalidate")
	snap, ok := s.Peek(spec.Key)
	require.True(t, ok)
	assert.Equal(t, StatusFulfilled, snap.Status)
}

func TestRetentionWindow(t *testing.T) {
	s := newTestStore(t)
	var calls atomic.Int32
	spec := QuerySpec{
		Key:       MustKey("vehicles", "list", nil),
		Fetch:     staticFetch("vehicles", &calls),
		Provides:  []Tag{ListTag("vehicles")},
		Retention: 100 * time.Millisecond,
	}

	_, err := s.Query(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())

	// Inside the window: still servable from cache.
	time.Sleep(50 * time.Millisecond)
	_, err = s.Query(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())

	// Past the window: evicted, next access is a clean fetch.
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 0, s.Len())
	_, err = s.Query(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestResubscribeCancelsRetentionTimer(t *testing.T) {
	s := newTestStore(t)
	var calls atomic.Int32
	spec := QuerySpec{
		Key:       MustKey("allocations", "list", nil),
		Fetch:     staticFetch("allocations", &calls),
		Provides:  []Tag{ListTag("allocations")},
		Retention: 60 * time.Millisecond,
	}

	_, err := s.Query(context.Background(), spec)
	require.NoError(t, err)

	// Re-subscribing before expiry must keep the entry alive past the
	// original deadline.
	time.Sleep(30 * time.Millisecond)
	sub, err := s.Subscribe(spec, func(Snapshot) {})
	require.NoError(t, err)
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, 1, s.Len())
	assert.Equal(t, int32(1), calls.Load())
	sub.Close()
}

func TestRejectedEntryRetriesOnNextQuery(t *testing.T) {
	s := newTestStore(t)
	var calls atomic.Int32
	fail := errors.New("transport down")
	spec := QuerySpec{
		Key: MustKey("users", "list", nil),
		Fetch: func(ctx context.Context) (any, error) {
			if calls.Add(1) == 1 {
				return nil, fail
			}
			return "users", nil
		},
		Provides: []Tag{ListTag("users")},
	}

	_, err := s.Query(context.Background(), spec)
	require.ErrorIs(t, err, fail)

	// The store never retries on its own; an explicit re-issue does.
	val, err := s.Query(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, "users", val)
	assert.Equal(t, int32(2), calls.Load())
}

func TestSubscribersNotifiedInSubscriptionOrder(t *testing.T) {
	s := newTestStore(t)
	var mu sync.Mutex
	var order []string

	release := make(chan struct{})
	spec := QuerySpec{
		Key: MustKey("vehicles", "list", nil),
		Fetch: func(ctx context.Context) (any, error) {
			<-release
			return "v", nil
		},
		Provides: []Tag{ListTag("vehicles")},
	}

	subA, err := s.Subscribe(spec, func(Snapshot) {
		mu.Lock()
		order = append(order, "a")
		mu.Unlock()
	})
	require.NoError(t, err)
	defer subA.Close()
	subB, err := s.Subscribe(spec, func(Snapshot) {
		mu.Lock()
		order = append(order, "b")
		mu.Unlock()
	})
	require.NoError(t, err)
	defer subB.Close()

	close(release)
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 2
	}, time.Second, time.Millisecond)
	mu.Lock()
	assert.Equal(t, []string{"a", "b"}, order)
	mu.Unlock()
}

func TestDetachDoesNotAbortSharedFetch(t *testing.T) {
	s := newTestStore(t)
	release := make(chan struct{})
	spec := QuerySpec{
		Key: MustKey("orders", "list", nil),
		Fetch: func(ctx context.Context) (any, error) {
			<-release
			return "late-result", nil
		},
		Provides: []Tag{ListTag("orders")},
	}

	sub, err := s.Subscribe(spec, func(Snapshot) {})
	require.NoError(t, err)
	sub.Close()
	close(release)

	// The fetch runs to completion and its result is cached for future
	// queries even with zero current subscribers.
	assert.Eventually(t, func() bool {
		snap, ok := s.Peek(spec.Key)
		return ok && snap.Status == StatusFulfilled && snap.Data == "late-result"
	}, time.Second, time.Millisecond)
}

func TestBackgroundRefetchKeepsPreviousValue(t *testing.T) {
	s := newTestStore(t)
	var calls atomic.Int32
	release := make(chan struct{})
	spec := QuerySpec{
		Key: MustKey("orders", "list", nil),
		Fetch: func(ctx context.Context) (any, error) {
			if calls.Add(1) == 1 {
				return "first", nil
			}
			<-release
			return "second", nil
		},
		Provides: []Tag{ListTag("orders")},
	}

	sub, err := s.Subscribe(spec, func(Snapshot) {})
	require.NoError(t, err)
	defer sub.Close()
	assert.Eventually(t, func() bool {
		snap, ok := s.Peek(spec.Key)
		return ok && snap.Status == StatusFulfilled
	}, time.Second, time.Millisecond)

	s.Invalidate(ListTag("orders"))

	// While the refetch is blocked, the entry still serves the previous
	// fulfilled value — no flash back to pending.
	snap, ok := s.Peek(spec.Key)
	require.True(t, ok)
	assert.Equal(t, StatusFulfilled, snap.Status)
	assert.Equal(t, "first", snap.Data)

	close(release)
	assert.Eventually(t, func() bool {
		snap, ok := s.Peek(spec.Key)
		return ok && snap.Data == "second"
	}, time.Second, time.Millisecond)
}

func TestLastCompletedMutationWins(t *testing.T) {
	s := newTestStore(t)
	var current atomic.Value
	current.Store("initial")

	spec := QuerySpec{
		Key: MustKey("orders", "list", nil),
		Fetch: func(ctx context.Context) (any, error) {
			return current.Load(), nil
		},
		Provides: []Tag{ListTag("orders")},
	}
	sub, err := s.Subscribe(spec, func(Snapshot) {})
	require.NoError(t, err)
	defer sub.Close()
	assert.Eventually(t, func() bool {
		snap, _ := s.Peek(spec.Key)
		return snap.Status == StatusFulfilled
	}, time.Second, time.Millisecond)

	// Mutation A is issued first but completes last; B is issued second and
	// completes first. Readers must end up seeing A's effect.
	holdA := make(chan struct{})
	doneA := make(chan struct{})
	go func() {
		defer close(doneA)
		_, err := s.Mutate(context.Background(), MutationSpec{
			Fetch: func(ctx context.Context) (any, error) {
				<-holdA
				current.Store("after-A")
				return nil, nil
			},
			Invalidates: []Tag{ListTag("orders")},
		})
		assert.NoError(t, err)
	}()

	_, err = s.Mutate(context.Background(), MutationSpec{
		Fetch: func(ctx context.Context) (any, error) {
			current.Store("after-B")
			return nil, nil
		},
		Invalidates: []Tag{ListTag("orders")},
	})
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		snap, _ := s.Peek(spec.Key)
		return snap.Data == "after-B"
	}, time.Second, time.Millisecond)

	close(holdA)
	<-doneA
	assert.Eventually(t, func() bool {
		snap, _ := s.Peek(spec.Key)
		return snap.Data == "after-A"
	}, time.Second, time.Millisecond, "invalidation follows completion order, not issue order")
}

func TestInvalidationQueuedBehindRefetchSurvivesDetach(t *testing.T) {
	s := newTestStore(t)
	var calls atomic.Int32
	gate := make(chan struct{})
	spec := QuerySpec{
		Key:      MustKey("orders", "list", nil),
		Provides: []Tag{ListTag("orders")},
		Fetch: func(ctx context.Context) (any, error) {
			n := calls.Add(1)
			if n == 2 {
				<-gate
			}
			return n, nil
		},
	}

	sub, err := s.Subscribe(spec, func(Snapshot) {})
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		snap, ok := s.Peek(spec.Key)
		return ok && snap.Status == StatusFulfilled
	}, time.Second, time.Millisecond)

	// First invalidation starts a refetch that blocks on the gate; the
	// second lands while it is in flight and queues behind it.
	s.Invalidate(ListTag("orders"))
	assert.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, time.Millisecond)
	s.Invalidate(ListTag("orders"))

	// The last subscriber detaches before the blocked refetch completes.
	// Its result predates the second invalidation, so the entry must not
	// be retained when it lands.
	sub.Close()
	close(gate)
	assert.Eventually(t, func() bool {
		_, ok := s.Peek(spec.Key)
		return !ok
	}, time.Second, time.Millisecond, "entry holding pre-invalidation data must be evicted")

	val, err := s.Query(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, int32(3), val, "next access after a queued invalidation must fetch fresh")
	assert.Equal(t, int32(3), calls.Load())
}

func TestOrdersScenario(t *testing.T) {
	s := newTestStore(t)
	var mu sync.Mutex
	serverOrders := []string{}

	spec := QuerySpec{
		Key: MustKey("orders", "list", nil),
		Fetch: func(ctx context.Context) (any, error) {
			mu.Lock()
			defer mu.Unlock()
			out := make([]string, len(serverOrders))
			copy(out, serverOrders)
			return out, nil
		},
		Provides: []Tag{ListTag("orders")},
	}

	var seen [][]string
	var seenMu sync.Mutex
	sub, err := SubscribeAs[[]string](s, spec, func(orders []string, err error) {
		assert.NoError(t, err)
		seenMu.Lock()
		seen = append(seen, orders)
		seenMu.Unlock()
	})
	require.NoError(t, err)
	defer sub.Close()

	assert.Eventually(t, func() bool {
		seenMu.Lock()
		defer seenMu.Unlock()
		return len(seen) == 1
	}, time.Second, time.Millisecond)
	assert.Empty(t, seen[0], "initial list is empty")

	_, err = s.Mutate(context.Background(), MutationSpec{
		Fetch: func(ctx context.Context) (any, error) {
			mu.Lock()
			serverOrders = append(serverOrders, "order-1")
			mu.Unlock()
			return "order-1", nil
		},
		Invalidates: []Tag{ListTag("orders")},
	})
	require.NoError(t, err)

	// The subscribed view reflects the new order with no manual re-issue.
	assert.Eventually(t, func() bool {
		seenMu.Lock()
		defer seenMu.Unlock()
		return len(seen) == 2 && len(seen[1]) == 1 && seen[1][0] == "order-1"
	}, time.Second, time.Millisecond)
}

func TestQueryAsTypeMismatch(t *testing.T) {
	s := newTestStore(t)
	spec := QuerySpec{
		Key:   MustKey("vehicles", "list", nil),
		Fetch: staticFetch(42, nil),
	}
	_, err := QueryAs[string](context.Background(), s, spec)
	assert.Error(t, err)
}

func TestSubscribeRejectsNilCallback(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Subscribe(QuerySpec{
		Key:   MustKey("vehicles", "list", nil),
		Fetch: staticFetch("v", nil),
	}, nil)
	assert.Error(t, err)
	assert.Equal(t, 0, s.Len(), "a rejected subscription must not create an entry")
}

func TestPurgeDropsAllEntries(t *testing.T) {
	s := newTestStore(t)
	var calls atomic.Int32
	spec := QuerySpec{
		Key:      MustKey("vehicles", "list", nil),
		Fetch:    staticFetch("v", &calls),
		Provides: []Tag{ListTag("vehicles")},
	}
	_, err := s.Query(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Len())

	s.Purge()
	assert.Equal(t, 0, s.Len())

	_, err = s.Query(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestStoreClose(t *testing.T) {
	s := New(context.Background(), logger.NewTestLogger())
	_, err := s.Query(context.Background(), QuerySpec{
		Key:   MustKey("vehicles", "list", nil),
		Fetch: staticFetch("v", nil),
	})
	require.NoError(t, err)
	s.Close()
	s.Close() // idempotent

	_, err = s.Query(context.Background(), QuerySpec{
		Key:   MustKey("vehicles", "list", nil),
		Fetch: staticFetch("v", nil),
	})
	assert.ErrorIs(t, err, ErrStoreClosed)
}
