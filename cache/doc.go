// Package cache implements the client-side resource cache: a table of
// query results keyed by (resource, operation, arguments) with tag-based
// invalidation, single-flight fetch de-duplication, subscriber reference
// counting, and retention-based eviction.
//
// # Store
//
// A [Store] is created with [New] and passed by reference to whatever needs
// it; there is no package-level instance, so tests can run isolated stores
// side by side. Reads go through [Store.Query] (one-shot) or
// [Store.Subscribe] (long-lived); writes go through [Store.Mutate].
//
// # Keys and tags
//
// A [Key] is the deterministic identity of a query. Arguments are
// serialized with encoding/json — which sorts map keys — so structurally
// identical arguments always collide to the same entry.
//
// A [Tag] is a (type, id) label. Queries declare the tags their result
// provides: list queries provide (Type, LIST), by-id queries provide
// (Type, id). Mutations declare the tags they invalidate. When a mutation
// succeeds, every entry whose provided tags intersect the mutation's
// invalidation set is refetched (if subscribed) or evicted (if idle).
// Subscribers keep seeing the previous fulfilled value while a background
// refetch runs; data never flashes back to pending once displayed.
//
// # Single-flight
//
// At most one fetch is in flight per key. Concurrent queries for the same
// key attach to the existing fetch and all observe the same result. A
// subscriber detaching early does not abort the fetch; the result is
// cached for future queries regardless, subject to retention.
//
// # Retention
//
// When an entry's last subscriber detaches, a retention timer is armed
// ([DefaultRetention] unless the query declares its own). A new subscriber
// arriving before expiry cancels the timer and reuses the cached value; on
// expiry the entry is evicted and the next access fetches fresh. This
// bounds memory without refetching during rapid view transitions.
//
// # Ordering
//
// Subscriber callbacks for a key run synchronously at transition time, in
// subscription order, under the store lock. When two mutations race on
// overlapping tags, invalidation follows mutation completion order
// (last-completed-wins), so readers converge on the most recently
// completed write even if a later-issued mutation finishes first.
package cache
