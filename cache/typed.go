package cache

import (
	"context"

	"github.com/cockroachdb/errors"
)

// QueryAs runs a one-shot typed query. The store holds values as they came
// from the fetcher, so this is a direct type assertion with no
// serialization round-trip.
func QueryAs[T any](ctx context.Context, s *Store, spec QuerySpec) (T, error) {
	val, err := s.Query(ctx, spec)
	if err != nil {
		var zero T
		return zero, err
	}
	typed, ok := val.(T)
	if !ok {
		var zero T
		return zero, errors.Newf("cache: %s holds %T, not %T", spec.Key, val, zero)
	}
	return typed, nil
}

// SubscribeAs attaches a typed callback to a query. Rejected transitions
// are delivered with the zero value and the entry's error; fulfilled
// transitions with the typed data and a nil error. A fulfilled value of an
// unexpected dynamic type is reported as an error rather than dropped.
func SubscribeAs[T any](s *Store, spec QuerySpec, fn func(T, error)) (*Subscription, error) {
	return s.Subscribe(spec, func(snap Snapshot) {
		switch snap.Status {
		case StatusFulfilled:
			typed, ok := snap.Data.(T)
			if !ok {
				var zero T
				fn(zero, errors.Newf("cache: %s holds %T, not %T", snap.Key, snap.Data, zero))
				return
			}
			fn(typed, nil)
		case StatusRejected:
			var zero T
			fn(zero, snap.Err)
		}
	})
}
