// Package resource declares the per-resource-type bindings between HTTP
// endpoints and the cache engine: which transport call serves each
// operation, which tags a query provides, and which tags a mutation
// invalidates. Adapters hold no cache state of their own; every read and
// write goes through cache.Store.
package resource

import (
	"context"
	"net/url"
	"path"
	"time"

	"github.com/evmotors/dealer-core/cache"
	"github.com/evmotors/dealer-core/transport"
)

// Adapter binds one resource type to its endpoints and tag rules.
// List queries provide the type's list tag; by-id queries provide the id
// tag. Create invalidates the list tag; update and delete invalidate both
// the id tag and the list tag, because a delete-by-id cannot know which
// cached lists contained the row.
type Adapter[T any] struct {
	resourceType string
	basePath     string
	retention    time.Duration

	store  *cache.Store
	client *transport.Client
}

// AdapterConfig declares one adapter.
type AdapterConfig struct {
	// Type names the cache scope and tag type. Required.
	Type string
	// Path is the endpoint path relative to the client's base URL.
	// Defaults to Type.
	Path string
	// Retention overrides the store default for this resource's entries.
	Retention time.Duration
}

// NewAdapter builds the adapter for one resource type.
func NewAdapter[T any](store *cache.Store, client *transport.Client, cfg AdapterConfig) *Adapter[T] {
	basePath := cfg.Path
	if basePath == "" {
		basePath = cfg.Type
	}
	return &Adapter[T]{
		resourceType: cfg.Type,
		basePath:     basePath,
		retention:    cfg.Retention,
		store:        store,
		client:       client,
	}
}

func (a *Adapter[T]) listSpec(params url.Values) (cache.QuerySpec, error) {
	var args any
	if len(params) > 0 {
		args = params
	}
	key, err := cache.NewKey(a.resourceType, "list", args)
	if err != nil {
		return cache.QuerySpec{}, err
	}
	return cache.QuerySpec{
		Key:       key,
		Provides:  []cache.Tag{cache.ListTag(a.resourceType)},
		Retention: a.retention,
		Fetch: func(ctx context.Context) (any, error) {
			var out []T
			if err := a.client.Get(ctx, a.basePath, params, &out); err != nil {
				return nil, err
			}
			return out, nil
		},
	}, nil
}

func (a *Adapter[T]) byIDSpec(id string) cache.QuerySpec {
	return cache.QuerySpec{
		Key:       cache.MustKey(a.resourceType, "byID", map[string]string{"id": id}),
		Provides:  []cache.Tag{cache.IDTag(a.resourceType, id)},
		Retention: a.retention,
		Fetch: func(ctx context.Context) (any, error) {
			var out T
			if err := a.client.Get(ctx, path.Join(a.basePath, id), nil, &out); err != nil {
				return nil, err
			}
			return out, nil
		},
	}
}

// List returns the resource collection, cached under the list tag. params
// become part of the cache key, so differently-filtered lists cache
// independently.
func (a *Adapter[T]) List(ctx context.Context, params url.Values) ([]T, error) {
	spec, err := a.listSpec(params)
	if err != nil {
		return nil, err
	}
	return cache.QueryAs[[]T](ctx, a.store, spec)
}

// Get returns one resource by id, cached under the id tag.
func (a *Adapter[T]) Get(ctx context.Context, id string) (T, error) {
	return cache.QueryAs[T](ctx, a.store, a.byIDSpec(id))
}

// SubscribeList attaches fn to the list query. fn fires on the initial
// result and again whenever a mutation invalidates the list tag.
func (a *Adapter[T]) SubscribeList(params url.Values, fn func([]T, error)) (*cache.Subscription, error) {
	spec, err := a.listSpec(params)
	if err != nil {
		return nil, err
	}
	return cache.SubscribeAs(a.store, spec, fn)
}

// SubscribeGet attaches fn to the by-id query.
func (a *Adapter[T]) SubscribeGet(id string, fn func(T, error)) (*cache.Subscription, error) {
	return cache.SubscribeAs(a.store, a.byIDSpec(id), fn)
}

// Create posts a new resource and invalidates the list tag.
func (a *Adapter[T]) Create(ctx context.Context, payload any) (T, error) {
	var created T
	_, err := a.store.Mutate(ctx, cache.MutationSpec{
		Invalidates: []cache.Tag{cache.ListTag(a.resourceType)},
		Fetch: func(ctx context.Context) (any, error) {
			if err := a.client.Post(ctx, a.basePath, payload, &created); err != nil {
				return nil, err
			}
			return created, nil
		},
	})
	return created, err
}

// Update patches a resource and invalidates its id tag and the list tag.
func (a *Adapter[T]) Update(ctx context.Context, id string, payload any) (T, error) {
	var updated T
	_, err := a.store.Mutate(ctx, cache.MutationSpec{
		Invalidates: []cache.Tag{cache.IDTag(a.resourceType, id), cache.ListTag(a.resourceType)},
		Fetch: func(ctx context.Context) (any, error) {
			if err := a.client.Patch(ctx, path.Join(a.basePath, id), payload, &updated); err != nil {
				return nil, err
			}
			return updated, nil
		},
	})
	return updated, err
}

// Delete removes a resource and invalidates its id tag and the list tag.
func (a *Adapter[T]) Delete(ctx context.Context, id string) error {
	_, err := a.store.Mutate(ctx, cache.MutationSpec{
		Invalidates: []cache.Tag{cache.IDTag(a.resourceType, id), cache.ListTag(a.resourceType)},
		Fetch: func(ctx context.Context) (any, error) {
			return nil, a.client.Delete(ctx, path.Join(a.basePath, id))
		},
	})
	return err
}
