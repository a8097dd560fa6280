package metadata

import (
	"context"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/xuhuan51/dbops-enterprise-copilot/pkg/catalog"
)

// CachingResolver memoizes per-table column lists from an inner Resolver.
// Tables the inner resolver does not know are not cached.
type CachingResolver struct {
	inner Resolver
	cache *ttlcache.Cache[string, []string]
}

func NewCachingResolver(inner Resolver, ttl time.Duration) *CachingResolver {
	return &CachingResolver{
		inner: inner,
		cache: ttlcache.New(ttlcache.WithTTL[string, []string](ttl)),
	}
}

// Start runs the expiry loop until Stop is called.
func (r *CachingResolver) Start() {
	go r.cache.Start()
}

func (r *CachingResolver) Stop() {
	r.cache.Stop()
}

// ColumnsOf caches by the requested name, so "a.orders" and "b.orders" are
// kept apart. Results are keyed by the bare table name.
func (r *CachingResolver) ColumnsOf(ctx context.Context, tables []string) (catalog.Whitelist, error) {
	wl := make(catalog.Whitelist, len(tables))
	var missing []string
	for _, t := range tables {
		if item := r.cache.Get(strings.ToLower(t)); item != nil {
			_, table := splitQualified(t)
			wl[table] = append([]string(nil), item.Value()...)
			continue
		}
		missing = append(missing, t)
	}
	if len(missing) == 0 {
		return wl, nil
	}

	fetched, err := r.inner.ColumnsOf(ctx, missing)
	if err != nil {
		return nil, err
	}
	for _, t := range missing {
		_, table := splitQualified(t)
		cols, ok := fetched.Lookup(table)
		if !ok {
			continue
		}
		r.cache.Set(strings.ToLower(t), append([]string(nil), cols...), ttlcache.DefaultTTL)
		wl[table] = cols
	}
	return wl, nil
}
