package guild

import (
	"context"
	"errors"
	"strings"

	"github.com/referee-bot/referee/automod/cachestore"
)

var nameCacheNamespace = "member-name"

// Wraps a Directory, remembering which member a free-text name resolved to.
//
// Only the name to ID mapping is cached; member details (color, roles) are always read from the inner directory, because warning markers change them.
type CacheDirectory struct {
	Inner Directory
	Cache cachestore.CacheStore
}

var _ Directory = (*CacheDirectory)(nil)

func NewCacheDirectory(inner Directory, cache cachestore.CacheStore) *CacheDirectory {
	return &CacheDirectory{
		Inner: inner,
		Cache: cache,
	}
}

func (d *CacheDirectory) ResolveName(ctx context.Context, name string) (*Member, error) {
	key := strings.TrimSpace(name)
	id, err := d.Cache.Get(ctx, nameCacheNamespace, key)
	if err != nil {
		return nil, err
	}
	if id != "" {
		m, err := d.Inner.GetMember(ctx, id)
		if err == nil {
			nameCacheHits.Inc()
			return m, nil
		}
		if !errors.Is(err, ErrMemberNotFound) {
			return nil, err
		}
		// member left; fall through and resolve again
		_ = d.Cache.Purge(ctx, nameCacheNamespace, key)
	}
	nameCacheMisses.Inc()

	m, err := d.Inner.ResolveName(ctx, name)
	if err != nil {
		return nil, err
	}
	if err := d.Cache.Set(ctx, nameCacheNamespace, key, m.ID); err != nil {
		return nil, err
	}
	return m, nil
}

func (d *CacheDirectory) GetMember(ctx context.Context, id string) (*Member, error) {
	return d.Inner.GetMember(ctx, id)
}

func (d *CacheDirectory) ListMembers(ctx context.Context) ([]Member, error) {
	return d.Inner.ListMembers(ctx)
}
