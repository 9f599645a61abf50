package cachestore

import (
	"context"
	"encoding/json"
)

// Get returns an empty string, and no error, on a cache miss.
type CacheStore interface {
	Get(ctx context.Context, name, key string) (string, error)
	Set(ctx context.Context, name, key string, val string) error
	Purge(ctx context.Context, name, key string) error
}

// Fetches and decodes a JSON value. Returns false (and no error) on cache miss.
func GetJSON[T any](ctx context.Context, cs CacheStore, name, key string, out *T) (bool, error) {
	raw, err := cs.Get(ctx, name, key)
	if err != nil {
		return false, err
	}
	if raw == "" {
		return false, nil
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return false, err
	}
	return true, nil
}

func SetJSON[T any](ctx context.Context, cs CacheStore, name, key string, val T) error {
	b, err := json.Marshal(val)
	if err != nil {
		return err
	}
	return cs.Set(ctx, name, key, string(b))
}
