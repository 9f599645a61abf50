package cachestore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMemCacheStoreBasics(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	cs := NewMemCacheStore(10, time.Hour)

	v, err := cs.Get(ctx, "names", "alice")
	assert.NoError(err)
	assert.Equal("", v)

	assert.NoError(cs.Set(ctx, "names", "alice", "1001"))
	v, err = cs.Get(ctx, "names", "alice")
	assert.NoError(err)
	assert.Equal("1001", v)

	// namespaces are distinct
	v, err = cs.Get(ctx, "other", "alice")
	assert.NoError(err)
	assert.Equal("", v)

	assert.NoError(cs.Purge(ctx, "names", "alice"))
	v, err = cs.Get(ctx, "names", "alice")
	assert.NoError(err)
	assert.Equal("", v)
}

func TestMemCacheStoreJSON(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	type entry struct {
		ID    string `json:"id"`
		Count int    `json:"count"`
	}

	cs := NewMemCacheStore(10, time.Hour)
	var out entry
	ok, err := GetJSON(ctx, cs, "entries", "a", &out)
	assert.NoError(err)
	assert.False(ok)

	assert.NoError(SetJSON(ctx, cs, "entries", "a", entry{ID: "x", Count: 3}))
	ok, err = GetJSON(ctx, cs, "entries", "a", &out)
	assert.NoError(err)
	assert.True(ok)
	assert.Equal(entry{ID: "x", Count: 3}, out)
}

func TestMemCacheStoreExpiry(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	cs := NewMemCacheStore(10, 10*time.Millisecond)
	assert.NoError(cs.Set(ctx, "names", "bob", "1002"))
	time.Sleep(50 * time.Millisecond)
	v, err := cs.Get(ctx, "names", "bob")
	assert.NoError(err)
	assert.Equal("", v)
}

func TestRedisCacheStoreBasics(t *testing.T) {
	t.Skip("live test, need redis running locally")
	assert := assert.New(t)
	ctx := context.Background()

	cs, err := NewRedisCacheStore("redis://localhost:6379/0", "referee-test/", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	assert.NoError(cs.Set(ctx, "names", "carol", "1003"))
	v, err := cs.Get(ctx, "names", "carol")
	assert.NoError(err)
	assert.Equal("1003", v)
	assert.NoError(cs.Purge(ctx, "names", "carol"))
}
