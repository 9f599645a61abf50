package countstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMemCountStoreBasics(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	cs := NewMemCountStore()

	c, err := cs.GetCount(ctx, "automod-quota", "punishment", PeriodTotal)
	assert.NoError(err)
	assert.Equal(0, c)
	assert.NoError(cs.Increment(ctx, "automod-quota", "punishment"))
	assert.NoError(cs.Increment(ctx, "automod-quota", "punishment"))

	for _, period := range []string{PeriodTotal, PeriodDay, PeriodHour} {
		c, err = cs.GetCount(ctx, "automod-quota", "punishment", period)
		assert.NoError(err)
		assert.Equal(2, c)
	}
}

func TestMemCountStorePeriods(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	now := time.Date(2024, 3, 1, 23, 30, 0, 0, time.UTC)
	cs := NewMemCountStore()
	cs.Now = func() time.Time { return now }

	assert.NoError(cs.Increment(ctx, "q", "x"))
	now = now.Add(time.Hour)
	assert.NoError(cs.Increment(ctx, "q", "x"))

	c, err := cs.GetCount(ctx, "q", "x", PeriodHour)
	assert.NoError(err)
	assert.Equal(1, c)
	// crossed midnight
	c, err = cs.GetCount(ctx, "q", "x", PeriodDay)
	assert.NoError(err)
	assert.Equal(1, c)
	c, err = cs.GetCount(ctx, "q", "x", PeriodTotal)
	assert.NoError(err)
	assert.Equal(2, c)
}

func TestMemCountStoreConcurrent(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	cs := NewMemCountStore()

	// run with -race
	var wg sync.WaitGroup
	fnInc := func(name, val string, times int) {
		defer wg.Done()
		for i := 0; i < times; i++ {
			assert.NoError(cs.Increment(ctx, name, val))
			_, err := cs.GetCount(ctx, name, val, PeriodTotal)
			assert.NoError(err)
		}
	}
	wg.Add(4)
	go fnInc("test1", "val1", 10)
	go fnInc("test1", "val1", 10)
	go fnInc("test2", "val2", 6)
	go fnInc("test2", "val2", 6)
	wg.Wait()

	c, err := cs.GetCount(ctx, "test1", "val1", PeriodTotal)
	assert.NoError(err)
	assert.Equal(20, c)
	c, err = cs.GetCount(ctx, "test2", "val2", PeriodTotal)
	assert.NoError(err)
	assert.Equal(12, c)
}

func TestRedisCountStoreBasics(t *testing.T) {
	t.Skip("live test, need redis running locally")
	assert := assert.New(t)
	ctx := context.Background()

	cs, err := NewRedisCountStore("redis://localhost:6379/0", "referee-test/")
	if err != nil {
		t.Fatal(err)
	}
	before, err := cs.GetCount(ctx, "q", "redis", PeriodTotal)
	assert.NoError(err)
	assert.NoError(cs.Increment(ctx, "q", "redis"))
	after, err := cs.GetCount(ctx, "q", "redis", PeriodTotal)
	assert.NoError(err)
	assert.Equal(before+1, after)
}
