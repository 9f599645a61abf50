package engine

import (
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
)

type refMutex struct {
	sync.Mutex
	// goroutines holding or waiting on the mutex; only touched inside Compute
	refs int
}

// Set of mutexes keyed by string. Entries are dropped once nobody holds or waits on them, so the set stays proportional to in-flight work.
type keyedMutex struct {
	locks *xsync.MapOf[string, *refMutex]
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: xsync.NewMapOf[string, *refMutex]()}
}

// Blocks until the key is free, and returns the unlock function.
func (k *keyedMutex) Lock(key string) func() {
	m, _ := k.locks.Compute(key, func(cur *refMutex, loaded bool) (*refMutex, bool) {
		if !loaded {
			cur = &refMutex{}
		}
		cur.refs++
		return cur, false
	})
	m.Lock()
	return func() {
		m.Unlock()
		k.locks.Compute(key, func(cur *refMutex, loaded bool) (*refMutex, bool) {
			cur.refs--
			return cur, cur.refs <= 0
		})
	}
}

func (k *keyedMutex) Size() int {
	return k.locks.Size()
}
