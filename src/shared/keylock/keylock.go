// Package keylock provides striped mutual exclusion keyed by string ids.
package keylock

import (
	"sync"

	"github.com/OneOfOne/xxhash"
)

const defaultStripes = 256

// Locker serialises work per key. Distinct keys may share a stripe, which only
// costs contention, never correctness.
type Locker struct {
	stripes []sync.Mutex
}

func New(stripes int) *Locker {
	if stripes <= 0 {
		stripes = defaultStripes
	}
	return &Locker{stripes: make([]sync.Mutex, stripes)}
}

// Lock acquires the stripe for key and returns its unlock func.
func (l *Locker) Lock(key string) func() {
	m := &l.stripes[xxhash.ChecksumString64(key)%uint64(len(l.stripes))]
	m.Lock()
	return m.Unlock
}
