// Package pathlock serializes mutating handler sequences on a single
// normalized path. Locks are created lazily per path and kept for the
// lifetime of the process; the table is owned by the server instance, not a
// package global.
package pathlock

import (
	"hash/fnv"
	"sync"
)

const shardCount = 32

// Table is a sharded map of per-path mutexes. The zero value is not usable;
// call New. Entries are never evicted.
type Table struct {
	shards [shardCount]shard
}

type shard struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New returns an empty lock table.
func New() *Table {
	t := &Table{}
	for i := range t.shards {
		t.shards[i].locks = make(map[string]*sync.Mutex)
	}
	return t
}

// Lock acquires the exclusive lock for path, creating it on first use, and
// returns the unlock function.
func (t *Table) Lock(path string) func() {
	s := &t.shards[shardFor(path)]
	s.mu.Lock()
	m, ok := s.locks[path]
	if !ok {
		m = &sync.Mutex{}
		s.locks[path] = m
	}
	s.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// Len reports the number of distinct paths that have been locked so far.
func (t *Table) Len() int {
	n := 0
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		n += len(s.locks)
		s.mu.Unlock()
	}
	return n
}

func shardFor(path string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(path))
	return h.Sum32() % shardCount
}
