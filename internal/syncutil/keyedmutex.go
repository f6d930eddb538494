// Package syncutil provides small concurrency helpers.
package syncutil

import (
	"hash/fnv"
	"sync"
)

// KeyedMutex serializes operations on the same key using a fixed pool of
// mutexes. Memory stays bounded no matter how many keys are seen, at the
// cost of occasional false sharing between keys that hash to the same shard.
//
// The zero value is ready to use.
type KeyedMutex struct {
	shards [256]sync.Mutex
}

// Lock acquires the mutex for the given key and returns an unlock function.
//
//	unlock := locks.Lock(assignmentID)
//	defer unlock()
func (k *KeyedMutex) Lock(key string) func() {
	mu := k.shard(key)
	mu.Lock()
	return mu.Unlock
}

func (k *KeyedMutex) shard(key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &k.shards[h.Sum32()%uint32(len(k.shards))]
}
