package internal

import (
	"sort"
	"sync"
)

// SubscriptionHandle identifies one registered observer
type SubscriptionHandle uint64

// Observers is a multicast delegate: every subscriber receives each notification,
// in subscription order. The zero value is ready to use.
type Observers[T any] struct {
	mu   sync.RWMutex
	next SubscriptionHandle
	subs map[SubscriptionHandle]func(T)
}

// Subscribe registers fn and returns a handle for Unsubscribe
func (o *Observers[T]) Subscribe(fn func(T)) SubscriptionHandle {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.subs == nil {
		o.subs = make(map[SubscriptionHandle]func(T))
	}
	o.next++
	o.subs[o.next] = fn
	return o.next
}

// Unsubscribe removes an observer. It reports whether the handle was registered.
func (o *Observers[T]) Unsubscribe(h SubscriptionHandle) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.subs[h]; !ok {
		return false
	}
	delete(o.subs, h)
	return true
}

// Len returns the number of registered observers
func (o *Observers[T]) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.subs)
}

// Broadcast calls every observer with v. Observers may subscribe or unsubscribe
// from inside the callback; the change applies to the next broadcast.
func (o *Observers[T]) Broadcast(v T) {
	o.mu.RLock()
	handles := make([]SubscriptionHandle, 0, len(o.subs))
	for h := range o.subs {
		handles = append(handles, h)
	}
	sort.Slice(handles, func(i, j int) bool { return handles[i] < handles[j] })
	fns := make([]func(T), len(handles))
	for i, h := range handles {
		fns[i] = o.subs[h]
	}
	o.mu.RUnlock()

	for _, fn := range fns {
		fn(v)
	}
}

// ChunkResult is delivered when a single chunk finishes mounting
type ChunkResult struct {
	ChunkID   int32
	Succeeded bool
	Err       error
}

// DelegateWriteStreamInfo is a callback function type to report the number of bytes written per cycle to disk
type DelegateWriteStreamInfo func(chunkID int32, writeBytes int64)
