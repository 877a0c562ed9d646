// Package dedupe collapses concurrent identical requests into a single
// in-flight execution keyed by string.
package dedupe

import (
	"sync"
	"time"
)

// result carries the settled outcome of a single execution.
type result[T any] struct {
	value T
	err   error
}

// pending is one in-flight execution shared by every caller with its key.
type pending[T any] struct {
	done   chan struct{}
	res    result[T]
	expiry *time.Timer
}

// Deduplicator collapses concurrent Request calls with the same key into one
// invocation of the underlying function. All callers receive the identical
// value or the identical error.
type Deduplicator[T any] struct {
	mu       sync.Mutex
	inFlight map[string]*pending[T]

	// TTL, when positive, evicts a cache entry after the given duration so
	// later callers re-invoke the function. Callers already attached to the
	// in-flight execution are unaffected.
	TTL time.Duration
	// OnDeduplicated, when set, observes keys whose work was collapsed onto
	// an existing execution.
	OnDeduplicated func(key string)
}

// New creates a Deduplicator.
func New[T any]() *Deduplicator[T] {
	return &Deduplicator[T]{inFlight: make(map[string]*pending[T])}
}

// Request returns the shared outcome for key. If no execution is in flight,
// fn runs and its settlement removes the entry; otherwise the caller joins
// the existing execution without invoking fn.
func (d *Deduplicator[T]) Request(key string, fn func() (T, error)) (T, error) {
	d.mu.Lock()
	if p, ok := d.inFlight[key]; ok {
		d.mu.Unlock()
		if d.OnDeduplicated != nil {
			d.OnDeduplicated(key)
		}
		<-p.done
		return p.res.value, p.res.err
	}

	p := &pending[T]{done: make(chan struct{})}
	d.inFlight[key] = p
	if d.TTL > 0 {
		p.expiry = time.AfterFunc(d.TTL, func() {
			d.remove(key, p)
		})
	}
	d.mu.Unlock()

	go func() {
		v, err := fn()
		p.res = result[T]{value: v, err: err}
		// Drop the entry before signalling settlement so a caller that saw
		// the result never rejoins the finished execution.
		d.remove(key, p)
		close(p.done)
	}()

	<-p.done
	return p.res.value, p.res.err
}

// remove drops the entry only if it still refers to this execution; a TTL
// eviction followed by a fresh Request must not be clobbered by the old
// execution settling.
func (d *Deduplicator[T]) remove(key string, p *pending[T]) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.inFlight[key]; ok && cur == p {
		if cur.expiry != nil {
			cur.expiry.Stop()
		}
		delete(d.inFlight, key)
	}
}

// Clear removes all entries and cancels pending expiry timers. In-flight
// executions still settle for callers already attached.
func (d *Deduplicator[T]) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, p := range d.inFlight {
		if p.expiry != nil {
			p.expiry.Stop()
		}
		delete(d.inFlight, key)
	}
}

// PendingCount returns the number of in-flight keys.
func (d *Deduplicator[T]) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inFlight)
}

// HasPending reports whether key has an in-flight execution.
func (d *Deduplicator[T]) HasPending(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.inFlight[key]
	return ok
}
