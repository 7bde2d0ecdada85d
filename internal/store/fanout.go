package store

import (
	"sync"
)

// Fanout dispatches change notifications to path listeners. Store implementations embed it
// and call Notify after a mutation has been applied.
type Fanout struct {
	mu        sync.RWMutex
	next      uint64
	listeners map[uint64]listener
}

type listener struct {
	path     string
	onChange func(string)
}

// NewFanout creates an empty fan-out.
func NewFanout() *Fanout {
	return &Fanout{listeners: make(map[uint64]listener)}
}

// Add registers onChange for path and returns its cancel function.
func (f *Fanout) Add(path string, onChange func(string)) CancelFunc {
	f.mu.Lock()
	f.next++
	id := f.next
	f.listeners[id] = listener{path: path, onChange: onChange}
	f.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.listeners, id)
			f.mu.Unlock()
		})
	}
}

// Notify calls every listener whose path covers changed. Listeners run on the caller's
// goroutine outside the lock and must not block.
func (f *Fanout) Notify(changed string) {
	f.mu.RLock()
	targets := make([]func(string), 0, len(f.listeners))
	for _, l := range f.listeners {
		if Covers(l.path, changed) {
			targets = append(targets, l.onChange)
		}
	}
	f.mu.RUnlock()

	for _, fn := range targets {
		fn(changed)
	}
}

// NotifyAll wakes every listener with its own path, used after missed notifications.
func (f *Fanout) NotifyAll() {
	f.mu.RLock()
	targets := make([]listener, 0, len(f.listeners))
	for _, l := range f.listeners {
		targets = append(targets, l)
	}
	f.mu.RUnlock()

	for _, l := range targets {
		l.onChange(l.path)
	}
}

// Len returns the number of registered listeners.
func (f *Fanout) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.listeners)
}
