package nidaq

import (
	"sync"

	"github.com/lokomatfes/nidaq/datastore"
	"gonum.org/v1/gonum/mat"
)

// Handle identifies one registration in a CallbackRegistry. The zero
// Handle is never issued.
type Handle uint64

// StartFunc is called when a recording starts.
// DataReadyFunc is called with the time vector and (channels x samples)
// matrix of each new block. Both alias the device's storage: read them
// during the call, copy them to keep them.
// StopFunc is called when a recording stops, with a copy of the session data.
type (
	StartFunc     func()
	DataReadyFunc func(t []float64, samples *mat.Dense)
	StopFunc      func(data *datastore.Store)
)

// CallbackRegistry maps Handles to observer callbacks of one event kind.
// It is safe for concurrent use, including by the callbacks themselves.
type CallbackRegistry[F any] struct {
	mu      sync.Mutex
	last    Handle
	order   []Handle
	entries map[Handle]F
}

// NewCallbackRegistry returns an empty registry.
func NewCallbackRegistry[F any]() *CallbackRegistry[F] {
	return &CallbackRegistry[F]{entries: make(map[Handle]F)}
}

// Register adds cb and returns the Handle that unregisters it.
func (r *CallbackRegistry[F]) Register(cb F) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.last++
	r.insert(r.last, cb)
	return r.last
}

// RegisterAs stores cb under h, replacing any callback already registered
// there. A replaced callback keeps its place in the notification order.
func (r *CallbackRegistry[F]) RegisterAs(h Handle, cb F) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h > r.last {
		r.last = h
	}
	r.insert(h, cb)
}

func (r *CallbackRegistry[F]) insert(h Handle, cb F) {
	if r.entries == nil {
		r.entries = make(map[Handle]F)
	}
	if _, ok := r.entries[h]; !ok {
		r.order = append(r.order, h)
	}
	r.entries[h] = cb
}

// Unregister removes the callback registered under h, if any.
func (r *CallbackRegistry[F]) Unregister(h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[h]; !ok {
		return
	}
	delete(r.entries, h)
	for i, x := range r.order {
		if x == h {
			r.order = append(r.order[:i:i], r.order[i+1:]...)
			break
		}
	}
}

// Len is the number of registered callbacks.
func (r *CallbackRegistry[F]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *CallbackRegistry[F]) snapshot() []F {
	r.mu.Lock()
	defer r.mu.Unlock()
	cbs := make([]F, 0, len(r.order))
	for _, h := range r.order {
		cbs = append(cbs, r.entries[h])
	}
	return cbs
}

// Notify hands every callback registered at the time of the call to invoke,
// once each, in registration order. Callbacks may (un)register during the
// notification; that affects later notifications only. A callback that
// panics is logged to ProblemLogger and the others still run. Notify
// returns the number of callbacks that panicked.
func (r *CallbackRegistry[F]) Notify(invoke func(F)) int {
	failed := 0
	for _, cb := range r.snapshot() {
		if !safeInvoke(invoke, cb) {
			failed++
		}
	}
	return failed
}

func safeInvoke[F any](invoke func(F), cb F) (ok bool) {
	defer func() {
		if p := recover(); p != nil {
			ProblemLogger.Printf("observer callback panicked: %v", p)
			ok = false
		}
	}()
	invoke(cb)
	return true
}
