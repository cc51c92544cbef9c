package engine

import (
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"
)

// Resources holds named values shared by units within one run, such as a
// loaded lookup table or a client. Values are created on first use and
// discarded when the run ends; values implementing io.Closer are closed in
// reverse creation order.
type Resources struct {
	mu      sync.Mutex
	entries map[string]*resource
	order   []string
	closed  bool
}

// resource is one value, possibly still being created. done is closed once
// value or err is set.
type resource struct {
	done  chan struct{}
	value any
	err   error
}

func (e *resource) ready() bool {
	select {
	case <-e.done:
		return e.err == nil
	default:
		return false
	}
}

// NewResources creates an empty resource set.
func NewResources() *Resources {
	return &Resources{entries: make(map[string]*resource)}
}

// Get returns a resource if it exists. A resource still being created is
// reported as absent.
func (r *Resources) Get(name string) (any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	if !ok || !e.ready() {
		return nil, false
	}
	return e.value, true
}

// GetOrCreate returns the named resource, calling create once if it does
// not exist yet. Concurrent callers for the same name wait for that one
// call and observe its value; creations of different names run in
// parallel. create may use other resources but must not request name
// itself. A failed creation is not cached.
func (r *Resources) GetOrCreate(name string, create func() (any, error)) (any, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, fmt.Errorf("resource %q: run already ended", name)
	}
	if e, ok := r.entries[name]; ok {
		r.mu.Unlock()
		<-e.done
		return e.value, e.err
	}
	e := &resource{done: make(chan struct{})}
	r.entries[name] = e
	r.mu.Unlock()

	finished := false
	defer func() {
		if !finished {
			r.finish(name, e, nil, errors.New("create panicked"))
		}
	}()
	v, err := create()
	finished = true
	return r.finish(name, e, v, err)
}

func (r *Resources) finish(name string, e *resource, v any, err error) (any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	defer close(e.done)

	switch {
	case err != nil:
		e.err = fmt.Errorf("resource %q: %w", name, err)
	case r.closed:
		e.err = fmt.Errorf("resource %q: run already ended", name)
		if c, ok := v.(io.Closer); ok {
			_ = c.Close()
		}
	default:
		e.value = v
		r.order = append(r.order, name)
		return v, nil
	}
	delete(r.entries, name)
	return nil, e.err
}

// Len returns the number of live resources.
func (r *Resources) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}

// Close discards every resource. It is safe to call more than once.
// Creations still in progress are closed as they finish.
func (r *Resources) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	var errs []error
	for _, name := range slices.Backward(r.order) {
		if c, ok := r.entries[name].value.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %q: %w", name, err))
			}
		}
	}
	r.entries = nil
	r.order = nil
	return errors.Join(errs...)
}
