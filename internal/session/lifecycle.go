package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/livevoice/internal/observe"
)

// Resource names, in acquisition order.
const (
	ResourceOutput     = "output"
	ResourceMicrophone = "microphone"
	ResourceTransport  = "transport"
)

// resource is one acquired handle and the function that releases it.
type resource struct {
	name    string
	release func() error
}

// resources tracks the handles a session holds and releases them in reverse
// acquisition order exactly once.
type resources struct {
	sessionID string
	metrics   *observe.Metrics

	mu       sync.Mutex
	held     []resource
	released bool
}

// hold registers an acquired handle. If the set has already been released,
// the handle is released immediately and hold returns false; the caller must
// treat the session as stopped.
func (r *resources) hold(name string, release func() error) bool {
	r.mu.Lock()
	if r.released {
		r.mu.Unlock()
		r.safeRelease(resource{name: name, release: release})
		return false
	}
	r.held = append(r.held, resource{name: name, release: release})
	r.mu.Unlock()
	return true
}

// spawn starts fn on a new goroutine counted by wg unless the set has been
// released. fn must call wg.Done. The Add happens under the lock releaseAll
// takes, so a teardown that waits on wg after releaseAll always observes it.
func (r *resources) spawn(wg *sync.WaitGroup, fn func()) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released {
		return false
	}
	wg.Add(1)
	go fn()
	return true
}

// names returns the held resource names in acquisition order.
func (r *resources) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.held))
	for i, res := range r.held {
		out[i] = res.name
	}
	return out
}

// releaseAll releases every held handle in reverse order. A failing or
// panicking release is logged and counted; the remaining releases still run.
// Only the first call releases anything. It returns the number of failed
// releases.
func (r *resources) releaseAll() int {
	r.mu.Lock()
	if r.released {
		r.mu.Unlock()
		return 0
	}
	r.released = true
	held := r.held
	r.held = nil
	r.mu.Unlock()

	failed := 0
	for i := len(held) - 1; i >= 0; i-- {
		if err := r.safeRelease(held[i]); err != nil {
			failed++
		}
	}
	return failed
}

// safeRelease runs res.release, converting a panic into an error.
func (r *resources) safeRelease(res resource) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
		if err != nil {
			slog.Warn("session: release failed",
				"session_id", r.sessionID,
				"resource", res.name,
				"err", err,
			)
			r.metrics.RecordTeardownError(context.Background(), res.name)
		}
	}()
	return res.release()
}
