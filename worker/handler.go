// Package worker runs a pool of goroutines that claim tasks, execute
// registered handlers under heartbeat-protected contexts, and settle the
// outcome. A handler runs with a context that is cancelled the moment the
// claim's heartbeat reports the claim lost, so fence-guarded side effects
// stop before another worker's attempt can interleave.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/StratusCode/paralyze/task"
)

// Handler executes one claimed task. The context carries the claim's fence
// token (paralyze.FenceFromContext) and is cancelled if the claim is lost
// mid-execution. Returning nil completes the task; returning an error
// requeues it unless the error is marked Permanent.
type Handler func(ctx context.Context, c *task.Claim) error

// permanentError marks a handler failure that retrying cannot fix.
type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent wraps err so the runner moves the task to failed instead of
// requeueing it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err carries the Permanent marker.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// mux routes claimed tasks to handlers by kind.
type mux struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func newMux() *mux {
	return &mux{handlers: make(map[string]Handler)}
}

func (m *mux) register(kind string, h Handler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.handlers[kind]; dup {
		return fmt.Errorf("paralyze/worker: handler already registered for kind %q", kind)
	}
	m.handlers[kind] = h
	return nil
}

func (m *mux) lookup(kind string) (Handler, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.handlers[kind]
	return h, ok
}
