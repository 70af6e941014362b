// Package future implements the single-shot deferred result primitive
// that every I/O operation in the client returns.
package future

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// isReactorThread is the predicate used by Result to detect a reentrant
// blocking wait performed on the reactor's own dispatch goroutine; the
// reactor package installs the real check via SetReactorThreadChecker
// during construction, since Go has no native thread-local storage and
// the reactor is in the best position to mark its own goroutine.
var isReactorThread atomic.Value // func() bool

func init() {
	isReactorThread.Store(func() bool { return false })
}

// SetReactorThreadChecker installs the predicate used by Result to detect
// reentrant blocking waits from the reactor goroutine.
func SetReactorThreadChecker(fn func() bool) {
	if fn == nil {
		fn = func() bool { return false }
	}
	isReactorThread.Store(fn)
}

func onReactorThread() bool {
	return isReactorThread.Load().(func() bool)()
}

// State is the lifecycle state of a Future.
type State int32

const (
	Pending State = iota
	Resolved
	Rejected
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Resolved:
		return "resolved"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// ErrResultFromReactorThread is raised by Result when called from the
// reactor's own dispatch goroutine. The reactor must never block waiting
// on a future it is itself responsible for completing.
var ErrResultFromReactorThread = errors.New("future: Result called from reactor thread")

// Future is a single-shot deferred value. The zero value is not usable;
// construct with New.
type Future struct {
	mu        sync.Mutex
	state     atomic.Int32
	value     any
	err       error
	callbacks []func(any, error)
}

// New returns a pending Future.
func New() *Future {
	f := &Future{}
	f.state.Store(int32(Pending))
	return f
}

// State returns the current lifecycle state.
func (f *Future) State() State {
	return State(f.state.Load())
}

// SetResult transitions the future to Resolved exactly once. Subsequent
// calls (whether to SetResult or SetException) are no-ops.
func (f *Future) SetResult(value any) {
	f.settle(value, nil, Resolved)
}

// SetException transitions the future to Rejected exactly once. Subsequent
// calls are no-ops.
func (f *Future) SetException(err error) {
	f.settle(nil, err, Rejected)
}

func (f *Future) settle(value any, err error, state State) {
	f.mu.Lock()
	if State(f.state.Load()) != Pending {
		f.mu.Unlock()
		return
	}
	f.value = value
	f.err = err
	f.state.Store(int32(state))
	callbacks := f.callbacks
	f.callbacks = nil
	f.mu.Unlock()

	for _, cb := range callbacks {
		cb(value, err)
	}
}

// AddDoneCallback registers cb to run when the future settles, on whatever
// goroutine performs the settling call (SetResult/SetException). If the
// future is already settled, cb runs immediately on the calling goroutine.
// Callbacks registered while pending fire in registration order.
func (f *Future) AddDoneCallback(cb func(value any, err error)) {
	f.mu.Lock()
	if State(f.state.Load()) == Pending {
		f.callbacks = append(f.callbacks, cb)
		f.mu.Unlock()
		return
	}
	value, err := f.value, f.err
	f.mu.Unlock()
	cb(value, err)
}

// ContinueWith returns a new Future resolved with fn(f) once f settles.
// A panic inside fn rejects the child future with a *PanicError.
func (f *Future) ContinueWith(fn func(f *Future) (any, error)) *Future {
	child := New()
	f.AddDoneCallback(func(any, error) {
		defer func() {
			if r := recover(); r != nil {
				child.SetException(&PanicError{Value: r})
			}
		}()
		v, err := fn(f)
		if err != nil {
			child.SetException(err)
		} else {
			child.SetResult(v)
		}
	})
	return child
}

// Result blocks until the future settles (or timeout elapses, if positive)
// and returns its value or error. It is illegal to call Result from the
// reactor thread; doing so returns ErrResultFromReactorThread immediately
// without blocking, since the reactor would otherwise deadlock waiting on
// a completion it alone can deliver.
func (f *Future) Result(timeout time.Duration) (any, error) {
	if onReactorThread() {
		return nil, ErrResultFromReactorThread
	}

	if State(f.state.Load()) != Pending {
		f.mu.Lock()
		v, err := f.value, f.err
		f.mu.Unlock()
		return v, err
	}

	done := make(chan struct{})
	var value any
	var resultErr error
	f.AddDoneCallback(func(v any, e error) {
		value, resultErr = v, e
		close(done)
	})

	if timeout <= 0 {
		<-done
		return value, resultErr
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return value, resultErr
	case <-timer.C:
		return nil, &TimeoutWaitError{Timeout: timeout}
	}
}

// CombineFutures returns a Future that resolves when every future in fs
// has resolved, with a []any of their values in input order, or rejects
// with the first error observed (in settlement order, not input order).
func CombineFutures(fs []*Future) *Future {
	combined := New()
	if len(fs) == 0 {
		combined.SetResult([]any{})
		return combined
	}

	var mu sync.Mutex
	results := make([]any, len(fs))
	remaining := len(fs)
	rejected := false

	for i, f := range fs {
		idx := i
		f.AddDoneCallback(func(v any, err error) {
			mu.Lock()
			defer mu.Unlock()
			if rejected {
				return
			}
			if err != nil {
				rejected = true
				combined.SetException(err)
				return
			}
			results[idx] = v
			remaining--
			if remaining == 0 {
				combined.SetResult(results)
			}
		})
	}

	return combined
}

// PanicError wraps a recovered panic value so it can travel through a
// Future's error channel as a normal error.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("future: panic in continuation: %v", e.Value)
}

// TimeoutWaitError is returned by Result when the caller-supplied timeout
// elapses before the future settles. This is distinct from
// OperationTimeoutError, which is set ON the future by the invocation
// layer when a deadline timer fires; TimeoutWaitError instead means the
// caller's own wait budget, not the invocation's deadline, expired.
type TimeoutWaitError struct {
	Timeout time.Duration
}

func (e *TimeoutWaitError) Error() string {
	return fmt.Sprintf("future: Result timed out after %s", e.Timeout)
}
