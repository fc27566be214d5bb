package coordinator

import (
	"context"
	"errors"
	"sync"
)

// Failure codes delivered through a ResultChannel.
const (
	CodeDeviceNotFound = "DEVICE_NOT_FOUND"
	CodeLockFailed     = "LOCK_FAILED"
	CodeLockError      = "LOCK_ERROR"
	CodeCloseFailed    = "CLOSE_FAILED"
	CodeCloseError     = "CLOSE_ERROR"
)

// ErrDeviceNotFound is returned by the resolver when the target never shows
// up in the registry within the retry window.
var ErrDeviceNotFound = errors.New("device not found")

// LockError is the caller-visible failure of an unlock request.
type LockError struct {
	Code    string
	Message string
	Err     error
}

func (e *LockError) Error() string {
	return e.Code + ": " + e.Message
}

func (e *LockError) Unwrap() error {
	return e.Err
}

// Outcome is the settled value of a ResultChannel.
type Outcome struct {
	OK      bool       `json:"ok"`
	Message string     `json:"message"`
	Code    string     `json:"code,omitempty"`
	Err     *LockError `json:"-"`
}

// ResultChannel delivers exactly one terminal outcome for an unlock request.
// The first Resolve or Reject wins; later calls are ignored.
type ResultChannel struct {
	once    sync.Once
	done    chan struct{}
	outcome Outcome
}

func newResultChannel() *ResultChannel {
	return &ResultChannel{done: make(chan struct{})}
}

// Resolve settles the channel with success. Reports whether this call settled it.
func (r *ResultChannel) Resolve(message string) bool {
	return r.settle(Outcome{OK: true, Message: message})
}

// Reject settles the channel with a failure. Reports whether this call settled it.
func (r *ResultChannel) Reject(err *LockError) bool {
	return r.settle(Outcome{Message: err.Message, Code: err.Code, Err: err})
}

func (r *ResultChannel) settle(o Outcome) bool {
	settled := false
	r.once.Do(func() {
		r.outcome = o
		settled = true
		close(r.done)
	})
	return settled
}

// Done is closed once the channel is settled.
func (r *ResultChannel) Done() <-chan struct{} {
	return r.done
}

// Outcome returns the settled outcome, or false while still pending.
func (r *ResultChannel) Outcome() (Outcome, bool) {
	select {
	case <-r.done:
		return r.outcome, true
	default:
		return Outcome{}, false
	}
}

// Wait blocks until the channel settles or ctx is done. A failure is returned
// as a *LockError.
func (r *ResultChannel) Wait(ctx context.Context) (string, error) {
	select {
	case <-r.done:
		if r.outcome.OK {
			return r.outcome.Message, nil
		}
		return "", r.outcome.Err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
