package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"blelock-home/internal/transport"
)

// SessionState is a step of the unlock state machine.
type SessionState string

const (
	StateWaitingForDevice SessionState = "waiting_for_device"
	StateAuthenticating   SessionState = "authenticating"
	StateOpening          SessionState = "opening"
	StateOpenSucceeded    SessionState = "open_succeeded"
	StateOpenFailed       SessionState = "open_failed"
	StateArmedForClose    SessionState = "armed_for_close"
	StateClosing          SessionState = "closing"
	StateClosedSucceeded  SessionState = "closed_succeeded"
	StateClosedFailed     SessionState = "closed_failed"
)

// Terminal reports whether no further transition follows s.
func (s SessionState) Terminal() bool {
	switch s {
	case StateOpenFailed, StateClosedSucceeded, StateClosedFailed:
		return true
	}
	return false
}

// SuccessMessage is the outcome message of a completed open and auto-close.
const SuccessMessage = "Lock opened and auto-closed"

// shutdownCloseTimeout bounds the lock commands that outlive a controller
// stop: an open in flight and the early close that follows it.
const shutdownCloseTimeout = 10 * time.Second

// UnlockRequest is one caller invocation. Immutable once submitted.
type UnlockRequest struct {
	Target          string `json:"target"`
	Name            string `json:"name,omitempty"`
	AESKey          string `json:"aes_key"`
	AuthCode        string `json:"auth_code"`
	KeyGroupID      uint32 `json:"key_group_id"`
	ProtocolVersion uint8  `json:"protocol_version"`
}

// AuthContext binds request credentials to a resolved device. The same
// context authenticates both the open and the close command.
type AuthContext struct {
	action transport.LockAction
}

func newAuthContext(req UnlockRequest, h DeviceHandle) AuthContext {
	return AuthContext{action: transport.LockAction{
		Device:          h.Device,
		AESKey:          req.AESKey,
		AuthCode:        req.AuthCode,
		KeyGroupID:      req.KeyGroupID,
		ProtocolVersion: req.ProtocolVersion,
	}}
}

// Action returns the transport form of the context.
func (a AuthContext) Action() transport.LockAction {
	return a.action
}

// SessionInfo is a point-in-time view of a session.
type SessionInfo struct {
	ID          string       `json:"id"`
	MAC         string       `json:"mac"`
	Name        string       `json:"name,omitempty"`
	State       SessionState `json:"state"`
	Attempts    int          `json:"attempts"`
	RequestedAt time.Time    `json:"requested_at"`
	OpenedAt    time.Time    `json:"opened_at,omitempty"`
}

// Session runs the open / delayed close cycle for one UnlockRequest and
// settles its ResultChannel once the whole cycle is over.
type Session struct {
	ID          string
	MAC         string
	Name        string
	RequestedAt time.Time

	req       UnlockRequest
	target    string // as the caller wrote it
	result    *ResultChannel
	transport transport.Transport
	resolver  *Resolver
	timing    Timing
	events    *EventBus
	logger    *slog.Logger

	mu       sync.Mutex
	state    SessionState
	attempts int
	openedAt time.Time
}

func newSessionID(t time.Time) string {
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// Result returns the session's ResultChannel.
func (s *Session) Result() *ResultChannel {
	return s.result
}

// State returns the current state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Info returns a snapshot of the session.
func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionInfo{
		ID:          s.ID,
		MAC:         s.MAC,
		Name:        s.Name,
		State:       s.state,
		Attempts:    s.attempts,
		RequestedAt: s.RequestedAt,
		OpenedAt:    s.openedAt,
	}
}

func (s *Session) setState(state SessionState) {
	s.mu.Lock()
	s.state = state
	if state == StateOpenSucceeded {
		s.openedAt = time.Now()
	}
	s.mu.Unlock()

	s.logger.Info("session state", "state", string(state))
	s.events.Emit(Event{Type: EventSessionState, Data: SessionStateEvent{
		Session: s.ID,
		MAC:     s.MAC,
		Name:    s.Name,
		State:   state,
	}})
}

// run drives the state machine to exactly one settlement. ctx is the
// controller's lifetime context.
func (s *Session) run(ctx context.Context) {
	defer s.emitResult()

	s.setState(StateWaitingForDevice)
	retry := NewRetryState(s.timing.ResolveAttempts, s.timing.ResolveInterval)
	handle, err := s.resolver.Resolve(ctx, s.MAC, &retry)
	s.mu.Lock()
	s.attempts = retry.AttemptsMade
	s.mu.Unlock()
	if err != nil {
		s.setState(StateOpenFailed)
		if errors.Is(err, ErrDeviceNotFound) {
			s.logger.Warn("device not found", "attempts", retry.AttemptsMade)
			s.result.Reject(&LockError{
				Code:    CodeDeviceNotFound,
				Message: fmt.Sprintf("Device with MAC %s not found", s.target),
				Err:     err,
			})
			return
		}
		s.logger.Warn("resolve interrupted", "err", err)
		s.result.Reject(&LockError{Code: CodeLockError, Message: err.Error(), Err: err})
		return
	}

	s.setState(StateAuthenticating)
	auth := newAuthContext(s.req, handle)

	s.setState(StateOpening)
	// An open already on the air is not abandoned on shutdown: its outcome
	// decides whether the lock needs closing.
	openCtx, cancelOpen := context.WithTimeout(context.WithoutCancel(ctx), shutdownCloseTimeout)
	resp, err := s.transport.OpenLock(openCtx, auth.Action())
	cancelOpen()
	if err != nil {
		s.setState(StateOpenFailed)
		s.logger.Error("open lock", "err", err)
		s.result.Reject(&LockError{Code: CodeLockError, Message: err.Error(), Err: err})
		return
	}
	if !resp.Successful {
		s.setState(StateOpenFailed)
		s.logger.Warn("open lock rejected", "status", resp.Status, "message", resp.Message)
		s.result.Reject(&LockError{Code: CodeLockFailed, Message: withDetail("Open lock failed", resp.Message)})
		return
	}
	s.setState(StateOpenSucceeded)

	s.setState(StateArmedForClose)
	closeCtx := ctx
	timer := time.NewTimer(s.timing.CloseDelay)
	select {
	case <-timer.C:
	case <-ctx.Done():
		timer.Stop()
		s.logger.Warn("shutting down, closing lock early")
		var cancel context.CancelFunc
		closeCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), shutdownCloseTimeout)
		defer cancel()
	}

	s.setState(StateClosing)
	resp, err = s.transport.CloseLock(closeCtx, auth.Action())
	if err != nil {
		s.setState(StateClosedFailed)
		s.logger.Error("close lock", "err", err)
		s.result.Reject(&LockError{Code: CodeCloseError, Message: err.Error(), Err: err})
		return
	}
	if !resp.Successful {
		s.setState(StateClosedFailed)
		s.logger.Error("close lock rejected", "status", resp.Status, "message", resp.Message)
		s.result.Reject(&LockError{Code: CodeCloseFailed, Message: withDetail("Close lock failed", resp.Message)})
		return
	}
	s.setState(StateClosedSucceeded)
	s.result.Resolve(SuccessMessage)
}

func (s *Session) emitResult() {
	o, _ := s.result.Outcome()
	info := s.Info()
	s.events.Emit(Event{Type: EventUnlockResult, Data: UnlockResultEvent{
		Session:     s.ID,
		MAC:         s.MAC,
		Name:        s.Name,
		OK:          o.OK,
		Code:        o.Code,
		Message:     o.Message,
		Attempts:    info.Attempts,
		RequestedAt: s.RequestedAt,
		OpenedAt:    info.OpenedAt,
		FinishedAt:  time.Now(),
	}})
}

func withDetail(msg, detail string) string {
	if detail == "" {
		return msg
	}
	return msg + ": " + detail
}
