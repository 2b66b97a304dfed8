// Package session tracks in-flight executions and implements the input
// bridge that lets a blocked program read a line typed by a remote operator.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/michaelbrown/codebuddy/internal/protocol"
	"github.com/michaelbrown/codebuddy/internal/sandbox"
)

// Status represents the lifecycle state of a session.
type Status string

const (
	StatusCreated   Status = "created"
	StatusRunning   Status = "running"
	StatusWaiting   Status = "waiting_for_input"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition can happen from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimedOut, StatusCancelled:
		return true
	}
	return false
}

// StatusFor maps an executor outcome to a terminal status.
func StatusFor(o sandbox.Outcome) Status {
	switch o {
	case sandbox.Completed:
		return StatusCompleted
	case sandbox.TimedOut:
		return StatusTimedOut
	case sandbox.Cancelled:
		return StatusCancelled
	default:
		return StatusFailed
	}
}

// Session is one in-flight execution of a single submission.
//
// Status is written by the orchestrator (created, running, terminal) and by
// the Bridge (running ⇄ waiting_for_input); pending and queued input are
// written only by the Bridge.
type Session struct {
	ID        string
	Language  sandbox.Language
	Owner     string // ID of the channel that submitted the code
	CreatedAt time.Time
	Deadline  time.Time

	// emitter is the owning channel. It is only used to send events and is
	// never closed or retained past the session.
	emitter protocol.Emitter

	mu          sync.Mutex
	status      Status
	pending     *inputRequest
	queued      []string
	cancel      context.CancelCauseFunc
	cancelCause error
	done        chan struct{}
}

// Status returns the current status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Start moves a created session to running.
func (s *Session) Start() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusCreated {
		return false
	}
	s.status = StatusRunning
	return true
}

// Finish moves the session to a terminal status. Only the first call wins;
// later calls return false and leave the status untouched.
func (s *Session) Finish(st Status) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Terminal() || !st.Terminal() {
		return false
	}
	s.status = st
	s.pending = nil
	s.queued = nil
	close(s.done)
	return true
}

// Done is closed once the session reaches a terminal status.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Bind attaches the cancel function of the session's run context. A cancel
// requested before Bind is applied immediately.
func (s *Session) Bind(cancel context.CancelCauseFunc) {
	s.mu.Lock()
	s.cancel = cancel
	cause := s.cancelCause
	s.mu.Unlock()
	if cause != nil {
		cancel(cause)
	}
}

// Cancel aborts the session's run with the given cause.
func (s *Session) Cancel(cause error) {
	s.mu.Lock()
	cancel := s.cancel
	if s.cancelCause == nil {
		s.cancelCause = cause
	}
	s.mu.Unlock()
	if cancel != nil {
		cancel(cause)
	}
}

// Emit sends an event to the owning channel.
func (s *Session) Emit(ev protocol.Event) error {
	if s.emitter == nil {
		return nil
	}
	return s.emitter.Emit(ev)
}

// Waiting reports whether an input request is outstanding.
func (s *Session) Waiting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending != nil
}

// Queued returns the number of inputs typed ahead of a request.
func (s *Session) Queued() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queued)
}
