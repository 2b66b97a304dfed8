package session

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/michaelbrown/codebuddy/internal/protocol"
	"github.com/michaelbrown/codebuddy/internal/sandbox"
)

// DefaultInputTimeout bounds how long a program waits for the operator.
const DefaultInputTimeout = 30 * time.Second

// ErrInputPending is returned when a program issues a second read while one
// is still outstanding.
var ErrInputPending = errors.New("input request already pending")

// inputRequest is a single-use reply slot. Whoever removes it from
// Session.pending under the session lock owns the right to resolve it.
type inputRequest struct {
	prompt string
	reply  chan string
}

// Bridge services blocking reads from sandboxed programs by asking the
// operator on the live channel.
type Bridge struct {
	registry *Registry
	timeout  time.Duration
	log      *logrus.Entry
}

// NewBridge creates a Bridge. A non-positive timeout selects DefaultInputTimeout.
func NewBridge(registry *Registry, timeout time.Duration) *Bridge {
	if timeout <= 0 {
		timeout = DefaultInputTimeout
	}
	return &Bridge{
		registry: registry,
		timeout:  timeout,
		log:      logrus.WithField("component", "bridge"),
	}
}

// Timeout returns how long a request waits before resolving with "".
func (b *Bridge) Timeout() time.Duration { return b.timeout }

// Request blocks until the operator supplies a line for sess.
//
// A value typed ahead is returned immediately. Otherwise an input-required
// event is emitted and the call resolves with the provided value, with ""
// after the input timeout, or with sandbox.ErrEndOfInput once ctx is done.
func (b *Bridge) Request(ctx context.Context, sess *Session, prompt string) (string, error) {
	sess.mu.Lock()
	if sess.status.Terminal() {
		sess.mu.Unlock()
		return "", sandbox.ErrEndOfInput
	}
	if sess.pending != nil {
		sess.mu.Unlock()
		return "", ErrInputPending
	}
	if len(sess.queued) > 0 {
		v := sess.queued[0]
		sess.queued = sess.queued[1:]
		sess.mu.Unlock()
		return v, nil
	}
	req := &inputRequest{prompt: prompt, reply: make(chan string, 1)}
	sess.pending = req
	if sess.status == StatusRunning {
		sess.status = StatusWaiting
	}
	sess.mu.Unlock()

	if err := sess.Emit(protocol.InputRequired(sess.ID, prompt)); err != nil {
		b.log.WithField("session", sess.ID).Debugf("emitting input request: %v", err)
	}

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	select {
	case v := <-req.reply:
		return v, nil
	case <-timer.C:
		if !sess.release(req) {
			return <-req.reply, nil
		}
		b.log.WithField("session", sess.ID).Info("input timed out")
		sess.Emit(protocol.Error(sess.ID, "Input timeout"))
		return "", nil
	case <-ctx.Done():
		if !sess.release(req) {
			return <-req.reply, nil
		}
		return "", sandbox.ErrEndOfInput
	}
}

// Provide delivers a value to the session's pending request, or queues it
// when the program has not asked yet.
func (b *Bridge) Provide(id, value string) error {
	sess, err := b.registry.Get(id)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	if sess.status.Terminal() {
		sess.mu.Unlock()
		return ErrNotFound
	}
	req := sess.pending
	if req == nil {
		sess.queued = append(sess.queued, value)
		sess.mu.Unlock()
		return nil
	}
	sess.pending = nil
	if sess.status == StatusWaiting {
		sess.status = StatusRunning
	}
	sess.mu.Unlock()

	req.reply <- value
	return nil
}

// release clears req if it is still pending. It returns false when a
// concurrent Provide already claimed it, in which case the value is (or will
// shortly be) in req.reply.
func (s *Session) release(req *inputRequest) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending != req {
		return false
	}
	s.pending = nil
	if s.status == StatusWaiting {
		s.status = StatusRunning
	}
	return true
}
