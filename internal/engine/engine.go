// Package engine drives execution sessions from submission to their single
// terminal event.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/michaelbrown/codebuddy/internal/filter"
	"github.com/michaelbrown/codebuddy/internal/protocol"
	"github.com/michaelbrown/codebuddy/internal/sandbox"
	"github.com/michaelbrown/codebuddy/internal/session"
)

// DefaultExecTimeout is the wall-clock cap on a single run.
const DefaultExecTimeout = 60 * time.Second

var (
	// ErrValidation wraps every reason a request is rejected before any
	// resources are allocated.
	ErrValidation = errors.New("invalid request")
	// ErrNotOwner is returned when a channel answers input for a session it
	// did not start.
	ErrNotOwner = errors.New("session belongs to another channel")
	// ErrShuttingDown is returned by Start after Shutdown.
	ErrShuttingDown = errors.New("engine is shutting down")
)

// Channel is the live connection a session reports to.
type Channel interface {
	ID() string
	protocol.Emitter
}

// Request is an execute-code submission.
type Request struct {
	Language string
	Source   string
}

// Summary describes a finished session.
type Summary struct {
	SessionID  string
	Language   sandbox.Language
	Executor   string
	Status     session.Status
	ExitCode   int
	Stdout     string
	Stderr     string
	Detail     string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Options configures an Orchestrator.
type Options struct {
	Registry    *session.Registry
	Bridge      *session.Bridge
	Executor    sandbox.Executor
	ExecTimeout time.Duration
	// OnFinish is called once per session after its resources are released.
	OnFinish func(Summary)
	Logger   *logrus.Entry
}

// Orchestrator owns the session state machine.
type Orchestrator struct {
	registry *session.Registry
	bridge   *session.Bridge
	exec     sandbox.Executor
	timeout  time.Duration
	onFinish func(Summary)
	log      *logrus.Entry

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// New creates an Orchestrator. Registry and Bridge are created when nil.
func New(opts Options) *Orchestrator {
	if opts.Registry == nil {
		opts.Registry = session.NewRegistry()
	}
	if opts.Bridge == nil {
		opts.Bridge = session.NewBridge(opts.Registry, session.DefaultInputTimeout)
	}
	if opts.ExecTimeout <= 0 {
		opts.ExecTimeout = DefaultExecTimeout
	}
	if opts.Logger == nil {
		opts.Logger = logrus.WithField("component", "engine")
	}
	return &Orchestrator{
		registry: opts.Registry,
		bridge:   opts.Bridge,
		exec:     opts.Executor,
		timeout:  opts.ExecTimeout,
		onFinish: opts.OnFinish,
		log:      opts.Logger,
	}
}

// Registry returns the live session registry.
func (o *Orchestrator) Registry() *session.Registry { return o.registry }

// Executor returns the configured executor.
func (o *Orchestrator) Executor() sandbox.Executor { return o.exec }

// Languages lists the languages the configured executor can run.
func (o *Orchestrator) Languages() []sandbox.Language {
	var out []sandbox.Language
	for _, l := range sandbox.Languages() {
		if o.exec.Supports(l) {
			out = append(out, l)
		}
	}
	return out
}

func (o *Orchestrator) validate(req Request) (sandbox.Language, error) {
	lang, err := sandbox.ParseLanguage(req.Language)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if !o.exec.Supports(lang) {
		return "", fmt.Errorf("%w: language %q is not available on this server", ErrValidation, lang)
	}
	if strings.TrimSpace(req.Source) == "" {
		return "", fmt.Errorf("%w: source is required", ErrValidation)
	}
	return lang, nil
}

// Start validates req and runs it asynchronously on behalf of ch. Events are
// emitted to ch; exactly one of them is terminal.
func (o *Orchestrator) Start(ch Channel, req Request) (*session.Session, error) {
	sess, _, err := o.start(ch, req)
	return sess, err
}

// Execute runs req and blocks until the session finishes. If ctx ends first
// the session is cancelled and its summary is still returned.
func (o *Orchestrator) Execute(ctx context.Context, ch Channel, req Request) (Summary, error) {
	sess, done, err := o.start(ch, req)
	if err != nil {
		return Summary{}, err
	}
	select {
	case sum := <-done:
		return sum, nil
	case <-ctx.Done():
		sess.Cancel(sandbox.ErrTransportLost)
		return <-done, nil
	}
}

func (o *Orchestrator) start(ch Channel, req Request) (*session.Session, <-chan Summary, error) {
	lang, err := o.validate(req)
	if err != nil {
		return nil, nil, err
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, nil, ErrShuttingDown
	}
	// Created and bound under mu so Shutdown's snapshot cannot miss it.
	o.wg.Add(1)
	sess := o.registry.Create(lang, ch.ID(), ch, o.timeout)
	ctx, cancel := context.WithCancelCause(context.Background())
	ctx, cancelDeadline := context.WithDeadlineCause(ctx, sess.Deadline, sandbox.ErrTimeout)
	sess.Bind(cancel)
	o.mu.Unlock()

	done := make(chan Summary, 1)
	go func() {
		defer o.wg.Done()
		defer cancel(nil)
		defer cancelDeadline()
		done <- o.run(ctx, sess, req.Source)
	}()
	return sess, done, nil
}

func (o *Orchestrator) run(ctx context.Context, sess *session.Session, source string) Summary {
	log := o.log.WithFields(logrus.Fields{"session": sess.ID, "language": sess.Language})
	sum := Summary{
		SessionID: sess.ID,
		Language:  sess.Language,
		Executor:  o.exec.Name(),
		StartedAt: time.Now(),
	}

	sess.Start()
	o.emit(sess, protocol.Event{Type: protocol.TypeExecutionStarted, SessionID: sess.ID, Language: string(sess.Language)})
	log.Info("execution started")

	out := &outputSink{sess: sess, o: o}
	res, err := o.exec.Run(ctx, sandbox.Job{
		SessionID: sess.ID,
		Language:  sess.Language,
		Source:    filter.Apply(sess.Language, source),
		Output:    out,
		Input: func(ctx context.Context, prompt string) (string, error) {
			return o.bridge.Request(ctx, sess, prompt)
		},
	})

	var terminal protocol.Event
	if err != nil {
		log.Errorf("sandbox setup failed: %v", err)
		sum.Status = session.StatusFailed
		sum.Detail = err.Error()
		terminal = protocol.Event{
			Type:      protocol.TypeExecutionError,
			SessionID: sess.ID,
			Text:      err.Error(),
			Status:    string(sum.Status),
		}
	} else {
		if res.Outcome == sandbox.TimedOut {
			out.Stderr(fmt.Sprintf("Program execution timed out (%s limit).\n", formatLimit(o.timeout)))
		}
		sum.Status = session.StatusFor(res.Outcome)
		sum.ExitCode = res.ExitCode
		sum.Detail = res.Detail
		sum.Stdout, sum.Stderr = out.captured()

		exit := res.ExitCode
		terminal = protocol.Event{
			Type:      protocol.TypeExecutionResult,
			SessionID: sess.ID,
			Status:    string(sum.Status),
			ExitCode:  &exit,
			Stdout:    sum.Stdout,
			Stderr:    sum.Stderr,
		}
	}

	// The session leaves the registry before its terminal event goes out.
	sess.Finish(sum.Status)
	o.registry.Remove(sess.ID)
	o.emit(sess, terminal)

	sum.FinishedAt = time.Now()
	log.WithFields(logrus.Fields{
		"status":   sum.Status,
		"duration": sum.FinishedAt.Sub(sum.StartedAt).Round(time.Millisecond),
	}).Info("execution finished")

	if o.onFinish != nil {
		o.onFinish(sum)
	}
	return sum
}

func (o *Orchestrator) emit(sess *session.Session, ev protocol.Event) {
	if err := sess.Emit(ev); err != nil {
		o.log.WithField("session", sess.ID).Debugf("emit %s: %v", ev.Type, err)
	}
}

// ProvideInput answers (or queues) input for a session started by ch.
func (o *Orchestrator) ProvideInput(ch Channel, sessionID, value string) error {
	sess, err := o.registry.Get(sessionID)
	if err != nil {
		return err
	}
	if sess.Owner != ch.ID() {
		return ErrNotOwner
	}
	return o.bridge.Provide(sessionID, value)
}

// Disconnect cancels every session owned by the channel.
func (o *Orchestrator) Disconnect(channelID string) {
	for _, sess := range o.registry.BoundTo(channelID) {
		o.log.WithField("session", sess.ID).Info("channel disconnected, cancelling")
		sess.Cancel(sandbox.ErrTransportLost)
	}
}

// Shutdown refuses new work, cancels running sessions and waits for them to
// release their resources or for ctx to end.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	cause := fmt.Errorf("%w: server shutting down", sandbox.ErrTransportLost)
	for _, sess := range o.registry.All() {
		sess.Cancel(cause)
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for sessions: %w", ctx.Err())
	}
}

// Wait blocks until every started session has finished.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

func formatLimit(d time.Duration) string {
	if d%time.Second == 0 {
		return fmt.Sprintf("%d seconds", int(d/time.Second))
	}
	return d.String()
}
