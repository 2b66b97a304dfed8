// Package interp runs JavaScript and Lua inside restricted in-process
// interpreters. Programs get console output, blocking input and a file API
// confined to a per-session scratch directory; nothing else of the host is
// reachable.
package interp

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/michaelbrown/codebuddy/internal/sandbox"
	"github.com/michaelbrown/codebuddy/internal/sandbox/scratch"
)

// Name identifies the executor in config and run history.
const Name = "inprocess"

const runtimeErrorPrefix = "Runtime error: "

// Option configures an Executor.
type Option func(*Executor)

// Default interpreter call depths.
const (
	DefaultLuaCallStack = 256
	DefaultJSCallStack  = 10000
)

// WithLuaCallStackSize caps Lua call depth. Non-positive values keep the
// default.
func WithLuaCallStackSize(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.luaCallStack = n
		}
	}
}

// WithJSCallStackSize caps JavaScript call depth. Deeper recursion fails with
// a RangeError instead of growing memory.
func WithJSCallStackSize(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.jsCallStack = n
		}
	}
}

// WithLogger overrides the component logger.
func WithLogger(l *logrus.Entry) Option {
	return func(e *Executor) { e.log = l }
}

// Executor runs code with goja or gopher-lua.
type Executor struct {
	root         *scratch.Root
	luaCallStack int
	jsCallStack  int
	log          *logrus.Entry
}

// New creates an in-process executor whose scratch directories live under root.
func New(root *scratch.Root, opts ...Option) *Executor {
	e := &Executor{
		root:         root,
		luaCallStack: DefaultLuaCallStack,
		jsCallStack:  DefaultJSCallStack,
		log:          logrus.WithField("component", "interp"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Executor) Name() string { return Name }

func (e *Executor) Supports(lang sandbox.Language) bool {
	return lang == sandbox.JavaScript || lang == sandbox.Lua
}

// Run executes job on the calling goroutine and returns once the program has
// finished or ctx is done. The scratch directory is removed before returning.
func (e *Executor) Run(ctx context.Context, job sandbox.Job) (sandbox.Result, error) {
	if !e.Supports(job.Language) {
		return sandbox.Result{}, sandbox.Setup("select interpreter", fmt.Errorf("unsupported language %q", job.Language))
	}

	dir, err := e.root.Create(job.SessionID)
	if err != nil {
		return sandbox.Result{}, sandbox.Setup("create scratch", err)
	}
	log := e.log.WithField("session", job.SessionID)
	defer func() {
		if err := dir.Remove(); err != nil {
			log.Warnf("removing scratch dir: %v", err)
		}
	}()

	log.WithField("language", job.Language).Debug("starting interpreter")

	var res sandbox.Result
	switch job.Language {
	case sandbox.JavaScript:
		res = e.runJS(ctx, job, dir)
	case sandbox.Lua:
		res = e.runLua(ctx, job, dir)
	}

	log.WithField("outcome", res.Outcome).Debug("interpreter finished")
	return res, nil
}

// failed reports a program error on stderr.
func failed(job sandbox.Job, msg string) sandbox.Result {
	job.Output.Stderr(runtimeErrorPrefix + msg + "\n")
	return sandbox.Result{Outcome: sandbox.Failed, ExitCode: 1, Detail: msg}
}

// forced returns the result for a run aborted by its context.
func forced(ctx context.Context) sandbox.Result {
	o := sandbox.OutcomeOf(ctx)
	return sandbox.Result{Outcome: o, ExitCode: -1, Detail: context.Cause(ctx).Error()}
}
