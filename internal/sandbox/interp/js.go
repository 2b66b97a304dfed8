package interp

import (
	"context"
	"errors"
	"path"
	"strings"
	"time"

	"github.com/dop251/goja"

	"github.com/michaelbrown/codebuddy/internal/sandbox"
	"github.com/michaelbrown/codebuddy/internal/sandbox/scratch"
)

const defaultPrompt = "Input required:"

const stackOverflowMessage = "Maximum call stack size exceeded"

// jsRuntime holds the per-run state of a goja program.
type jsRuntime struct {
	ctx      context.Context
	vm       *goja.Runtime
	job      sandbox.Job
	dir      *scratch.Dir
	maxDepth int

	// joining holds the arrays whose join is in progress.
	joining     map[*goja.Object]bool
	timers      *timerQueue
	bufferProto *goja.Object
}

func (e *Executor) runJS(ctx context.Context, job sandbox.Job, dir *scratch.Dir) sandbox.Result {
	vm := goja.New()
	vm.SetMaxCallStackSize(e.jsCallStack)
	r := &jsRuntime{
		ctx:      ctx,
		vm:       vm,
		job:      job,
		dir:      dir,
		maxDepth: e.jsCallStack,
		joining:  make(map[*goja.Object]bool),
		timers:   newTimerQueue(),
	}
	if err := r.install(); err != nil {
		return failed(job, err.Error())
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt(context.Cause(ctx))
		case <-stop:
		}
	}()

	v, err := vm.RunScript("main.js", sandbox.AsyncMain(job.Source))
	if err == nil {
		main, _ := v.Export().(*goja.Promise)
		err = r.drain(main)
	}
	if ctx.Err() != nil {
		return forced(ctx)
	}
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			return forced(ctx)
		}
		return failed(job, jsErrorMessage(err))
	}
	return sandbox.Result{Outcome: sandbox.Completed}
}

// drain fires pending timers in due order until none are left. It stops
// early once the program's main function has rejected.
func (r *jsRuntime) drain(main *goja.Promise) error {
	for {
		if main != nil && main.State() == goja.PromiseStateRejected {
			return rejection{main.Result()}
		}
		t := r.timers.next()
		if t == nil {
			return nil
		}
		if wait := time.Until(t.due); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-r.ctx.Done():
				timer.Stop()
				return context.Cause(r.ctx)
			case <-timer.C:
			}
		}
		r.timers.fired(t)
		if _, err := t.fn(goja.Undefined(), t.args...); err != nil {
			return err
		}
	}
}

// install defines the globals a program may use.
func (r *jsRuntime) install() error {
	console := r.vm.NewObject()
	for name, stderr := range map[string]bool{"log": false, "info": false, "warn": true, "error": true} {
		if err := console.Set(name, r.consoleFunc(stderr)); err != nil {
			return err
		}
	}

	process := r.vm.NewObject()
	if err := process.Set("env", r.vm.NewObject()); err != nil {
		return err
	}
	if err := process.Set("argv", r.vm.NewArray()); err != nil {
		return err
	}

	globals := map[string]interface{}{
		"console":       console,
		"prompt":        r.prompt,
		"input":         r.prompt,
		"require":       r.require,
		"process":       process,
		"setTimeout":    r.setTimer(false),
		"setInterval":   r.setTimer(true),
		"clearTimeout":  r.clearTimer,
		"clearInterval": r.clearTimer,
		"global":        r.vm.GlobalObject(),
	}
	for name, v := range globals {
		if err := r.vm.Set(name, v); err != nil {
			return err
		}
	}
	if err := r.installBuffer(); err != nil {
		return err
	}
	return r.guardArrayJoin()
}

func (r *jsRuntime) consoleFunc(stderr bool) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		parts := make([]string, len(call.Arguments))
		for i, arg := range call.Arguments {
			parts[i] = r.format(arg)
		}
		line := strings.Join(parts, " ") + "\n"
		if stderr {
			r.job.Output.Stderr(line)
		} else {
			r.job.Output.Stdout(line)
		}
		return goja.Undefined()
	}
}

// prompt blocks the program until the operator answers. It yields null once
// the session is being torn down.
func (r *jsRuntime) prompt(call goja.FunctionCall) goja.Value {
	msg := defaultPrompt
	if arg := call.Argument(0); !goja.IsUndefined(arg) && !goja.IsNull(arg) {
		msg = arg.String()
	}
	v, err := r.job.Input(r.ctx, msg)
	if err != nil {
		if errors.Is(err, sandbox.ErrEndOfInput) {
			if r.ctx.Err() != nil {
				r.vm.Interrupt(context.Cause(r.ctx))
			}
			return goja.Null()
		}
		panic(r.vm.NewGoError(err))
	}
	return r.vm.ToValue(v)
}

func (r *jsRuntime) require(call goja.FunctionCall) goja.Value {
	name := call.Argument(0).String()
	switch name {
	case "fs":
		return r.fsModule()
	case "path":
		return r.pathModule()
	default:
		panic(r.vm.NewTypeError("Module '%s' is not allowed", name))
	}
}

func (r *jsRuntime) fsModule() goja.Value {
	fs := r.vm.NewObject()
	fs.Set("readFileSync", func(call goja.FunctionCall) goja.Value {
		data, err := r.dir.ReadFile(call.Argument(0).String())
		if err != nil {
			panic(r.vm.NewGoError(err))
		}
		return r.vm.ToValue(data)
	})
	fs.Set("writeFileSync", func(call goja.FunctionCall) goja.Value {
		if err := r.dir.WriteFile(call.Argument(0).String(), call.Argument(1).String()); err != nil {
			panic(r.vm.NewGoError(err))
		}
		return goja.Undefined()
	})
	fs.Set("existsSync", func(call goja.FunctionCall) goja.Value {
		return r.vm.ToValue(r.dir.Exists(call.Argument(0).String()))
	})
	fs.Set("unlinkSync", func(call goja.FunctionCall) goja.Value {
		if err := r.dir.RemoveFile(call.Argument(0).String()); err != nil {
			panic(r.vm.NewGoError(err))
		}
		return goja.Undefined()
	})
	return fs
}

func (r *jsRuntime) pathModule() goja.Value {
	p := r.vm.NewObject()
	p.Set("join", func(call goja.FunctionCall) goja.Value {
		parts := make([]string, len(call.Arguments))
		for i, a := range call.Arguments {
			parts[i] = a.String()
		}
		return r.vm.ToValue(path.Join(parts...))
	})
	p.Set("basename", func(s string) string { return path.Base(s) })
	p.Set("dirname", func(s string) string { return path.Dir(s) })
	p.Set("extname", func(s string) string { return path.Ext(s) })
	p.Set("sep", "/")
	return p
}

// rejection is the error for a main function that settled as rejected.
type rejection struct {
	val goja.Value
}

func (e rejection) Error() string { return valueMessage(e.val) }

// jsErrorMessage extracts the message of a thrown value.
func jsErrorMessage(err error) string {
	var overflow *goja.StackOverflowError
	if errors.As(err, &overflow) {
		return stackOverflowMessage
	}
	var ex *goja.Exception
	if errors.As(err, &ex) {
		return valueMessage(ex.Value())
	}
	return err.Error()
}

// valueMessage renders a thrown value. Converting it may run program code,
// which can throw again or be interrupted.
func valueMessage(v goja.Value) (msg string) {
	defer func() {
		if recover() != nil {
			msg = "uncaught exception"
		}
	}()
	if v == nil {
		return "undefined"
	}
	if obj, ok := v.(*goja.Object); ok {
		if m := obj.Get("message"); m != nil && !goja.IsUndefined(m) {
			return m.String()
		}
	}
	return v.String()
}
