package interp

import (
	"context"
	"errors"
	"strconv"
	"strings"

	lua "github.com/yuin/gopher-lua"

	"github.com/michaelbrown/codebuddy/internal/sandbox"
	"github.com/michaelbrown/codebuddy/internal/sandbox/scratch"
)

// luaRuntime holds the per-run state of a gopher-lua program.
type luaRuntime struct {
	ctx context.Context
	job sandbox.Job
	dir *scratch.Dir
}

func (e *Executor) runLua(ctx context.Context, job sandbox.Job, dir *scratch.Dir) sandbox.Result {
	L := lua.NewState(lua.Options{
		SkipOpenLibs:  true,
		CallStackSize: e.luaCallStack,
	})
	defer L.Close()
	L.SetContext(ctx)

	r := &luaRuntime{ctx: ctx, job: job, dir: dir}
	r.openSafeLibs(L)
	r.registerAPI(L)

	err := L.DoString(job.Source)
	if ctx.Err() != nil {
		return forced(ctx)
	}
	if err != nil {
		return failed(job, luaErrorMessage(err))
	}
	return sandbox.Result{Outcome: sandbox.Completed}
}

// openSafeLibs loads base, table, string and math, then strips anything that
// can load code or touch the host.
func (r *luaRuntime) openSafeLibs(L *lua.LState) {
	for _, lib := range []struct {
		name string
		open lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		L.Push(L.NewFunction(lib.open))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}

	for _, name := range []string{"dofile", "loadfile", "load", "loadstring", "require", "module", "collectgarbage"} {
		L.SetGlobal(name, lua.LNil)
	}
}

func (r *luaRuntime) registerAPI(L *lua.LState) {
	L.SetGlobal("print", L.NewFunction(r.print))
	L.SetGlobal("input", L.NewFunction(r.input))

	io := L.NewTable()
	L.SetField(io, "write", L.NewFunction(r.write))
	L.SetField(io, "read", L.NewFunction(r.read))
	L.SetGlobal("io", io)

	fs := L.NewTable()
	L.SetField(fs, "read", L.NewFunction(r.fsRead))
	L.SetField(fs, "write", L.NewFunction(r.fsWrite))
	L.SetField(fs, "exists", L.NewFunction(r.fsExists))
	L.SetField(fs, "remove", L.NewFunction(r.fsRemove))
	L.SetGlobal("fs", fs)
}

func (r *luaRuntime) print(L *lua.LState) int {
	n := L.GetTop()
	parts := make([]string, n)
	for i := 1; i <= n; i++ {
		parts[i-1] = L.ToStringMeta(L.Get(i)).String()
	}
	r.job.Output.Stdout(strings.Join(parts, "\t") + "\n")
	return 0
}

func (r *luaRuntime) write(L *lua.LState) int {
	var b strings.Builder
	for i := 1; i <= L.GetTop(); i++ {
		b.WriteString(L.ToStringMeta(L.Get(i)).String())
	}
	r.job.Output.Stdout(b.String())
	return 0
}

// readLine asks the operator for a line. ok is false once no more input
// will arrive.
func (r *luaRuntime) readLine(L *lua.LState, prompt string) (string, bool) {
	v, err := r.job.Input(r.ctx, prompt)
	if err != nil {
		if errors.Is(err, sandbox.ErrEndOfInput) {
			return "", false
		}
		L.RaiseError("%v", err)
	}
	return v, true
}

// input(prompt) returns the line typed by the operator, or nil.
func (r *luaRuntime) input(L *lua.LState) int {
	v, ok := r.readLine(L, L.OptString(1, defaultPrompt))
	if !ok {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(lua.LString(v))
	return 1
}

// io.read([format]) supports "*l" (default) and "*n".
func (r *luaRuntime) read(L *lua.LState) int {
	format := L.OptString(1, "*l")
	v, ok := r.readLine(L, defaultPrompt)
	if !ok {
		L.Push(lua.LNil)
		return 1
	}
	switch format {
	case "*n", "n":
		n, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			L.Push(lua.LNil)
			return 1
		}
		L.Push(lua.LNumber(n))
	default:
		L.Push(lua.LString(v))
	}
	return 1
}

func (r *luaRuntime) fsRead(L *lua.LState) int {
	data, err := r.dir.ReadFile(L.CheckString(1))
	if err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LString(data))
	return 1
}

func (r *luaRuntime) fsWrite(L *lua.LState) int {
	if err := r.dir.WriteFile(L.CheckString(1), L.CheckString(2)); err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LTrue)
	return 1
}

func (r *luaRuntime) fsExists(L *lua.LState) int {
	L.Push(lua.LBool(r.dir.Exists(L.CheckString(1))))
	return 1
}

func (r *luaRuntime) fsRemove(L *lua.LState) int {
	if err := r.dir.RemoveFile(L.CheckString(1)); err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LTrue)
	return 1
}

func luaErrorMessage(err error) string {
	var apiErr *lua.ApiError
	if errors.As(err, &apiErr) && apiErr.Object != nil {
		return apiErr.Object.String()
	}
	return err.Error()
}
