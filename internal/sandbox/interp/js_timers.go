package interp

import (
	"math"
	"time"

	"github.com/dop251/goja"
)

// jsTimer is one pending setTimeout or setInterval callback.
type jsTimer struct {
	id       int64
	due      time.Time
	interval time.Duration // zero for one-shot timers
	fn       goja.Callable
	args     []goja.Value
}

// timerQueue holds pending timers. It is only touched from the goroutine
// running the program.
type timerQueue struct {
	seq     int64
	pending map[int64]*jsTimer
}

func newTimerQueue() *timerQueue {
	return &timerQueue{pending: make(map[int64]*jsTimer)}
}

func (q *timerQueue) add(fn goja.Callable, delay time.Duration, repeat bool, args []goja.Value) int64 {
	q.seq++
	t := &jsTimer{id: q.seq, due: time.Now().Add(delay), fn: fn, args: args}
	if repeat {
		t.interval = delay
	}
	q.pending[t.id] = t
	return t.id
}

func (q *timerQueue) remove(id int64) {
	delete(q.pending, id)
}

// next returns the timer due first, ties going to the one created first.
func (q *timerQueue) next() *jsTimer {
	var first *jsTimer
	for _, t := range q.pending {
		if first == nil || t.due.Before(first.due) || (t.due.Equal(first.due) && t.id < first.id) {
			first = t
		}
	}
	return first
}

// fired reschedules an interval or drops a one-shot timer.
func (q *timerQueue) fired(t *jsTimer) {
	if t.interval > 0 {
		t.due = time.Now().Add(t.interval)
		return
	}
	delete(q.pending, t.id)
}

// setTimer implements setTimeout and setInterval. Delays outside
// [1, 2^31-1] milliseconds become one millisecond, as in Node.
func (r *jsRuntime) setTimer(repeat bool) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		fn, ok := goja.AssertFunction(call.Argument(0))
		if !ok {
			panic(r.vm.NewTypeError("The \"callback\" argument must be of type function"))
		}
		ms := call.Argument(1).ToFloat()
		if !(ms >= 1) || ms > math.MaxInt32 {
			ms = 1
		}
		var args []goja.Value
		if len(call.Arguments) > 2 {
			args = append(args, call.Arguments[2:]...)
		}
		id := r.timers.add(fn, time.Duration(ms*float64(time.Millisecond)), repeat, args)
		return r.vm.ToValue(id)
	}
}

func (r *jsRuntime) clearTimer(call goja.FunctionCall) goja.Value {
	if id := call.Argument(0); !goja.IsUndefined(id) && !goja.IsNull(id) {
		r.timers.remove(id.ToInteger())
	}
	return goja.Undefined()
}
