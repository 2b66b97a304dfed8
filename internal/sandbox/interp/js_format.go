package interp

import (
	"context"
	"strconv"
	"strings"

	"github.com/dop251/goja"
)

const (
	// maxFormatDepth is how deep console output descends into nested values.
	maxFormatDepth = 16
	// maxFormatItems is how many array items or object keys console output shows.
	maxFormatItems = 100
	// maxJoinLength bounds the string built by Array.prototype.join.
	maxJoinLength = 64 << 20
)

// format renders a console argument. Arrays and plain objects are shown as
// JSON-like text with repeated references marked [Circular]; other values
// use their string conversion.
func (r *jsRuntime) format(v goja.Value) string {
	obj, ok := v.(*goja.Object)
	if !ok {
		return v.String()
	}
	f := &jsFormatter{r: r, seen: make(map[*goja.Object]bool)}
	f.object(obj, 0)
	return f.b.String()
}

type jsFormatter struct {
	r    *jsRuntime
	seen map[*goja.Object]bool
	b    strings.Builder
}

func (f *jsFormatter) value(v goja.Value, depth int) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		f.b.WriteString("null")
		return
	}
	if obj, ok := v.(*goja.Object); ok {
		f.object(obj, depth)
		return
	}
	if s, ok := v.Export().(string); ok {
		f.b.WriteString(strconv.Quote(s))
		return
	}
	f.b.WriteString(v.String())
}

func (f *jsFormatter) object(obj *goja.Object, depth int) {
	if f.r.isBuffer(obj) {
		if b, ok := f.r.bytesOf(obj); ok {
			f.b.WriteString(formatBuffer(b))
			return
		}
	}
	class := obj.ClassName()
	switch class {
	case "Object", "Array":
	case "Function":
		f.b.WriteString("[Function")
		if name := obj.Get("name"); name != nil && name.String() != "" {
			f.b.WriteString(": " + name.String())
		}
		f.b.WriteString("]")
		return
	default:
		f.b.WriteString(obj.String())
		return
	}

	if f.seen[obj] {
		f.b.WriteString("[Circular]")
		return
	}
	if depth >= maxFormatDepth {
		f.b.WriteString("[" + class + "]")
		return
	}
	f.seen[obj] = true
	defer delete(f.seen, obj)

	if class == "Array" {
		n := toLength(obj.Get("length"))
		f.b.WriteByte('[')
		for i := int64(0); i < n; i++ {
			if i > 0 {
				f.b.WriteByte(',')
			}
			if i == maxFormatItems {
				f.b.WriteString("... " + itoa(n-i) + " more items")
				break
			}
			f.value(obj.Get(itoa(i)), depth+1)
		}
		f.b.WriteByte(']')
		return
	}

	f.b.WriteByte('{')
	written := 0
	keys := obj.Keys()
	for _, k := range keys {
		v := obj.Get(k)
		if v == nil || goja.IsUndefined(v) {
			continue
		}
		if written > 0 {
			f.b.WriteByte(',')
		}
		if written == maxFormatItems {
			f.b.WriteString("... more keys")
			break
		}
		f.b.WriteString(strconv.Quote(k) + ":")
		f.value(v, depth+1)
		written++
	}
	f.b.WriteByte('}')
}

// guardArrayJoin replaces the native Array.prototype join, toString and
// toLocaleString, which recurse without bound on self-containing arrays.
func (r *jsRuntime) guardArrayJoin() error {
	proto := r.vm.Get("Array").ToObject(r.vm).Get("prototype").ToObject(r.vm)
	methods := map[string]func(goja.FunctionCall) goja.Value{
		"join":     r.join,
		"toString": r.arrayToString,
		// Node renders locale strings of plain values like toString.
		"toLocaleString": r.arrayToString,
	}
	for name, fn := range methods {
		if err := proto.DefineDataProperty(name, r.vm.ToValue(fn), goja.FLAG_TRUE, goja.FLAG_FALSE, goja.FLAG_TRUE); err != nil {
			return err
		}
	}
	return nil
}

// join renders elements separated by sep. An array already being joined
// further up the stack renders as "", as do null and undefined elements.
func (r *jsRuntime) join(call goja.FunctionCall) goja.Value {
	obj := call.This.ToObject(r.vm)
	sep := ","
	if s := call.Argument(0); !goja.IsUndefined(s) {
		sep = s.String()
	}
	if r.joining[obj] {
		return r.vm.ToValue("")
	}
	if len(r.joining) >= r.maxDepth {
		panic(r.rangeError(stackOverflowMessage))
	}
	r.joining[obj] = true
	defer delete(r.joining, obj)

	n := toLength(obj.Get("length"))
	var b strings.Builder
	for i := int64(0); i < n; i++ {
		if i&1023 == 0 && r.ctx.Err() != nil {
			panic(r.vm.NewGoError(context.Cause(r.ctx)))
		}
		if i > 0 {
			b.WriteString(sep)
		}
		if el := obj.Get(itoa(i)); el != nil && !goja.IsUndefined(el) && !goja.IsNull(el) {
			b.WriteString(el.String())
		}
		if b.Len() > maxJoinLength {
			panic(r.rangeError("Invalid string length"))
		}
	}
	return r.vm.ToValue(b.String())
}

func (r *jsRuntime) arrayToString(call goja.FunctionCall) goja.Value {
	return r.join(goja.FunctionCall{This: call.This})
}

func (r *jsRuntime) rangeError(msg string) *goja.Object {
	obj, err := r.vm.New(r.vm.Get("RangeError"), r.vm.ToValue(msg))
	if err != nil {
		return r.vm.NewGoError(err)
	}
	return obj
}

// toLength converts a length property, treating a missing one as zero.
func toLength(v goja.Value) int64 {
	if v == nil {
		return 0
	}
	n := v.ToInteger()
	if n < 0 {
		return 0
	}
	return n
}

func itoa(i int64) string { return strconv.FormatInt(i, 10) }
