package interp

import (
	"encoding/base64"
	"encoding/hex"
	"strings"

	"github.com/dop251/goja"
)

// maxBufferSize bounds a single Buffer, since in-process runs have no
// memory ceiling of their own.
const maxBufferSize = 16 << 20

// installBuffer defines a Node style Buffer: Uint8Arrays with a Buffer
// prototype carrying toString(encoding), plus the usual static helpers.
func (r *jsRuntime) installBuffer() error {
	u8 := r.vm.Get("Uint8Array").ToObject(r.vm)
	proto := r.vm.NewObject()
	if err := proto.SetPrototype(u8.Get("prototype").ToObject(r.vm)); err != nil {
		return err
	}
	if err := proto.DefineDataProperty("toString", r.vm.ToValue(r.bufferToString), goja.FLAG_TRUE, goja.FLAG_FALSE, goja.FLAG_TRUE); err != nil {
		return err
	}
	r.bufferProto = proto

	ctor := r.vm.ToValue(func(goja.FunctionCall) goja.Value {
		panic(r.vm.NewTypeError("Buffer() is not supported, use Buffer.from() or Buffer.alloc()"))
	}).ToObject(r.vm)
	statics := map[string]func(goja.FunctionCall) goja.Value{
		"from":       r.bufferFrom,
		"alloc":      r.bufferAlloc,
		"byteLength": r.bufferByteLength,
		"isBuffer":   r.bufferIsBuffer,
		"concat":     r.bufferConcat,
	}
	for name, fn := range statics {
		if err := ctor.Set(name, fn); err != nil {
			return err
		}
	}
	if err := ctor.DefineDataProperty("prototype", proto, goja.FLAG_FALSE, goja.FLAG_FALSE, goja.FLAG_FALSE); err != nil {
		return err
	}
	if err := proto.DefineDataProperty("constructor", ctor, goja.FLAG_TRUE, goja.FLAG_FALSE, goja.FLAG_TRUE); err != nil {
		return err
	}
	return r.vm.Set("Buffer", ctor)
}

func (r *jsRuntime) newBuffer(b []byte) *goja.Object {
	if len(b) > maxBufferSize {
		panic(r.rangeError("Buffer larger than 16 MiB"))
	}
	obj, err := r.vm.New(r.vm.Get("Uint8Array"), r.vm.ToValue(r.vm.NewArrayBuffer(b)))
	if err != nil {
		panic(r.vm.NewGoError(err))
	}
	if err := obj.SetPrototype(r.bufferProto); err != nil {
		panic(r.vm.NewGoError(err))
	}
	return obj
}

func (r *jsRuntime) isBuffer(v goja.Value) bool {
	obj, ok := v.(*goja.Object)
	return ok && r.bufferProto != nil && obj.Prototype() == r.bufferProto
}

// bytesOf returns the bytes viewed by a typed array or held by an
// ArrayBuffer. The slice aliases the program's memory.
func (r *jsRuntime) bytesOf(v goja.Value) ([]byte, bool) {
	obj, ok := v.(*goja.Object)
	if !ok {
		return nil, false
	}
	if ab, ok := arrayBuffer(obj); ok {
		return ab.Bytes(), true
	}
	buf, ok := obj.Get("buffer").(*goja.Object)
	if !ok {
		return nil, false
	}
	ab, ok := arrayBuffer(buf)
	if !ok {
		return nil, false
	}
	data := ab.Bytes()
	off, n := obj.Get("byteOffset").ToInteger(), obj.Get("byteLength").ToInteger()
	if off < 0 || n < 0 || off+n > int64(len(data)) {
		return nil, false
	}
	return data[off : off+n], true
}

// arrayBuffer exports obj only when it is an ArrayBuffer, so arbitrary
// program objects are never walked.
func arrayBuffer(obj *goja.Object) (goja.ArrayBuffer, bool) {
	if obj.ClassName() != "ArrayBuffer" {
		return goja.ArrayBuffer{}, false
	}
	ab, ok := obj.Export().(goja.ArrayBuffer)
	return ab, ok
}

func (r *jsRuntime) bufferFrom(call goja.FunctionCall) goja.Value {
	src := call.Argument(0)
	if b, ok := r.bytesOf(src); ok {
		return r.newBuffer(append([]byte(nil), b...))
	}
	if obj, ok := src.(*goja.Object); ok && obj.ClassName() == "Array" {
		n := toLength(obj.Get("length"))
		if n > maxBufferSize {
			panic(r.rangeError("Buffer larger than 16 MiB"))
		}
		b := make([]byte, n)
		for i := range b {
			if el := obj.Get(itoa(int64(i))); el != nil {
				b[i] = byte(el.ToInteger())
			}
		}
		return r.newBuffer(b)
	}
	if goja.IsUndefined(src) || goja.IsNull(src) {
		panic(r.vm.NewTypeError("The first argument must be a string, Buffer, ArrayBuffer or Array"))
	}
	return r.newBuffer(r.encode(src.String(), call.Argument(1)))
}

func (r *jsRuntime) bufferAlloc(call goja.FunctionCall) goja.Value {
	n := call.Argument(0).ToInteger()
	if n < 0 || n > maxBufferSize {
		panic(r.rangeError("Invalid Buffer size"))
	}
	b := make([]byte, n)
	if fill := call.Argument(1); !goja.IsUndefined(fill) {
		pattern := []byte{byte(fill.ToInteger())}
		if _, isNum := fill.Export().(int64); !isNum {
			if _, isFloat := fill.Export().(float64); !isFloat {
				pattern = r.encode(fill.String(), call.Argument(2))
			}
		}
		for i := 0; len(pattern) > 0 && i < len(b); i++ {
			b[i] = pattern[i%len(pattern)]
		}
	}
	return r.newBuffer(b)
}

func (r *jsRuntime) bufferByteLength(call goja.FunctionCall) goja.Value {
	if b, ok := r.bytesOf(call.Argument(0)); ok {
		return r.vm.ToValue(len(b))
	}
	return r.vm.ToValue(len(r.encode(call.Argument(0).String(), call.Argument(1))))
}

func (r *jsRuntime) bufferIsBuffer(call goja.FunctionCall) goja.Value {
	return r.vm.ToValue(r.isBuffer(call.Argument(0)))
}

func (r *jsRuntime) bufferConcat(call goja.FunctionCall) goja.Value {
	list, ok := call.Argument(0).(*goja.Object)
	if !ok || list.ClassName() != "Array" {
		panic(r.vm.NewTypeError("The \"list\" argument must be an Array"))
	}
	var out []byte
	n := toLength(list.Get("length"))
	for i := int64(0); i < n; i++ {
		b, ok := r.bytesOf(list.Get(itoa(i)))
		if !ok {
			panic(r.vm.NewTypeError("The \"list\" argument must contain only Buffers"))
		}
		if len(out)+len(b) > maxBufferSize {
			panic(r.rangeError("Buffer larger than 16 MiB"))
		}
		out = append(out, b...)
	}
	return r.newBuffer(out)
}

func (r *jsRuntime) bufferToString(call goja.FunctionCall) goja.Value {
	b, ok := r.bytesOf(call.This)
	if !ok {
		panic(r.vm.NewTypeError("argument must be a buffer"))
	}
	start, end := int64(0), int64(len(b))
	if v := call.Argument(1); !goja.IsUndefined(v) {
		start = min(max(v.ToInteger(), 0), end)
	}
	if v := call.Argument(2); !goja.IsUndefined(v) {
		end = min(max(v.ToInteger(), start), end)
	}
	return r.vm.ToValue(r.decode(b[start:end], call.Argument(0)))
}

func encodingName(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return "utf8"
	}
	return strings.ToLower(v.String())
}

func (r *jsRuntime) encode(s string, enc goja.Value) []byte {
	switch name := encodingName(enc); name {
	case "utf8", "utf-8":
		return []byte(s)
	case "hex":
		b, err := hex.DecodeString(s[:len(s)&^1])
		if err != nil {
			panic(r.vm.NewTypeError("Invalid hex string"))
		}
		return b
	case "base64", "base64url":
		s = strings.TrimRight(s, "=")
		s = strings.NewReplacer("-", "+", "_", "/").Replace(s)
		b, err := base64.RawStdEncoding.DecodeString(s)
		if err != nil {
			panic(r.vm.NewTypeError("Invalid base64 string"))
		}
		return b
	case "latin1", "binary", "ascii":
		b := make([]byte, 0, len(s))
		for _, c := range s {
			b = append(b, byte(c))
		}
		return b
	default:
		panic(r.vm.NewTypeError("Unknown encoding: %s", name))
	}
}

func (r *jsRuntime) decode(b []byte, enc goja.Value) string {
	switch name := encodingName(enc); name {
	case "utf8", "utf-8":
		return strings.ToValidUTF8(string(b), "\uFFFD")
	case "hex":
		return hex.EncodeToString(b)
	case "base64":
		return base64.StdEncoding.EncodeToString(b)
	case "base64url":
		return base64.RawURLEncoding.EncodeToString(b)
	case "latin1", "binary":
		rs := make([]rune, len(b))
		for i, c := range b {
			rs[i] = rune(c)
		}
		return string(rs)
	case "ascii":
		rs := make([]rune, len(b))
		for i, c := range b {
			rs[i] = rune(c & 0x7f)
		}
		return string(rs)
	default:
		panic(r.vm.NewTypeError("Unknown encoding: %s", name))
	}
}

// formatBuffer renders a Buffer the way Node's console does.
func formatBuffer(b []byte) string {
	const shown = 50
	var sb strings.Builder
	sb.WriteString("<Buffer")
	for i, c := range b {
		if i == shown {
			sb.WriteString(" ... ")
			sb.WriteString(itoa(int64(len(b) - shown)))
			sb.WriteString(" more bytes")
			break
		}
		sb.WriteByte(' ')
		sb.WriteString(hex.EncodeToString([]byte{c}))
	}
	sb.WriteByte('>')
	return sb.String()
}
