package sandbox

import (
	"errors"
	"fmt"
	"math"

	"github.com/dop251/goja"
)

// valueBytes approximates the size of one array slot.
const valueBytes = 16

// binaryGlobals are removed from every runtime. Transforms work on JSON and
// these constructors allocate their full size in one call.
var binaryGlobals = []string{
	"ArrayBuffer", "SharedArrayBuffer", "DataView",
	"Int8Array", "Uint8Array", "Uint8ClampedArray", "Int16Array", "Uint16Array",
	"Int32Array", "Uint32Array", "Float32Array", "Float64Array",
	"BigInt64Array", "BigUint64Array",
}

// allocGuard wraps builtins that can allocate an arbitrary amount in a single
// call. A request above limit bytes marks the run as over budget, interrupts
// it, and throws a RangeError instead of allocating.
type allocGuard struct {
	vm       *goja.Runtime
	limit    float64
	exceeded func()
}

func installGuards(vm *goja.Runtime, limit uint64, exceeded func()) error {
	g := &allocGuard{vm: vm, limit: float64(limit), exceeded: exceeded}

	global := vm.GlobalObject()
	for _, name := range binaryGlobals {
		if err := global.Delete(name); err != nil {
			return fmt.Errorf("remove %s: %w", name, err)
		}
	}

	strProto := vm.Get("String").ToObject(vm).Get("prototype").ToObject(vm)
	arrProto := vm.Get("Array").ToObject(vm).Get("prototype").ToObject(vm)

	wraps := []struct {
		proto *goja.Object
		name  string
		size  func(call goja.FunctionCall) float64
	}{
		{strProto, "repeat", g.repeatSize},
		{strProto, "padStart", g.padSize},
		{strProto, "padEnd", g.padSize},
		{arrProto, "fill", g.fillSize},
		{arrProto, "join", g.joinSize},
	}
	for _, w := range wraps {
		if err := g.wrap(w.proto, w.name, w.size); err != nil {
			return err
		}
	}
	return nil
}

func (g *allocGuard) wrap(proto *goja.Object, name string, size func(goja.FunctionCall) float64) error {
	orig, ok := goja.AssertFunction(proto.Get(name))
	if !ok {
		return fmt.Errorf("builtin %s is not a function", name)
	}
	return proto.Set(name, func(call goja.FunctionCall) goja.Value {
		if n := size(call); n > g.limit {
			g.exceeded()
			panic(g.rangeError(fmt.Sprintf("%s would allocate about %.0f bytes", name, n)))
		}
		v, err := orig(call.This, call.Arguments...)
		if err != nil {
			var ex *goja.Exception
			if errors.As(err, &ex) {
				panic(ex.Value())
			}
			panic(err)
		}
		return v
	})
}

func (g *allocGuard) rangeError(msg string) goja.Value {
	ctor := g.vm.Get("RangeError")
	obj, err := g.vm.New(ctor, g.vm.ToValue(msg))
	if err != nil {
		return g.vm.ToValue(msg)
	}
	return obj
}

// Sizes are upper bounds in bytes; strings count two bytes per code unit.

func (g *allocGuard) repeatSize(call goja.FunctionCall) float64 {
	n := toInteger(call.Argument(0))
	if n <= 0 || math.IsInf(n, 0) {
		return 0
	}
	return float64(len(call.This.String())) * 2 * n
}

func (g *allocGuard) padSize(call goja.FunctionCall) float64 {
	n := toInteger(call.Argument(0))
	if n <= 0 || math.IsInf(n, 0) {
		return 0
	}
	return n * 2
}

func (g *allocGuard) fillSize(call goja.FunctionCall) float64 {
	length := g.length(call.This)
	start := relativeIndex(call.Argument(1), 0, length)
	end := relativeIndex(call.Argument(2), length, length)
	return max(end-start, 0) * valueBytes
}

func (g *allocGuard) joinSize(call goja.FunctionCall) float64 {
	length := g.length(call.This)
	if length <= 1 {
		return 0
	}
	sep := 1.0
	if arg := call.Argument(0); !goja.IsUndefined(arg) {
		sep = float64(len(arg.String()))
	}
	return (length - 1) * sep * 2
}

func (g *allocGuard) length(this goja.Value) float64 {
	if this == nil || goja.IsUndefined(this) || goja.IsNull(this) {
		return 0
	}
	obj := this.ToObject(g.vm)
	l := toInteger(obj.Get("length"))
	if l < 0 {
		return 0
	}
	return l
}

func toInteger(v goja.Value) float64 {
	if v == nil || goja.IsUndefined(v) {
		return 0
	}
	f := v.ToFloat()
	if math.IsNaN(f) {
		return 0
	}
	return math.Trunc(f)
}

// relativeIndex resolves an Array.prototype.fill start or end argument.
func relativeIndex(v goja.Value, def, length float64) float64 {
	if v == nil || goja.IsUndefined(v) {
		return def
	}
	i := toInteger(v)
	if i < 0 {
		return max(length+i, 0)
	}
	return min(i, length)
}
