// Package sandbox evaluates user transform scripts in a fresh, host-isolated
// JavaScript interpreter with time and memory budgets.
package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/dop251/goja"
	"golang.org/x/sync/semaphore"
)

// Reason is a stable failure code.
type Reason string

const (
	ReasonResourceLimit Reason = "resourceLimitExceeded"
	ReasonScriptError   Reason = "scriptError"
	ReasonNotAFunction  Reason = "notAFunction"
	ReasonInvalidResult Reason = "invalidResult"
	ReasonInvalidInput  Reason = "invalidInput"
	ReasonScriptTooLong Reason = "scriptTooLong"
	ReasonCanceled      Reason = "canceled"
)

// Error is a transform failure. Message carries the script error text when
// there is one.
type Error struct {
	Reason  Reason
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}

// Limits bound one evaluation.
type Limits struct {
	Timeout         time.Duration
	MaxMemoryBytes  uint64
	MaxScriptLength int
	MaxCallStack    int
	MaxResultBytes  int
}

// DefaultLimits are used for zero-valued fields.
var DefaultLimits = Limits{
	Timeout:         5 * time.Second,
	MaxMemoryBytes:  64 << 20,
	MaxScriptLength: 10000,
	MaxCallStack:    1024,
	MaxResultBytes:  1 << 20,
}

// Sandbox evaluates transform scripts. It holds no interpreter state; each
// call to Evaluate builds a new runtime. Evaluations are serialized
// process-wide.
type Sandbox struct {
	limits Limits
	logger *slog.Logger
}

// New creates a sandbox. Zero fields in limits take DefaultLimits values.
func New(limits Limits, logger *slog.Logger) *Sandbox {
	if limits.Timeout <= 0 {
		limits.Timeout = DefaultLimits.Timeout
	}
	if limits.MaxMemoryBytes == 0 {
		limits.MaxMemoryBytes = DefaultLimits.MaxMemoryBytes
	}
	if limits.MaxScriptLength <= 0 {
		limits.MaxScriptLength = DefaultLimits.MaxScriptLength
	}
	if limits.MaxCallStack <= 0 {
		limits.MaxCallStack = DefaultLimits.MaxCallStack
	}
	if limits.MaxResultBytes <= 0 {
		limits.MaxResultBytes = DefaultLimits.MaxResultBytes
	}
	return &Sandbox{limits: limits, logger: logger}
}

// Limits returns the effective limits.
func (s *Sandbox) Limits() Limits { return s.limits }

type limitError struct{ what string }

func (e *limitError) Error() string { return e.what }

var (
	errTimeout = &limitError{what: "script exceeded its time budget"}
	errMemory  = &limitError{what: "script exceeded its memory budget"}
)

// evalSlot serializes evaluations across every Sandbox in the process.
var evalSlot = semaphore.NewWeighted(1)

// Evaluate calls the function defined by script with the JSON document input
// as its only argument and returns the JSON encoding of its return value.
// An empty script returns input unchanged.
func (s *Sandbox) Evaluate(ctx context.Context, script string, input []byte) (out json.RawMessage, err error) {
	if !json.Valid(input) {
		return nil, &Error{Reason: ReasonInvalidInput, Message: "input is not valid JSON"}
	}
	script = strings.TrimSpace(script)
	if script == "" {
		return json.RawMessage(input), nil
	}
	if utf8.RuneCountInString(script) > s.limits.MaxScriptLength {
		return nil, &Error{Reason: ReasonScriptTooLong, Message: fmt.Sprintf("script exceeds %d characters", s.limits.MaxScriptLength)}
	}

	// The memory watchdog reads a process-wide heap figure, so only one
	// transform runs at a time for the reading to belong to it.
	if err := evalSlot.Acquire(ctx, 1); err != nil {
		return nil, &Error{Reason: ReasonCanceled, Message: err.Error()}
	}
	defer evalSlot.Release(1)

	vm := goja.New()
	vm.SetMaxCallStackSize(s.limits.MaxCallStack)

	var overBudget atomic.Bool
	exceeded := func() {
		overBudget.Store(true)
		vm.Interrupt(errMemory)
	}

	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok && (overBudget.Load() || isInterrupt(e)) {
				out, err = nil, memoryOr(&overBudget, classify(e))
				return
			}
			s.logger.Error("sandbox panic recovered", "panic", fmt.Sprint(r))
			out, err = nil, memoryOr(&overBudget, &Error{Reason: ReasonScriptError, Message: "interpreter failure"})
		}
	}()

	if err := installGuards(vm, s.limits.MaxMemoryBytes, exceeded); err != nil {
		return nil, fmt.Errorf("prepare sandbox: %w", err)
	}

	timer := time.AfterFunc(s.limits.Timeout, func() { vm.Interrupt(errTimeout) })
	defer timer.Stop()
	stopCtx := context.AfterFunc(ctx, func() { vm.Interrupt(ctx.Err()) })
	defer stopCtx()
	stopWatch := watchMemory(s.limits.MaxMemoryBytes, exceeded)
	defer stopWatch()

	start := time.Now()
	out, err = s.run(vm, script, input)
	if err != nil {
		err = memoryOr(&overBudget, classify(err))
		s.logger.Debug("transform failed", "error", err, "duration", time.Since(start))
		return nil, err
	}
	if overBudget.Load() {
		// A guarded builtin refused an allocation and the script caught it.
		return nil, &Error{Reason: ReasonResourceLimit, Message: errMemory.Error()}
	}
	return out, nil
}

// memoryOr reports the memory budget when it was hit, else err.
func memoryOr(overBudget *atomic.Bool, err error) error {
	if overBudget.Load() {
		return &Error{Reason: ReasonResourceLimit, Message: errMemory.Error()}
	}
	return err
}

func isInterrupt(err error) bool {
	var interrupted *goja.InterruptedError
	return errors.As(err, &interrupted)
}

func (s *Sandbox) run(vm *goja.Runtime, script string, input []byte) (json.RawMessage, error) {
	wrapped := "(" + strings.TrimRight(script, "; \t\r\n") + "\n)"
	fnVal, err := vm.RunScript("transform.js", wrapped)
	if err != nil {
		return nil, err
	}
	fn, ok := goja.AssertFunction(fnVal)
	if !ok {
		return nil, &Error{Reason: ReasonNotAFunction, Message: "script must evaluate to a function"}
	}

	jsonObj := vm.Get("JSON").ToObject(vm)
	parse, _ := goja.AssertFunction(jsonObj.Get("parse"))
	stringify, _ := goja.AssertFunction(jsonObj.Get("stringify"))

	arg, err := parse(jsonObj, vm.ToValue(string(input)))
	if err != nil {
		return nil, err
	}
	result, err := fn(goja.Undefined(), arg)
	if err != nil {
		return nil, err
	}
	encoded, err := stringify(jsonObj, result)
	if err != nil {
		return nil, err
	}
	if encoded == nil || goja.IsUndefined(encoded) || goja.IsNull(encoded) {
		return nil, &Error{Reason: ReasonInvalidResult, Message: "transform returned no value"}
	}

	text := encoded.String()
	if len(text) > s.limits.MaxResultBytes {
		return nil, &Error{Reason: ReasonResourceLimit, Message: "transform result is too large"}
	}
	return json.RawMessage(text), nil
}

// classify maps interpreter errors onto sandbox errors.
func classify(err error) error {
	var sbErr *Error
	if errors.As(err, &sbErr) {
		return sbErr
	}

	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		switch v := interrupted.Value().(type) {
		case *limitError:
			return &Error{Reason: ReasonResourceLimit, Message: v.Error()}
		case error:
			return &Error{Reason: ReasonCanceled, Message: v.Error()}
		}
		return &Error{Reason: ReasonResourceLimit, Message: "script interrupted"}
	}

	var overflow *goja.StackOverflowError
	if errors.As(err, &overflow) {
		return &Error{Reason: ReasonResourceLimit, Message: "maximum call stack size exceeded"}
	}

	var exception *goja.Exception
	if errors.As(err, &exception) {
		return &Error{Reason: ReasonScriptError, Message: firstLine(exception.Error())}
	}

	var syntax *goja.CompilerSyntaxError
	if errors.As(err, &syntax) {
		return &Error{Reason: ReasonScriptError, Message: firstLine(syntax.Error())}
	}
	return &Error{Reason: ReasonScriptError, Message: firstLine(err.Error())}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
