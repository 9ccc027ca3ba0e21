// Package jsrt is the JavaScript runtime that executes user code inside the
// isolated child process.
//
// The VM starts with no ambient authority. Everything the code can reach is
// installed by this package: console, a frozen context object, read-only
// process metadata, and filesystem, fetch and memory bindings that consult
// the gatekeepers on every call. A gatekeeper denial interrupts the VM, so
// it cannot be swallowed by a try/catch in user code.
package jsrt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/dop251/goja"

	"github.com/jkaninda/memsandbox/internal/memory"
	"github.com/jkaninda/memsandbox/internal/sandbox/fsgate"
	"github.com/jkaninda/memsandbox/internal/sandbox/netgate"
	"github.com/jkaninda/memsandbox/internal/sandbox/policy"
)

const (
	scriptName       = "sandbox.js"
	maxCallStackSize = 1024
	maxMemoryQueries = 64
)

// OutcomeKind is how a run ended.
type OutcomeKind int

const (
	Returned OutcomeKind = iota
	SyntaxError
	RuntimeError
	Violated
	Interrupted
)

// Outcome is the result of one run.
type Outcome struct {
	Kind      OutcomeKind
	Output    string // JSON text of the returned value; empty for undefined.
	Message   string
	Violation *policy.Violation
}

// QueryFunc answers memory.query calls.
type QueryFunc func(ctx context.Context, q string, limit int) ([]memory.Episode, error)

// Context is exposed to the code as the global `context`.
type Context struct {
	Task     string            `json:"task"`
	Input    json.RawMessage   `json:"input,omitempty"`
	Env      map[string]string `json:"env,omitempty"`
	Metadata map[string]any    `json:"metadata,omitempty"`
}

// Options configures one run.
type Options struct {
	Code    string
	Context Context
	Policy  policy.Config

	// Stdout and Stderr receive console lines without a trailing newline.
	Stdout func(string)
	Stderr func(string)

	// Memory backs memory.query. Nil leaves the binding undefined.
	Memory QueryFunc

	// DeniedPaths stay out of reach of fs even under an allowed path.
	DeniedPaths []string

	// Resolver and Transport override the defaults used by fetch.
	Resolver  netgate.Resolver
	Transport http.RoundTripper
}

// session is the per-run state shared by the bindings.
type session struct {
	vm   *goja.Runtime
	ctx  context.Context
	opts Options

	fs  *fsgate.Gatekeeper
	net *netgate.Gatekeeper

	stringify func(goja.Value) (string, error)

	mu        sync.Mutex
	violation *policy.Violation
	queries   int
}

// Run executes opts.Code as the body of an async function and waits for it
// to settle. Cancelling ctx interrupts the VM.
func Run(ctx context.Context, opts Options) (out Outcome) {
	if opts.Stdout == nil {
		opts.Stdout = func(string) {}
	}
	if opts.Stderr == nil {
		opts.Stderr = func(string) {}
	}

	prog, err := goja.Compile(scriptName, wrap(opts.Code), false)
	if err != nil {
		return Outcome{Kind: SyntaxError, Message: err.Error()}
	}

	var netOpts []netgate.Option
	if opts.Resolver != nil {
		netOpts = append(netOpts, netgate.WithResolver(opts.Resolver))
	}
	rt := &session{
		vm:   goja.New(),
		ctx:  ctx,
		opts: opts,
		fs:   fsgate.New(opts.Policy, fsgate.WithDenied(opts.DeniedPaths...)),
		net:  netgate.New(opts.Policy, netOpts...),
	}
	rt.vm.SetMaxCallStackSize(maxCallStackSize)
	rt.vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	defer func() {
		if r := recover(); r != nil {
			out = Outcome{Kind: RuntimeError, Message: fmt.Sprintf("runtime panic: %v", r)}
		}
	}()

	if err := rt.install(); err != nil {
		return Outcome{Kind: RuntimeError, Message: fmt.Sprintf("runtime setup: %v", err)}
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			rt.vm.Interrupt(ctx.Err())
		case <-done:
		}
	}()

	value, err := rt.vm.RunProgram(prog)
	if v := rt.recorded(); v != nil {
		return Outcome{Kind: Violated, Violation: v, Message: v.Error()}
	}
	if err != nil {
		return rt.fromError(err)
	}

	promise, ok := value.Export().(*goja.Promise)
	if !ok {
		return Outcome{Kind: RuntimeError, Message: "code did not produce a promise"}
	}
	switch promise.State() {
	case goja.PromiseStateFulfilled:
		output, err := rt.stringify(promise.Result())
		if v := rt.recorded(); v != nil {
			return Outcome{Kind: Violated, Violation: v, Message: v.Error()}
		}
		if err != nil {
			return rt.fromError(err)
		}
		return Outcome{Kind: Returned, Output: output}
	case goja.PromiseStateRejected:
		return Outcome{Kind: RuntimeError, Message: describe(promise.Result())}
	default:
		return Outcome{Kind: RuntimeError, Message: "code awaited a promise that never settled"}
	}
}

func wrap(code string) string {
	return "(async function () {\n" + code + "\n})()"
}

// deny records v and interrupts the VM. The first violation wins.
func (rt *session) deny(v *policy.Violation) {
	rt.mu.Lock()
	if rt.violation == nil {
		rt.violation = v
	}
	rt.mu.Unlock()
	rt.vm.Interrupt(v)
}

func (rt *session) recorded() *policy.Violation {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.violation
}

// guard turns a gatekeeper error into an interrupt. It reports whether the
// binding may proceed.
func (rt *session) guard(err error) bool {
	if err == nil {
		return true
	}
	if v, ok := policy.AsViolation(err); ok {
		rt.deny(v)
		return false
	}
	panic(rt.vm.NewGoError(err))
}

func (rt *session) fromError(err error) Outcome {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		if v, ok := interrupted.Value().(*policy.Violation); ok {
			return Outcome{Kind: Violated, Violation: v, Message: v.Error()}
		}
		return Outcome{Kind: Interrupted, Message: fmt.Sprint(interrupted.Value())}
	}
	var ex *goja.Exception
	if errors.As(err, &ex) {
		return Outcome{Kind: RuntimeError, Message: describe(ex.Value())}
	}
	return Outcome{Kind: RuntimeError, Message: err.Error()}
}

// stringifier captures JSON.stringify before user code can replace it.
func (rt *session) stringifier() (func(goja.Value) (string, error), error) {
	fn, ok := goja.AssertFunction(rt.vm.Get("JSON").ToObject(rt.vm).Get("stringify"))
	if !ok {
		return nil, errors.New("JSON.stringify is not callable")
	}
	return func(v goja.Value) (string, error) {
		if v == nil || goja.IsUndefined(v) {
			return "", nil
		}
		s, err := fn(goja.Undefined(), v)
		if err != nil {
			return "", err
		}
		if goja.IsUndefined(s) {
			return "", nil
		}
		return s.String(), nil
	}, nil
}

func describe(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) {
		return "undefined"
	}
	return v.String()
}
