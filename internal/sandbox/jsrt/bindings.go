package jsrt

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	goruntime "runtime"
	"strings"

	"github.com/dop251/goja"

	"github.com/jkaninda/memsandbox/internal/memory"
	"github.com/jkaninda/memsandbox/internal/sandbox/policy"
)

// lockdownSrc replaces every route to dynamic evaluation with a function
// that reports a violation, and returns a deep-freeze helper.
const lockdownSrc = `(function (blocked) {
	"use strict";
	var block = function () { return blocked(); };
	block.prototype = Function.prototype;
	[
		Function.prototype,
		Object.getPrototypeOf(async function () {}),
		Object.getPrototypeOf(function* () {})
	].forEach(function (p) {
		Object.defineProperty(p, "constructor", { value: block, writable: false, configurable: false });
	});
	["Function", "eval"].forEach(function (name) {
		Object.defineProperty(globalThis, name, { value: block, writable: false, configurable: false, enumerable: false });
	});
	function deepFreeze(o) {
		if (o === null || typeof o !== "object") return o;
		Object.getOwnPropertyNames(o).forEach(function (k) { deepFreeze(o[k]); });
		return Object.freeze(o);
	}
	return deepFreeze;
})`

func (rt *session) install() error {
	stringify, err := rt.stringifier()
	if err != nil {
		return err
	}
	rt.stringify = stringify

	freeze, err := rt.lockdown()
	if err != nil {
		return fmt.Errorf("lockdown: %w", err)
	}
	if err := rt.installConsole(); err != nil {
		return fmt.Errorf("console: %w", err)
	}
	if err := rt.installContext(freeze); err != nil {
		return fmt.Errorf("context: %w", err)
	}
	if err := rt.installProcess(freeze); err != nil {
		return fmt.Errorf("process: %w", err)
	}
	if err := rt.installFS(freeze); err != nil {
		return fmt.Errorf("fs: %w", err)
	}
	if err := rt.vm.Set("fetch", rt.fetch); err != nil {
		return fmt.Errorf("fetch: %w", err)
	}
	if rt.opts.Memory != nil {
		if err := rt.installMemory(freeze); err != nil {
			return fmt.Errorf("memory: %w", err)
		}
	}
	return nil
}

func (rt *session) lockdown() (goja.Callable, error) {
	v, err := rt.vm.RunString(lockdownSrc)
	if err != nil {
		return nil, err
	}
	setup, ok := goja.AssertFunction(v)
	if !ok {
		return nil, errors.New("lockdown script is not a function")
	}
	blocked := func(goja.FunctionCall) goja.Value {
		rt.deny(policy.Violationf(policy.CodeInjection, "dynamic code evaluation is not allowed"))
		return goja.Undefined()
	}
	fv, err := setup(goja.Undefined(), rt.vm.ToValue(blocked))
	if err != nil {
		return nil, err
	}
	freeze, ok := goja.AssertFunction(fv)
	if !ok {
		return nil, errors.New("freeze helper is not a function")
	}
	return freeze, nil
}

// defineConst installs a frozen, non-writable global.
func (rt *session) defineConst(name string, v goja.Value, freeze goja.Callable) error {
	if _, err := freeze(goja.Undefined(), v); err != nil {
		return err
	}
	return rt.vm.GlobalObject().DefineDataProperty(name, v, goja.FLAG_FALSE, goja.FLAG_FALSE, goja.FLAG_TRUE)
}

// --- console ---

func (rt *session) installConsole() error {
	console := rt.vm.NewObject()
	sinks := []struct {
		name   string
		prefix string
		sink   func(string)
	}{
		{"log", "", rt.opts.Stdout},
		{"info", "INFO: ", rt.opts.Stdout},
		{"warn", "WARN: ", rt.opts.Stderr},
		{"error", "", rt.opts.Stderr},
	}
	for _, s := range sinks {
		prefix, sink := s.prefix, s.sink
		fn := func(call goja.FunctionCall) goja.Value {
			sink(prefix + rt.format(call.Arguments))
			return goja.Undefined()
		}
		if err := console.Set(s.name, fn); err != nil {
			return err
		}
	}
	return rt.vm.Set("console", console)
}

func (rt *session) format(args []goja.Value) string {
	parts := make([]string, 0, len(args))
	for _, a := range args {
		parts = append(parts, rt.formatValue(a))
	}
	return strings.Join(parts, " ")
}

func (rt *session) formatValue(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) {
		return "undefined"
	}
	if goja.IsNull(v) {
		return "null"
	}
	if s, ok := v.Export().(string); ok {
		return s
	}
	obj, isObj := v.(*goja.Object)
	if !isObj {
		return v.String()
	}
	if _, isFn := goja.AssertFunction(obj); isFn {
		return "[Function]"
	}
	if obj.ClassName() == "Error" {
		return v.String()
	}
	s, err := rt.stringify(v)
	if err != nil || s == "" {
		return v.String()
	}
	return s
}

// --- context and process ---

func (rt *session) installContext(freeze goja.Callable) error {
	c := rt.opts.Context
	payload := struct {
		Task     string            `json:"task"`
		Input    json.RawMessage   `json:"input"`
		Env      map[string]string `json:"env"`
		Metadata map[string]any    `json:"metadata"`
	}{
		Task:     c.Task,
		Input:    c.Input,
		Env:      c.Env,
		Metadata: c.Metadata,
	}
	if len(payload.Input) == 0 {
		payload.Input = json.RawMessage("null")
	}
	if payload.Env == nil {
		payload.Env = map[string]string{}
	}
	if payload.Metadata == nil {
		payload.Metadata = map[string]any{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	v, err := rt.parseJSON(string(data))
	if err != nil {
		return err
	}
	return rt.defineConst("context", v, freeze)
}

// installProcess exposes identifying metadata only. Nothing on it can act
// on the process.
func (rt *session) installProcess(freeze goja.Callable) error {
	p := rt.vm.NewObject()
	for k, v := range map[string]any{
		"pid":      os.Getpid(),
		"platform": goruntime.GOOS,
		"arch":     goruntime.GOARCH,
		"version":  goruntime.Version(),
	} {
		if err := p.Set(k, v); err != nil {
			return err
		}
	}
	return rt.defineConst("process", p, freeze)
}

func (rt *session) parseJSON(s string) (goja.Value, error) {
	parse, ok := goja.AssertFunction(rt.vm.Get("JSON").ToObject(rt.vm).Get("parse"))
	if !ok {
		return nil, errors.New("JSON.parse is not callable")
	}
	return parse(goja.Undefined(), rt.vm.ToValue(s))
}

// --- memory ---

func (rt *session) installMemory(freeze goja.Callable) error {
	m := rt.vm.NewObject()
	if err := m.Set("query", rt.memoryQuery); err != nil {
		return err
	}
	return rt.defineConst("memory", m, freeze)
}

func (rt *session) memoryQuery(call goja.FunctionCall) goja.Value {
	rt.mu.Lock()
	rt.queries++
	n := rt.queries
	rt.mu.Unlock()
	if n > maxMemoryQueries {
		rt.deny(policy.Violationf(policy.ResourceExhaustion, "memory query budget exhausted (%d allowed)", maxMemoryQueries))
		return goja.Undefined()
	}

	q := call.Argument(0).String()
	if goja.IsUndefined(call.Argument(0)) {
		q = ""
	}
	limit := memory.DefaultQueryLimit
	if a := call.Argument(1); !goja.IsUndefined(a) && !goja.IsNull(a) {
		limit = int(a.ToInteger())
	}

	episodes, err := rt.opts.Memory(rt.ctx, q, memory.ClampLimit(limit))
	if err != nil {
		panic(rt.vm.NewGoError(fmt.Errorf("memory query: %w", err)))
	}
	if episodes == nil {
		episodes = []memory.Episode{}
	}
	data, err := json.Marshal(episodes)
	if err != nil {
		panic(rt.vm.NewGoError(err))
	}
	v, err := rt.parseJSON(string(data))
	if err != nil {
		panic(rt.vm.NewGoError(err))
	}
	return rt.resolved(v)
}

// resolved wraps v in an already fulfilled promise so bindings work with
// both await and .then.
func (rt *session) resolved(v goja.Value) goja.Value {
	p, resolve, _ := rt.vm.NewPromise()
	if err := resolve(v); err != nil {
		panic(err)
	}
	return rt.vm.ToValue(p)
}
