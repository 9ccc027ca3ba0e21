package jsrt

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/dop251/goja"

	"github.com/jkaninda/memsandbox/internal/sandbox/fsgate"
)

const maxFileBytes = 1 << 20

func (rt *session) installFS(freeze goja.Callable) error {
	obj := rt.vm.NewObject()
	for name, fn := range map[string]func(goja.FunctionCall) goja.Value{
		"readFile":  rt.fsReadFile,
		"writeFile": rt.fsWriteFile,
		"exists":    rt.fsExists,
		"listDir":   rt.fsListDir,
		"remove":    rt.fsRemove,
	} {
		if err := obj.Set(name, fn); err != nil {
			return err
		}
	}
	return rt.defineConst("fs", obj, freeze)
}

// resolvePath returns the gated path, or "" after interrupting the VM.
func (rt *session) resolvePath(call goja.FunctionCall, intent fsgate.Intent) string {
	arg := call.Argument(0)
	if goja.IsUndefined(arg) || goja.IsNull(arg) {
		panic(rt.vm.NewTypeError("path is required"))
	}
	p, err := rt.fs.Resolve(arg.String(), intent)
	if !rt.guard(err) {
		return ""
	}
	return p
}

func (rt *session) fsReadFile(call goja.FunctionCall) goja.Value {
	p := rt.resolvePath(call, fsgate.Read)
	if p == "" {
		return goja.Undefined()
	}
	f, err := os.Open(p)
	if err != nil {
		panic(rt.vm.NewGoError(err))
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxFileBytes+1))
	if err != nil {
		panic(rt.vm.NewGoError(err))
	}
	if len(data) > maxFileBytes {
		panic(rt.vm.NewGoError(fmt.Errorf("%s exceeds %d bytes", p, maxFileBytes)))
	}
	return rt.vm.ToValue(string(data))
}

func (rt *session) fsWriteFile(call goja.FunctionCall) goja.Value {
	p := rt.resolvePath(call, fsgate.Write)
	if p == "" {
		return goja.Undefined()
	}
	// Only a gated path may be probed for existence.
	if _, err := os.Lstat(p); errors.Is(err, fs.ErrNotExist) {
		if _, err := rt.fs.Resolve(p, fsgate.Create); !rt.guard(err) {
			return goja.Undefined()
		}
	}
	data := call.Argument(1).String()
	if len(data) > maxFileBytes {
		panic(rt.vm.NewGoError(fmt.Errorf("write of %d bytes exceeds %d", len(data), maxFileBytes)))
	}
	if err := os.WriteFile(p, []byte(data), 0o600); err != nil {
		panic(rt.vm.NewGoError(err))
	}
	return goja.Undefined()
}

func (rt *session) fsExists(call goja.FunctionCall) goja.Value {
	p := rt.resolvePath(call, fsgate.Read)
	if p == "" {
		return goja.Undefined()
	}
	_, err := os.Stat(p)
	return rt.vm.ToValue(err == nil)
}

func (rt *session) fsListDir(call goja.FunctionCall) goja.Value {
	p := rt.resolvePath(call, fsgate.Read)
	if p == "" {
		return goja.Undefined()
	}
	entries, err := os.ReadDir(p)
	if err != nil {
		panic(rt.vm.NewGoError(err))
	}
	names := make([]any, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return rt.vm.NewArray(names...)
}

func (rt *session) fsRemove(call goja.FunctionCall) goja.Value {
	p := rt.resolvePath(call, fsgate.Delete)
	if p == "" {
		return goja.Undefined()
	}
	if err := os.Remove(p); err != nil {
		panic(rt.vm.NewGoError(err))
	}
	return goja.Undefined()
}
