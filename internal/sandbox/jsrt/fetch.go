package jsrt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/dop251/goja"

	"github.com/jkaninda/memsandbox/internal/sandbox/policy"
)

const (
	maxResponseBytes = 1 << 20
	maxRedirects     = 5
	fetchTimeout     = 30 * time.Second
)

type fetchInit struct {
	Method  string
	Headers map[string]string
	Body    string
}

// fetch is a synchronous subset of the WHATWG fetch API. Every URL,
// including redirect targets, is checked by the network gatekeeper, and every
// address the transport dials is checked again.
func (rt *session) fetch(call goja.FunctionCall) goja.Value {
	rawURL := call.Argument(0).String()
	if !rt.guard(rt.net.PermitContext(rt.ctx, rawURL)) {
		return goja.Undefined()
	}

	init := rt.fetchOptions(call.Argument(1))

	var body io.Reader
	if init.Body != "" {
		body = strings.NewReader(init.Body)
	}
	ctx, cancel := context.WithTimeout(rt.ctx, fetchTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(init.Method), rawURL, body)
	if err != nil {
		panic(rt.vm.NewGoError(err))
	}
	for k, v := range init.Headers {
		req.Header.Set(k, v)
	}

	var dialDenied atomic.Pointer[policy.Violation]
	client := &http.Client{
		Transport: rt.transport(func(v *policy.Violation) { dialDenied.CompareAndSwap(nil, v) }),
		CheckRedirect: func(next *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			return rt.net.PermitContext(ctx, next.URL.String())
		},
	}

	resp, err := client.Do(req)
	if err != nil {
		if v := dialDenied.Load(); v != nil {
			rt.deny(v)
			return goja.Undefined()
		}
		if v, ok := policy.AsViolation(err); ok {
			rt.deny(v)
			return goja.Undefined()
		}
		panic(rt.vm.NewGoError(err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		panic(rt.vm.NewGoError(err))
	}
	if len(data) > maxResponseBytes {
		panic(rt.vm.NewGoError(fmt.Errorf("response body exceeds %d bytes", maxResponseBytes)))
	}
	return rt.resolved(rt.response(resp, string(data)))
}

func (rt *session) fetchOptions(v goja.Value) fetchInit {
	init := fetchInit{Method: http.MethodGet, Headers: map[string]string{}}
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return init
	}
	obj := v.ToObject(rt.vm)
	if m := obj.Get("method"); m != nil && !goja.IsUndefined(m) {
		init.Method = m.String()
	}
	if b := obj.Get("body"); b != nil && !goja.IsUndefined(b) && !goja.IsNull(b) {
		init.Body = b.String()
	}
	if h := obj.Get("headers"); h != nil && !goja.IsUndefined(h) && !goja.IsNull(h) {
		ho := h.ToObject(rt.vm)
		for _, k := range ho.Keys() {
			init.Headers[k] = ho.Get(k).String()
		}
	}
	return init
}

func (rt *session) response(resp *http.Response, body string) goja.Value {
	headers := rt.vm.NewObject()
	for k, vs := range resp.Header {
		_ = headers.Set(strings.ToLower(k), strings.Join(vs, ", "))
	}

	obj := rt.vm.NewObject()
	_ = obj.Set("status", resp.StatusCode)
	_ = obj.Set("statusText", http.StatusText(resp.StatusCode))
	_ = obj.Set("ok", resp.StatusCode >= 200 && resp.StatusCode < 300)
	_ = obj.Set("url", resp.Request.URL.String())
	_ = obj.Set("headers", headers)
	_ = obj.Set("text", func(goja.FunctionCall) goja.Value {
		return rt.resolved(rt.vm.ToValue(body))
	})
	_ = obj.Set("json", func(goja.FunctionCall) goja.Value {
		v, err := rt.parseJSON(body)
		if err != nil {
			panic(rt.vm.NewGoError(err))
		}
		return rt.resolved(v)
	})
	return obj
}

// transport returns the configured RoundTripper, or one whose dialer
// rejects blocked addresses after DNS resolution.
func (rt *session) transport(onDeny func(*policy.Violation)) http.RoundTripper {
	if rt.opts.Transport != nil {
		return rt.opts.Transport
	}
	dialer := &net.Dialer{
		Timeout: 10 * time.Second,
		Control: func(_, address string, _ syscall.RawConn) error {
			host, _, err := net.SplitHostPort(address)
			if err != nil {
				return err
			}
			ip := net.ParseIP(host)
			if ip == nil {
				return fmt.Errorf("dial to non-IP address %q", host)
			}
			if err := rt.net.CheckAddr(ip); err != nil {
				var v *policy.Violation
				if errors.As(err, &v) {
					onDeny(v)
				}
				return err
			}
			return nil
		},
	}
	return &http.Transport{
		Proxy:                 nil,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 15 * time.Second,
		MaxIdleConns:          1,
		DisableKeepAlives:     true,
	}
}
