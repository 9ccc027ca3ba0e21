package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/jkaninda/memsandbox/internal/memory"
	"github.com/jkaninda/memsandbox/internal/sandbox/jsrt"
	"github.com/jkaninda/memsandbox/internal/sandbox/policy"
)

const (
	childEnv = "MEMSANDBOX_CHILD"

	// The memory capability arrives as ExtraFiles[0] and ExtraFiles[1].
	memoryInFD  = 3
	memoryOutFD = 4

	maxConsoleBytes = 1 << 20
	maxRequestBytes = 4 * policy.MaxCodeBytes
)

// Child exit codes. The parent only relies on them when no terminal frame
// arrived.
const (
	exitOK = iota
	exitSetup
	exitResourceExhausted
)

// IsChild reports whether this process was launched as a sandbox child.
func IsChild() bool {
	return os.Getenv(childEnv) == "1"
}

// ServeChild turns the process into a sandbox child when it was launched by a
// ProcessIsolator, and exits once the code has run. It returns immediately
// otherwise. Call it first thing in main and in TestMain of packages that
// spawn children.
func ServeChild() {
	if !IsChild() {
		return
	}
	os.Exit(serveChild(os.Stdin, os.Stdout))
}

func serveChild(in io.Reader, out io.Writer) int {
	fw := newFrameWriter(out)
	fail := func(format string, args ...any) int {
		_ = fw.write(frame{Kind: frameError, ErrorType: ErrorRuntime, Message: fmt.Sprintf(format, args...)})
		return exitSetup
	}

	var req childRequest
	if err := json.NewDecoder(io.LimitReader(in, maxRequestBytes)).Decode(&req); err != nil {
		return fail("sandbox request: %v", err)
	}
	if err := req.Policy.Validate(); err != nil {
		return fail("sandbox request: %v", err)
	}
	if err := applyLimits(req.Policy); err != nil {
		return fail("sandbox setup: %v", err)
	}

	limit := req.Policy.MaxMemoryBytes
	stop := watchHeap(limit, func(live uint64) {
		_ = fw.write(frame{
			Kind:          frameViolation,
			ViolationType: policy.ResourceExhaustion,
			Message:       fmt.Sprintf("heap usage of %d bytes exceeds the %d byte limit", live, limit),
		})
		os.Exit(exitResourceExhausted)
	})
	defer stop()

	opts := jsrt.Options{
		Code:    req.Code,
		Context: jsrt.Context(req.Context),
		Policy:  req.Policy,
		Stdout:  consoleSink(fw, frameStdout),
		Stderr:  consoleSink(fw, frameStderr),
	}
	if req.WorkRoot != "" {
		opts.DeniedPaths = []string{req.WorkRoot}
	}
	if req.Memory {
		mc := newMemoryClient(os.NewFile(memoryInFD, "memory-in"), os.NewFile(memoryOutFD, "memory-out"))
		defer mc.close()
		opts.Memory = mc.query
	}

	outcome := jsrt.Run(context.Background(), opts)
	_ = fw.write(outcomeFrame(outcome))
	return exitOK
}

// consoleSink streams console lines as frames until maxConsoleBytes have
// been written.
func consoleSink(fw *frameWriter, kind string) func(string) {
	remaining := maxConsoleBytes
	return func(s string) {
		if remaining <= 0 {
			return
		}
		if len(s) > remaining {
			s = s[:remaining]
		}
		remaining -= len(s)
		_ = fw.write(frame{Kind: kind, Text: s})
	}
}

func outcomeFrame(o jsrt.Outcome) frame {
	switch o.Kind {
	case jsrt.Returned:
		return frame{Kind: frameResult, Output: o.Output}
	case jsrt.SyntaxError:
		return frame{Kind: frameError, ErrorType: ErrorSyntax, Message: o.Message}
	case jsrt.Violated:
		return frame{Kind: frameViolation, ViolationType: o.Violation.Type, Message: o.Violation.Reason}
	default:
		return frame{Kind: frameError, ErrorType: ErrorRuntime, Message: o.Message}
	}
}

// memoryClient forwards memory.query calls to the parent over fd 3/4.
type memoryClient struct {
	mu  sync.Mutex
	in  *os.File
	out *os.File
	dec *json.Decoder
	enc *json.Encoder
}

func newMemoryClient(in, out *os.File) *memoryClient {
	return &memoryClient{in: in, out: out, dec: json.NewDecoder(in), enc: json.NewEncoder(out)}
}

func (c *memoryClient) query(_ context.Context, q string, limit int) ([]memory.Episode, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.enc.Encode(memoryCall{Query: q, Limit: limit}); err != nil {
		return nil, fmt.Errorf("sending memory query: %w", err)
	}
	var reply memoryReply
	if err := c.dec.Decode(&reply); err != nil {
		return nil, fmt.Errorf("reading memory reply: %w", err)
	}
	if reply.Error != "" {
		return nil, errors.New(reply.Error)
	}
	return reply.Episodes, nil
}

func (c *memoryClient) close() {
	_ = c.out.Close()
	_ = c.in.Close()
}
