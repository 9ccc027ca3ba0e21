package sandbox

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"unicode/utf8"

	"github.com/jkaninda/memsandbox/internal/memory"
	"github.com/jkaninda/memsandbox/internal/sandbox/policy"
)

// Frame kinds written by the child on stdout, one JSON object per line.
const (
	frameStdout    = "stdout"
	frameStderr    = "stderr"
	frameResult    = "result"
	frameError     = "error"
	frameViolation = "violation"
)

// maxFrameBytes bounds one line of the child protocol.
const maxFrameBytes = 4 << 20

type frame struct {
	Kind          string               `json:"kind"`
	Text          string               `json:"text,omitempty"`
	Output        string               `json:"output,omitempty"`
	ErrorType     ErrorType            `json:"error_type,omitempty"`
	Message       string               `json:"message,omitempty"`
	ViolationType policy.ViolationType `json:"violation_type,omitempty"`
}

func (f frame) terminal() bool {
	switch f.Kind {
	case frameResult, frameError, frameViolation:
		return true
	}
	return false
}

func (f frame) validate() error {
	switch f.Kind {
	case frameStdout, frameStderr, frameResult:
		return nil
	case frameError:
		if f.ErrorType != ErrorSyntax && f.ErrorType != ErrorRuntime {
			return fmt.Errorf("%w: error frame with type %q", ErrProtocol, f.ErrorType)
		}
		return nil
	case frameViolation:
		if !f.ViolationType.Valid() {
			return fmt.Errorf("%w: violation frame with type %d", ErrProtocol, f.ViolationType)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown frame kind %q", ErrProtocol, f.Kind)
	}
}

// childRequest is the JSON document the parent writes to the child's stdin.
type childRequest struct {
	Code    string           `json:"code"`
	Context ExecutionContext `json:"context"`
	Policy  policy.Config    `json:"policy"`
	Memory  bool             `json:"memory"`

	// WorkRoot holds every execution's working directory. The child's fs
	// binding treats it as off limits.
	WorkRoot string `json:"work_root,omitempty"`
}

// memoryCall and memoryReply are the fd 3/4 RPC messages.
type memoryCall struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

type memoryReply struct {
	Episodes []memory.Episode `json:"episodes,omitempty"`
	Error    string           `json:"error,omitempty"`
}

// frameWriter serializes frames from concurrent writers.
type frameWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func newFrameWriter(w io.Writer) *frameWriter {
	return &frameWriter{w: w}
}

func (fw *frameWriter) write(f frame) error {
	line, err := encodeFrame(f)
	if err != nil {
		return err
	}
	fw.mu.Lock()
	defer fw.mu.Unlock()
	_, err = fw.w.Write(line)
	return err
}

// encodeFrame renders f as one newline-terminated line of at most
// maxFrameBytes. Escaping can grow text up to sixfold, so oversized text is
// cut until the encoding fits. A result that does not fit becomes an error:
// cutting it would corrupt the JSON value.
func encodeFrame(f frame) ([]byte, error) {
	for {
		line, err := json.Marshal(f)
		if err != nil {
			return nil, fmt.Errorf("encoding frame: %w", err)
		}
		if len(line) <= maxFrameBytes {
			return append(line, '\n'), nil
		}
		if f.Kind == frameResult {
			f = frame{
				Kind:      frameError,
				ErrorType: ErrorRuntime,
				Message:   fmt.Sprintf("result of %d encoded bytes exceeds the %d byte limit", len(line), maxFrameBytes),
			}
			continue
		}
		if f.Text == "" && f.Message == "" {
			return nil, fmt.Errorf("%w: %s frame of %d bytes", ErrProtocol, f.Kind, len(line))
		}
		f.Text = shrink(f.Text, len(line))
		f.Message = shrink(f.Message, len(line))
	}
}

// shrink cuts s in proportion to how far encoded overshoots maxFrameBytes,
// on a rune boundary.
func shrink(s string, encoded int) string {
	if s == "" {
		return s
	}
	keep := len(s) * (maxFrameBytes - frameSlack) / encoded
	for keep > 0 && !utf8.RuneStart(s[keep]) {
		keep--
	}
	return s[:keep]
}

// frameSlack leaves room for the frame's fixed fields.
const frameSlack = 1 << 10
