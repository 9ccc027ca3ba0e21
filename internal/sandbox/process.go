package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/jkaninda/memsandbox/internal/memory"
	"github.com/jkaninda/memsandbox/internal/sandbox/fsgate"
	"github.com/jkaninda/memsandbox/internal/sandbox/policy"
)

const (
	// maxStderrBytes caps raw child stderr, which only carries runtime crashes.
	maxStderrBytes = 1 << 20
	// maxStreamBytes caps the console text collected per stream.
	maxStreamBytes = 1 << 20

	maxMemoryCalls     = 64
	maxMemoryCallBytes = 64 << 10

	// waitDelay bounds how long Wait keeps reading pipes after the child dies.
	waitDelay = 100 * time.Millisecond
)

// ProcessConfig configures the process isolator.
type ProcessConfig struct {
	// HelperPath is the binary re-executed as the child. It must call
	// ServeChild on startup. Empty means the running executable.
	HelperPath string
	// TempRoot holds the per-execution working directories. Empty means a
	// private 0700 directory under the user cache dir, or under
	// os.TempDir() when there is none. The root is never reachable from
	// sandboxed code, and policies whose allowed paths lie inside it are
	// rejected.
	TempRoot string
	// Env adds variables to the child's environment.
	Env map[string]string
}

// ProcessIsolator runs every request in a fresh child process.
//
// Security guarantees:
//   - Each execution gets its own temp directory, removed afterwards, under
//     a root that no execution can reach
//   - The child runs in its own process group, killed as a whole on
//     deadline, cancellation or a reported violation
//   - The parent environment is never inherited
//   - OS ceilings are applied in the child before user code runs
//   - Child output is parsed incrementally and capped
type ProcessIsolator struct {
	helperPath string
	tempRoot   string
	env        map[string]string
	logger     *slog.Logger
	spawned    atomic.Int64

	rootMu      sync.Mutex
	root        string
	privateRoot bool
}

// NewProcessIsolator creates a process isolator.
func NewProcessIsolator(cfg ProcessConfig, logger *slog.Logger) *ProcessIsolator {
	env := make(map[string]string, len(cfg.Env))
	for k, v := range cfg.Env {
		env[k] = v
	}
	return &ProcessIsolator{
		helperPath: cfg.HelperPath,
		tempRoot:   cfg.TempRoot,
		env:        env,
		logger:     logger,
	}
}

// Spawned reports how many children have been started.
func (p *ProcessIsolator) Spawned() int64 {
	return p.spawned.Load()
}

// WorkRoot returns the directory holding the per-execution working
// directories, creating it on first use.
func (p *ProcessIsolator) WorkRoot() (string, error) {
	p.rootMu.Lock()
	defer p.rootMu.Unlock()
	if p.root != "" {
		return p.root, nil
	}

	if p.tempRoot != "" {
		root, err := filepath.Abs(p.tempRoot)
		if err != nil {
			return "", fmt.Errorf("work root: %w", err)
		}
		if err := os.MkdirAll(root, 0o700); err != nil {
			return "", fmt.Errorf("work root: %w", err)
		}
		p.root = root
		return root, nil
	}

	if cache, err := os.UserCacheDir(); err == nil {
		root := filepath.Join(cache, "memsandbox", "work")
		if err := os.MkdirAll(root, 0o700); err == nil && os.Chmod(root, 0o700) == nil {
			p.root, p.privateRoot = root, true
			return root, nil
		}
	}
	root, err := os.MkdirTemp("", "memsandbox-work-")
	if err != nil {
		return "", fmt.Errorf("work root: %w", err)
	}
	p.root, p.privateRoot = root, true
	return root, nil
}

// checkWorkRoot rejects policies that would expose root's contents.
func checkWorkRoot(cfg policy.Config, root string) error {
	for _, allowed := range cfg.AllowedPaths {
		if fsgate.Contains(root, allowed) {
			return fmt.Errorf("allowed path %q lies inside the sandbox work root %q", allowed, root)
		}
	}
	return nil
}

// Run starts a child for req and waits for it to finish or be killed. The
// returned error is non-nil only when no child could be run; everything the
// child did is described by RawOutcome.Result.
func (p *ProcessIsolator) Run(ctx context.Context, req Request) (*RawOutcome, error) {
	if err := req.Policy.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPolicy, err)
	}
	root, err := p.WorkRoot()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLaunch, err)
	}
	if err := checkWorkRoot(req.Policy, root); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPolicy, err)
	}
	helper, err := p.helper()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLaunch, err)
	}
	payload, err := json.Marshal(childRequest{
		Code:     req.Code,
		Context:  req.Context,
		Policy:   req.Policy,
		Memory:   req.Memory != nil,
		WorkRoot: root,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: encoding request: %w", ErrLaunch, err)
	}

	// 1. Isolated working directory.
	tmpDir, err := os.MkdirTemp(root, "run-*")
	if err != nil {
		return nil, fmt.Errorf("%w: creating temp dir: %w", ErrLaunch, err)
	}
	defer func() {
		if rmErr := os.RemoveAll(tmpDir); rmErr != nil {
			p.logger.Warn("failed to remove sandbox temp dir",
				slog.String("dir", tmpDir),
				slog.String("error", rmErr.Error()),
			)
		}
	}()
	if cred := credential(req.Policy); cred != nil {
		// A dropped uid must traverse the root to reach its own directory,
		// but still cannot list it.
		if p.privateRoot {
			if err := os.Chmod(root, 0o711); err != nil {
				return nil, fmt.Errorf("%w: opening work root for uid %d: %w", ErrLaunch, cred.Uid, err)
			}
		}
		if err := os.Chown(tmpDir, int(cred.Uid), int(cred.Gid)); err != nil {
			return nil, fmt.Errorf("%w: handing temp dir to uid %d: %w", ErrLaunch, cred.Uid, err)
		}
	}

	// 2. Memory capability pipes.
	var rpc *memoryServer
	if req.Memory != nil {
		rpc, err = newMemoryServer(req.Memory)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrLaunch, err)
		}
		defer rpc.close()
	}

	// 3. Deadline. The clock starts before the context so elapsed time never
	// reads below the limit on a timeout.
	start := time.Now()
	timeout := req.Policy.MaxExecutionTime
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, helper)
	cmd.Dir = tmpDir
	cmd.Env = p.buildEnv(tmpDir)
	cmd.SysProcAttr = sysProcAttr(req.Policy)
	cmd.Cancel = func() error { return killGroup(cmd) }
	cmd.WaitDelay = waitDelay
	cmd.Stdin = bytes.NewReader(payload)

	frames := newFrameReader(func() { _ = killGroup(cmd) })
	var stderrBuf bytes.Buffer
	cmd.Stdout = frames
	cmd.Stderr = &limitedWriter{w: &stderrBuf, remaining: maxStderrBytes}
	if rpc != nil {
		cmd.ExtraFiles = rpc.childFiles()
	}

	p.logger.Debug("sandbox starting child",
		slog.String("dir", tmpDir),
		slog.Duration("timeout", timeout),
		slog.Int64("memory_limit_bytes", req.Policy.MaxMemoryBytes),
		slog.Int("cpu_percent", req.Policy.MaxCPUPercent),
	)

	if ctx.Err() != nil {
		return canceledOutcome(), nil
	}
	if err := cmd.Start(); err != nil {
		if ctx.Err() != nil {
			return canceledOutcome(), nil
		}
		return nil, fmt.Errorf("%w: starting child: %w", ErrLaunch, err)
	}
	p.spawned.Add(1)
	pid := cmd.Process.Pid
	if rpc != nil {
		rpc.started()
		go rpc.serve(runCtx)
	}

	waitErr := cmd.Wait()
	elapsed := time.Since(start)
	if rpc != nil {
		rpc.close()
	}

	out := &RawOutcome{
		PID:      pid,
		ExitCode: cmd.ProcessState.ExitCode(),
		Elapsed:  elapsed,
	}
	out.Result = p.interpret(ctx, runCtx, frames, cmd.ProcessState, stderrBuf.String(), elapsed)
	if out.Result.Kind == KindError && !frames.hasTerminal() {
		out.Crash = stderrBuf.String()
	}

	level := slog.LevelInfo
	if waitErr != nil && !frames.hasTerminal() {
		level = slog.LevelWarn
	}
	p.logger.Log(ctx, level, "sandbox child finished",
		slog.Int("pid", pid),
		slog.String("kind", string(out.Result.Kind)),
		slog.Int("exit_code", out.ExitCode),
		slog.Duration("duration", elapsed),
	)
	return out, nil
}

// interpret maps what the child reported, or how it died, to a result.
func (p *ProcessIsolator) interpret(ctx, runCtx context.Context, frames *frameReader, state *os.ProcessState, crash string, elapsed time.Duration) ExecutionResult {
	term, protoErr := frames.result()
	stdout, stderr := frames.streams()

	switch {
	case term != nil && term.Kind == frameViolation:
		return NewViolation(term.ViolationType, term.Message)
	case term != nil && term.Kind == frameResult:
		return NewSuccess(term.Output, stdout, stderr, elapsed)
	case term != nil:
		return NewError(term.ErrorType, term.Message, stdout, stderr)
	case ctx.Err() != nil:
		return NewError(ErrorRuntime, "execution canceled", stdout, stderr)
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return NewTimeout(elapsed, stdout)
	case protoErr != nil:
		return NewError(ErrorRuntime, protoErr.Error(), stdout, stderr)
	}

	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		switch ws.Signal() {
		case syscall.SIGXCPU:
			return NewTimeout(elapsed, stdout)
		case syscall.SIGKILL:
			return NewViolation(policy.ResourceExhaustion, "sandbox process was killed after exceeding a resource limit")
		}
	}
	if outOfMemory(crash) {
		return NewViolation(policy.ResourceExhaustion, "sandbox process ran out of memory")
	}
	return NewError(ErrorRuntime, fmt.Sprintf("sandbox process exited unexpectedly (%s)", state), stdout, stderr)
}

// canceledOutcome is reported when the caller gave up before a child ran.
func canceledOutcome() *RawOutcome {
	return &RawOutcome{Result: NewError(ErrorRuntime, "execution canceled", "", "")}
}

func outOfMemory(stderr string) bool {
	return strings.Contains(stderr, "out of memory") || strings.Contains(stderr, "cannot allocate memory")
}

func (p *ProcessIsolator) helper() (string, error) {
	if p.helperPath != "" {
		if _, err := os.Stat(p.helperPath); err != nil {
			return "", fmt.Errorf("helper binary: %w", err)
		}
		return p.helperPath, nil
	}
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("locating own executable: %w", err)
	}
	return exe, nil
}

// buildEnv constructs a minimal environment. The parent's environment is
// never inherited, so no credential can leak into the child.
func (p *ProcessIsolator) buildEnv(tmpDir string) []string {
	env := []string{
		childEnv + "=1",
		"HOME=" + tmpDir,
		"TMPDIR=" + tmpDir,
		"LANG=C.UTF-8",
		"TERM=dumb",
		"GOMAXPROCS=2",
	}
	for k, v := range p.env {
		if k == childEnv {
			continue
		}
		env = append(env, k+"="+v)
	}
	return env
}

func credential(cfg policy.Config) *syscall.Credential {
	if cfg.DropUID == nil {
		return nil
	}
	gid := *cfg.DropUID
	if cfg.DropGID != nil {
		gid = *cfg.DropGID
	}
	return &syscall.Credential{Uid: uint32(*cfg.DropUID), Gid: uint32(gid)}
}

// niceness maps a CPU share to a scheduling priority: 100% runs at 0 and
// 1% at 19.
func niceness(cpuPercent int) int {
	if cpuPercent >= 100 {
		return 0
	}
	if cpuPercent < 1 {
		cpuPercent = 1
	}
	return 19 * (100 - cpuPercent) / 100
}

// killGroup sends SIGKILL to the child's whole process group.
func killGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	if errors.Is(err, syscall.ESRCH) {
		return os.ErrProcessDone
	}
	return err
}

// frameReader parses the child's stdout as it is written. It never returns
// a write error, so the child cannot block on a full pipe.
type frameReader struct {
	mu     sync.Mutex
	buf    []byte
	kill   func()
	stdout limitedBuilder
	stderr limitedBuilder
	term   *frame
	err    error
}

func newFrameReader(kill func()) *frameReader {
	return &frameReader{
		kill:   kill,
		stdout: limitedBuilder{remaining: maxStreamBytes},
		stderr: limitedBuilder{remaining: maxStreamBytes},
	}
}

func (r *frameReader) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed() {
		return len(p), nil
	}

	r.buf = append(r.buf, p...)
	consumed := 0
	for !r.closed() {
		i := bytes.IndexByte(r.buf[consumed:], '\n')
		if i < 0 {
			break
		}
		r.handle(r.buf[consumed : consumed+i])
		consumed += i + 1
	}
	if r.closed() {
		r.buf = nil
		return len(p), nil
	}
	r.buf = append(r.buf[:0], r.buf[consumed:]...)
	if len(r.buf) > maxFrameBytes {
		r.fail(fmt.Errorf("%w: frame exceeds %d bytes", ErrProtocol, maxFrameBytes))
	}
	return len(p), nil
}

func (r *frameReader) closed() bool {
	return r.term != nil || r.err != nil
}

func (r *frameReader) handle(line []byte) {
	if len(bytes.TrimSpace(line)) == 0 {
		return
	}
	var f frame
	if err := json.Unmarshal(line, &f); err != nil {
		r.fail(fmt.Errorf("%w: %w", ErrProtocol, err))
		return
	}
	if err := f.validate(); err != nil {
		r.fail(err)
		return
	}
	switch f.Kind {
	case frameStdout:
		r.stdout.writeLine(f.Text)
	case frameStderr:
		r.stderr.writeLine(f.Text)
	default:
		r.term = &f
		if f.Kind == frameViolation {
			r.kill()
		}
	}
}

func (r *frameReader) fail(err error) {
	r.err = err
	r.kill()
}

func (r *frameReader) result() (*frame, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.term, r.err
}

func (r *frameReader) hasTerminal() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.term != nil
}

func (r *frameReader) streams() (stdout, stderr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stdout.String(), r.stderr.String()
}

type limitedBuilder struct {
	strings.Builder
	remaining int
}

func (b *limitedBuilder) writeLine(s string) {
	line := s + "\n"
	if b.remaining <= 0 {
		return
	}
	if len(line) > b.remaining {
		line = line[:b.remaining]
	}
	b.remaining -= len(line)
	b.WriteString(line)
}

// memoryServer answers the child's memory.query calls. The child reads
// replies on fd 3 and writes calls on fd 4.
type memoryServer struct {
	querier memory.Querier

	toChildR, toChildW     *os.File
	fromChildR, fromChildW *os.File

	once sync.Once
}

func newMemoryServer(q memory.Querier) (*memoryServer, error) {
	toR, toW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("memory pipe: %w", err)
	}
	fromR, fromW, err := os.Pipe()
	if err != nil {
		_ = toR.Close()
		_ = toW.Close()
		return nil, fmt.Errorf("memory pipe: %w", err)
	}
	return &memoryServer{
		querier:    q,
		toChildR:   toR,
		toChildW:   toW,
		fromChildR: fromR,
		fromChildW: fromW,
	}, nil
}

func (s *memoryServer) childFiles() []*os.File {
	return []*os.File{s.toChildR, s.fromChildW}
}

// started releases the parent's copies of the child's pipe ends.
func (s *memoryServer) started() {
	_ = s.toChildR.Close()
	_ = s.fromChildW.Close()
}

func (s *memoryServer) serve(ctx context.Context) {
	dec := json.NewDecoder(io.LimitReader(s.fromChildR, maxMemoryCalls*maxMemoryCallBytes))
	enc := json.NewEncoder(s.toChildW)
	for calls := 1; ; calls++ {
		var call memoryCall
		if err := dec.Decode(&call); err != nil {
			return
		}
		var reply memoryReply
		if calls > maxMemoryCalls {
			reply.Error = fmt.Sprintf("memory query budget exhausted (%d allowed)", maxMemoryCalls)
		} else {
			episodes, err := s.querier.Query(ctx, call.Query, memory.ClampLimit(call.Limit))
			if err != nil {
				reply.Error = err.Error()
			}
			reply.Episodes = episodes
		}
		if err := enc.Encode(reply); err != nil {
			return
		}
	}
}

// close shuts every pipe end, which also ends serve.
func (s *memoryServer) close() {
	s.once.Do(func() {
		_ = s.fromChildR.Close()
		_ = s.toChildW.Close()
		_ = s.toChildR.Close()
		_ = s.fromChildW.Close()
	})
}

// limitedWriter wraps a writer and stops writing after a byte limit.
// Excess data is discarded.
type limitedWriter struct {
	w         io.Writer
	remaining int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if lw.remaining <= 0 {
		return len(p), nil
	}
	n := len(p)
	if n > lw.remaining {
		p = p[:lw.remaining]
	}
	written, err := lw.w.Write(p)
	lw.remaining -= written
	if err != nil {
		return written, err
	}
	return n, nil
}
