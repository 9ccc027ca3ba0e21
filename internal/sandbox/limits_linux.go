//go:build linux

package sandbox

import (
	"fmt"
	"math"
	goruntime "runtime"
	"syscall"

	seccomp "github.com/elastic/go-seccomp-bpf"
	"golang.org/x/sys/unix"

	"github.com/jkaninda/memsandbox/internal/sandbox/policy"
)

const (
	// runtimeOverheadBytes is added to RLIMIT_DATA on top of the policy's
	// memory limit to cover the Go runtime and the JS engine.
	runtimeOverheadBytes = 128 << 20
	maxFileSizeBytes     = 8 << 20
	// Go threads count against RLIMIT_NPROC, so each permitted process gets
	// this many tasks.
	tasksPerProcess = 256
)

// deniedSyscalls fail with EPERM in the child. Creating processes, changing
// namespaces and inspecting other processes are all out of reach.
var deniedSyscalls = []string{
	"execve", "execveat",
	"ptrace", "process_vm_readv", "process_vm_writev",
	"kexec_load", "init_module", "finit_module", "delete_module",
	"mount", "umount2", "chroot", "pivot_root", "setns", "unshare",
	"bpf", "perf_event_open", "keyctl", "add_key", "request_key",
	"reboot", "swapon", "swapoff",
}

// sysProcAttr is applied by the parent when starting the child.
func sysProcAttr(cfg policy.Config) *syscall.SysProcAttr {
	attr := &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
	if cred := credential(cfg); cred != nil {
		attr.Credential = cred
	}
	return attr
}

// applyLimits runs in the child before any user code.
func applyLimits(cfg policy.Config) error {
	cpu := uint64(math.Ceil(cfg.MaxExecutionTime.Seconds())) + 1
	limits := []struct {
		name     string
		resource int
		soft     uint64
		hard     uint64
	}{
		{"cpu", unix.RLIMIT_CPU, cpu, cpu + 1},
		{"data", unix.RLIMIT_DATA, uint64(cfg.MaxMemoryBytes) + runtimeOverheadBytes, uint64(cfg.MaxMemoryBytes) + runtimeOverheadBytes},
		{"fsize", unix.RLIMIT_FSIZE, maxFileSizeBytes, maxFileSizeBytes},
		{"core", unix.RLIMIT_CORE, 0, 0},
	}
	if cfg.DropUID != nil {
		n := uint64(cfg.MaxProcesses) * tasksPerProcess
		limits = append(limits, struct {
			name     string
			resource int
			soft     uint64
			hard     uint64
		}{"nproc", unix.RLIMIT_NPROC, n, n})
	}
	for _, l := range limits {
		if err := unix.Setrlimit(l.resource, &unix.Rlimit{Cur: l.soft, Max: l.hard}); err != nil {
			return fmt.Errorf("set rlimit %s: %w", l.name, err)
		}
	}

	if err := unix.Setpriority(unix.PRIO_PROCESS, 0, niceness(cfg.MaxCPUPercent)); err != nil {
		return fmt.Errorf("set priority: %w", err)
	}
	if err := unix.Prctl(unix.PR_SET_DUMPABLE, 0, 0, 0, 0); err != nil {
		return fmt.Errorf("clear dumpable: %w", err)
	}
	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("set no_new_privs: %w", err)
	}
	if cfg.Seccomp {
		if err := loadSeccomp(); err != nil {
			return fmt.Errorf("seccomp: %w", err)
		}
	}
	return nil
}

func loadSeccomp() error {
	if !seccomp.Supported() {
		return fmt.Errorf("not supported by this kernel")
	}
	names := append([]string(nil), deniedSyscalls...)
	if goruntime.GOARCH == "amd64" || goruntime.GOARCH == "386" {
		names = append(names, "fork", "vfork")
	}
	filter := seccomp.Filter{
		NoNewPrivs: true,
		Flag:       seccomp.FilterFlagTSync,
		Policy: seccomp.Policy{
			DefaultAction: seccomp.ActionAllow,
			Syscalls: []seccomp.SyscallGroup{
				{Action: seccomp.ActionErrno, Names: names},
			},
		},
	}
	return seccomp.LoadFilter(filter)
}
