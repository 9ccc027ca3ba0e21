//go:build unix && !linux

package sandbox

import (
	"fmt"
	"math"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/jkaninda/memsandbox/internal/sandbox/policy"
)

func sysProcAttr(cfg policy.Config) *syscall.SysProcAttr {
	attr := &syscall.SysProcAttr{Setpgid: true}
	if cred := credential(cfg); cred != nil {
		attr.Credential = cred
	}
	return attr
}

// applyLimits sets the portable subset of the Linux ceilings. Seccomp and
// RLIMIT_DATA are not available here; the heap watchdog and the wall-clock
// deadline still apply.
func applyLimits(cfg policy.Config) error {
	cpu := uint64(math.Ceil(cfg.MaxExecutionTime.Seconds())) + 1
	if err := unix.Setrlimit(unix.RLIMIT_CPU, &unix.Rlimit{Cur: cpu, Max: cpu + 1}); err != nil {
		return fmt.Errorf("set rlimit cpu: %w", err)
	}
	if err := unix.Setrlimit(unix.RLIMIT_CORE, &unix.Rlimit{}); err != nil {
		return fmt.Errorf("set rlimit core: %w", err)
	}
	if err := unix.Setpriority(unix.PRIO_PROCESS, 0, niceness(cfg.MaxCPUPercent)); err != nil {
		return fmt.Errorf("set priority: %w", err)
	}
	return nil
}
