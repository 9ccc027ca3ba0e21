// memsandbox runs untrusted JavaScript in isolated, policy-bound child processes.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jkaninda/memsandbox/internal/config"
	"github.com/jkaninda/memsandbox/internal/sandbox"
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "memsandbox",
	Short: "memsandbox runs untrusted JavaScript in an isolated, policy-bound sandbox.",
	Long: `memsandbox executes AI-generated JavaScript inside a fresh child process
per execution. Code is validated before it runs, bounded by a named policy
preset, and every outcome is reported as a structured result.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (default "+config.DefaultConfigPath()+")")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn or error")
	rootCmd.AddCommand(execCmd, validateCmd, serveCmd, mcpCmd, policyCmd, versionCmd)
}

func main() {
	// A sandbox child never reaches the CLI.
	sandbox.ServeChild()

	if err := rootCmd.Execute(); err != nil {
		var exit *exitError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// exitError carries a process exit code for a command that already reported
// its outcome.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}
