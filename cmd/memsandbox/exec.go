package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/memsandbox/internal/engine"
	"github.com/jkaninda/memsandbox/internal/sandbox"
	"github.com/jkaninda/memsandbox/internal/sandbox/policy"
)

// Exit codes of the exec command.
const (
	exitSuccess      = 0
	exitRuntimeError = 1
	exitTimeout      = 2
	exitViolation    = 3
)

var (
	execTask    string
	execInput   string
	execPreset  string
	execTimeout time.Duration

	validatePreset string
)

var execCmd = &cobra.Command{
	Use:   "exec [file|-]",
	Short: "Run a JavaScript file (or stdin) in the sandbox and print the result",
	Long: `Run a JavaScript snippet in a fresh sandbox child and print the structured
result as JSON. The code runs as the body of an async function.

Exit status: 0 success, 1 error, 2 timeout, 3 security violation.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runExec,
}

var validateCmd = &cobra.Command{
	Use:   "validate [file|-]",
	Short: "Run the static validator on a JavaScript file (or stdin) without executing it",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runValidate,
}

func init() {
	execCmd.Flags().StringVar(&execTask, "task", "", "task name exposed as context.task")
	execCmd.Flags().StringVar(&execInput, "input", "", "JSON value exposed as context.input")
	execCmd.Flags().StringVar(&execPreset, "preset", "", "policy preset: restrictive, default or permissive")
	execCmd.Flags().DurationVar(&execTimeout, "timeout", 0, "execution time limit, overriding the preset (e.g. 2s)")

	validateCmd.Flags().StringVar(&validatePreset, "preset", "", "policy preset: restrictive, default or permissive")
}

func runExec(cmd *cobra.Command, args []string) error {
	code, err := readSource(cmd.InOrStdin(), args)
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if execTimeout < 0 {
		return fmt.Errorf("--timeout must not be negative")
	}
	if execTimeout > 0 {
		cfg.Sandbox.MaxExecutionMs = int(execTimeout.Milliseconds())
	}
	// Flags act as the operator's config, so they may pick any preset.
	if execPreset != "" {
		cfg.Sandbox.Preset = execPreset
	}
	logger := newLogger(cfg.LogLevel)

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var input json.RawMessage
	if execInput != "" {
		input = json.RawMessage(execInput)
	}
	out, err := sc.Engine.Execute(ctx, engine.Request{
		Client:  currentUser(),
		Gateway: engine.GatewayCLI,
		Code:    code,
		Task:    execTask,
		Input:   input,
	})
	if err != nil {
		return err
	}

	if err := writeJSON(cmd.OutOrStdout(), out); err != nil {
		return err
	}
	if status := exitCode(out.Result); status != exitSuccess {
		return &exitError{code: status}
	}
	return nil
}

func runValidate(cmd *cobra.Command, args []string) error {
	code, err := readSource(cmd.InOrStdin(), args)
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if validatePreset != "" {
		cfg.Sandbox.Preset = validatePreset
	}

	// Validation never reaches the sandbox.
	report, err := engine.New(nil, cfg.Sandbox, nil, newLogger(cfg.LogLevel)).Validate(code, "")
	if err != nil {
		return err
	}
	if err := writeJSON(cmd.OutOrStdout(), report); err != nil {
		return err
	}
	if !report.Valid {
		return &exitError{code: exitViolation}
	}
	return nil
}

func exitCode(res sandbox.ExecutionResult) int {
	switch res.Kind {
	case sandbox.KindSuccess:
		return exitSuccess
	case sandbox.KindTimeout:
		return exitTimeout
	case sandbox.KindSecurityViolation:
		return exitViolation
	default:
		return exitRuntimeError
	}
}

// readSource reads the code from the named file, or from stdin when the
// argument is missing or "-".
func readSource(stdin io.Reader, args []string) (string, error) {
	var (
		data []byte
		err  error
	)
	if len(args) == 0 || args[0] == "-" {
		data, err = io.ReadAll(io.LimitReader(stdin, policy.MaxCodeBytes+1))
	} else {
		data, err = os.ReadFile(args[0])
	}
	if err != nil {
		return "", fmt.Errorf("reading code: %w", err)
	}
	return string(data), nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encoding output: %w", err)
	}
	return nil
}

func currentUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "cli"
}
