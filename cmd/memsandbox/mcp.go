package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	mcpgw "github.com/jkaninda/memsandbox/internal/gateway/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the sandbox as MCP tools over stdio",
	Long: `Speak the Model Context Protocol on stdin/stdout, exposing the
execute_code and sandbox_stats tools. Logs go to stderr.`,
	RunE: runMCP,
}

func runMCP(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.LogLevel)

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := cfg.Gateways.MCP.ClientName()
	logger.Info("starting mcp server", slog.String("client", client), slog.String("version", version))
	return mcpgw.NewServer(sc.Engine, client, version, logger).Serve(ctx, os.Stdin, os.Stdout)
}
