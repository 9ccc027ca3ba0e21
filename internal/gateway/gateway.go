// Package gateway defines the interface shared by the network entry points
// and the loop that runs them together.
package gateway

import (
	"context"
	"log/slog"
	"time"
)

// Gateway is a network entry point (HTTP API with the WebSocket stream mounted on it).
type Gateway interface {
	// Start launches the gateway's event loop and blocks until the gateway
	// exits or the context is canceled. Returns an error only on failure.
	Start(ctx context.Context) error

	// Stop performs graceful shutdown. The context carries a deadline
	// for the grace period. In-flight requests should drain before returning.
	Stop(ctx context.Context) error
}

// Run starts every gateway and blocks until ctx is canceled or one of them
// exits. The gateways are then stopped in reverse order within grace. The
// first gateway error, if any, is returned.
func Run(ctx context.Context, gateways []Gateway, grace time.Duration, logger *slog.Logger) error {
	errs := make(chan error, len(gateways))
	for _, gw := range gateways {
		go func(g Gateway) {
			errs <- g.Start(ctx)
		}(gw)
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case runErr = <-errs:
		if runErr != nil {
			logger.Error("gateway exited with error", slog.String("error", runErr.Error()))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	for i := len(gateways) - 1; i >= 0; i-- {
		if err := gateways[i].Stop(shutdownCtx); err != nil {
			logger.Error("stopping gateway", slog.String("error", err.Error()))
		}
	}
	return runErr
}
