// Package ws implements the WebSocket execution stream. Clients send execute
// envelopes and receive result envelopes carrying the same ID. Executions on
// one connection run concurrently, up to a per-connection in-flight cap, and
// share the coordinator's slots with every other gateway.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/jkaninda/memsandbox/internal/config"
	"github.com/jkaninda/memsandbox/internal/engine"
	"github.com/jkaninda/memsandbox/internal/protocol"
	"github.com/jkaninda/memsandbox/internal/security"
)

// Subprotocol is negotiated on upgrade.
const Subprotocol = "memsandbox-v1"

const (
	pingTimeout   = 10 * time.Second
	writeTimeout  = 10 * time.Second
	maxMessageLen = 1 << 20
)

// Server upgrades HTTP requests to execution streams.
type Server struct {
	engine *engine.Engine
	keys   security.APIKeys
	cfg    *config.WebSocketGatewayConfig
	logger *slog.Logger
}

// NewServer creates a WebSocket server backed by eng. Clients authenticate
// with the same API keys as the HTTP gateway.
func NewServer(eng *engine.Engine, keys security.APIKeys, cfg *config.WebSocketGatewayConfig, logger *slog.Logger) *Server {
	return &Server{
		engine: eng,
		keys:   keys,
		cfg:    cfg,
		logger: logger,
	}
}

// Handler returns an http.Handler that upgrades connections to WebSocket.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleUpgrade)
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	// Browsers cannot set headers on upgrade, so ?token= is accepted too.
	header := r.Header.Get("Authorization")
	if token := r.URL.Query().Get("token"); header == "" && token != "" {
		header = "Bearer " + token
	}
	client, err := s.keys.Authenticate(header)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{Subprotocol},
	})
	if err != nil {
		s.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}
	conn.SetReadLimit(maxMessageLen)

	s.handleConnection(r.Context(), conn, client)
}

// connection is the per-socket state.
type connection struct {
	s      *Server
	conn   *websocket.Conn
	client string

	slots chan struct{}
	wg    sync.WaitGroup

	mu       sync.Mutex
	inflight map[string]struct{}
}

func (s *Server) handleConnection(ctx context.Context, conn *websocket.Conn, client string) {
	ctx, cancel := context.WithCancel(ctx)
	c := &connection{
		s:        s,
		conn:     conn,
		client:   client,
		slots:    make(chan struct{}, s.cfg.InFlight()),
		inflight: make(map[string]struct{}),
	}
	defer func() {
		// Running executions are abandoned with the connection.
		cancel()
		c.wg.Wait()
		conn.Close(websocket.StatusNormalClosure, "connection closed")
	}()

	s.logger.Info("ws client connected", slog.String("client", client))
	go c.pingLoop(ctx)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				s.logger.Info("ws client disconnected", slog.String("client", client))
			} else if ctx.Err() == nil {
				s.logger.Warn("ws connection error",
					slog.String("client", client),
					slog.String("error", err.Error()),
				)
			}
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.sendError(ctx, "", protocol.ErrorPayload{Code: protocol.CodeBadRequest, Message: "invalid envelope"})
			continue
		}
		c.handleMessage(ctx, &env)
	}
}

func (c *connection) handleMessage(ctx context.Context, env *protocol.Envelope) {
	switch env.Type {
	case protocol.MsgExecute:
		var p protocol.ExecutePayload
		if err := env.Decode(&p); err != nil {
			c.sendError(ctx, env.ID, protocol.ErrorPayload{Code: protocol.CodeBadRequest, Message: "invalid execute payload"})
			return
		}
		if env.ID == "" || !c.track(env.ID) {
			c.sendError(ctx, env.ID, protocol.ErrorPayload{Code: protocol.CodeBadRequest, Message: "execute needs an id not already in flight"})
			return
		}
		// Backpressure: stop reading until a slot frees up.
		select {
		case c.slots <- struct{}{}:
		case <-ctx.Done():
			c.untrack(env.ID)
			return
		}
		c.wg.Add(1)
		go c.execute(ctx, env.ID, p)

	case protocol.MsgStats:
		c.send(ctx, env.ID, protocol.MsgStatsResponse, c.s.engine.Stats())

	case protocol.MsgPing:
		c.send(ctx, env.ID, protocol.MsgPong, nil)

	default:
		c.sendError(ctx, env.ID, protocol.ErrorPayload{Code: protocol.CodeBadRequest, Message: "unknown message type " + string(env.Type)})
	}
}

func (c *connection) execute(ctx context.Context, id string, p protocol.ExecutePayload) {
	defer func() {
		<-c.slots
		c.untrack(id)
		c.wg.Done()
	}()

	out, err := c.s.engine.Execute(ctx, engine.Request{
		Client:  c.client,
		Gateway: engine.GatewayWebSocket,
		Code:    p.Code,
		Task:    p.Task,
		Input:   p.Input,
		Preset:  p.Preset,
		Timeout: time.Duration(p.TimeoutMs) * time.Millisecond,
	})
	if err != nil {
		c.sendError(ctx, id, errorPayload(err))
		return
	}
	c.s.logger.Debug("ws execution",
		slog.String("client", c.client),
		slog.String("execution_id", out.ExecutionID),
		slog.String("outcome", string(out.Result.Kind)),
	)
	c.send(ctx, id, protocol.MsgResult, protocol.ResultPayload{
		ExecutionID: out.ExecutionID,
		Preset:      out.Preset,
		Result:      out.Result,
	})
}

func errorPayload(err error) protocol.ErrorPayload {
	var rl *engine.RateLimitError
	switch {
	case errors.As(err, &rl):
		return protocol.ErrorPayload{
			Code:         protocol.CodeRateLimited,
			Message:      "rate limit exceeded",
			RetryAfterMs: max(rl.RetryAfter.Milliseconds(), 1),
		}
	case errors.Is(err, engine.ErrInvalidRequest):
		return protocol.ErrorPayload{Code: protocol.CodeBadRequest, Message: err.Error()}
	default:
		return protocol.ErrorPayload{Code: protocol.CodeInternal, Message: "execution failed"}
	}
}

func (c *connection) track(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.inflight[id]; dup {
		return false
	}
	c.inflight[id] = struct{}{}
	return true
}

func (c *connection) untrack(id string) {
	c.mu.Lock()
	delete(c.inflight, id)
	c.mu.Unlock()
}

func (c *connection) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(c.s.cfg.PingInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
			err := c.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				c.s.logger.Debug("ws ping failed",
					slog.String("client", c.client),
					slog.String("error", err.Error()),
				)
				c.conn.Close(websocket.StatusGoingAway, "ping timeout")
				return
			}
		}
	}
}

func (c *connection) sendError(ctx context.Context, id string, p protocol.ErrorPayload) {
	c.send(ctx, id, protocol.MsgError, p)
}

func (c *connection) send(ctx context.Context, id string, msgType protocol.MessageType, payload any) {
	env, err := protocol.Reply(id, msgType, payload)
	if err != nil {
		c.s.logger.Error("ws encode failed", slog.String("error", err.Error()))
		return
	}
	data, err := json.Marshal(env)
	if err != nil {
		c.s.logger.Error("ws encode failed", slog.String("error", err.Error()))
		return
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := c.conn.Write(wctx, websocket.MessageText, data); err != nil {
		c.s.logger.Debug("ws write failed",
			slog.String("client", c.client),
			slog.String("error", err.Error()),
		)
	}
}
