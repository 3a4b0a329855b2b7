// Package agent provides the on-prem bridge agent implementation.
//
// # Agent Lifecycle
//
//  1. Load configuration
//  2. Dial the gateway websocket with the agent key
//  3. Start the heartbeat loop
//  4. Read command frames and dispatch them until the connection drops
//  5. Wait the reconnect interval and dial again
//  6. Run until shutdown signal
package agent

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/orglink/bridge/agent/internal/config"
	"github.com/orglink/bridge/agent/internal/directory"
	"github.com/orglink/bridge/agent/internal/dispatch"
	"github.com/orglink/bridge/agent/internal/groupware"
	"github.com/orglink/bridge/pkg/types"
)

// Version is set at build time.
var Version = "dev"

// Agent maintains the outbound gateway connection and serves commands.
type Agent struct {
	cfg        *config.Config
	dispatcher *dispatch.Dispatcher
	directory  *directory.Client
	logger     *slog.Logger
	startTime  time.Time

	// writeMu serializes frame writes; the heartbeat loop and the command
	// loop share one websocket connection.
	writeMu sync.Mutex
	conn    *websocket.Conn
}

// New creates a new agent with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Agent, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	dirClient := directory.NewClient(directory.Config{
		URL:          cfg.Directory.URL,
		BaseDN:       cfg.Directory.BaseDN,
		UsersOU:      cfg.Directory.UsersOU,
		BindUser:     cfg.Directory.BindUser,
		BindPassword: cfg.Directory.BindPassword,
		SkipVerify:   cfg.Directory.SkipVerify,
	}, logger)

	calClient := groupware.NewClient(groupware.Config{
		URL:        cfg.Groupware.URL,
		Domain:     cfg.Groupware.Domain,
		Username:   cfg.Groupware.Username,
		Password:   cfg.Groupware.Password,
		SkipVerify: cfg.Groupware.SkipVerify,
		RateLimit:  cfg.Groupware.RateLimit,
	}, logger)

	a := &Agent{
		cfg:        cfg,
		dispatcher: dispatch.New(dirClient, calClient, Version, logger),
		directory:  dirClient,
		logger:     logger,
		startTime:  time.Now(),
	}

	return a, nil
}

// Run connects to the gateway and blocks until context is cancelled.
// Every connection failure is followed by a fixed-interval retry; the agent
// never gives up while the context is alive.
func (a *Agent) Run(ctx context.Context) error {
	a.logger.Info("starting agent",
		"gateway", a.cfg.Gateway.URL,
		"version", Version,
		"commands", len(a.dispatcher.Commands()))

	defer a.directory.Close()

	for {
		if err := a.runConnection(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			a.logger.Warn("connection lost",
				"error", err,
				"retry_in", a.cfg.Bridge.ReconnectInterval)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(a.cfg.Bridge.ReconnectInterval):
		}
	}
}

// runConnection dials the gateway and serves one connection to completion.
func (a *Agent) runConnection(ctx context.Context) error {
	conn, err := a.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	a.writeMu.Lock()
	a.conn = conn
	a.writeMu.Unlock()

	a.logger.Info("connected to gateway")

	// Announce liveness immediately so the gateway flips to connected
	// before the first ticker fires.
	if err := a.sendHeartbeat(); err != nil {
		return fmt.Errorf("initial heartbeat: %w", err)
	}

	heartbeatDone := make(chan struct{})
	defer close(heartbeatDone)
	go a.runHeartbeat(ctx, heartbeatDone)

	return a.readLoop(ctx, conn)
}

// dial opens the websocket with the agent key in the query string.
func (a *Agent) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(a.cfg.Gateway.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid gateway url: %w", err)
	}
	q := u.Query()
	q.Set("token", a.cfg.Gateway.AgentKey)
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{
		HandshakeTimeout: a.cfg.Gateway.HandshakeTimeout,
	}
	if a.cfg.Gateway.InsecureSkipVerify {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	conn, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("gateway handshake: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("gateway dial: %w", err)
	}
	return conn, nil
}

// readLoop processes incoming frames until the connection drops. Commands
// are handled inline; ordering within one connection follows arrival order.
func (a *Agent) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		var env types.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			a.logger.Warn("malformed frame", "error", err)
			continue
		}

		if env.Type != types.FrameCommand {
			a.logger.Debug("ignoring frame", "type", env.Type)
			continue
		}

		var frame types.CommandFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			a.logger.Warn("malformed command frame", "error", err)
			continue
		}

		cmdCtx, cancel := context.WithTimeout(ctx, a.cfg.Bridge.CommandTimeout)
		resp := a.dispatcher.Dispatch(cmdCtx, frame)
		cancel()

		if err := a.writeJSON(resp); err != nil {
			return fmt.Errorf("write response: %w", err)
		}
	}
}

// runHeartbeat sends periodic heartbeats until the connection closes.
func (a *Agent) runHeartbeat(ctx context.Context, done <-chan struct{}) {
	ticker := time.NewTicker(a.cfg.Bridge.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			if err := a.sendHeartbeat(); err != nil {
				a.logger.Warn("heartbeat failed", "error", err)
				return
			}
		}
	}
}

// sendHeartbeat sends a single heartbeat frame.
func (a *Agent) sendHeartbeat() error {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return a.writeJSON(types.HeartbeatFrame{
		Type:           types.FrameHeartbeat,
		Timestamp:      time.Now().UTC(),
		Status:         "healthy",
		Version:        Version,
		MemoryMB:       float64(m.Alloc) / 1024 / 1024,
		GoroutineCount: runtime.NumGoroutine(),
	})
}

func (a *Agent) writeJSON(v any) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	if a.conn == nil {
		return fmt.Errorf("not connected")
	}
	return a.conn.WriteJSON(v)
}
