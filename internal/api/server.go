package api

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/nerrad567/feeder-core/internal/app"
	"github.com/nerrad567/feeder-core/internal/auth"
	"github.com/nerrad567/feeder-core/internal/bridge"
	"github.com/nerrad567/feeder-core/internal/infrastructure/config"
	"github.com/nerrad567/feeder-core/internal/infrastructure/logging"
	"github.com/nerrad567/feeder-core/internal/notify"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// WebSocket event channels.
const (
	ChannelStateChanged        = "state.changed"
	ChannelNotificationCreated = "notification.created"
)

// SessionSource returns the client's current session and its token.
type SessionSource interface {
	GetSession(ctx context.Context) (*auth.Session, error)
}

// ConnectionChecker reports broker connectivity for metrics.
type ConnectionChecker interface {
	IsConnected() bool
}

// BridgeStats reports the in-process telemetry bridge counters.
type BridgeStats interface {
	Stats() bridge.Stats
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.APIConfig
	WS       config.WebSocketConfig
	Secret   string
	Logger   *logging.Logger
	Client   *app.Client
	Sessions SessionSource

	// Optional, reported by /metrics when set.
	DB     *sql.DB
	MQTT   ConnectionChecker
	Bridge BridgeStats

	Version string
}

// Server is the HTTP API server of the feeder client.
type Server struct {
	cfg       config.APIConfig
	wsCfg     config.WebSocketConfig
	secret    string
	logger    *logging.Logger
	client    *app.Client
	sessions  SessionSource
	db        *sql.DB
	mqtt      ConnectionChecker
	bridge    BridgeStats
	version   string
	startTime time.Time

	server  *http.Server
	hub     *Hub
	tickets *ticketStore
	cancel  context.CancelFunc
	stops   []func()
	stopMu  sync.Mutex
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Client == nil {
		return nil, fmt.Errorf("client is required")
	}
	if deps.Sessions == nil {
		return nil, fmt.Errorf("session source is required")
	}
	if deps.Secret == "" {
		return nil, fmt.Errorf("session secret is required")
	}

	return &Server{
		cfg:       deps.Config,
		wsCfg:     deps.WS,
		secret:    deps.Secret,
		logger:    deps.Logger,
		client:    deps.Client,
		sessions:  deps.Sessions,
		db:        deps.DB,
		mqtt:      deps.MQTT,
		bridge:    deps.Bridge,
		version:   deps.Version,
		startTime: time.Now(),
		hub:       NewHub(deps.WS, deps.Logger),
		tickets:   newTicketStore(),
	}, nil
}

// Start begins listening for HTTP connections.
//
// It starts the WebSocket hub, relays client view and notification changes
// to it, and launches the HTTP listener in a background goroutine.
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	s.startBackground(srvCtx)

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		s.logger.Info("API server starting", "address", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// startBackground runs the hub and ticket cleanup until ctx ends and
// starts relaying client events.
func (s *Server) startBackground(ctx context.Context) {
	go s.hub.Run(ctx)
	go s.tickets.cleanLoop(ctx)
	s.relayEvents()
}

// relayEvents forwards client changes to WebSocket subscribers.
func (s *Server) relayEvents() {
	stopView := s.client.OnViewChange(func(v app.View) {
		var userID string
		if v.Principal != nil {
			userID = v.Principal.ID
		}
		if n := s.hub.DisconnectExcept(userID); n > 0 {
			s.logger.Info("websocket clients of previous session disconnected", "clients", n)
		}
		s.hub.Broadcast(ChannelStateChanged, v)
	})
	stopNotify := s.client.Notifications().OnChange(func(e notify.Event) {
		if e.Op == notify.OpCreated && e.Notification != nil {
			s.hub.Broadcast(ChannelNotificationCreated, e.Notification)
		}
	})

	s.stopMu.Lock()
	s.stops = append(s.stops, stopView, stopNotify)
	s.stopMu.Unlock()
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	s.stopMu.Lock()
	stops := s.stops
	s.stops = nil
	s.stopMu.Unlock()
	for _, stop := range stops {
		stop()
	}

	if s.cancel != nil {
		s.cancel()
	}
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running and responsive.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}

	return nil
}
