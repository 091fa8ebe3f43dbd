package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nerrad567/espbridge/internal/device"
	"github.com/nerrad567/espbridge/internal/event"
	"github.com/nerrad567/espbridge/internal/infrastructure/config"
	"github.com/nerrad567/espbridge/internal/infrastructure/logging"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Engine is the part of the bridge engine the API drives. *bridge.Engine
// satisfies it.
type Engine interface {
	RequestRegistration(ctx context.Context, mac, token string) (bool, error)
	RequestReregister(identity string)
	LatestSettings(deviceID int64) (map[string]any, time.Time, bool)
	ControlTopic(deviceID int64) string
	ForgetDevice(deviceID int64)
}

// DeviceStore reads and edits devices. *device.SQLiteRepository satisfies it.
type DeviceStore interface {
	GetByID(ctx context.Context, id int64) (*device.Device, error)
	Find(ctx context.Context, filter device.Filter) ([]device.Device, error)
	Save(ctx context.Context, dev *device.Device) error
	Delete(ctx context.Context, id int64) error
}

// EventStore reads the event log.
type EventStore interface {
	List(ctx context.Context, filter event.Filter) ([]event.Event, error)
}

// Publisher sends raw commands to sensors. *mqtt.Client satisfies it.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	IsConnected() bool
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config  config.APIConfig
	WS      config.WebSocketConfig
	Logger  *logging.Logger
	Engine  Engine
	Devices DeviceStore
	Events  EventStore
	MQTT    Publisher // optional; publishing endpoints answer 503 without it

	// ControlTopic is the shared command topic; publishes to it go to the
	// device's session-suffixed topic instead.
	ControlTopic string

	// Hub is shared with the engine, which broadcasts through it. When nil
	// the server creates its own.
	Hub     *Hub
	Version string
}

// Server is the operator HTTP API.
type Server struct {
	cfg          config.APIConfig
	wsCfg        config.WebSocketConfig
	logger       *logging.Logger
	engine       Engine
	devices      DeviceStore
	events       EventStore
	mqtt         Publisher
	controlTopic string
	version      string
	server       *http.Server
	hub          *Hub
	externalHub  bool
	cancel       context.CancelFunc
}

// New creates a new API server with the given dependencies. The server is
// not started until Start is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Engine == nil {
		return nil, fmt.Errorf("bridge engine is required")
	}
	if deps.Devices == nil {
		return nil, fmt.Errorf("device store is required")
	}
	if deps.Events == nil {
		return nil, fmt.Errorf("event store is required")
	}

	s := &Server{
		cfg:          deps.Config,
		wsCfg:        deps.WS,
		logger:       deps.Logger,
		engine:       deps.Engine,
		devices:      deps.Devices,
		events:       deps.Events,
		mqtt:         deps.MQTT,
		controlTopic: deps.ControlTopic,
		version:      deps.Version,
	}
	if deps.Hub != nil {
		s.hub = deps.Hub
		s.externalHub = true
	}
	return s, nil
}

// Start launches the HTTP listener in a background goroutine. The server is
// stopped with Close.
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	if s.hub == nil {
		s.hub = NewHub(s.wsCfg, s.logger)
		go s.hub.Run(srvCtx)
	}

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       config.Seconds(s.cfg.Timeouts.Read),
		ReadHeaderTimeout: config.Seconds(s.cfg.Timeouts.Read),
		WriteTimeout:      config.Seconds(s.cfg.Timeouts.Write),
		IdleTimeout:       config.Seconds(s.cfg.Timeouts.Idle),
	}

	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS", "address", s.server.Addr, "cert", s.cfg.TLS.CertFile)
			err = s.server.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", s.server.Addr)
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close shuts the server down, waiting up to gracefulShutdownTimeout for
// in-flight requests.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}
	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// Hub returns the server's WebSocket hub, or nil before Start when none was
// injected.
func (s *Server) Hub() *Hub {
	return s.hub
}

// HealthCheck reports whether the server has been started.
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
