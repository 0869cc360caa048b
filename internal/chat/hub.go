package chat

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Config holds the per-connection limits and timings of a Hub.
type Config struct {
	SendBuffer     int           // outbound frames queued per connection before it is dropped
	MaxMessageSize int64         // largest inbound frame accepted
	WriteWait      time.Duration // time allowed to write a frame to the peer
	PongWait       time.Duration // time allowed to read the next pong from the peer
	PersistTimeout time.Duration // bound on one repository call made for a frame
	HistoryLimit   int           // default history page
	MaxHistory     int           // largest history page
	StatsInterval  time.Duration
	AllowedOrigins []string // empty allows every origin
}

// PingPeriod must be less than PongWait.
func (c Config) PingPeriod() time.Duration {
	return (c.PongWait * 9) / 10
}

func DefaultConfig() Config {
	return Config{
		SendBuffer:     256,
		MaxMessageSize: 4096,
		WriteWait:      10 * time.Second,
		PongWait:       60 * time.Second,
		PersistTimeout: 5 * time.Second,
		HistoryLimit:   50,
		MaxHistory:     200,
		StatsInterval:  time.Minute,
	}
}

// Hub owns the shared state of one server process: the connection registry
// and the membership index, plus the router and lifecycle coordinator that
// operate on them.
type Hub struct {
	cfg Config
	log *zap.Logger

	Registry  *Registry
	Index     *Index
	Router    *Router
	Lifecycle *Coordinator

	repo     Repository
	auth     Authenticator
	presence Presence
	metrics  *Metrics

	ctx    context.Context
	cancel context.CancelFunc
}

func NewHub(cfg Config, repo Repository, auth Authenticator, presence Presence, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	if presence == nil {
		presence = nopPresence{}
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = DefaultConfig().SendBuffer
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		cfg:      cfg,
		log:      logger,
		Registry: NewRegistry(),
		Index:    NewIndex(repo),
		repo:     repo,
		auth:     auth,
		presence: presence,
		metrics:  NewMetrics(),
		ctx:      ctx,
		cancel:   cancel,
	}
	h.Router = &Router{hub: h}
	h.Lifecycle = &Coordinator{hub: h}
	return h
}

func (h *Hub) Metrics() *Metrics { return h.metrics }

func (h *Hub) Config() Config { return h.cfg }

// Closed reports whether Shutdown has run.
func (h *Hub) Closed() bool { return h.ctx.Err() != nil }

// Attach registers an authenticated connection and makes it Active. A hub
// that was shut down refuses the connection and closes it.
func (h *Hub) Attach(c *Client) error {
	if h.Closed() {
		c.close()
		return fmt.Errorf("%w: connection %s refused", ErrShuttingDown, c.ID)
	}
	if !c.transition(StateAuthenticated, StateActive) {
		return fmt.Errorf("%w: connection %s is %s", ErrUnauthenticated, c.ID, c.State())
	}
	first := h.Registry.Register(c)
	h.metrics.Connections.Inc()
	// Shutdown cancels before it snapshots the registry, so a registration
	// that raced past the first check is caught here.
	if h.Closed() {
		h.disconnect(c, "shutdown")
		return fmt.Errorf("%w: connection %s refused", ErrShuttingDown, c.ID)
	}
	h.log.Info("connection registered",
		zap.String("conn", c.ID),
		zap.String("identity", string(c.Identity)),
		zap.Bool("first", first))

	ctx, cancel := context.WithTimeout(h.ctx, h.cfg.PersistTimeout)
	defer cancel()
	if err := h.presence.Online(ctx, c.Identity); err != nil {
		h.log.Warn("presence update failed", zap.String("identity", string(c.Identity)), zap.Error(err))
	}
	return nil
}

// disconnect closes c and forgets it. Safe to call more than once.
func (h *Hub) disconnect(c *Client, reason string) {
	if !c.close() {
		return
	}
	wasRegistered := c.registered()
	offline := h.Registry.Unregister(c)
	if !wasRegistered {
		return
	}
	h.metrics.Connections.Dec()
	h.log.Info("connection closed",
		zap.String("conn", c.ID),
		zap.String("identity", string(c.Identity)),
		zap.String("reason", reason),
		zap.Bool("offline", offline))

	go func(id Identity) {
		ctx, cancel := context.WithTimeout(context.Background(), h.cfg.PersistTimeout)
		defer cancel()
		if err := h.presence.Offline(ctx, id); err != nil {
			h.log.Warn("presence update failed", zap.String("identity", string(id)), zap.Error(err))
		}
	}(c.Identity)
}

// IsOnline reports whether id has a live connection here or, when the
// presence store can tell, on any instance.
func (h *Hub) IsOnline(ctx context.Context, id Identity) (bool, error) {
	if len(h.Registry.ConnectionsFor(id)) > 0 {
		return true, nil
	}
	pc, ok := h.presence.(PresenceChecker)
	if !ok {
		return false, nil
	}
	online, err := pc.IsOnline(ctx, id)
	if err != nil {
		return false, fmt.Errorf("%w: presence: %v", ErrPersistence, err)
	}
	return online, nil
}

// Run logs hub statistics until ctx ends, then closes every connection.
func (h *Hub) Run(ctx context.Context) {
	interval := h.cfg.StatsInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.Shutdown()
			return
		case <-ticker.C:
			h.log.Info("hub stats", zap.Int("connections", h.Registry.Count()))
		}
	}
}

// Shutdown closes every live connection and cancels in-flight frame handling.
func (h *Hub) Shutdown() {
	h.cancel()
	clients := h.Registry.All()
	for _, c := range clients {
		h.disconnect(c, "shutdown")
	}
	h.log.Info("hub shut down", zap.Int("closed", len(clients)))
}
