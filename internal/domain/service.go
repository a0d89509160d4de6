// Package domain is the domain controller: it owns the authoritative model,
// tracks registered hosts, and exposes the batch engine over HTTP.
package domain

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/domainctl/internal/config"
	"github.com/danmuck/domainctl/internal/engine"
	"github.com/danmuck/domainctl/internal/model"
	"github.com/danmuck/domainctl/internal/observability"
	"github.com/danmuck/domainctl/internal/participant"
	"github.com/danmuck/domainctl/internal/wire"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

var (
	ErrNoStore      = errors.New("domain: no model store configured")
	ErrInvalidHost  = errors.New("domain: invalid host registration")
	ErrHostNotFound = errors.New("domain: host not found")
)

// ServiceConfig configures one domain controller.
type ServiceConfig struct {
	ID       string
	HTTPAddr string
	// ModelPath is where the model is persisted; empty keeps it in memory.
	ModelPath string
	ModelName string
	// InventoryPath pre-registers the hosts it lists; empty waits for announces.
	InventoryPath      string
	CorsOrigins        []string
	CallTimeout        time.Duration
	Workers            int
	ServerRollback     bool
	ParallelServerPush bool
	MonitorInterval    time.Duration
	MonitorMaxFailures int
	// EvictInactive deregisters hosts the monitor marks inactive.
	EvictInactive bool
	// AdminToken guards every route but health, readiness and metrics.
	AdminToken string
	Wire       wire.Config
}

func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		ID:                 "domain.local",
		HTTPAddr:           ":9000",
		ModelName:          "domain",
		CorsOrigins:        []string{"http://localhost:3000"},
		CallTimeout:        engine.DefaultCallTimeout,
		Workers:            engine.DefaultWorkers,
		MonitorInterval:    30 * time.Second,
		MonitorMaxFailures: 3,
		Wire:               wire.DefaultConfig(),
	}
}

// HostInfo describes one registered host.
type HostInfo struct {
	ID     string              `json:"id"`
	Addr   string              `json:"addr,omitempty"`
	Health *participant.Health `json:"health,omitempty"`
	// Pending holds the last resync failure, if any.
	Pending string `json:"pending,omitempty"`
}

type Service struct {
	cfg      ServiceConfig
	store    *model.Store
	registry *participant.Registry
	engine   *engine.Engine
	pool     *engine.Pool
	monitor  *participant.Monitor
	router   *gin.Engine
	appeared time.Time

	// regMu orders registrations so replace is atomic per id.
	regMu sync.Mutex
}

func NewService(cfg ServiceConfig) (*Service, error) {
	cfg.ID = strings.TrimSpace(cfg.ID)
	if cfg.ID == "" {
		cfg.ID = "domain.local"
	}
	if strings.TrimSpace(cfg.ModelName) == "" {
		cfg.ModelName = "domain"
	}
	if cfg.Workers <= 0 {
		cfg.Workers = engine.DefaultWorkers
	}
	observability.RegisterMetrics()

	initial := *model.New(cfg.ModelName)
	s := &Service{
		cfg:      cfg,
		registry: participant.NewRegistry(),
		appeared: time.Now(),
	}
	if path := strings.TrimSpace(cfg.ModelPath); path != "" {
		s.store = model.NewStore(path)
		loaded, err := s.store.Load(cfg.ModelName)
		if err != nil {
			return nil, err
		}
		initial = loaded
	}

	s.pool = engine.NewPool(cfg.Workers)
	ecfg := engine.Config{
		CallTimeout:        cfg.CallTimeout,
		ServerRollback:     cfg.ServerRollback,
		ParallelServerPush: cfg.ParallelServerPush,
		Executor:           s.pool,
	}
	if s.store != nil {
		ecfg.Persister = s.store
	}
	s.engine = engine.New(s.registry, initial, ecfg)
	s.monitor = participant.NewMonitor(s.registry, participant.MonitorConfig{
		Interval:    cfg.MonitorInterval,
		PingTimeout: cfg.Wire.DialTimeout,
		MaxFailures: cfg.MonitorMaxFailures,
		OnInactive:  s.onInactive,
	})

	if path := strings.TrimSpace(cfg.InventoryPath); path != "" {
		inv, err := config.LoadInventory(path)
		if err != nil {
			s.Close()
			return nil, err
		}
		for _, h := range inv.Hosts {
			client, err := s.replaceClient(strings.TrimSpace(h.ID), strings.TrimSpace(h.Addr))
			if err == nil && client != nil {
				err = s.registry.Add(client)
			}
			if err != nil {
				s.Close()
				return nil, err
			}
		}
		observability.SetParticipants(len(s.registry.IDs()))
	}

	s.router = s.newRouter()
	return s, nil
}

// Engine exposes the batch engine for in-process callers.
func (s *Service) Engine() *engine.Engine {
	return s.engine
}

// Router returns the HTTP handler.
func (s *Service) Router() *gin.Engine {
	return s.router
}

func (s *Service) NodeID() string {
	return s.cfg.ID
}

func (s *Service) Kind() string {
	return "domain"
}

// Close stops the worker pool.
func (s *Service) Close() {
	s.engine.Close()
	s.pool.Close()
}

// Register dials addr as host id and brings it up to date with the full model.
// Re-registering the same address keeps the entry; a new address replaces it.
// Either way the host is resynced.
func (s *Service) Register(ctx context.Context, id, addr string) (bool, error) {
	id = strings.TrimSpace(id)
	addr = strings.TrimSpace(addr)
	s.regMu.Lock()
	defer s.regMu.Unlock()

	client, err := s.replaceClient(id, addr)
	if err != nil {
		return false, err
	}
	if client == nil {
		if err := s.engine.Resync(ctx, id); err != nil {
			log.Warn().Err(err).Str("host", id).Msg("domain.initial_resync_failed")
		}
		return false, nil
	}
	if err := s.admit(ctx, client); err != nil {
		return false, err
	}
	log.Info().Str("host", id).Str("addr", addr).Msg("domain.host_registered")
	return true, nil
}

// RegisterHandle adds an in-process participant and resyncs it.
func (s *Service) RegisterHandle(ctx context.Context, h participant.Handle) error {
	if h == nil {
		return participant.ErrParticipantNil
	}
	s.regMu.Lock()
	defer s.regMu.Unlock()
	return s.admit(ctx, h)
}

// admit registers h and resyncs it before any later batch can commit. A failed
// resync leaves h registered and pending.
func (s *Service) admit(ctx context.Context, h participant.Handle) error {
	err := s.engine.Admit(ctx, h)
	if err != nil && !errors.Is(err, engine.ErrResyncFailed) && !errors.Is(err, engine.ErrModelInconsistent) {
		return err
	}
	if err != nil {
		log.Warn().Err(err).Str("host", h.ID()).Msg("domain.initial_resync_failed")
	}
	observability.SetParticipants(len(s.registry.IDs()))
	return nil
}

// replaceClient dials a client for id unless addr is already registered, in
// which case it returns nil. A different address drops the old entry. Callers
// hold regMu.
func (s *Service) replaceClient(id, addr string) (*wire.Client, error) {
	if id == "" || strings.Contains(id, "/") || addr == "" {
		return nil, fmt.Errorf("%w: id=%q addr=%q", ErrInvalidHost, id, addr)
	}
	if existing, ok := s.registry.Resolve(id); ok {
		if addrOf(existing) == addr {
			return nil, nil
		}
		s.registry.Remove(id)
		s.engine.Forget(id)
		log.Info().Str("host", id).Str("addr", addr).Msg("domain.host_replaced")
	}
	return wire.NewClient(id, addr, s.cfg.Wire)
}

// Deregister removes a host and its resync bookkeeping.
func (s *Service) Deregister(id string) bool {
	s.regMu.Lock()
	removed := s.registry.Remove(id)
	s.regMu.Unlock()
	if !removed {
		return false
	}
	s.engine.Forget(id)
	observability.SetParticipants(len(s.registry.IDs()))
	log.Info().Str("host", id).Msg("domain.host_deregistered")
	return true
}

// Hosts lists registered hosts with their health and pending resync state.
func (s *Service) Hosts() []HostInfo {
	pending := s.engine.Pending()
	snap := s.registry.Snapshot()
	out := make([]HostInfo, 0, len(snap.Handles))
	for _, h := range snap.Handles {
		info := HostInfo{ID: h.ID(), Addr: addrOf(h), Pending: pending[h.ID()]}
		if health, ok := s.monitor.Health(h.ID()); ok {
			info.Health = &health
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ReloadModel rereads the persisted model and clears any inconsistent state.
func (s *Service) ReloadModel() (model.State, error) {
	if s.store == nil {
		return model.State{}, ErrNoStore
	}
	state, err := s.store.Load(s.cfg.ModelName)
	if err != nil {
		return model.State{}, err
	}
	s.engine.Reload(state)
	return state, nil
}

func (s *Service) onInactive(id string) {
	if !s.cfg.EvictInactive {
		log.Warn().Str("host", id).Msg("domain.host_inactive")
		return
	}
	if s.Deregister(id) {
		log.Warn().Str("host", id).Msg("domain.host_evicted")
	}
}

// Run serves HTTP on the configured address until ctx ends.
func (s *Service) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", strings.TrimSpace(s.cfg.HTTPAddr))
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve runs the health monitor and the HTTP API on ln until ctx ends.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	defer s.Close()
	monCtx, stopMonitor := context.WithCancel(ctx)
	defer stopMonitor()
	go s.monitor.Run(monCtx)

	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	log.Info().
		Str("domain", s.cfg.ID).
		Str("addr", ln.Addr().String()).
		Int("hosts", len(s.registry.IDs())).
		Str("digest", s.engine.Snapshot().Digest()).
		Msg("domain.starting")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	log.Info().Str("domain", s.cfg.ID).Msg("domain.stopped")
	return nil
}

func addrOf(h participant.Handle) string {
	if a, ok := h.(interface{ Addr() string }); ok {
		return a.Addr()
	}
	return ""
}
