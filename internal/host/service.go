// Package host implements a host controller: a participant that keeps its own
// copy of the domain model, a host-local model, and the servers it supervises.
package host

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/domainctl/internal/model"
	"github.com/danmuck/domainctl/internal/node"
	"github.com/danmuck/domainctl/internal/participant"
	"github.com/danmuck/domainctl/internal/server"
	"github.com/danmuck/domainctl/internal/update"
	"github.com/danmuck/domainctl/internal/wire"
	"github.com/rs/zerolog/log"
)

var (
	ErrInvalidHostID    = errors.New("host: invalid host id")
	ErrDuplicateServer  = errors.New("host: duplicate server")
	ErrWrongHost        = errors.New("host: server belongs to another host")
	ErrAnnounceRejected = errors.New("host: announce rejected")
)

// ServiceConfig configures one host controller.
type ServiceConfig struct {
	HostID     string
	ListenAddr string
	// AdvertiseAddr is what the domain controller dials; empty uses the listener address.
	AdvertiseAddr string
	// DomainURL is the domain controller's HTTP base; empty runs headless.
	DomainURL string
	// AnnounceAttempts bounds registration retries; zero retries until shutdown.
	AnnounceAttempts int
	// AuthToken is sent as a bearer token on announce and deregister.
	AuthToken string
	Servers          []server.Config
	Wire             wire.Config
}

func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		HostID:     "host.local",
		ListenAddr: "127.0.0.1:7100",
		DomainURL:  "",
		Wire:       wire.DefaultConfig(),
	}
}

// Service is a host controller and a participant.Handle.
type Service struct {
	cfg     ServiceConfig
	domain  *update.Model
	host    *update.Model
	servers map[string]*server.Instance
	names   []string
	http    *http.Client

	// mu serializes model mutations arriving from the domain.
	mu sync.Mutex
}

func NewService(cfg ServiceConfig) (*Service, error) {
	cfg.HostID = strings.TrimSpace(cfg.HostID)
	if cfg.HostID == "" || strings.Contains(cfg.HostID, "/") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidHostID, cfg.HostID)
	}
	s := &Service{
		cfg:     cfg,
		domain:  update.NewModel(update.ScopeDomain, *model.New("")),
		host:    update.NewModel(update.ScopeHost, *model.New(cfg.HostID)),
		servers: make(map[string]*server.Instance, len(cfg.Servers)),
		http:    &http.Client{Timeout: 5 * time.Second},
	}
	for _, sc := range cfg.Servers {
		inst, err := server.NewInstance(cfg.HostID, sc, *model.New(""))
		if err != nil {
			return nil, err
		}
		name := inst.Identity().Server
		if _, dup := s.servers[name]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateServer, name)
		}
		s.servers[name] = inst
		s.names = append(s.names, name)
	}
	sort.Strings(s.names)
	return s, nil
}

func (s *Service) ID() string { return s.cfg.HostID }

func (s *Service) NodeID() string { return s.cfg.HostID }

func (s *Service) Kind() string { return "host" }

func (s *Service) Ping(ctx context.Context) error {
	return ctx.Err()
}

// PushBatch applies domain updates in order and stops at the first rejection.
func (s *Service) PushBatch(ctx context.Context, updates []update.Update) ([]participant.UpdateResult, error) {
	return s.applySequential(ctx, s.domain, updates)
}

// PushHostBatch applies host-scope updates to the host-local model.
func (s *Service) PushHostBatch(ctx context.Context, updates []update.Update) ([]participant.UpdateResult, error) {
	return s.applySequential(ctx, s.host, updates)
}

func (s *Service) applySequential(ctx context.Context, m *update.Model, updates []update.Update) ([]participant.UpdateResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]participant.UpdateResult, 0, len(updates))
	for _, u := range updates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := m.Apply(u); err != nil {
			log.Debug().Err(err).Str("host", s.cfg.HostID).Str("update", u.String()).Msg("host.update_rejected")
			out = append(out, participant.Failed(err))
			break
		}
		out = append(out, participant.Success(s.affected(u.Group)...))
	}
	return out, nil
}

// affected lists the servers an update narrowed to group reaches.
func (s *Service) affected(group string) []node.ServerIdentity {
	out := make([]node.ServerIdentity, 0, len(s.names))
	for _, name := range s.names {
		inst := s.servers[name]
		if inst.InGroup(group) {
			out = append(out, inst.Identity())
		}
	}
	return out
}

// PushFullModel replaces the domain copy and every server model. Pushing the
// model already held is a no-op.
func (s *Service) PushFullModel(ctx context.Context, state model.State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := state.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	next := state.Digest()
	if s.domain.Snapshot().Digest() == next {
		log.Debug().Str("host", s.cfg.HostID).Str("digest", next).Msg("host.full_model_unchanged")
		return nil
	}
	s.domain.Replace(state)
	for _, name := range s.names {
		s.servers[name].Replace(state)
	}
	log.Info().Str("host", s.cfg.HostID).Str("digest", next).Msg("host.full_model_applied")
	return nil
}

// PushServerUpdate applies one update to one server. A lone update has no
// applied prefix, so allowRollback only matters for PushServerBatch.
func (s *Service) PushServerUpdate(ctx context.Context, id node.ServerIdentity, u update.Update, allowRollback bool) participant.ServerResult {
	if id.Host != s.cfg.HostID {
		return participant.ServerFailure(fmt.Errorf("%w: %s", ErrWrongHost, id))
	}
	inst, ok := s.servers[id.Server]
	if !ok {
		return participant.ServerFailure(fmt.Errorf("%w: %s", participant.ErrUnknownServer, id))
	}
	return inst.Apply(ctx, u)
}

// PushServerBatch applies updates to one server in order.
func (s *Service) PushServerBatch(ctx context.Context, id node.ServerIdentity, updates []update.Update, allowRollback bool) []participant.ServerResult {
	var err error
	if id.Host != s.cfg.HostID {
		err = fmt.Errorf("%w: %s", ErrWrongHost, id)
	}
	inst, ok := s.servers[id.Server]
	if err == nil && !ok {
		err = fmt.Errorf("%w: %s", participant.ErrUnknownServer, id)
	}
	if err != nil {
		out := make([]participant.ServerResult, len(updates))
		for i := range out {
			out[i] = participant.ServerFailure(err)
		}
		return out
	}
	return inst.ApplyBatch(ctx, updates, allowRollback)
}

func (s *Service) ServerStatuses(ctx context.Context) (map[node.ServerIdentity]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make(map[node.ServerIdentity]string, len(s.servers))
	for _, inst := range s.servers {
		out[inst.Identity()] = string(inst.Status())
	}
	return out, nil
}

// Server returns a supervised server by name.
func (s *Service) Server(name string) (*server.Instance, bool) {
	inst, ok := s.servers[name]
	return inst, ok
}

// Snapshot returns the host's copy of the domain model.
func (s *Service) Snapshot() model.State {
	return s.domain.Snapshot()
}

// HostSnapshot returns the host-local model.
func (s *Service) HostSnapshot() model.State {
	return s.host.Snapshot()
}

// StartServers starts every server configured with auto_start.
func (s *Service) StartServers() {
	for _, name := range s.names {
		inst := s.servers[name]
		if !s.autoStart(name) {
			continue
		}
		if err := inst.Start(); err != nil {
			log.Warn().Err(err).Str("server", inst.NodeID()).Msg("host.server_start_skipped")
		}
	}
}

// StopServers stops every server.
func (s *Service) StopServers() {
	for _, name := range s.names {
		s.servers[name].Stop()
	}
}

func (s *Service) autoStart(name string) bool {
	for _, sc := range s.cfg.Servers {
		if strings.TrimSpace(sc.Name) == name {
			return sc.AutoStart
		}
	}
	return false
}
