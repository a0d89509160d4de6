// Package server models one managed server process supervised by a host.
//
// An Instance owns a server-scope model and applies pushed updates to it only
// while running. Process start/stop is a state change here; nothing is spawned.
package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/domainctl/internal/model"
	"github.com/danmuck/domainctl/internal/node"
	"github.com/danmuck/domainctl/internal/participant"
	"github.com/danmuck/domainctl/internal/update"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotRunning     = errors.New("server: not running")
	ErrAlreadyRunning = errors.New("server: already running")
	ErrInvalidName    = errors.New("server: invalid name")
)

// Status is a server's lifecycle state.
type Status string

const (
	StatusStopped Status = "stopped"
	StatusRunning Status = "running"
	StatusFailed  Status = "failed"
)

// Config describes one server under a host.
type Config struct {
	Name  string `toml:"name"`
	Group string `toml:"group"`
	// AutoStart starts the server when its host starts.
	AutoStart bool `toml:"auto_start"`
}

// Instance is one managed server.
type Instance struct {
	id     node.ServerIdentity
	group  string
	model  *update.Model
	// applyMu keeps a batch and its undo contiguous on model.
	applyMu sync.Mutex
	mu      sync.RWMutex
	status  Status
	since   time.Time
}

func NewInstance(host string, cfg Config, initial model.State) (*Instance, error) {
	id := node.NewServerIdentity(host, cfg.Name)
	if !id.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, id.String())
	}
	return &Instance{
		id:     id,
		group:  cfg.Group,
		model:  update.NewModel(update.ScopeServer, initial),
		status: StatusStopped,
		since:  time.Now(),
	}, nil
}

func (s *Instance) NodeID() string { return s.id.String() }

func (s *Instance) Kind() string { return "server" }

func (s *Instance) Identity() node.ServerIdentity { return s.id }

func (s *Instance) Group() string { return s.group }

// InGroup reports whether an update narrowed to group targets this server.
func (s *Instance) InGroup(group string) bool {
	return group == "" || group == s.group
}

func (s *Instance) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusRunning {
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, s.id)
	}
	s.status = StatusRunning
	s.since = time.Now()
	log.Info().Str("server", s.id.String()).Msg("server.started")
	return nil
}

func (s *Instance) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusStopped {
		return
	}
	s.status = StatusStopped
	s.since = time.Now()
	log.Info().Str("server", s.id.String()).Msg("server.stopped")
}

func (s *Instance) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Apply runs one server-scope update. A stopped server answers cancelled.
func (s *Instance) Apply(ctx context.Context, u update.Update) participant.ServerResult {
	if err := ctx.Err(); err != nil {
		return participant.ServerFailure(err)
	}
	if s.Status() != StatusRunning {
		return participant.ServerCancelledResult(fmt.Sprintf("%s: %s", ErrNotRunning, s.id))
	}
	s.applyMu.Lock()
	defer s.applyMu.Unlock()
	if err := s.model.Apply(u); err != nil {
		log.Debug().Err(err).Str("server", s.id.String()).Str("update", u.String()).Msg("server.update_rejected")
		return participant.ServerFailure(err)
	}
	return participant.ServerOK()
}

// ApplyBatch runs updates in order and returns one result per update. After
// the first failure the rest are cancelled; with allowRollback the updates
// already applied are undone newest first and reported rolled_back.
func (s *Instance) ApplyBatch(ctx context.Context, updates []update.Update, allowRollback bool) []participant.ServerResult {
	out := make([]participant.ServerResult, len(updates))
	if err := ctx.Err(); err != nil {
		for i := range out {
			out[i] = participant.ServerFailure(err)
		}
		return out
	}
	if s.Status() != StatusRunning {
		reason := fmt.Sprintf("%s: %s", ErrNotRunning, s.id)
		for i := range out {
			out[i] = participant.ServerCancelledResult(reason)
		}
		return out
	}

	s.applyMu.Lock()
	defer s.applyMu.Unlock()
	undo := make([]update.Update, 0, len(updates))
	for i, u := range updates {
		if err := ctx.Err(); err != nil {
			out[i] = participant.ServerFailure(err)
			s.finishFailed(out, i, undo, allowRollback)
			return out
		}
		comp, err := s.model.Compensate(u)
		if err == nil {
			err = s.model.Apply(u)
		}
		if err != nil {
			log.Debug().Err(err).Str("server", s.id.String()).Str("update", u.String()).Msg("server.update_rejected")
			out[i] = participant.ServerFailure(err)
			s.finishFailed(out, i, undo, allowRollback)
			return out
		}
		undo = append(undo, comp)
		out[i] = participant.ServerOK()
	}
	return out
}

// finishFailed cancels everything after index failed and, when allowed,
// undoes the applied prefix.
func (s *Instance) finishFailed(out []participant.ServerResult, failed int, undo []update.Update, allowRollback bool) {
	for i := failed + 1; i < len(out); i++ {
		out[i] = participant.ServerCancelledResult("earlier update failed on server")
	}
	if !allowRollback {
		return
	}
	for i := len(undo) - 1; i >= 0; i-- {
		if err := s.model.Apply(undo[i]); err != nil {
			log.Error().Err(err).Str("server", s.id.String()).Str("undo", undo[i].String()).Msg("server.rollback_failed")
			continue
		}
		out[i] = participant.ServerResult{Status: participant.ServerRolledBack}
	}
}

// Replace overwrites the server model, used when the host is resynced.
func (s *Instance) Replace(state model.State) {
	s.model.Replace(state)
}

func (s *Instance) Snapshot() model.State {
	return s.model.Snapshot()
}
