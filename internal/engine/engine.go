package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/danmuck/domainctl/internal/model"
	"github.com/danmuck/domainctl/internal/node"
	"github.com/danmuck/domainctl/internal/observability"
	"github.com/danmuck/domainctl/internal/participant"
	"github.com/danmuck/domainctl/internal/serverpush"
	"github.com/danmuck/domainctl/internal/update"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	ErrEmptyBatch        = errors.New("engine: empty batch")
	ErrApplyFailed       = errors.New("engine: local apply failed")
	ErrRollbackFailed    = errors.New("engine: rollback failed")
	ErrResyncFailed      = errors.New("engine: resync failed")
	ErrModelInconsistent = errors.New("engine: model inconsistent, reload required")
	ErrInvalidScope      = errors.New("engine: invalid update scope")
)

const (
	DefaultCallTimeout = 30 * time.Second
	DefaultWorkers     = 8
)

// Persister stores the authoritative model after it changes.
type Persister interface {
	Persist(state model.State) error
}

type Config struct {
	// CallTimeout bounds every participant call.
	CallTimeout time.Duration
	// ServerRollback is passed to servers with each server-tier push.
	ServerRollback     bool
	ParallelServerPush bool
	// Executor runs participant calls; nil starts an owned Pool.
	Executor  Executor
	Persister Persister
}

// Engine owns the authoritative model and propagates batches from it.
type Engine struct {
	cfg      Config
	exec     Executor
	ownPool  *Pool
	registry *participant.Registry
	model    *update.Model
	pusher   *serverpush.Coordinator

	// batchMu serializes every mutation of model.
	batchMu sync.Mutex

	mu           sync.Mutex
	inconsistent error
	pending      map[string]error
}

func New(registry *participant.Registry, initial model.State, cfg Config) *Engine {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	e := &Engine{
		cfg:      cfg,
		exec:     cfg.Executor,
		registry: registry,
		model:    update.NewModel(update.ScopeDomain, initial),
		pending:  make(map[string]error),
	}
	if e.exec == nil {
		e.ownPool = NewPool(DefaultWorkers)
		e.exec = e.ownPool
	}
	e.pusher = serverpush.NewCoordinator(serverpush.Config{
		AllowRollback: cfg.ServerRollback,
		Parallel:      cfg.ParallelServerPush,
		CallTimeout:   cfg.CallTimeout,
		Executor:      e.exec,
	})
	return e
}

// Close stops an owned worker pool.
func (e *Engine) Close() {
	if e.ownPool != nil {
		e.ownPool.Close()
	}
}

// ApplyBatch runs one batch to completion and returns one outcome per update.
// Only an empty batch is rejected with an error.
func (e *Engine) ApplyBatch(ctx context.Context, updates []update.Update) (BatchResult, error) {
	if len(updates) == 0 {
		return BatchResult{}, ErrEmptyBatch
	}

	e.batchMu.Lock()
	defer e.batchMu.Unlock()

	start := time.Now()
	res := BatchResult{
		ID:       uuid.NewString(),
		Outcomes: make([]Outcome, len(updates)),
	}
	logger := log.With().Str("batch", res.ID).Int("updates", len(updates)).Logger()

	if err := e.Inconsistent(); err != nil {
		for i := range res.Outcomes {
			res.Outcomes[i] = domainFailure(err)
		}
		res.Inconsistent = true
		logger.Error().Err(err).Msg("engine.batch_refused")
		observability.RecordBatch("inconsistent", time.Since(start))
		return res, nil
	}

	ledger, ok := e.applyLocal(updates, res.Outcomes)
	if !ok {
		if err := e.replay(ledger); err != nil {
			res.RollbackErr = err
			res.Inconsistent = true
			e.markInconsistent(err)
		}
		markRolledBack(res.Outcomes)
		logger.Warn().Msg("engine.batch_local_failure")
		observability.RecordBatch("local_failure", time.Since(start))
		return res, nil
	}
	e.persist(&res)

	// Past local commit the batch runs to completion regardless of the caller.
	runCtx := context.WithoutCancel(ctx)
	snap := e.registry.Snapshot()
	replies := gather(e, runCtx, snap.Handles, "push_batch", func(ctx context.Context, h participant.Handle) ([]participant.UpdateResult, error) {
		results, err := h.PushBatch(ctx, updates)
		return normalize(results, len(updates)), err
	})

	if failedAt := collate(replies, res.Outcomes); failedAt >= 0 {
		logger.Warn().
			Int("index", failedAt).
			Strs("hosts", res.Outcomes[failedAt].FailedHosts()).
			Msg("engine.batch_host_failure")
		e.rollback(runCtx, replies, ledger, &res)
		result := "rolled_back"
		if res.RollbackErr != nil {
			result = "inconsistent"
		}
		observability.RecordBatch(result, time.Since(start))
		return res, nil
	}

	res.Committed = true
	e.pushServers(runCtx, snap, updates, ledger, res.Outcomes)
	logger.Info().
		Int("participants", len(snap.Handles)).
		Dur("duration", time.Since(start)).
		Msg("engine.batch_committed")
	observability.RecordBatch("committed", time.Since(start))
	return res, nil
}

// applyLocal applies updates in order, stopping at the first failure. The
// returned ledger holds compensations in reverse application order.
func (e *Engine) applyLocal(updates []update.Update, outcomes []Outcome) ([]update.Update, bool) {
	ledger := make([]update.Update, 0, len(updates))
	failed := false
	for i, u := range updates {
		if failed {
			outcomes[i] = cancelledOutcome()
			continue
		}
		comp, err := e.model.Compensate(u)
		if err == nil {
			err = e.model.Apply(u)
		}
		if err != nil {
			outcomes[i] = domainFailure(fmt.Errorf("%w: %s: %w", ErrApplyFailed, u, err))
			failed = true
			continue
		}
		ledger = append(ledger, update.Update{})
		copy(ledger[1:], ledger)
		ledger[0] = comp
		outcomes[i] = appliedOutcome(nil)
	}
	return ledger, !failed
}

// replay applies the whole ledger, continuing past failures.
func (e *Engine) replay(ledger []update.Update) error {
	var errs []error
	for _, comp := range ledger {
		if err := e.model.Apply(comp); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", comp, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrRollbackFailed, errors.Join(errs...))
	}
	return nil
}

func (e *Engine) markInconsistent(err error) {
	e.mu.Lock()
	e.inconsistent = err
	e.mu.Unlock()
	observability.RecordRollbackFailure()
	log.Error().Err(err).Msg("engine.model_inconsistent")
}

func (e *Engine) persist(res *BatchResult) {
	if e.cfg.Persister == nil {
		return
	}
	if err := e.cfg.Persister.Persist(e.model.Snapshot()); err != nil {
		if res.PersistErr == nil {
			res.PersistErr = err
		}
		log.Warn().Err(err).Str("batch", res.ID).Msg("engine.persist_failed")
	}
}

// rollback undoes a batch locally and on every participant that applied part of it.
func (e *Engine) rollback(ctx context.Context, replies []reply[[]participant.UpdateResult], ledger []update.Update, res *BatchResult) {
	if err := e.replay(ledger); err != nil {
		res.RollbackErr = err
		res.Inconsistent = true
		e.markInconsistent(err)
	} else {
		e.persist(res)
	}

	outOfSync := make(map[string]participant.Handle)
	comps := make(map[string][]update.Update)
	targets := make([]participant.Handle, 0, len(replies))
	for _, r := range replies {
		id := r.handle.ID()
		if r.err != nil {
			outOfSync[id] = r.handle
			continue
		}
		k := committedCount(r.value)
		if k == 0 {
			continue
		}
		comps[id] = ledger[len(ledger)-k:]
		targets = append(targets, r.handle)
	}

	undo := gather(e, ctx, targets, "rollback", func(ctx context.Context, h participant.Handle) ([]participant.UpdateResult, error) {
		return h.PushBatch(ctx, comps[h.ID()])
	})
	for _, r := range undo {
		id := r.handle.ID()
		if rollbackConfirmed(r, len(comps[id])) {
			continue
		}
		event := log.Warn().Str("batch", res.ID).Str("participant", id)
		if r.err != nil {
			event = event.Err(r.err)
		}
		event.Msg("engine.participant_rollback_unconfirmed")
		outOfSync[id] = r.handle
	}

	e.resync(ctx, outOfSync, res)

	markRolledBack(res.Outcomes)
}

func markRolledBack(outcomes []Outcome) {
	for i := range outcomes {
		if outcomes[i].Kind == Applied {
			outcomes[i].Kind = RolledBack
		}
	}
}

// resync pushes the current model to every participant in handles.
func (e *Engine) resync(ctx context.Context, handles map[string]participant.Handle, res *BatchResult) {
	if len(handles) == 0 {
		return
	}
	ids := make([]string, 0, len(handles))
	for id := range handles {
		ids = append(ids, id)
		observability.RecordOutOfSync(id)
	}
	sort.Strings(ids)
	res.OutOfSync = ids
	res.ResyncErrors = make(map[string]string)

	if err := e.Inconsistent(); err != nil {
		for _, id := range ids {
			res.ResyncErrors[id] = ErrModelInconsistent.Error()
			e.setPending(id, ErrModelInconsistent)
		}
		log.Error().Str("batch", res.ID).Strs("participants", ids).Msg("engine.resync_skipped")
		return
	}

	list := make([]participant.Handle, 0, len(ids))
	for _, id := range ids {
		list = append(list, handles[id])
	}
	state := e.model.Snapshot()
	replies := gather(e, ctx, list, "push_full_model", func(ctx context.Context, h participant.Handle) (struct{}, error) {
		return struct{}{}, h.PushFullModel(ctx, state)
	})
	for _, r := range replies {
		id := r.handle.ID()
		observability.RecordResync(id, r.err == nil)
		if r.err != nil {
			err := fmt.Errorf("%w: %s: %w", ErrResyncFailed, id, r.err)
			res.ResyncErrors[id] = err.Error()
			e.setPending(id, err)
			log.Error().Err(err).Str("batch", res.ID).Msg("engine.resync_failed")
			continue
		}
		e.setPending(id, nil)
		log.Info().Str("batch", res.ID).Str("participant", id).Msg("engine.resync_complete")
	}
	if len(res.ResyncErrors) == 0 {
		res.ResyncErrors = nil
	}
}

func (e *Engine) pushServers(ctx context.Context, dir serverpush.Directory, updates []update.Update, ledger []update.Update, outcomes []Outcome) {
	entries := make([]serverpush.Entry, len(updates))
	for i, u := range updates {
		comp := ledger[len(ledger)-1-i]
		entries[i] = serverpush.Entry{
			Update:       u,
			Compensation: &comp,
			Servers:      outcomes[i].Servers,
		}
	}
	results := e.pusher.Push(ctx, dir, entries)
	for i, byServer := range results {
		if len(byServer) == 0 {
			continue
		}
		outcomes[i].ServerResults = byServer
		for _, r := range byServer {
			observability.RecordServerPush(string(r.Status))
		}
	}
}

// ApplyHostUpdates pushes host-scope updates to one participant with no
// rollback. The result always has one entry per update.
func (e *Engine) ApplyHostUpdates(ctx context.Context, hostID string, updates []update.Update) ([]participant.UpdateResult, error) {
	if len(updates) == 0 {
		return nil, ErrEmptyBatch
	}
	for _, u := range updates {
		if u.Scope != update.ScopeHost {
			return nil, fmt.Errorf("%w: %s is not host scope", ErrInvalidScope, u)
		}
	}
	out := make([]participant.UpdateResult, len(updates))
	h, ok := e.registry.Resolve(hostID)
	if !ok {
		err := fmt.Errorf("%w: %s", participant.ErrUnknownParticipant, hostID)
		for i := range out {
			out[i] = participant.Failed(err)
		}
		return out, nil
	}

	replies := gather(e, ctx, []participant.Handle{h}, "push_host_batch", func(ctx context.Context, h participant.Handle) ([]participant.UpdateResult, error) {
		results, err := h.PushHostBatch(ctx, updates)
		return normalize(results, len(updates)), err
	})
	r := replies[0]
	for i := range out {
		switch {
		case r.err != nil:
			out[i] = participant.Failed(r.err)
		case i < len(r.value):
			out[i] = r.value[i]
		default:
			out[i] = participant.UpdateResult{Failure: &participant.Failure{Reason: "cancelled"}}
		}
	}
	return out, nil
}

// ApplyServerUpdates pushes updates straight to one server through its host as
// one server batch. Domain-scope updates are converted to their server form
// first. With allowRollback the server undoes its applied prefix on failure.
func (e *Engine) ApplyServerUpdates(ctx context.Context, server node.ServerIdentity, updates []update.Update, allowRollback bool) ([]participant.ServerResult, error) {
	if len(updates) == 0 {
		return nil, ErrEmptyBatch
	}
	if !server.Valid() {
		return nil, fmt.Errorf("%w: %q", node.ErrInvalidServerIdentity, server.String())
	}
	converted := make([]update.Update, len(updates))
	for i, u := range updates {
		switch u.Scope {
		case update.ScopeServer:
			converted[i] = u
		case update.ScopeDomain:
			su, ok := update.ToServer(u)
			if !ok {
				return nil, fmt.Errorf("%w: %s", update.ErrNoServerUpdate, u)
			}
			converted[i] = su
		default:
			return nil, fmt.Errorf("%w: %s is not server scope", ErrInvalidScope, u)
		}
	}
	pusher := serverpush.NewCoordinator(serverpush.Config{
		AllowRollback: allowRollback,
		CallTimeout:   e.cfg.CallTimeout,
	})
	out := pusher.PushOne(ctx, e.registry.Snapshot(), server, converted)
	for _, r := range out {
		observability.RecordServerPush(string(r.Status))
	}
	return out, nil
}

// ServerStatuses polls every participant concurrently and merges the answers.
// Participants that fail to answer are skipped.
func (e *Engine) ServerStatuses(ctx context.Context) map[node.ServerIdentity]string {
	snap := e.registry.Snapshot()
	replies := gather(e, ctx, snap.Handles, "server_statuses", func(ctx context.Context, h participant.Handle) (map[node.ServerIdentity]string, error) {
		return h.ServerStatuses(ctx)
	})
	out := make(map[node.ServerIdentity]string)
	for _, r := range replies {
		if r.err != nil {
			log.Warn().Err(r.err).Str("participant", r.handle.ID()).Msg("engine.server_statuses_failed")
			continue
		}
		for id, status := range r.value {
			out[id] = status
		}
	}
	return out
}

// Resync pushes the current model to one participant on demand.
func (e *Engine) Resync(ctx context.Context, id string) error {
	h, ok := e.registry.Resolve(id)
	if !ok {
		return fmt.Errorf("%w: %s", participant.ErrUnknownParticipant, id)
	}

	e.batchMu.Lock()
	defer e.batchMu.Unlock()
	return e.resyncOne(ctx, h)
}

// Admit registers h and pushes it the current model under the batch lock, so
// no batch commits between the two. A failed push leaves h registered and
// pending; the returned error then wraps ErrResyncFailed or
// ErrModelInconsistent.
func (e *Engine) Admit(ctx context.Context, h participant.Handle) error {
	if h == nil {
		return participant.ErrParticipantNil
	}
	e.batchMu.Lock()
	defer e.batchMu.Unlock()
	if err := e.registry.Add(h); err != nil {
		return err
	}
	err := e.resyncOne(ctx, h)
	if errors.Is(err, ErrModelInconsistent) {
		e.setPending(h.ID(), ErrModelInconsistent)
	}
	return err
}

// resyncOne requires batchMu.
func (e *Engine) resyncOne(ctx context.Context, h participant.Handle) error {
	if err := e.Inconsistent(); err != nil {
		return err
	}
	id := h.ID()
	res := BatchResult{ID: uuid.NewString()}
	e.resync(ctx, map[string]participant.Handle{id: h}, &res)
	if msg, failed := res.ResyncErrors[id]; failed {
		return fmt.Errorf("%w: %s", ErrResyncFailed, msg)
	}
	return nil
}

// Pending lists participants whose last resync failed.
func (e *Engine) Pending() map[string]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]string, len(e.pending))
	for id, err := range e.pending {
		out[id] = err.Error()
	}
	return out
}

// Forget drops resync bookkeeping for a participant that left.
func (e *Engine) Forget(id string) {
	e.setPending(id, nil)
}

func (e *Engine) setPending(id string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err == nil {
		delete(e.pending, id)
		return
	}
	e.pending[id] = err
}

// Snapshot returns a copy of the authoritative model.
func (e *Engine) Snapshot() model.State {
	return e.model.Snapshot()
}

// Inconsistent returns the rollback failure that poisoned the model, if any.
func (e *Engine) Inconsistent() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inconsistent == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrModelInconsistent, e.inconsistent)
}

// Reload replaces the model after an out-of-band reload and clears the
// inconsistent flag. Participants are not resynced.
func (e *Engine) Reload(state model.State) {
	e.batchMu.Lock()
	defer e.batchMu.Unlock()
	e.model.Replace(state)
	e.mu.Lock()
	e.inconsistent = nil
	e.mu.Unlock()
	log.Info().Str("digest", state.Digest()).Msg("engine.model_reloaded")
}
