package serverpush

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/domainctl/internal/node"
	"github.com/danmuck/domainctl/internal/participant"
	"github.com/danmuck/domainctl/internal/update"
	"github.com/rs/zerolog/log"
)

var ErrUnknownHost = errors.New("serverpush: unknown host")

// Directory resolves the handle owning a host's servers.
type Directory interface {
	Lookup(id string) (participant.Handle, bool)
}

// Entry is one committed domain update and what it touched.
type Entry struct {
	Update update.Update
	// Compensation is the domain inverse recorded during local apply.
	Compensation *update.Update
	Servers      []node.ServerIdentity
}

// Task is one server-scope update queued for one server.
type Task struct {
	Index  int
	Update update.Update
	Undo   *update.Update
}

// Results holds per-server outcomes, indexed like the entries pushed.
type Results []map[node.ServerIdentity]participant.ServerResult

// Executor runs one server's push sequence.
type Executor interface {
	Go(fn func())
}

type inline struct{}

func (inline) Go(fn func()) { fn() }

type Config struct {
	// AllowRollback undoes a server's earlier pushes when a later one fails.
	AllowRollback bool
	// Parallel pushes to different servers concurrently; each server stays sequential.
	Parallel    bool
	CallTimeout time.Duration
	// Executor runs parallel pushes; nil runs them inline.
	Executor Executor
}

type Coordinator struct {
	cfg Config
}

func NewCoordinator(cfg Config) *Coordinator {
	if cfg.Executor == nil {
		cfg.Executor = inline{}
	}
	return &Coordinator{cfg: cfg}
}

// Plan derives server updates and groups them by server in batch order.
// Entries without a server form or without affected servers are skipped.
func Plan(entries []Entry) map[node.ServerIdentity][]Task {
	plan := make(map[node.ServerIdentity][]Task)
	for i, e := range entries {
		su, ok := update.ToServer(e.Update)
		if !ok {
			continue
		}
		var undo *update.Update
		if e.Compensation != nil {
			if cu, ok := update.ToServer(*e.Compensation); ok {
				undo = &cu
			}
		}
		seen := make(map[node.ServerIdentity]struct{}, len(e.Servers))
		for _, s := range e.Servers {
			if _, dup := seen[s]; dup {
				continue
			}
			seen[s] = struct{}{}
			plan[s] = append(plan[s], Task{Index: i, Update: su, Undo: undo})
		}
	}
	return plan
}

// Push delivers every entry's server form to its affected servers.
func (c *Coordinator) Push(ctx context.Context, dir Directory, entries []Entry) Results {
	results := make(Results, len(entries))
	plan := Plan(entries)
	if len(plan) == 0 {
		return results
	}

	servers := make([]node.ServerIdentity, 0, len(plan))
	for s := range plan {
		servers = append(servers, s)
	}
	node.SortServers(servers)

	var mu sync.Mutex
	record := func(idx int, server node.ServerIdentity, res participant.ServerResult) {
		mu.Lock()
		defer mu.Unlock()
		if results[idx] == nil {
			results[idx] = make(map[node.ServerIdentity]participant.ServerResult)
		}
		results[idx][server] = res
	}

	if !c.cfg.Parallel {
		for _, s := range servers {
			c.pushServer(ctx, dir, s, plan[s], record)
		}
		return results
	}

	var wg sync.WaitGroup
	for _, s := range servers {
		wg.Add(1)
		c.cfg.Executor.Go(func() {
			defer wg.Done()
			c.pushServer(ctx, dir, s, plan[s], record)
		})
	}
	wg.Wait()
	return results
}

// PushOne sends updates to a single server as one batch, one result per
// update. The server computes its own undo, so AllowRollback is honored
// without domain compensations.
func (c *Coordinator) PushOne(ctx context.Context, dir Directory, server node.ServerIdentity, updates []update.Update) []participant.ServerResult {
	out := make([]participant.ServerResult, len(updates))
	h, ok := dir.Lookup(server.Host)
	if !ok {
		err := fmt.Errorf("%w %s", ErrUnknownHost, server.Host)
		for i := range out {
			out[i] = participant.ServerFailure(err)
		}
		log.Warn().Str("server", server.String()).Msg("serverpush.unknown_host")
		return out
	}
	if c.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.CallTimeout)
		defer cancel()
	}
	got := h.PushServerBatch(ctx, server, updates, c.cfg.AllowRollback)
	for i := range out {
		if i < len(got) {
			out[i] = got[i]
			continue
		}
		out[i] = participant.ServerCancelledResult("no result from host")
	}
	return out
}

func (c *Coordinator) pushServer(ctx context.Context, dir Directory, server node.ServerIdentity, tasks []Task, record func(int, node.ServerIdentity, participant.ServerResult)) {
	h, ok := dir.Lookup(server.Host)
	if !ok {
		err := fmt.Errorf("%w %s", ErrUnknownHost, server.Host)
		for _, t := range tasks {
			record(t.Index, server, participant.ServerFailure(err))
		}
		log.Warn().Str("server", server.String()).Msg("serverpush.unknown_host")
		return
	}

	applied := make([]Task, 0, len(tasks))
	for i, t := range tasks {
		if err := ctx.Err(); err != nil {
			for _, rest := range tasks[i:] {
				record(rest.Index, server, participant.ServerCancelledResult(err.Error()))
			}
			return
		}
		res := c.call(ctx, h, server, t.Update)
		record(t.Index, server, res)
		if res.OK() {
			applied = append(applied, t)
			continue
		}
		log.Warn().
			Str("server", server.String()).
			Str("update", t.Update.String()).
			Str("status", string(res.Status)).
			Str("error", res.Error).
			Msg("serverpush.push_failed")
		if c.cfg.AllowRollback {
			for _, rest := range tasks[i+1:] {
				record(rest.Index, server, participant.ServerCancelledResult("earlier update failed on server"))
			}
			c.undo(ctx, h, server, applied, record)
			return
		}
	}
}

func (c *Coordinator) undo(ctx context.Context, h participant.Handle, server node.ServerIdentity, applied []Task, record func(int, node.ServerIdentity, participant.ServerResult)) {
	for i := len(applied) - 1; i >= 0; i-- {
		t := applied[i]
		if t.Undo == nil {
			continue
		}
		res := c.call(context.WithoutCancel(ctx), h, server, *t.Undo)
		if !res.OK() {
			log.Error().
				Str("server", server.String()).
				Str("undo", t.Undo.String()).
				Str("error", res.Error).
				Msg("serverpush.rollback_failed")
			continue
		}
		record(t.Index, server, participant.ServerResult{Status: participant.ServerRolledBack})
	}
}

func (c *Coordinator) call(ctx context.Context, h participant.Handle, server node.ServerIdentity, u update.Update) participant.ServerResult {
	if c.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.CallTimeout)
		defer cancel()
	}
	return h.PushServerUpdate(ctx, server, u, c.cfg.AllowRollback)
}
