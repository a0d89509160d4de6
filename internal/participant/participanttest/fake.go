// Package participanttest provides a scriptable participant.Handle for tests.
package participanttest

import (
	"context"
	"errors"
	"sync"

	"github.com/danmuck/domainctl/internal/model"
	"github.com/danmuck/domainctl/internal/node"
	"github.com/danmuck/domainctl/internal/participant"
	"github.com/danmuck/domainctl/internal/update"
)

var ErrScripted = errors.New("participanttest: scripted failure")

// Responder answers the call-th PushBatch (zero based).
type Responder func(ctx context.Context, call int, updates []update.Update) ([]participant.UpdateResult, error)

// ServerCall records one PushServerUpdate or one update of a PushServerBatch.
type ServerCall struct {
	Server        node.ServerIdentity
	Update        update.Update
	AllowRollback bool
}

// Fake records every call and answers from its fields.
// The zero Responder applies every update and reports Servers as affected.
type Fake struct {
	Name      string
	Servers   []node.ServerIdentity
	Responder Responder
	// ServerResults overrides the answer per server; absent means applied.
	ServerResults map[node.ServerIdentity]participant.ServerResult
	PingErr       error
	FullModelErr  error
	StatusErr     error

	mu          sync.Mutex
	batches     [][]update.Update
	hostBatches [][]update.Update
	fullModels  []model.State
	serverCalls []ServerCall
	state       *model.State
}

func New(name string, servers ...string) *Fake {
	f := &Fake{Name: name}
	for _, s := range servers {
		f.Servers = append(f.Servers, node.NewServerIdentity(name, s))
	}
	return f
}

func (f *Fake) ID() string { return f.Name }

func (f *Fake) Ping(ctx context.Context) error {
	f.mu.Lock()
	err := f.PingErr
	f.mu.Unlock()
	return err
}

// SetPingErr changes the ping answer while a monitor may be running.
func (f *Fake) SetPingErr(err error) {
	f.mu.Lock()
	f.PingErr = err
	f.mu.Unlock()
}

func (f *Fake) PushBatch(ctx context.Context, updates []update.Update) ([]participant.UpdateResult, error) {
	f.mu.Lock()
	call := len(f.batches)
	f.batches = append(f.batches, append([]update.Update(nil), updates...))
	responder := f.Responder
	f.mu.Unlock()
	if responder != nil {
		return responder(ctx, call, updates)
	}
	return f.applyAll(updates), nil
}

func (f *Fake) PushHostBatch(ctx context.Context, updates []update.Update) ([]participant.UpdateResult, error) {
	f.mu.Lock()
	f.hostBatches = append(f.hostBatches, append([]update.Update(nil), updates...))
	f.mu.Unlock()
	return f.applyAll(updates), nil
}

func (f *Fake) applyAll(updates []update.Update) []participant.UpdateResult {
	out := make([]participant.UpdateResult, 0, len(updates))
	for range updates {
		out = append(out, participant.Success(f.Servers...))
	}
	return out
}

func (f *Fake) PushFullModel(ctx context.Context, state model.State) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fullModels = append(f.fullModels, state.Clone())
	if f.FullModelErr != nil {
		return f.FullModelErr
	}
	st := state.Clone()
	f.state = &st
	return nil
}

func (f *Fake) PushServerUpdate(ctx context.Context, server node.ServerIdentity, u update.Update, allowRollback bool) participant.ServerResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.serverCalls = append(f.serverCalls, ServerCall{Server: server, Update: u, AllowRollback: allowRollback})
	if res, ok := f.ServerResults[server]; ok {
		return res
	}
	return participant.ServerOK()
}

// PushServerBatch answers each update from ServerResults and stops at the
// first failure, marking the applied prefix rolled_back when allowed.
func (f *Fake) PushServerBatch(ctx context.Context, server node.ServerIdentity, updates []update.Update, allowRollback bool) []participant.ServerResult {
	out := make([]participant.ServerResult, len(updates))
	for i, u := range updates {
		out[i] = f.PushServerUpdate(ctx, server, u, allowRollback)
		if out[i].OK() {
			continue
		}
		for j := i + 1; j < len(out); j++ {
			out[j] = participant.ServerCancelledResult("earlier update failed on server")
		}
		if allowRollback {
			for j := 0; j < i; j++ {
				out[j] = participant.ServerResult{Status: participant.ServerRolledBack}
			}
		}
		break
	}
	return out
}

func (f *Fake) ServerStatuses(ctx context.Context) (map[node.ServerIdentity]string, error) {
	if f.StatusErr != nil {
		return nil, f.StatusErr
	}
	out := make(map[node.ServerIdentity]string, len(f.Servers))
	for _, s := range f.Servers {
		out[s] = "running"
	}
	return out, nil
}

// Batches returns every PushBatch payload in call order.
func (f *Fake) Batches() [][]update.Update {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]update.Update(nil), f.batches...)
}

func (f *Fake) HostBatches() [][]update.Update {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]update.Update(nil), f.hostBatches...)
}

func (f *Fake) FullModels() []model.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.State(nil), f.fullModels...)
}

func (f *Fake) ServerCalls() []ServerCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ServerCall(nil), f.serverCalls...)
}

// State returns the last successfully pushed full model.
func (f *Fake) State() (model.State, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == nil {
		return model.State{}, false
	}
	return f.state.Clone(), true
}

// RejectAt fails index i of the first batch and applies everything afterwards.
func RejectAt(i int, reason string, servers ...node.ServerIdentity) Responder {
	return func(ctx context.Context, call int, updates []update.Update) ([]participant.UpdateResult, error) {
		out := make([]participant.UpdateResult, 0, len(updates))
		for idx := range updates {
			if call == 0 && idx == i {
				out = append(out, participant.UpdateResult{Failure: &participant.Failure{Reason: reason}})
				return out, nil
			}
			out = append(out, participant.Success(servers...))
		}
		return out, nil
	}
}

// BlockFirst waits for ctx on the first batch and applies later ones.
func BlockFirst(servers ...node.ServerIdentity) Responder {
	return func(ctx context.Context, call int, updates []update.Update) ([]participant.UpdateResult, error) {
		if call == 0 {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		out := make([]participant.UpdateResult, 0, len(updates))
		for range updates {
			out = append(out, participant.Success(servers...))
		}
		return out, nil
	}
}

// FailCall returns err for call n and applies every other batch.
func FailCall(n int, err error, servers ...node.ServerIdentity) Responder {
	return func(ctx context.Context, call int, updates []update.Update) ([]participant.UpdateResult, error) {
		if call == n {
			return nil, err
		}
		out := make([]participant.UpdateResult, 0, len(updates))
		for range updates {
			out = append(out, participant.Success(servers...))
		}
		return out, nil
	}
}
