package engine

import (
	"context"
	"errors"
	"math/rand"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/domainctl/internal/model"
	"github.com/danmuck/domainctl/internal/node"
	"github.com/danmuck/domainctl/internal/participant"
	"github.com/danmuck/domainctl/internal/participant/participanttest"
	"github.com/danmuck/domainctl/internal/testutil/testlog"
	"github.com/danmuck/domainctl/internal/update"
)

func newTestEngine(t *testing.T, cfg Config, handles ...participant.Handle) *Engine {
	t.Helper()
	reg := participant.NewRegistry()
	for _, h := range handles {
		if err := reg.Add(h); err != nil {
			t.Fatalf("add %s: %v", h.ID(), err)
		}
	}
	if cfg.Executor == nil {
		cfg.Executor = Inline{}
	}
	if cfg.CallTimeout == 0 {
		cfg.CallTimeout = time.Second
	}
	e := New(reg, *model.New("domain"), cfg)
	t.Cleanup(e.Close)
	return e
}

func TestApplyBatchRejectsEmptyBatch(t *testing.T) {
	testlog.Start(t)

	e := newTestEngine(t, Config{})
	if _, err := e.ApplyBatch(context.Background(), nil); !errors.Is(err, ErrEmptyBatch) {
		t.Fatalf("expected ErrEmptyBatch, got %v", err)
	}
}

func TestApplyBatchCommitsAcrossParticipants(t *testing.T) {
	testlog.Start(t)

	h1 := participanttest.New("h1", "a")
	h2 := participanttest.New("h2", "b")
	e := newTestEngine(t, Config{}, h1, h2)

	batch := []update.Update{update.AddPath("p1", "/tmp"), update.SetValue("x", "1")}
	res, err := e.ApplyBatch(context.Background(), batch)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !res.Committed || res.ID == "" {
		t.Fatalf("expected committed batch with id, got %+v", res)
	}
	want := []node.ServerIdentity{node.NewServerIdentity("h1", "a"), node.NewServerIdentity("h2", "b")}
	for i, o := range res.Outcomes {
		if o.Kind != Applied {
			t.Fatalf("outcome %d: expected applied, got %s", i, o.Kind)
		}
		if !reflect.DeepEqual(o.Servers, want) {
			t.Fatalf("outcome %d: unexpected servers %v", i, o.Servers)
		}
		if len(o.ServerResults) != 2 {
			t.Fatalf("outcome %d: expected two server results, got %v", i, o.ServerResults)
		}
	}
	snap := e.Snapshot()
	if snap.Paths["p1"] != "/tmp" || snap.Values["x"] != "1" {
		t.Fatalf("unexpected model: %+v", snap)
	}
	if got := len(h1.ServerCalls()); got != 2 {
		t.Fatalf("expected two server pushes via h1, got %d", got)
	}
}

func TestHostRejectsSecondUpdateRollsBackFirst(t *testing.T) {
	testlog.Start(t)

	h1 := participanttest.New("H1")
	var e *Engine
	var during model.State
	reject := participanttest.RejectAt(1, "path p2 not allowed")
	h1.Responder = func(ctx context.Context, call int, updates []update.Update) ([]participant.UpdateResult, error) {
		if call == 0 {
			during = e.Snapshot()
		}
		return reject(ctx, call, updates)
	}
	e = newTestEngine(t, Config{}, h1)

	res, err := e.ApplyBatch(context.Background(), []update.Update{
		update.AddPath("p1", "/tmp"),
		update.AddPath("p2", "/var"),
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}

	if during.Paths["p1"] != "/tmp" || during.Paths["p2"] != "/var" {
		t.Fatalf("expected both paths applied locally before fan-out, got %+v", during.Paths)
	}
	if res.Committed {
		t.Fatalf("expected batch not committed")
	}
	if res.Outcomes[0].Kind != RolledBack {
		t.Fatalf("outcome 0: expected rolled_back, got %s", res.Outcomes[0].Kind)
	}
	o1 := res.Outcomes[1]
	if o1.Kind != HostFailures || o1.Hosts["H1"] == nil || o1.Hosts["H1"].Reason != "path p2 not allowed" {
		t.Fatalf("outcome 1: unexpected %+v", o1)
	}
	if snap := e.Snapshot(); len(snap.Paths) != 0 {
		t.Fatalf("expected no paths after rollback, got %+v", snap.Paths)
	}

	batches := h1.Batches()
	if len(batches) != 2 {
		t.Fatalf("expected batch plus one compensation batch, got %d", len(batches))
	}
	if want := []update.Update{update.RemovePath("p1")}; !reflect.DeepEqual(batches[1], want) {
		t.Fatalf("unexpected compensation batch: %v", batches[1])
	}
	if len(res.OutOfSync) != 0 || len(h1.FullModels()) != 0 {
		t.Fatalf("expected no resync, got %v", res.OutOfSync)
	}
}

func TestTimedOutHostIsResynced(t *testing.T) {
	testlog.Start(t)

	h1 := participanttest.New("H1")
	h2 := participanttest.New("H2")
	h2.Responder = participanttest.BlockFirst()
	e := newTestEngine(t, Config{CallTimeout: 50 * time.Millisecond}, h1, h2)

	res, err := e.ApplyBatch(context.Background(), []update.Update{update.SetValue("x", "1")})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}

	o := res.Outcomes[0]
	if o.Kind != HostFailures || len(o.Hosts) != 1 {
		t.Fatalf("expected host failure for H2 only, got %+v", o)
	}
	f := o.Hosts["H2"]
	if f == nil || f.Reason != "timeout" || !errors.Is(f, participant.ErrTimeout) {
		t.Fatalf("expected H2 timeout, got %+v", f)
	}

	b1 := h1.Batches()
	if len(b1) != 2 || !reflect.DeepEqual(b1[1], []update.Update{update.UnsetValue("x")}) {
		t.Fatalf("expected H1 to get one compensation, got %v", b1)
	}
	if len(h2.Batches()) != 1 {
		t.Fatalf("expected H2 to get no compensation batch, got %v", h2.Batches())
	}

	if !reflect.DeepEqual(res.OutOfSync, []string{"H2"}) {
		t.Fatalf("expected H2 out of sync, got %v", res.OutOfSync)
	}
	models := h2.FullModels()
	if len(models) != 1 || !models[0].Equal(e.Snapshot()) {
		t.Fatalf("expected H2 to receive the rolled-back model once, got %+v", models)
	}
	if _, ok := e.Snapshot().Values["x"]; ok {
		t.Fatalf("expected x rolled back locally")
	}
	if len(e.Pending()) != 0 {
		t.Fatalf("expected no pending resyncs, got %v", e.Pending())
	}
}

func TestLocalFailureNeverReachesParticipants(t *testing.T) {
	testlog.Start(t)

	h1 := participanttest.New("h1")
	e := newTestEngine(t, Config{}, h1)

	res, err := e.ApplyBatch(context.Background(), []update.Update{
		update.AddPath("p1", "/tmp"),
		update.AddPath("p1", "/again"),
		update.SetValue("x", "1"),
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	kinds := []OutcomeKind{res.Outcomes[0].Kind, res.Outcomes[1].Kind, res.Outcomes[2].Kind}
	if !reflect.DeepEqual(kinds, []OutcomeKind{RolledBack, DomainFailure, Cancelled}) {
		t.Fatalf("unexpected kinds: %v", kinds)
	}
	if !errors.Is(res.Outcomes[1].Err, ErrApplyFailed) || !errors.Is(res.Outcomes[1].Err, update.ErrPathExists) {
		t.Fatalf("expected apply failure wrapping ErrPathExists, got %v", res.Outcomes[1].Err)
	}
	if len(h1.Batches()) != 0 {
		t.Fatalf("participants must not be contacted")
	}
	if snap := e.Snapshot(); len(snap.Paths) != 0 || len(snap.Values) != 0 {
		t.Fatalf("expected pristine model, got %+v", snap)
	}
}

func TestRollbackFailureMarksModelInconsistent(t *testing.T) {
	testlog.Start(t)

	h1 := participanttest.New("h1")
	var e *Engine
	h1.Responder = func(ctx context.Context, call int, updates []update.Update) ([]participant.UpdateResult, error) {
		if call == 0 {
			// Out-of-band change that makes the ledger unreplayable.
			if err := e.model.Apply(update.RemovePath("p1")); err != nil {
				t.Errorf("tamper: %v", err)
			}
			return []participant.UpdateResult{participant.Failed(errors.New("no"))}, nil
		}
		return nil, nil
	}
	h2 := participanttest.New("h2")
	h2.Responder = participanttest.FailCall(0, errors.New("connection reset"))
	e = newTestEngine(t, Config{}, h1, h2)

	res, err := e.ApplyBatch(context.Background(), []update.Update{update.AddPath("p1", "/tmp")})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !errors.Is(res.RollbackErr, ErrRollbackFailed) || !res.Inconsistent {
		t.Fatalf("expected rollback failure, got %+v", res)
	}
	if res.ResyncErrors["h2"] != ErrModelInconsistent.Error() || len(h2.FullModels()) != 0 {
		t.Fatalf("expected resync skipped for h2, got %v", res.ResyncErrors)
	}
	if !errors.Is(e.Inconsistent(), ErrModelInconsistent) {
		t.Fatalf("expected engine to report inconsistency")
	}

	next, err := e.ApplyBatch(context.Background(), []update.Update{update.SetValue("a", "1"), update.SetValue("b", "2")})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	for i, o := range next.Outcomes {
		if o.Kind != DomainFailure || !errors.Is(o.Err, ErrModelInconsistent) {
			t.Fatalf("outcome %d: expected inconsistent domain failure, got %+v", i, o)
		}
	}

	e.Reload(*model.New("reloaded"))
	if e.Inconsistent() != nil {
		t.Fatalf("expected reload to clear inconsistency")
	}
	after, err := e.ApplyBatch(context.Background(), []update.Update{update.SetValue("a", "1")})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if after.Outcomes[0].Kind == DomainFailure {
		t.Fatalf("expected batch to reach participants after reload, got %+v", after.Outcomes[0])
	}
	if e.Snapshot().Name != "reloaded" {
		t.Fatalf("expected reloaded model name")
	}
}

func TestUnconfirmedParticipantRollbackTriggersResync(t *testing.T) {
	testlog.Start(t)

	// h1 applies both updates but then fails its compensation call.
	h1 := participanttest.New("h1")
	h1.Responder = participanttest.FailCall(1, errors.New("rollback refused"))
	h2 := participanttest.New("h2")
	h2.Responder = participanttest.RejectAt(1, "nope")
	e := newTestEngine(t, Config{}, h1, h2)

	res, err := e.ApplyBatch(context.Background(), []update.Update{update.SetValue("x", "1"), update.SetValue("y", "2")})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !reflect.DeepEqual(res.OutOfSync, []string{"h1"}) {
		t.Fatalf("expected h1 out of sync, got %v", res.OutOfSync)
	}
	if len(h1.FullModels()) != 1 || len(h2.FullModels()) != 0 {
		t.Fatalf("unexpected resyncs: h1=%d h2=%d", len(h1.FullModels()), len(h2.FullModels()))
	}
	// h1 committed two, h2 committed one.
	if got := h1.Batches()[1]; len(got) != 2 || got[0].Name != "y" || got[1].Name != "x" {
		t.Fatalf("unexpected h1 compensations: %v", got)
	}
	if got := h2.Batches()[1]; len(got) != 1 || got[0].Name != "x" {
		t.Fatalf("unexpected h2 compensations: %v", got)
	}
}

func TestFailedResyncStaysPendingUntilManualResync(t *testing.T) {
	testlog.Start(t)

	h1 := participanttest.New("h1")
	h1.Responder = participanttest.FailCall(0, errors.New("broken pipe"))
	h1.FullModelErr = errors.New("still down")
	e := newTestEngine(t, Config{}, h1)

	res, err := e.ApplyBatch(context.Background(), []update.Update{update.SetValue("x", "1")})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if _, ok := res.ResyncErrors["h1"]; !ok {
		t.Fatalf("expected resync error for h1, got %v", res.ResyncErrors)
	}
	if _, ok := e.Pending()["h1"]; !ok {
		t.Fatalf("expected h1 pending")
	}

	if err := e.Resync(context.Background(), "h1"); !errors.Is(err, ErrResyncFailed) {
		t.Fatalf("expected ErrResyncFailed, got %v", err)
	}
	h1.FullModelErr = nil
	for i := 0; i < 2; i++ {
		if err := e.Resync(context.Background(), "h1"); err != nil {
			t.Fatalf("resync %d: %v", i, err)
		}
	}
	models := h1.FullModels()
	last, prev := models[len(models)-1], models[len(models)-2]
	if last.Digest() != prev.Digest() {
		t.Fatalf("expected repeated resync to push identical models")
	}
	if st, ok := h1.State(); !ok || !st.Equal(e.Snapshot()) {
		t.Fatalf("expected h1 to hold the engine model")
	}
	if len(e.Pending()) != 0 {
		t.Fatalf("expected pending cleared, got %v", e.Pending())
	}
	if err := e.Resync(context.Background(), "nobody"); !errors.Is(err, participant.ErrUnknownParticipant) {
		t.Fatalf("expected ErrUnknownParticipant, got %v", err)
	}
}

func TestServerFailureDoesNotChangeHostOutcome(t *testing.T) {
	testlog.Start(t)

	h1 := participanttest.New("h1", "a", "b")
	a, b := h1.Servers[0], h1.Servers[1]
	h1.ServerResults = map[node.ServerIdentity]participant.ServerResult{
		a: participant.ServerFailure(context.DeadlineExceeded),
	}
	e := newTestEngine(t, Config{}, h1)

	res, err := e.ApplyBatch(context.Background(), []update.Update{update.SetValue("x", "1"), update.SetName("prod")})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !res.Committed {
		t.Fatalf("expected commit despite server failure")
	}
	o := res.Outcomes[0]
	if o.Kind != Applied {
		t.Fatalf("expected applied, got %s", o.Kind)
	}
	if o.ServerResults[a].Status != participant.ServerTimedOut || !o.ServerResults[b].OK() {
		t.Fatalf("unexpected server results: %v", o.ServerResults)
	}
	if o.ServerFailures() != 1 {
		t.Fatalf("expected one server failure, got %d", o.ServerFailures())
	}
	if res.Outcomes[1].ServerResults != nil {
		t.Fatalf("set-name has no server form, got %v", res.Outcomes[1].ServerResults)
	}
	if e.Snapshot().Values["x"] != "1" {
		t.Fatalf("server failure must not roll back the domain")
	}
}

// TestBatchPropertiesUnderRandomFailures checks outcome completeness and
// all-or-none compensation per host for random batches and failure points.
func TestBatchPropertiesUnderRandomFailures(t *testing.T) {
	testlog.Start(t)

	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 100; round++ {
		n := 1 + rng.Intn(6)
		batch := make([]update.Update, n)
		for i := range batch {
			batch[i] = update.SetValue(string(rune('a'+i)), "v")
		}

		hosts := make([]*participanttest.Fake, 1+rng.Intn(3))
		handles := make([]participant.Handle, len(hosts))
		rejectAt := make([]int, len(hosts))
		for i := range hosts {
			hosts[i] = participanttest.New(string(rune('A' + i)))
			rejectAt[i] = rng.Intn(n + 2)
			if rejectAt[i] < n {
				hosts[i].Responder = participanttest.RejectAt(rejectAt[i], "rejected")
			}
			handles[i] = hosts[i]
		}

		e := newTestEngine(t, Config{}, handles...)
		res, err := e.ApplyBatch(context.Background(), batch)
		if err != nil {
			t.Fatalf("round %d: %v", round, err)
		}
		if len(res.Outcomes) != n {
			t.Fatalf("round %d: expected %d outcomes, got %d", round, n, len(res.Outcomes))
		}

		first := n
		for _, at := range rejectAt {
			if at < first {
				first = at
			}
		}
		for i, o := range res.Outcomes {
			var want OutcomeKind
			switch {
			case first == n:
				want = Applied
			case i < first:
				want = RolledBack
			case i == first:
				want = HostFailures
			default:
				want = Cancelled
			}
			if o.Kind != want {
				t.Fatalf("round %d index %d: expected %s, got %s", round, i, want, o.Kind)
			}
		}

		for i, h := range hosts {
			batches := h.Batches()
			if first == n {
				if len(batches) != 1 {
					t.Fatalf("round %d host %d: expected no compensation", round, i)
				}
				continue
			}
			applied := n
			if rejectAt[i] < n {
				applied = rejectAt[i]
			}
			if applied == 0 {
				if len(batches) != 1 {
					t.Fatalf("round %d host %d: expected no compensation batch", round, i)
				}
				continue
			}
			comps := batches[1]
			if len(comps) != applied {
				t.Fatalf("round %d host %d: expected %d compensations, got %d", round, i, applied, len(comps))
			}
			for j, c := range comps {
				if c.Name != batch[applied-1-j].Name || c.Kind != update.KindUnsetValue {
					t.Fatalf("round %d host %d: compensation %d is %s", round, i, j, c)
				}
			}
		}
		if first < n && len(e.Snapshot().Values) != 0 {
			t.Fatalf("round %d: expected empty model after rollback", round)
		}
	}
}

func TestApplyHostUpdates(t *testing.T) {
	testlog.Start(t)

	h1 := participanttest.New("h1")
	e := newTestEngine(t, Config{}, h1)
	ctx := context.Background()

	hostUpdates := []update.Update{
		update.SetValue("jvm", "8g").WithScope(update.ScopeHost),
		update.AddPath("logs", "/var/log").WithScope(update.ScopeHost),
	}
	out, err := e.ApplyHostUpdates(ctx, "h1", hostUpdates)
	if err != nil {
		t.Fatalf("host updates: %v", err)
	}
	if len(out) != 2 || !out[0].OK() || !out[1].OK() {
		t.Fatalf("unexpected results: %+v", out)
	}
	if len(h1.HostBatches()) != 1 {
		t.Fatalf("expected one host batch")
	}

	out, err = e.ApplyHostUpdates(ctx, "missing", hostUpdates)
	if err != nil {
		t.Fatalf("unknown host: %v", err)
	}
	for i, r := range out {
		if r.OK() {
			t.Fatalf("entry %d: expected failure for unknown host", i)
		}
	}
	if _, err := e.ApplyHostUpdates(ctx, "h1", []update.Update{update.SetValue("x", "1")}); !errors.Is(err, ErrInvalidScope) {
		t.Fatalf("expected ErrInvalidScope, got %v", err)
	}
}

func TestApplyServerUpdates(t *testing.T) {
	testlog.Start(t)

	h1 := participanttest.New("h1", "a")
	a := h1.Servers[0]
	e := newTestEngine(t, Config{}, h1)
	ctx := context.Background()

	out, err := e.ApplyServerUpdates(ctx, a, []update.Update{update.SetValue("x", "1")}, true)
	if err != nil {
		t.Fatalf("server updates: %v", err)
	}
	if len(out) != 1 || !out[0].OK() {
		t.Fatalf("unexpected results: %+v", out)
	}
	calls := h1.ServerCalls()
	if len(calls) != 1 || calls[0].Update.Scope != update.ScopeServer || !calls[0].AllowRollback {
		t.Fatalf("unexpected server call: %+v", calls)
	}

	out, err = e.ApplyServerUpdates(ctx, node.NewServerIdentity("gone", "a"), []update.Update{update.SetValue("x", "1"), update.SetValue("y", "1")}, false)
	if err != nil {
		t.Fatalf("unknown host: %v", err)
	}
	if len(out) != 2 || out[0].Status != participant.ServerFailed || out[1].Status != participant.ServerFailed {
		t.Fatalf("expected failure per update, got %+v", out)
	}

	if _, err := e.ApplyServerUpdates(ctx, a, []update.Update{update.SetName("x")}, false); !errors.Is(err, update.ErrNoServerUpdate) {
		t.Fatalf("expected ErrNoServerUpdate, got %v", err)
	}
}

func TestServerStatusesMergesAndSkipsFailures(t *testing.T) {
	testlog.Start(t)

	h1 := participanttest.New("h1", "a", "b")
	h2 := participanttest.New("h2", "c")
	h3 := participanttest.New("h3", "d")
	h3.StatusErr = errors.New("unreachable")
	pool := NewPool(2)
	t.Cleanup(pool.Close)
	e := newTestEngine(t, Config{Executor: pool}, h1, h2, h3)

	got := e.ServerStatuses(context.Background())
	if len(got) != 3 {
		t.Fatalf("expected three servers, got %v", got)
	}
	if got[node.NewServerIdentity("h2", "c")] != "running" {
		t.Fatalf("unexpected statuses: %v", got)
	}
}

type failingPersister struct{ calls atomic.Int32 }

func (p *failingPersister) Persist(model.State) error {
	p.calls.Add(1)
	return errors.New("disk full")
}

func TestPersistFailureIsReportedNotFatal(t *testing.T) {
	testlog.Start(t)

	p := &failingPersister{}
	e := newTestEngine(t, Config{Persister: p}, participanttest.New("h1"))
	res, err := e.ApplyBatch(context.Background(), []update.Update{update.SetValue("x", "1")})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !res.Committed || res.PersistErr == nil {
		t.Fatalf("expected commit with persist error, got %+v", res)
	}
	if p.calls.Load() != 1 {
		t.Fatalf("expected one persist call, got %d", p.calls.Load())
	}
}

func TestConcurrentBatchesAreSerialized(t *testing.T) {
	testlog.Start(t)

	var inFlight, maxInFlight atomic.Int32
	h1 := participanttest.New("h1")
	h1.Responder = func(ctx context.Context, call int, updates []update.Update) ([]participant.UpdateResult, error) {
		cur := inFlight.Add(1)
		for {
			prev := maxInFlight.Load()
			if cur <= prev || maxInFlight.CompareAndSwap(prev, cur) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		inFlight.Add(-1)
		out := make([]participant.UpdateResult, len(updates))
		return out, nil
	}
	pool := NewPool(4)
	t.Cleanup(pool.Close)
	e := newTestEngine(t, Config{Executor: pool}, h1)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := string(rune('a' + i))
			if _, err := e.ApplyBatch(context.Background(), []update.Update{update.SetValue(key, "1")}); err != nil {
				t.Errorf("apply %s: %v", key, err)
			}
		}(i)
	}
	wg.Wait()
	if maxInFlight.Load() != 1 {
		t.Fatalf("expected serialized batches, saw %d concurrent", maxInFlight.Load())
	}
	if got := len(e.Snapshot().Values); got != 8 {
		t.Fatalf("expected 8 values, got %d", got)
	}
}

func TestCommittedBatchPushesServersAfterCallerCancels(t *testing.T) {
	testlog.Start(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h1 := participanttest.New("h1", "a")
	h1.Responder = func(_ context.Context, _ int, updates []update.Update) ([]participant.UpdateResult, error) {
		cancel()
		out := make([]participant.UpdateResult, len(updates))
		for i := range out {
			out[i] = participant.Success(h1.Servers...)
		}
		return out, nil
	}
	e := newTestEngine(t, Config{}, h1)

	res, err := e.ApplyBatch(ctx, []update.Update{update.SetValue("x", "1")})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !res.Committed || res.Outcomes[0].Kind != Applied {
		t.Fatalf("expected committed batch, got %+v", res)
	}
	if got := res.Outcomes[0].ServerResults[h1.Servers[0]]; !got.OK() {
		t.Fatalf("expected server push despite caller cancel, got %s", got)
	}
	if calls := h1.ServerCalls(); len(calls) != 1 {
		t.Fatalf("expected one server push, got %d", len(calls))
	}
}

func TestAdmitRegistersAndResyncsUnderBatchLock(t *testing.T) {
	testlog.Start(t)

	h1 := participanttest.New("h1", "a")
	e := newTestEngine(t, Config{}, h1)
	if _, err := e.ApplyBatch(context.Background(), []update.Update{update.SetValue("x", "1")}); err != nil {
		t.Fatalf("apply: %v", err)
	}

	h2 := participanttest.New("h2", "b")
	if err := e.Admit(context.Background(), h2); err != nil {
		t.Fatalf("admit: %v", err)
	}
	models := h2.FullModels()
	if len(models) != 1 || models[0].Values["x"] != "1" {
		t.Fatalf("expected admitted host to receive the model, got %+v", models)
	}
	if err := e.Admit(context.Background(), participanttest.New("h2")); !errors.Is(err, participant.ErrParticipantExists) {
		t.Fatalf("expected ErrParticipantExists, got %v", err)
	}
	if err := e.Admit(context.Background(), nil); !errors.Is(err, participant.ErrParticipantNil) {
		t.Fatalf("expected ErrParticipantNil, got %v", err)
	}

	h3 := participanttest.New("h3")
	h3.FullModelErr = errors.New("unreachable")
	if err := e.Admit(context.Background(), h3); !errors.Is(err, ErrResyncFailed) {
		t.Fatalf("expected ErrResyncFailed, got %v", err)
	}
	if _, ok := e.registry.Resolve("h3"); !ok {
		t.Fatalf("expected h3 registered despite failed resync")
	}
	if _, pending := e.Pending()["h3"]; !pending {
		t.Fatalf("expected h3 pending")
	}

	res, err := e.ApplyBatch(context.Background(), []update.Update{update.SetValue("y", "1")})
	if err != nil || !res.Committed {
		t.Fatalf("expected later batch to reach every admitted host: %+v %v", res, err)
	}
	if got := len(h2.Batches()); got != 1 {
		t.Fatalf("expected h2 to receive the later batch, got %d", got)
	}
}
