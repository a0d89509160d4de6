package participant_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/domainctl/internal/participant"
	"github.com/danmuck/domainctl/internal/participant/participanttest"
	"github.com/danmuck/domainctl/internal/testutil/testlog"
)

func TestRegistryAddRemoveSnapshot(t *testing.T) {
	testlog.Start(t)

	reg := participant.NewRegistry()
	if err := reg.Add(participanttest.New("h2")); err != nil {
		t.Fatalf("add h2: %v", err)
	}
	if err := reg.Add(participanttest.New("h1")); err != nil {
		t.Fatalf("add h1: %v", err)
	}
	if err := reg.Add(participanttest.New("h1")); !errors.Is(err, participant.ErrParticipantExists) {
		t.Fatalf("expected ErrParticipantExists, got %v", err)
	}
	if err := reg.Add(nil); !errors.Is(err, participant.ErrParticipantNil) {
		t.Fatalf("expected ErrParticipantNil, got %v", err)
	}
	if err := reg.Add(participanttest.New("  ")); !errors.Is(err, participant.ErrInvalidID) {
		t.Fatalf("expected ErrInvalidID, got %v", err)
	}

	snap := reg.Snapshot()
	if snap.Version != 2 {
		t.Fatalf("expected version 2, got %d", snap.Version)
	}
	if len(snap.Handles) != 2 || snap.Handles[0].ID() != "h1" || snap.Handles[1].ID() != "h2" {
		t.Fatalf("unexpected snapshot order: %v", reg.IDs())
	}
	if _, ok := snap.Lookup("h2"); !ok {
		t.Fatalf("expected lookup hit for h2")
	}
	if _, ok := snap.Lookup("h3"); ok {
		t.Fatalf("expected lookup miss for h3")
	}

	if !reg.Remove("h1") {
		t.Fatalf("expected remove of h1 to report true")
	}
	if reg.Remove("h1") {
		t.Fatalf("expected second remove to report false")
	}
	// Snapshots already taken are unaffected by later mutation.
	if len(snap.Handles) != 2 {
		t.Fatalf("snapshot changed after remove")
	}
	if got := reg.Snapshot(); got.Version != 3 || len(got.Handles) != 1 {
		t.Fatalf("unexpected snapshot after remove: version=%d len=%d", got.Version, len(got.Handles))
	}
}

func TestFailureClassification(t *testing.T) {
	testlog.Start(t)

	timeout := participant.FailureFromError(context.DeadlineExceeded)
	if !timeout.TimedOut || !errors.Is(timeout, participant.ErrTimeout) {
		t.Fatalf("expected deadline to classify as timeout, got %+v", timeout)
	}
	wrapped := participant.FailureFromError(fmt.Errorf("call: %w", participant.ErrTimeout))
	if !wrapped.TimedOut {
		t.Fatalf("expected wrapped timeout to classify as timeout")
	}
	rejected := participant.FailureFromError(errors.New("path exists"))
	if rejected.TimedOut || errors.Is(rejected, participant.ErrTimeout) {
		t.Fatalf("rejection must not look like a timeout: %+v", rejected)
	}
	if participant.FailureFromError(nil) != nil {
		t.Fatalf("nil error must not produce a failure")
	}

	if got := participant.ServerFailure(context.DeadlineExceeded); got.Status != participant.ServerTimedOut {
		t.Fatalf("expected timed_out, got %s", got)
	}
	if got := participant.ServerFailure(errors.New("boom")); got.Status != participant.ServerFailed || got.Error != "boom" {
		t.Fatalf("expected failed: boom, got %s", got)
	}
	if !participant.ServerFailure(nil).OK() {
		t.Fatalf("nil error should be applied")
	}
}

func TestMonitorFiresOnceAfterMaxFailures(t *testing.T) {
	testlog.Start(t)

	reg := participant.NewRegistry()
	bad := participanttest.New("bad")
	bad.PingErr = errors.New("unreachable")
	good := participanttest.New("good")
	if err := reg.Add(bad); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := reg.Add(good); err != nil {
		t.Fatalf("add: %v", err)
	}

	var mu sync.Mutex
	var inactive []string
	mon := participant.NewMonitor(reg, participant.MonitorConfig{
		MaxFailures: 2,
		OnInactive: func(id string) {
			mu.Lock()
			inactive = append(inactive, id)
			mu.Unlock()
		},
	})

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		mon.CheckOnce(ctx)
	}

	mu.Lock()
	got := append([]string(nil), inactive...)
	mu.Unlock()
	if len(got) != 1 || got[0] != "bad" {
		t.Fatalf("expected single inactive callback for bad, got %v", got)
	}
	h, ok := mon.Health("bad")
	if !ok || h.Healthy || h.ConsecutiveFails != 4 || h.LastError != "unreachable" {
		t.Fatalf("unexpected health for bad: %+v", h)
	}
	if h, ok := mon.Health("good"); !ok || !h.Healthy {
		t.Fatalf("unexpected health for good: %+v", h)
	}

	bad.SetPingErr(nil)
	mon.CheckOnce(ctx)
	if h, _ := mon.Health("bad"); !h.Healthy || h.ConsecutiveFails != 0 {
		t.Fatalf("expected recovery, got %+v", h)
	}

	reg.Remove("good")
	mon.CheckOnce(ctx)
	if _, ok := mon.Health("good"); ok {
		t.Fatalf("expected removed participant to be pruned")
	}
	if all := mon.All(); len(all) != 1 || all[0].ID != "bad" {
		t.Fatalf("unexpected records: %+v", all)
	}
}

func TestMonitorRunStopsOnCancel(t *testing.T) {
	testlog.Start(t)

	reg := participant.NewRegistry()
	if err := reg.Add(participanttest.New("h1")); err != nil {
		t.Fatalf("add: %v", err)
	}
	mon := participant.NewMonitor(reg, participant.MonitorConfig{Interval: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		mon.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := mon.Health("h1"); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("monitor never checked h1")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("monitor did not stop after cancel")
	}
}
