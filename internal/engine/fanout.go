package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/domainctl/internal/node"
	"github.com/danmuck/domainctl/internal/observability"
	"github.com/danmuck/domainctl/internal/participant"
)

type reply[T any] struct {
	handle participant.Handle
	value  T
	err    error
}

// gather runs fn once per handle on the executor and waits for all of them.
// Replies keep the order of handles.
func gather[T any](e *Engine, ctx context.Context, handles []participant.Handle, call string, fn func(context.Context, participant.Handle) (T, error)) []reply[T] {
	out := make([]reply[T], len(handles))
	var wg sync.WaitGroup
	wg.Add(len(handles))
	for i, h := range handles {
		e.exec.Go(func() {
			defer wg.Done()
			callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
			defer cancel()

			start := time.Now()
			value, err := fn(callCtx, h)
			if err != nil && errors.Is(err, context.DeadlineExceeded) {
				err = fmt.Errorf("%w: %s %s", participant.ErrTimeout, call, h.ID())
			}
			out[i] = reply[T]{handle: h, value: value, err: err}
			observability.RecordParticipantCall(h.ID(), call, callResult(err), time.Since(start))
		})
	}
	wg.Wait()
	return out
}

func callResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, participant.ErrTimeout):
		return "timeout"
	default:
		return "error"
	}
}

// normalize trims a response to the batch length and to its first failure.
func normalize(results []participant.UpdateResult, n int) []participant.UpdateResult {
	if len(results) > n {
		results = results[:n]
	}
	for i, r := range results {
		if r.Failure != nil {
			return results[:i+1]
		}
	}
	return results
}

// collate folds replies into outcomes index by index. It returns the first
// failing index, or -1 when every index applied everywhere. A reply carrying a
// call error counts as a failure at index 0.
func collate(replies []reply[[]participant.UpdateResult], outcomes []Outcome) int {
	for i := range outcomes {
		failures := make(map[string]*participant.Failure)
		seen := make(map[node.ServerIdentity]struct{})
		var servers []node.ServerIdentity
		for _, r := range replies {
			id := r.handle.ID()
			if r.err != nil {
				if i == 0 {
					failures[id] = participant.FailureFromError(r.err)
				}
				continue
			}
			if i >= len(r.value) {
				continue
			}
			res := r.value[i]
			if res.Failure != nil {
				failures[id] = res.Failure
				continue
			}
			for _, s := range res.Servers {
				if _, ok := seen[s]; ok {
					continue
				}
				seen[s] = struct{}{}
				servers = append(servers, s)
			}
		}
		if len(failures) > 0 {
			outcomes[i] = hostFailures(failures)
			for j := i + 1; j < len(outcomes); j++ {
				outcomes[j] = cancelledOutcome()
			}
			return i
		}
		node.SortServers(servers)
		outcomes[i] = appliedOutcome(servers)
	}
	return -1
}

// committedCount is how many updates a participant actually applied.
func committedCount(results []participant.UpdateResult) int {
	k := len(results)
	if k > 0 && results[k-1].Failure != nil {
		k--
	}
	return k
}

// rollbackConfirmed requires an answer for every compensation and no failures.
func rollbackConfirmed(r reply[[]participant.UpdateResult], sent int) bool {
	if r.err != nil || len(r.value) != sent {
		return false
	}
	for _, res := range r.value {
		if res.Failure != nil {
			return false
		}
	}
	return true
}
