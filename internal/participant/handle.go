package participant

import (
	"context"
	"errors"
	"fmt"

	"github.com/danmuck/domainctl/internal/model"
	"github.com/danmuck/domainctl/internal/node"
	"github.com/danmuck/domainctl/internal/update"
)

var (
	ErrTimeout            = errors.New("timeout")
	ErrParticipantExists  = errors.New("participant: already registered")
	ErrParticipantNil     = errors.New("participant: handle is nil")
	ErrInvalidID          = errors.New("participant: invalid id")
	ErrUnknownParticipant = errors.New("participant: unknown participant")
	ErrUnknownServer      = errors.New("participant: unknown server")
)

// Handle is one connected secondary controller.
//
// PushBatch applies the updates in order and stops at the first failure; the
// returned slice is a prefix of the batch whose last entry may be that failure.
// A non-nil error means the call itself failed and nothing is known about what
// the participant applied. Implementations must honor ctx deadlines.
//
// PushServerBatch applies updates to one server and returns one result per
// update. With allowRollback a failure undoes the server's applied prefix.
type Handle interface {
	ID() string
	Ping(ctx context.Context) error
	PushBatch(ctx context.Context, updates []update.Update) ([]UpdateResult, error)
	PushHostBatch(ctx context.Context, updates []update.Update) ([]UpdateResult, error)
	PushFullModel(ctx context.Context, state model.State) error
	PushServerUpdate(ctx context.Context, server node.ServerIdentity, u update.Update, allowRollback bool) ServerResult
	PushServerBatch(ctx context.Context, server node.ServerIdentity, updates []update.Update, allowRollback bool) []ServerResult
	ServerStatuses(ctx context.Context) (map[node.ServerIdentity]string, error)
}

// Failure is a typed per-update rejection reported by a participant.
type Failure struct {
	Reason   string `json:"reason"`
	TimedOut bool   `json:"timed_out,omitempty"`
}

func (f *Failure) Error() string {
	return f.Reason
}

// Is lets errors.Is(f, ErrTimeout) distinguish timeouts from rejections.
func (f *Failure) Is(target error) bool {
	return f.TimedOut && target == ErrTimeout
}

// FailureFromError classifies a call error, keeping timeouts distinguishable.
func FailureFromError(err error) *Failure {
	if err == nil {
		return nil
	}
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return &Failure{Reason: ErrTimeout.Error(), TimedOut: true}
	}
	return &Failure{Reason: err.Error()}
}

// UpdateResult is one participant's answer for one update in a batch.
type UpdateResult struct {
	Servers []node.ServerIdentity `json:"servers,omitempty"`
	Failure *Failure              `json:"failure,omitempty"`
}

func Success(servers ...node.ServerIdentity) UpdateResult {
	return UpdateResult{Servers: servers}
}

func Failed(err error) UpdateResult {
	return UpdateResult{Failure: FailureFromError(err)}
}

// OK reports whether the update was applied.
func (r UpdateResult) OK() bool {
	return r.Failure == nil
}

// ServerStatus classifies one server-tier push.
type ServerStatus string

const (
	ServerApplied    ServerStatus = "applied"
	ServerFailed     ServerStatus = "failed"
	ServerCancelled  ServerStatus = "cancelled"
	ServerTimedOut   ServerStatus = "timed_out"
	ServerRolledBack ServerStatus = "rolled_back"
)

// ServerResult is the outcome of one update pushed to one server.
type ServerResult struct {
	Status ServerStatus `json:"status"`
	Error  string       `json:"error,omitempty"`
}

func ServerOK() ServerResult {
	return ServerResult{Status: ServerApplied}
}

// ServerFailure classifies err into failed or timed_out.
func ServerFailure(err error) ServerResult {
	if err == nil {
		return ServerOK()
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return ServerResult{Status: ServerTimedOut, Error: ErrTimeout.Error()}
	}
	return ServerResult{Status: ServerFailed, Error: err.Error()}
}

func ServerCancelledResult(reason string) ServerResult {
	return ServerResult{Status: ServerCancelled, Error: reason}
}

func (r ServerResult) OK() bool {
	return r.Status == ServerApplied
}

func (r ServerResult) String() string {
	if r.Error == "" {
		return string(r.Status)
	}
	return fmt.Sprintf("%s: %s", r.Status, r.Error)
}
