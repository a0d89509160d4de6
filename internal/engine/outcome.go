package engine

import (
	"sort"

	"github.com/danmuck/domainctl/internal/node"
	"github.com/danmuck/domainctl/internal/participant"
)

// OutcomeKind is the single state one update holds at the end of a batch.
type OutcomeKind string

const (
	Applied       OutcomeKind = "applied"
	Cancelled     OutcomeKind = "cancelled"
	RolledBack    OutcomeKind = "rolled_back"
	DomainFailure OutcomeKind = "domain_failure"
	HostFailures  OutcomeKind = "host_failures"
)

// Outcome is the result for one submitted update.
type Outcome struct {
	Kind OutcomeKind `json:"kind"`
	// Servers is the union of affected servers reported by participants.
	Servers []node.ServerIdentity `json:"servers,omitempty"`
	// Err holds the local rejection for DomainFailure.
	Err   error  `json:"-"`
	Error string `json:"error,omitempty"`
	// Hosts maps participant id to its failure for HostFailures.
	Hosts map[string]*participant.Failure `json:"host_failures,omitempty"`
	// ServerResults records server-tier pushes; it never changes Kind.
	ServerResults map[node.ServerIdentity]participant.ServerResult `json:"server_results,omitempty"`
}

func appliedOutcome(servers []node.ServerIdentity) Outcome {
	return Outcome{Kind: Applied, Servers: servers}
}

func cancelledOutcome() Outcome {
	return Outcome{Kind: Cancelled}
}

func domainFailure(err error) Outcome {
	return Outcome{Kind: DomainFailure, Err: err, Error: err.Error()}
}

func hostFailures(hosts map[string]*participant.Failure) Outcome {
	return Outcome{Kind: HostFailures, Hosts: hosts}
}

// FailedHosts lists the ids in Hosts in sorted order.
func (o Outcome) FailedHosts() []string {
	ids := make([]string, 0, len(o.Hosts))
	for id := range o.Hosts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ServerFailures counts server pushes that did not apply.
func (o Outcome) ServerFailures() int {
	n := 0
	for _, res := range o.ServerResults {
		if !res.OK() {
			n++
		}
	}
	return n
}

// BatchResult is everything the caller learns about one batch.
type BatchResult struct {
	ID        string    `json:"id"`
	Outcomes  []Outcome `json:"outcomes"`
	Committed bool      `json:"committed"`
	// OutOfSync lists participants that were sent the full model.
	OutOfSync    []string          `json:"out_of_sync,omitempty"`
	ResyncErrors map[string]string `json:"resync_errors,omitempty"`
	PersistErr   error             `json:"-"`
	RollbackErr  error             `json:"-"`
	// Inconsistent is set when local rollback failed and the model needs a reload.
	Inconsistent bool `json:"inconsistent,omitempty"`
}

// Count returns how many outcomes hold kind.
func (r BatchResult) Count(kind OutcomeKind) int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Kind == kind {
			n++
		}
	}
	return n
}
