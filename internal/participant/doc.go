// Package participant owns the contract between the domain controller and the
// secondary controllers it propagates to.
//
// Ownership boundary:
// - the Handle contract and its result shapes
// - live membership (Registry) with point-in-time snapshots
// - liveness polling (Monitor)
//
// Participant does not decide commit or rollback.
package participant
