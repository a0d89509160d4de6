// Package engine propagates ordered update batches from the authoritative model
// to every registered participant.
//
// A batch is applied locally first while a reverse-ordered rollback ledger is
// built. On local success it fans out concurrently, results are collated per
// index, and any participant failure rolls the whole batch back everywhere it
// was applied. Participants whose rollback cannot be confirmed receive the
// full model. Committed batches then push their server-scope effects.
//
// Batches are serialized against the model; fan-out is the only concurrent part.
package engine
