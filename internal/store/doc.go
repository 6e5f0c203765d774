// Package store implements the durable coordination store: the single
// persistent artifact of the agora marketplace core.
//
// All entities (agents, capabilities, messages, tasks, workflows,
// steps, events, delivery cursors, idempotency records) live in one
// embedded sqlite database. Mutations happen exclusively through
// reducers executed by a single writer goroutine, which yields a total
// order over writes without fine-grained locks; readers run
// concurrently against WAL snapshots.
//
// Each committed reducer is assigned a store-wide, strictly increasing
// commit sequence. The events it emits share that commit sequence,
// receive their per-target delivery sequence inside the same
// transaction, and are handed to the event fabric immediately after
// commit — so fabric enqueue order matches commit order.
//
// Reducer failures (unique-key violation, invalid transition, missing
// referent) roll the transaction back and leave the store unchanged.
package store
