// Package engine implements the secsync client sync engine.
//
// ARCHITECTURE:
//
// Single-Writer Event Loop:
// One goroutine (Run) owns all connection state: the active snapshot, the
// snapshot and updates in flight, the clock ledger and the ephemeral
// session. Everything else talks to it through queues:
//
//  1. control  - lifecycle signals and API commands
//  2. custom   - application extension messages
//  3. incoming - relay messages
//  4. pending  - local changes waiting to be published
//
// Each tick takes one item from the highest-priority non-empty queue. The
// pending queue is drained as a batch and only once the document is loaded
// and no snapshot is awaiting acknowledgement.
//
// Host callbacks run inside the loop, one at a time. While a callback runs,
// new events keep queuing.
//
// Connection Lifecycle:
// Every connect attempt gets a generation number. Transport events carry
// the generation they were produced under and are dropped once it is
// stale. A disconnect resets all session state except pending changes and
// schedules a reconnect with capped exponential backoff. Fatal snapshot or
// update errors move the engine to failed, and missing documents or
// rejected keys to noAccess. Neither recovers in place.
package engine
