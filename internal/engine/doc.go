// Package engine implements the offline-first sync engine.
//
// The engine mirrors the synced collections between the device store and a
// remote store. Local mutations are written to the device first and then
// pushed; when the remote is unreachable they wait in the persisted sync
// queue and are replayed in order once connectivity returns. Remote changes
// arrive through per-collection subscriptions and are applied locally.
//
// # Critical Patterns
//
// Single writer:
//   - Push, Pull, HandleRemoteChange and DrainRetryQueue share one mutex
//   - a device never runs two of them concurrently
//
// Per-record FIFO:
//   - a push for a record with PENDING queue entries is queued behind them
//   - pull and remote changes never overwrite a record with PENDING entries
//   - the drain stops at the first entry of a record that is backing off
//
// Echo suppression:
//   - every remote write carries an origin token "<session>:<seq>"
//   - tokens stay registered while the write is in flight and for an echo
//     window after it settles
//   - a change event whose origin is registered is dropped
//
// Remote wins:
//   - a conflict (or an update of a document deleted remotely) discards the
//     local intent and re-reads the remote copy
package engine
