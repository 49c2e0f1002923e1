// Package store provides the device-resident document store.
//
// Records live in named collections (products, categories, sales, users,
// customers, settings, inventory_movements, sync_queue) and are addressed by
// id. Two backends implement Backend:
//   - Store: SQLite file, survives restarts
//   - Memory: process-local fallback when the file cannot be opened
//
// # Critical Patterns
//
// Idempotent upsert:
//   - Put is INSERT ... ON CONFLICT DO UPDATE keyed by (collection, id)
//   - Putting the same record twice equals putting it once
//
// Stable ordering:
//   - seq is allocated on first insert and never changes
//   - GetAll orders by seq, which makes the persisted sync queue FIFO
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - single open connection: SQLite has one writer
package store
