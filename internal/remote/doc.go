// Package remote defines the contract between the sync engine and the
// remote document store, plus the pieces every adapter shares: change
// subscriptions, origin tokens, and retry policy.
//
// Adapters live in subpackages: memremote (in-process, for tests and
// demos), gormremote (SQL-backed, used by the server), and httpremote
// (a client for the server).
package remote
