// Package matching contains the in-memory matchmaking core: the waiting pool,
// the active pairing table, the compatibility scorer and the engine that
// commits pairings.
//
// Nothing in this package is safe for concurrent use. An Engine is owned by a
// single goroutine (see internal/session) and every operation runs to
// completion before the next one starts.
package matching
