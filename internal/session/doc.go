// Package session drives participants through search, match, connect and
// teardown.
//
// A Manager owns a matching.Engine and runs a single event loop. Transports
// submit events; the loop applies them one at a time, relays signaling
// between partners, periodically retries unmatched searchers and emits
// notifications through a Notifier. Persistence is pushed to a bounded
// telemetry queue and never blocks the loop.
package session
