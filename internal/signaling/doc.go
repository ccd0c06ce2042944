// Package signaling is the WebSocket transport of the matchmaking service.
//
// Each connection on GET /ws is authenticated, decoded into session events
// and fed to the session loop. Notifications come back through the Hub,
// which owns a bounded send queue per connection so the loop never waits on
// a slow client.
package signaling
