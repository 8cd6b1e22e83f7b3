// Package session owns the constants both sides of a console/agent session agree on.
//
// Ownership boundary:
// - agent identities and session state
// - per-class endpoints and heartbeat timing
// - reconnect backoff
// - transport security settings
package session
