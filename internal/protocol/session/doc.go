// Package session owns presence session timing and transport settings.
//
// Ownership boundary:
// - connect/handshake/write timeouts
// - jittered delay ranges for auth, settle, pong, idle and ping pacing
// - client TLS posture (unverified peer certificates are allowed on purpose)
// - restart backoff used by the service loop above the orchestrator
package session
