// Package presence runs presence sessions against the remote socket service.
//
// A Session drives one device identity through
// connecting -> awaiting_challenge -> authenticating -> heartbeating -> closing -> closed.
// The Orchestrator launches one Session per SessionSpec, tracks open sessions in a
// Registry, and bounds shutdown by the configured grace period. Service layers the
// restart policy and the optional admin HTTP surface on top.
package presence
