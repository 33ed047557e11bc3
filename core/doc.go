// Package core provides the foundational domain types shared by every part of
// the triage daemon. It defines:
//
//   - Issues (registry records with a guarded status lifecycle)
//   - Stream events (the ordered, typed records observers consume)
//   - Solutions (the structured outcome of a successful analysis)
//   - Context bundles (aggregated diagnostic evidence handed to the engine)
//   - The error taxonomy used for cross-component communication
//
// The package intentionally keeps implementation concerns (persistence, event
// fan-out, worker orchestration) out of scope, exposing plain types and pure
// functions so every other package can depend on it without cycles.
package core
