// Package core provides the foundational domain types shared by the
// orchestration subsystem. It defines:
//
//   - Requests (immutable intake records with a task type hint)
//   - Messages and tool calls (the append-only conversational transcript)
//   - Sessions (the persisted record of a run, including its security binding)
//   - AgentEvents (ordered, typed progress notifications with a closed payload set)
//   - Specialist categories (the closed set of routing targets)
//   - The error taxonomy surfaced to callers and streams
//
// The package intentionally keeps behaviour out of scope: persistence lives in
// session, fan-out in broadcast, routing in dispatcher. Types here carry only the
// invariants that are local to a single value (message dedupe, timestamp
// monotonicity, clone semantics).
package core
