// Package dispatcher is the top level orchestrator. It accepts a request,
// routes it to a specialist, drives the resilient model client through any
// tool calls and hand-offs, records the transcript in the session store and
// publishes progress to the broadcaster until a terminal event.
//
// Routing is a pure scoring function over the closed set of specialist
// categories; an explicit agent_id always wins and ties break toward the
// generalist. Hand-offs between specialists are bounded by a hop counter,
// and a retry-exhausted model failure downgrades to the fallback specialist
// at most once per request.
package dispatcher
