// Package model defines the provider-agnostic streaming abstraction and the
// resilient client layered on top of it.
//
// A Provider turns a Request into a lazy sequence of Chunks. Client adds:
//   - retry with jittered exponential backoff for transient failures
//   - circuit breaking per provider/model key
//   - tool-call suspension: a turn that requests tools ends with a
//     ToolCallRequest whose Continuation is passed back to Client.Resume
//
// Concrete providers live in the openai and anthropic subpackages;
// ScriptedProvider is an in-memory provider for tests and local runs.
package model
