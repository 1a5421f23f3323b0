// Package runner manages the lifecycle of dispatcher runs.
//
// Start accepts a request and drives it in the background so the caller can
// answer immediately and stream events; Run drives it inline and returns the
// terminal session. Active runs are tracked by run id (the session id) so
// they can be cancelled individually or all at once on shutdown.
package runner
