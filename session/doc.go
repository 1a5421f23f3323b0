// Package session implements the concurrency-safe session store.
//
// All mutation of one session is serialized through Store.Mutate, which runs
// the security binding check before anything else. Readers get cloned
// snapshots. Sessions are written through to a Backend (memory or the sqlite
// subpackage) and loaded back on a cache miss, so a restarted process can
// replay completed runs.
package session
