// Package supervisor owns worker process lifecycle for the relay.
//
// Ownership boundary:
// - dedicated policy: one worker per session, session id -> socket registry
//
// - shared policy: fixed pool with bounded auto-restart
//
// - exit reaping, stale socket cleanup, run directory hygiene
//
// Exit notification is split in two steps. A watcher goroutine per child only
// blocks in Wait and forwards {pid, err}; the reaper goroutine performs every
// registry mutation, log record, socket removal and respawn.
package supervisor
