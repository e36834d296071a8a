// Package reactor provides a readiness watcher for a changing set of file
// descriptors, driven by one background goroutine.
//
// Ownership boundary:
// - readable/writable/exceptional watch sets (one-shot registrations)
//
// - wake descriptor used to interrupt a blocked poll(2)
//
// - listener adapter gating Accept on readiness
//
// AddWatch and RemoveWatch are safe from any goroutine. RemoveWatch returns only
// after a full poll cycle that started after the removal has completed, so no
// callback for the removed descriptor runs once it returns. Callbacks run on the
// reactor goroutine outside the internal lock and may call AddWatch, but must
// not call RemoveWatch (it would wait on the cycle the callback is part of).
package reactor
