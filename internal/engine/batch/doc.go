// Package batch runs independent units of work with bounded concurrency.
//
// A Pool keeps a sliding window of at most Limit in-flight tasks:
//   - tasks are launched greedily in item order while the window has room
//   - when the window is full the controller blocks until any task finishes
//   - every completion is delivered on one channel consumed only by the
//     controller, so counters have a single writer
//   - a task failure is recorded and never cancels its siblings
//   - cancelling the context stops new launches; in-flight tasks observe the
//     cancelled context and the controller waits at most a grace period
//     for them before returning
package batch
