// Package zone provides hierarchical asynchronous error domains for Go.
// A zone attributes deferred work to exactly one owner, aggregates the
// failures of that work, and reports completion to its parent only after
// every descendant has completed.
package zone
