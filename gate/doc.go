// Package gate binds external asynchronous sources to a zone. A gate is a
// ref-counted child of the zone it is bound to: while it is open the zone
// cannot resolve as idle, and when its source completes it queues callbacks
// on the zone and closes.
//
// Sources usually complete on other goroutines. Gates hop back onto the
// goroutine running the zone's runtime with Post before touching the zone.
package gate
