// Package zlog provides a zerolog-backed observer plugin for zones.
// It logs creation, signals, failures, task errors and finalization with
// the zone id and name attached.
package zlog
