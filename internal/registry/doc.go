// Package registry owns the live WebSocket connections of one instance.
//
// It tracks per-user and per-channel membership under a single mutation lock
// and performs best-effort local delivery. Failed sends never surface to the
// broadcaster: the affected connection is cleaned up by a background
// disconnect so one dead peer cannot stall a fan-out to the rest.
package registry
