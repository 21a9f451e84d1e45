// Package relay connects one instance to the shared Redis pub/sub broker.
//
// Outbound events are published tagged with this instance's id; a background
// listener dispatches inbound broker messages to registered handlers. The
// relay fails soft everywhere: a down broker degrades the system to
// local-only delivery, it never crashes the process.
package relay
