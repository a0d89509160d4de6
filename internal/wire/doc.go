// Package wire carries participant calls between the domain controller and a
// host controller.
//
// Each connection exchanges newline-delimited JSON: one request object per
// line, answered by one response envelope {ok, error, data}. Client satisfies
// participant.Handle so the engine cannot tell a remote host from a local one;
// Serve exposes any participant.Handle on a listener.
package wire
