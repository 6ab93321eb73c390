// Package mux exposes the multiplexer on a local unix socket.
//
// The Server accepts SSH agent clients and runs one goroutine per
// connection. Each session decodes one framed request at a time, hands it
// to the router, and writes the response back, so responses on a single
// connection are strictly ordered. Malformed framing closes only that
// client's connection; other sessions and the upstream registry are
// untouched.
//
// Shutdown stops accepting, gives open sessions a grace period to drain,
// force-closes the rest, and removes the socket file.
package mux
