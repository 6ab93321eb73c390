// Package upstream tracks the backend agents the multiplexer forwards to.
//
// # Connection lifecycle
//
// Each configured agent socket gets one Conn. Dialing is lazy: the first
// exchange connects, and any failure (connect, timeout, I/O error,
// malformed response) tears the connection down so the next exchange
// starts from a clean dial. States:
//
//	Disconnected -> Connecting -> Connected
//	                    |             |
//	                    +--> Failed <-+
//
// A Conn never reports Connected for a socket it cannot currently use;
// the transition to Failed happens before the failing call returns.
//
// # In-flight policy
//
// The agent protocol carries no request IDs, so two exchanges must never
// be interleaved on one socket. This package serializes exchanges per
// upstream with a mutex rather than opening a connection per in-flight
// request: an agent socket is cheap to hold open, and per-upstream
// serialization keeps at most one connect attempt per upstream in flight.
// Exchanges against different upstreams run in parallel.
//
// # Registry
//
// The Registry is the fixed, priority-ordered set of Conns. QueryAll fans
// a request out to every upstream with one goroutine each; every exchange
// is bounded by its own timeout, so one dead agent delays a fan-out by at
// most the timeout and never hides the answers of the others.
package upstream
