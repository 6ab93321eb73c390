// Package router aggregates identities across upstream agents and routes
// private-key operations to the upstream that owns the key.
//
// # Identity aggregation
//
// A request-identities call fans out to every upstream concurrently and
// merges the answers into one deduplicated list. Merge order is ascending
// upstream priority, not response arrival time: when two upstreams claim
// the same public key blob, the higher-priority upstream keeps it and the
// duplicate is dropped silently, including its owner association. The same
// pass rebuilds the blob-to-upstream map used to route sign requests.
//
// # Sign routing
//
// A sign request is forwarded, byte for byte, only to the upstream that
// claimed the key in the most recent aggregation. Unknown keys fail
// immediately without touching any upstream, and a failed upstream is
// never retried against a different one: the key has exactly one owner,
// and rerouting a signature would be a silent change of signer.
//
// If no aggregation has happened yet, the router runs one before the
// lookup, so clients that sign without listing first still work.
//
// # Failure containment
//
// Dispatch is total. Slow, absent, or misbehaving upstreams reduce the
// identity list or produce an agent Failure response; nothing an upstream
// does propagates past this package as an error or a crash.
package router
