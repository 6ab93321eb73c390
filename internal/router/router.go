// ABOUTME: Routes client agent requests across the upstream registry.
// ABOUTME: Aggregates identity listings and dispatches signing to the owning upstream.

package router

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/keymux/internal/upstream"
	"github.com/2389/keymux/internal/wire"
)

// sessionBindExtension is the one extension relayed to upstreams; "query"
// is answered locally.
const sessionBindExtension = "session-bind@openssh.com"

// Auditor records routing decisions. Implemented by store.AuditLog; nil
// disables auditing.
type Auditor interface {
	RecordSign(ctx context.Context, sessionID, fingerprint, upstreamName, outcome string, elapsed time.Duration) error
	RecordRefresh(ctx context.Context, sessionID string, identities, reachable int) error
}

// Config holds the dependencies for a Router.
type Config struct {
	Registry *upstream.Registry

	// AddKeysTo receives add-identity requests. Nil rejects them.
	AddKeysTo *upstream.Conn

	Logger *slog.Logger
	Audit  Auditor
}

// Router answers client agent requests by aggregating and forwarding across
// the upstream registry. It holds no key material: only the blob->upstream
// owner map from the most recent identity aggregation.
type Router struct {
	registry  *upstream.Registry
	addKeysTo *upstream.Conn
	logger    *slog.Logger
	audit     Auditor

	mu           sync.RWMutex
	owners       map[string]*upstream.Conn
	haveSnapshot bool
}

// New creates a Router.
func New(cfg Config) *Router {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		registry:  cfg.Registry,
		addKeysTo: cfg.AddKeysTo,
		logger:    logger.With("component", "router"),
		audit:     cfg.Audit,
	}
}

// Dispatch handles one client request and always produces a response
// message. Upstream failures of any kind are contained here: they reduce
// the identity list or become a generic failure, never an error or panic
// toward the session.
func (rt *Router) Dispatch(ctx context.Context, req *wire.Message) *wire.Message {
	switch req.Type {
	case wire.MsgRequestIdentities:
		return rt.listIdentities(ctx)
	case wire.MsgSignRequest:
		return rt.sign(ctx, req)
	case wire.MsgLock, wire.MsgUnlock:
		return rt.broadcast(ctx, req)
	case wire.MsgAddIdentity, wire.MsgAddIDConstrained,
		wire.MsgAddSmartcardKey, wire.MsgAddSmartcardKeyConstrained:
		return rt.addIdentity(ctx, req)
	case wire.MsgExtension:
		return rt.extension(ctx, req)
	default:
		return rt.passthrough(ctx, req)
	}
}

// listIdentities queries every upstream concurrently and merges the
// results keyed by public key blob. First occurrence wins, where "first"
// is ascending upstream priority, not response arrival order, so the
// merged list is deterministic under scheduling jitter. The blob->owner
// map for sign routing is rebuilt from the same pass.
func (rt *Router) listIdentities(ctx context.Context) *wire.Message {
	results := rt.registry.QueryAll(ctx, wire.NewRequestIdentities())

	var merged []wire.Identity
	owners := make(map[string]*upstream.Conn)
	reachable := 0

	for _, res := range results {
		logger := rt.logger.With("upstream", res.Conn.Name())
		if res.Err != nil {
			logger.Warn("skipping unreachable upstream", "error", res.Err)
			continue
		}
		if res.Response.Type != wire.MsgIdentitiesAnswer {
			if res.Response.Type == wire.MsgFailure {
				logger.Warn("upstream refused identity listing")
			} else {
				logger.Warn("upstream sent unexpected response to identity listing",
					"type", res.Response.Type)
				_ = res.Conn.Close()
			}
			continue
		}
		ids, err := wire.ParseIdentitiesAnswer(res.Response)
		if err != nil {
			logger.Warn("upstream sent unparsable identity list", "error", err)
			_ = res.Conn.Close()
			continue
		}

		reachable++
		for _, id := range ids {
			key := string(id.Blob)
			if _, dup := owners[key]; dup {
				// A lower-priority upstream claims a key that a
				// higher-priority one already owns; only the
				// higher-priority owner may sign with it.
				continue
			}
			owners[key] = res.Conn
			merged = append(merged, id)
		}
		logger.Debug("collected identities", "count", len(ids))
	}

	rt.mu.Lock()
	rt.owners = owners
	rt.haveSnapshot = true
	rt.mu.Unlock()

	rt.logger.Debug("identity aggregation complete",
		"identities", len(merged),
		"reachable_upstreams", reachable,
		"total_upstreams", rt.registry.Len(),
	)
	rt.recordRefresh(ctx, len(merged), reachable)

	return wire.NewIdentitiesAnswer(merged)
}

// sign forwards a sign request to the single upstream that claimed the key
// in the most recent aggregation. An unknown key fails immediately and is
// never broadcast: a client cannot induce a signature from an upstream
// that did not itself list the key. Request and response bytes are relayed
// unchanged.
func (rt *Router) sign(ctx context.Context, req *wire.Message) *wire.Message {
	parsed, err := wire.ParseSignRequest(req)
	if err != nil {
		rt.logger.Warn("rejecting unparsable sign request", "error", err)
		return wire.Failure()
	}
	fingerprint := wire.Fingerprint(parsed.KeyBlob)

	owner := rt.lookupOwner(ctx, parsed.KeyBlob)
	if owner == nil {
		rt.logger.Warn("sign request for unknown key", "fingerprint", fingerprint)
		rt.recordSign(ctx, fingerprint, "", "unknown-key", 0)
		return wire.Failure()
	}

	logger := rt.logger.With("upstream", owner.Name(), "fingerprint", fingerprint)
	start := time.Now()
	resp, err := owner.RoundTrip(ctx, req)
	elapsed := time.Since(start)
	if err != nil {
		logger.Warn("sign request failed", "error", err, "elapsed", elapsed)
		rt.recordSign(ctx, fingerprint, owner.Name(), "upstream-error", elapsed)
		return wire.Failure()
	}

	switch resp.Type {
	case wire.MsgSignResponse:
		logger.Info("signature produced", "elapsed", elapsed)
		rt.recordSign(ctx, fingerprint, owner.Name(), "signed", elapsed)
		return resp
	case wire.MsgFailure:
		logger.Warn("upstream refused to sign", "elapsed", elapsed)
		rt.recordSign(ctx, fingerprint, owner.Name(), "refused", elapsed)
		return resp
	default:
		logger.Warn("upstream sent unexpected response to sign request", "type", resp.Type)
		_ = owner.Close()
		rt.recordSign(ctx, fingerprint, owner.Name(), "protocol-error", elapsed)
		return wire.Failure()
	}
}

// lookupOwner resolves a key blob against the current snapshot. When no
// aggregation has happened yet (a client that signs without listing
// first), one forced refresh runs; a key absent from an existing snapshot
// stays absent until the client lists again.
func (rt *Router) lookupOwner(ctx context.Context, blob []byte) *upstream.Conn {
	rt.mu.RLock()
	owner := rt.owners[string(blob)]
	have := rt.haveSnapshot
	rt.mu.RUnlock()

	if owner != nil || have {
		return owner
	}

	rt.logger.Debug("no identity snapshot yet, refreshing before sign")
	rt.listIdentities(ctx)

	rt.mu.RLock()
	owner = rt.owners[string(blob)]
	rt.mu.RUnlock()
	return owner
}

// broadcast relays a lock or unlock request to every upstream and succeeds
// only if all of them succeed, so the lock state never diverges silently.
func (rt *Router) broadcast(ctx context.Context, req *wire.Message) *wire.Message {
	results := rt.registry.QueryAll(ctx, req)
	if len(results) == 0 {
		return wire.Failure()
	}

	for _, res := range results {
		if res.Err != nil {
			rt.logger.Warn("broadcast failed", "upstream", res.Conn.Name(), "type", req.Type, "error", res.Err)
			return wire.Failure()
		}
		if res.Response.Type != wire.MsgSuccess {
			rt.logger.Warn("upstream rejected broadcast", "upstream", res.Conn.Name(), "type", req.Type)
			return wire.Failure()
		}
	}
	return wire.Success()
}

// addIdentity forwards key-add requests to the configured target upstream.
func (rt *Router) addIdentity(ctx context.Context, req *wire.Message) *wire.Message {
	if rt.addKeysTo == nil {
		rt.logger.Warn("add-identity request rejected: no add_new_keys_to upstream configured")
		return wire.Failure()
	}

	resp, err := rt.addKeysTo.RoundTrip(ctx, req)
	if err != nil {
		rt.logger.Warn("add-identity forward failed", "upstream", rt.addKeysTo.Name(), "error", err)
		return wire.Failure()
	}
	switch resp.Type {
	case wire.MsgSuccess, wire.MsgFailure:
		return resp
	default:
		rt.logger.Warn("upstream sent unexpected response to add-identity", "type", resp.Type)
		_ = rt.addKeysTo.Close()
		return wire.Failure()
	}
}

// extension answers the "query" extension locally and relays session-bind
// to every upstream, succeeding if any upstream accepted it. All other
// extensions are unsupported.
func (rt *Router) extension(ctx context.Context, req *wire.Message) *wire.Message {
	name, _, err := wire.ParseExtension(req)
	if err != nil {
		rt.logger.Warn("rejecting unparsable extension request", "error", err)
		return wire.Failure()
	}

	switch name {
	case "query":
		return wire.NewQueryResponse([]string{sessionBindExtension})
	case sessionBindExtension:
		return rt.sessionBind(ctx, req)
	default:
		rt.logger.Debug("unsupported extension", "name", name)
		return wire.ExtensionFailure()
	}
}

// sessionBind relays the session-bind extension to all upstreams. Agents
// that do not support the extension answer Failure; that is fine as long
// as at least one upstream bound the session.
func (rt *Router) sessionBind(ctx context.Context, req *wire.Message) *wire.Message {
	results := rt.registry.QueryAll(ctx, req)
	bound := false
	for _, res := range results {
		if res.Err != nil {
			rt.logger.Debug("session-bind skipped upstream", "upstream", res.Conn.Name(), "error", res.Err)
			continue
		}
		if res.Response.Type == wire.MsgSuccess {
			bound = true
		}
	}
	if !bound {
		return wire.Failure()
	}
	return wire.Success()
}

// passthrough relays a well-formed but otherwise unhandled message type.
// That is only safe when exactly one upstream is configured; with several,
// the target would be ambiguous and the request is rejected.
func (rt *Router) passthrough(ctx context.Context, req *wire.Message) *wire.Message {
	if rt.registry.Len() != 1 {
		rt.logger.Debug("rejecting unsupported message type", "type", req.Type, "upstreams", rt.registry.Len())
		return wire.Failure()
	}

	target := rt.registry.Upstreams()[0]
	resp, err := target.RoundTrip(ctx, req)
	if err != nil {
		rt.logger.Warn("passthrough failed", "upstream", target.Name(), "type", req.Type, "error", err)
		return wire.Failure()
	}
	return resp
}

func (rt *Router) recordSign(ctx context.Context, fingerprint, upstreamName, outcome string, elapsed time.Duration) {
	if rt.audit == nil {
		return
	}
	if err := rt.audit.RecordSign(ctx, SessionID(ctx), fingerprint, upstreamName, outcome, elapsed); err != nil {
		rt.logger.Warn("audit write failed", "error", err)
	}
}

func (rt *Router) recordRefresh(ctx context.Context, identities, reachable int) {
	if rt.audit == nil {
		return
	}
	if err := rt.audit.RecordRefresh(ctx, SessionID(ctx), identities, reachable); err != nil {
		rt.logger.Warn("audit write failed", "error", err)
	}
}
