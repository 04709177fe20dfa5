package policy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/aretw0/lattice/internal/logging"
	"github.com/aretw0/lattice/pkg/domain"
	"github.com/aretw0/lattice/pkg/observability"
	"github.com/google/uuid"
)

const (
	DefaultCacheTTL = 30 * time.Second
	DefaultTimeout  = time.Second
)

type cacheKey struct {
	action  Action
	subject domain.Identity
	digest  string
}

type cacheEntry struct {
	decision Decision
	expires  time.Time
}

// Gate evaluates requests against an Authority with caching and revocations.
type Gate struct {
	authority Authority
	ttl       time.Duration
	timeout   time.Duration
	now       func() time.Time
	logger    *slog.Logger
	metrics   *observability.Metrics

	mu        sync.Mutex
	cache     map[cacheKey]cacheEntry
	byRequest map[string]cacheKey
	revoked   map[domain.Identity]struct{}
}

// Option configures the Gate.
type Option func(*Gate)

// WithAuthority sets the decision source. Defaults to AllowAll.
func WithAuthority(a Authority) Option {
	return func(g *Gate) {
		g.authority = a
	}
}

// WithCacheTTL bounds how long a decision is reused. Zero disables caching.
func WithCacheTTL(ttl time.Duration) Option {
	return func(g *Gate) {
		g.ttl = ttl
	}
}

// WithTimeout bounds a single authority round trip.
func WithTimeout(d time.Duration) Option {
	return func(g *Gate) {
		g.timeout = d
	}
}

// WithClock sets the time source for cache expiry.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) {
		g.now = now
	}
}

// WithRevoked marks identities as revoked from the start.
func WithRevoked(ids ...domain.Identity) Option {
	return func(g *Gate) {
		for _, id := range ids {
			g.revoked[id] = struct{}{}
		}
	}
}

// WithLogger configures a logger for the Gate.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gate) {
		g.logger = logger
	}
}

// WithMetrics enables decision counters.
func WithMetrics(m *observability.Metrics) Option {
	return func(g *Gate) {
		g.metrics = m
	}
}

// NewGate creates a Gate.
func NewGate(opts ...Option) *Gate {
	g := &Gate{
		authority: AllowAll,
		ttl:       DefaultCacheTTL,
		timeout:   DefaultTimeout,
		now:       time.Now,
		logger:    logging.NewNop(),
		cache:     make(map[cacheKey]cacheEntry),
		byRequest: make(map[string]cacheKey),
		revoked:   make(map[domain.Identity]struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Evaluate answers req. It never returns an allow unless the authority
// explicitly allowed it (now or within the cache TTL).
func (g *Gate) Evaluate(ctx context.Context, req Request) Decision {
	subject := req.Subject.Subject
	key := cacheKey{action: req.Action, subject: subject, digest: digest(req)}

	g.mu.Lock()
	if _, revoked := g.revoked[subject]; revoked {
		g.mu.Unlock()
		g.metrics.ObservePolicy(string(req.Action), false, "revoked")
		return Deny("identity " + string(subject) + " has been revoked")
	}
	if entry, ok := g.cache[key]; ok {
		if g.now().Before(entry.expires) {
			g.mu.Unlock()
			g.metrics.ObservePolicy(string(req.Action), entry.decision.Allowed, "cache")
			return entry.decision
		}
		delete(g.cache, key)
		delete(g.byRequest, entry.decision.RequestID)
	}
	g.mu.Unlock()

	requestID := uuid.NewString()
	actx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	decision, err := g.authority.Decide(actx, requestID, req)
	if err != nil {
		g.logger.Warn("Policy authority unavailable, denying",
			"action", req.Action,
			"identity", subject,
			"request_id", requestID,
			"err", err,
		)
		g.metrics.ObservePolicy(string(req.Action), false, "error")
		return Deny("policy authority unavailable: " + err.Error())
	}
	decision.RequestID = requestID
	g.metrics.ObservePolicy(string(req.Action), decision.Allowed, "authority")
	if !decision.Allowed {
		g.logger.Info("Policy denied action",
			"action", req.Action,
			"identity", subject,
			"reason", decision.Reason,
		)
	}

	if g.ttl > 0 {
		g.mu.Lock()
		// A revocation that raced with the round trip wins.
		if _, revoked := g.revoked[subject]; !revoked {
			g.cache[key] = cacheEntry{decision: decision, expires: g.now().Add(g.ttl)}
			g.byRequest[requestID] = key
		}
		g.mu.Unlock()
	}
	return decision
}

// Revoke denies every future action of id and drops its cached decisions.
func (g *Gate) Revoke(id domain.Identity) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.revoked[id] = struct{}{}
	g.invalidateLocked(id)
}

// Reinstate lifts a revocation and drops cached decisions for id.
func (g *Gate) Reinstate(id domain.Identity) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.revoked, id)
	g.invalidateLocked(id)
}

// Invalidate drops cached decisions for id.
func (g *Gate) Invalidate(id domain.Identity) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.invalidateLocked(id)
}

func (g *Gate) invalidateLocked(id domain.Identity) {
	for key, entry := range g.cache {
		if key.subject == id {
			delete(g.cache, key)
			delete(g.byRequest, entry.decision.RequestID)
		}
	}
}

// Override replaces the cached decision issued under requestID.
// It reports whether such a decision was still cached.
func (g *Gate) Override(requestID string, allowed bool, reason string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	key, ok := g.byRequest[requestID]
	if !ok {
		return false
	}
	entry, ok := g.cache[key]
	if !ok {
		delete(g.byRequest, requestID)
		return false
	}
	entry.decision.Allowed = allowed
	entry.decision.Reason = reason
	g.cache[key] = entry
	return true
}

func digest(req Request) string {
	// json.Marshal sorts map keys, which keeps the digest stable.
	data, _ := json.Marshal(struct {
		Target  Target            `json:"target"`
		Context map[string]string `json:"context,omitempty"`
	}{req.Target, req.Context})
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
