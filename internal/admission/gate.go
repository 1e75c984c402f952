// Package admission implements the global and per-tenant concurrency
// semaphores that gate new realtime sessions.
//
// A session must acquire a global slot and a per-tenant slot before its
// WebSocket is accepted. Slots carry a TTL so that a crashed supervisor's
// reservation is reclaimed without an explicit release; live sessions keep
// their slot alive by calling Refresh periodically.
package admission

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// RejectReason identifies why an acquire was rejected.
type RejectReason int

const (
	// RejectNone indicates the acquire succeeded.
	RejectNone RejectReason = iota

	// RejectGlobalCap indicates the global concurrency cap was reached.
	RejectGlobalCap

	// RejectTenantCap indicates the per-tenant concurrency cap was reached.
	RejectTenantCap
)

// String returns the wire-level reason string used in the close/error event.
func (r RejectReason) String() string {
	switch r {
	case RejectGlobalCap:
		return "global_cap_reached"
	case RejectTenantCap:
		return "campaign_cap_reached"
	default:
		return ""
	}
}

// ErrRejected is returned by [Gate.Acquire] when a slot could not be reserved.
// Callers should inspect the accompanying [RejectReason] via [AsRejection].
var ErrRejected = errors.New("admission: rejected")

// rejection wraps ErrRejected with the specific reason.
type rejection struct {
	reason RejectReason
}

func (r *rejection) Error() string { return "admission: rejected: " + r.reason.String() }

func (r *rejection) Unwrap() error { return ErrRejected }

// AsRejection extracts the [RejectReason] from an error returned by
// [Gate.Acquire], if any.
func AsRejection(err error) (RejectReason, bool) {
	var r *rejection
	if errors.As(err, &r) {
		return r.reason, true
	}
	return RejectNone, false
}

// Config tunes a [Gate].
type Config struct {
	// GlobalMax is the maximum number of concurrent sessions across all tenants.
	GlobalMax int

	// PerTenantMax is the maximum number of concurrent sessions for a single
	// tenant. Zero means unlimited (only the global cap applies).
	PerTenantMax int

	// SlotTTL is how long a slot survives without a [Token.Refresh] call before
	// it is reclaimed by the background sweep.
	SlotTTL time.Duration

	// RefreshRatio controls how often the session supervisor should call
	// Refresh, expressed as a fraction of SlotTTL (refresh interval = TTL *
	// RefreshRatio). Not used internally by Gate — exposed so callers can size
	// their heartbeat ticker consistently with the reclamation sweep.
	RefreshRatio float64
}

type slot struct {
	tenant  string
	expires time.Time
}

// Gate is the global + per-tenant admission semaphore. Safe for concurrent use.
type Gate struct {
	globalMax    int
	perTenantMax int
	ttl          time.Duration

	mu         sync.Mutex
	slots      map[string]*slot // token id -> slot
	tenantCnt  map[string]int
	globalCnt  int
	sweepStop  chan struct{}
	sweepOnce  sync.Once
	sweepEvery time.Duration
}

// New creates a [Gate] and starts its background TTL reclamation sweep.
// Call [Gate.Close] to stop the sweep.
func New(cfg Config) *Gate {
	ttl := cfg.SlotTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	g := &Gate{
		globalMax:    cfg.GlobalMax,
		perTenantMax: cfg.PerTenantMax,
		ttl:          ttl,
		slots:        make(map[string]*slot),
		tenantCnt:    make(map[string]int),
		sweepStop:    make(chan struct{}),
		sweepEvery:   ttl / 3,
	}
	if g.sweepEvery <= 0 {
		g.sweepEvery = time.Second
	}
	go g.sweepLoop()
	return g
}

// Token identifies a reserved pair of slots (global + tenant). The holder
// must call Release exactly once when the session ends, and Refresh
// periodically (at roughly SlotTTL/3, per [Config.RefreshRatio]) to keep the
// slots alive.
type Token struct {
	gate       *Gate
	id         string
	tenant     string
	tenantHeld bool
}

// Acquire reserves a global slot and, if tenant is non-empty, a per-tenant
// slot. Acquisition order is global-before-tenant; release order (in
// [Token.Release]) is tenant-before-global, matching the deadlock-avoidance
// ordering required between the two scopes.
func (g *Gate) Acquire(id, tenant string) (*Token, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.sweepLocked()

	if g.globalMax > 0 && g.globalCnt >= g.globalMax {
		slog.Warn("admission: global cap reached", "id", id, "tenant", tenant, "global_max", g.globalMax)
		return nil, &rejection{reason: RejectGlobalCap}
	}

	if tenant != "" && g.perTenantMax > 0 && g.tenantCnt[tenant] >= g.perTenantMax {
		slog.Warn("admission: tenant cap reached", "id", id, "tenant", tenant, "per_tenant_max", g.perTenantMax)
		return nil, &rejection{reason: RejectTenantCap}
	}

	g.globalCnt++
	tenantHeld := false
	if tenant != "" {
		g.tenantCnt[tenant]++
		tenantHeld = true
	}
	g.slots[id] = &slot{tenant: tenant, expires: time.Now().Add(g.ttl)}

	slog.Info("admission: slot acquired", "id", id, "tenant", tenant, "global_in_use", g.globalCnt)
	return &Token{gate: g, id: id, tenant: tenant, tenantHeld: tenantHeld}, nil
}

// Refresh re-arms the token's TTL so the reclamation sweep does not reclaim it.
func (t *Token) Refresh() {
	t.gate.mu.Lock()
	defer t.gate.mu.Unlock()
	if s, ok := t.gate.slots[t.id]; ok {
		s.expires = time.Now().Add(t.gate.ttl)
	}
}

// Release returns the token's slots. It is safe to call Release more than
// once; subsequent calls are no-ops. Release decrements tenant before global,
// the reverse of acquisition order.
func (t *Token) Release() {
	t.gate.mu.Lock()
	defer t.gate.mu.Unlock()

	if _, ok := t.gate.slots[t.id]; !ok {
		return // already released or reclaimed by the sweep
	}
	delete(t.gate.slots, t.id)

	if t.tenantHeld {
		if n := t.gate.tenantCnt[t.tenant] - 1; n > 0 {
			t.gate.tenantCnt[t.tenant] = n
		} else {
			delete(t.gate.tenantCnt, t.tenant)
		}
	}
	if t.gate.globalCnt > 0 {
		t.gate.globalCnt--
	}
	slog.Info("admission: slot released", "id", t.id, "tenant", t.tenant, "global_in_use", t.gate.globalCnt)
}

// InUse returns the current global and per-tenant slot counts. Intended for
// metrics/health reporting.
func (g *Gate) InUse(tenant string) (global, perTenant int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.globalCnt, g.tenantCnt[tenant]
}

// Close stops the background reclamation sweep. It does not release any
// outstanding tokens.
func (g *Gate) Close() {
	g.sweepOnce.Do(func() { close(g.sweepStop) })
}

func (g *Gate) sweepLoop() {
	ticker := time.NewTicker(g.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-g.sweepStop:
			return
		case <-ticker.C:
			g.mu.Lock()
			g.sweepLocked()
			g.mu.Unlock()
		}
	}
}

// sweepLocked reclaims expired slots. Must be called with g.mu held.
func (g *Gate) sweepLocked() {
	now := time.Now()
	for id, s := range g.slots {
		if now.Before(s.expires) {
			continue
		}
		delete(g.slots, id)
		if g.globalCnt > 0 {
			g.globalCnt--
		}
		if s.tenant != "" {
			if n := g.tenantCnt[s.tenant] - 1; n > 0 {
				g.tenantCnt[s.tenant] = n
			} else {
				delete(g.tenantCnt, s.tenant)
			}
		}
		slog.Warn("admission: reclaimed expired slot", "id", id, "tenant", s.tenant)
	}
}
