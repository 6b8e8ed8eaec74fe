package stream

import (
	"time"

	"golang.org/x/time/rate"

	"github.com/Rizz-Vii/rankpilot-stream/internal/domain"
)

// client is the dispatcher's internal record for one registration. Mutated
// only from the actor goroutine.
type client struct {
	id          string
	userID      string
	dashboardID string
	tier        domain.Tier
	kind        domain.ConnectionKind
	prefs       domain.DeliveryPrefs
	sink        domain.Sink

	subs     map[string]struct{}
	limiters map[string]*rate.Limiter

	lastSeen    time.Time
	connectedAt time.Time
}

func newClient(id, userID, dashboardID string, tier domain.Tier, kind domain.ConnectionKind, sink domain.Sink, now time.Time) *client {
	return &client{
		id:          id,
		userID:      userID,
		dashboardID: dashboardID,
		tier:        tier,
		kind:        kind,
		prefs:       tier.Prefs(),
		sink:        sink,
		subs:        make(map[string]struct{}),
		limiters:    make(map[string]*rate.Limiter),
		lastSeen:    now,
		connectedAt: now,
	}
}

// limiter returns the per-topic delivery limiter, creating it on first use.
// Burst 1 gives at most one delivery per 1/MaxUpdateRate seconds; excess
// deliveries are dropped, never queued.
func (c *client) limiter(topic string) *rate.Limiter {
	lim, ok := c.limiters[topic]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(c.prefs.MaxUpdateRate), 1)
		c.limiters[topic] = lim
	}
	return lim
}

func (c *client) subscribed(topic string) bool {
	_, ok := c.subs[topic]
	return ok
}

// snapshot returns the externally visible view of the registration.
func (c *client) snapshot() domain.Client {
	return domain.Client{
		ID:          c.id,
		UserID:      c.userID,
		DashboardID: c.dashboardID,
		Tier:        c.tier,
		Kind:        c.kind,
		Prefs:       c.prefs,
		ConnectedAt: c.connectedAt,
	}
}
