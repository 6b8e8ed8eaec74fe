package domain

// Tier is a subscription plan level. The set is closed; anything else is
// rejected at registration with ErrInvalidTier.
type Tier string

const (
	TierFree       Tier = "free"
	TierStarter    Tier = "starter"
	TierAgency     Tier = "agency"
	TierEnterprise Tier = "enterprise"
	TierAdmin      Tier = "admin"
)

// TierQuota holds the resource limits attached to a tier.
type TierQuota struct {
	MaxConnectionsPerUser int
	MaxTopicsPerClient    int
	MaxUpdatesPerSecond   int
}

var tierQuotas = map[Tier]TierQuota{
	TierFree:       {MaxConnectionsPerUser: 1, MaxTopicsPerClient: 3, MaxUpdatesPerSecond: 1},
	TierStarter:    {MaxConnectionsPerUser: 2, MaxTopicsPerClient: 5, MaxUpdatesPerSecond: 2},
	TierAgency:     {MaxConnectionsPerUser: 5, MaxTopicsPerClient: 10, MaxUpdatesPerSecond: 5},
	TierEnterprise: {MaxConnectionsPerUser: 20, MaxTopicsPerClient: 50, MaxUpdatesPerSecond: 10},
	TierAdmin:      {MaxConnectionsPerUser: 100, MaxTopicsPerClient: 200, MaxUpdatesPerSecond: 20},
}

// ParseTier validates a plan name from the connection layer.
func ParseTier(s string) (Tier, error) {
	t := Tier(s)
	if _, ok := tierQuotas[t]; !ok {
		return "", ErrInvalidTier
	}
	return t, nil
}

// Quota returns the limits for the tier. Zero value for unknown tiers;
// callers are expected to have validated via ParseTier.
func (t Tier) Quota() TierQuota {
	return tierQuotas[t]
}

// Valid reports whether the tier is one of the five defined plans.
func (t Tier) Valid() bool {
	_, ok := tierQuotas[t]
	return ok
}

// DeliveryPrefs are the tier-derived delivery capabilities of a client,
// fixed for the life of a registration.
type DeliveryPrefs struct {
	Compress      bool
	Delta         bool
	MaxUpdateRate int // deliveries per second, per topic
}

// Prefs derives the delivery preferences for the tier: compression for all
// paid tiers, delta encoding from agency upward.
func (t Tier) Prefs() DeliveryPrefs {
	q := t.Quota()
	return DeliveryPrefs{
		Compress:      t != TierFree,
		Delta:         t == TierAgency || t == TierEnterprise || t == TierAdmin,
		MaxUpdateRate: q.MaxUpdatesPerSecond,
	}
}
