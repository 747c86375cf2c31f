package dispatch

import (
	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/time/rate"
)

// tenantLimiter holds one token bucket per tenant. The least recently used
// tenant's bucket is evicted once maxTenants is reached.
type tenantLimiter struct {
	perSecond int
	buckets   *lru.Cache
}

const maxTenants = 10_000

func newTenantLimiter(perSecond int) (*tenantLimiter, error) {
	c, err := lru.New(maxTenants)
	if err != nil {
		return nil, err
	}
	return &tenantLimiter{perSecond: perSecond, buckets: c}, nil
}

// Allow reports whether tenantID may make another call now. A non-positive
// rate disables limiting.
func (l *tenantLimiter) Allow(tenantID string) bool {
	if l.perSecond <= 0 {
		return true
	}
	if v, ok := l.buckets.Get(tenantID); ok {
		return v.(*rate.Limiter).Allow()
	}
	lim := rate.NewLimiter(rate.Limit(l.perSecond), l.perSecond*2)
	if prev, ok, _ := l.buckets.PeekOrAdd(tenantID, lim); ok {
		lim = prev.(*rate.Limiter)
	}
	return lim.Allow()
}
