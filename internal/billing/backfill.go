package billing

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/studiofolio/portal-backend/pkg/models"
)

/* ============================== Backfill =============================== */

// BackfillNextPaymentDates repairs the advisory next_payment_date on
// active subscriptions that lost it (missed webhook, manual edit). Each
// project is re-read from the processor; per-item failures are logged
// and skipped so one broken subscription never stalls the sweep. Returns
// how many projects were updated.
func (e *Engine) BackfillNextPaymentDates(ctx context.Context) (int, error) {
	candidates, err := e.store.ActiveSubscriptionsMissingNextDate(e.db.WithContext(ctx))
	if err != nil {
		return 0, err
	}

	updated := 0
	for _, p := range candidates {
		info, err := e.proc.GetSubscription(ctx, *p.StripeSubscriptionID)
		if err != nil {
			log.Printf("backfill: subscription %s lookup failed, skipped: %v", *p.StripeSubscriptionID, err)
			continue
		}
		if info.CurrentPeriodEnd.IsZero() {
			continue
		}
		err = e.db.WithContext(ctx).Model(&models.Project{}).
			Where("id = ? AND next_payment_date IS NULL", p.ID).
			Update("next_payment_date", info.CurrentPeriodEnd).Error
		if err != nil {
			log.Printf("backfill: updating project %s failed, skipped: %v", p.ID, err)
			continue
		}
		updated++
	}
	return updated, nil
}

/* ================================ Gate ================================= */

// BackfillGate rate-limits the dashboard-triggered backfill to once per
// TTL per actor. State is explicit and bounded; when the map fills up,
// expired entries are evicted first and the oldest entry goes if none
// are expired.
type BackfillGate struct {
	mu         sync.Mutex
	seen       map[string]time.Time
	ttl        time.Duration
	maxEntries int
}

func NewBackfillGate(ttl time.Duration, maxEntries int) *BackfillGate {
	return &BackfillGate{
		seen:       make(map[string]time.Time),
		ttl:        ttl,
		maxEntries: maxEntries,
	}
}

// Allow reports whether the actor may trigger a backfill now, and if so
// records the attempt.
func (g *BackfillGate) Allow(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	if at, ok := g.seen[key]; ok && now.Sub(at) < g.ttl {
		return false
	}
	if len(g.seen) >= g.maxEntries {
		g.evictLocked(now)
	}
	g.seen[key] = now
	return true
}

func (g *BackfillGate) evictLocked(now time.Time) {
	var oldestKey string
	var oldestAt time.Time
	for k, at := range g.seen {
		if now.Sub(at) >= g.ttl {
			delete(g.seen, k)
			continue
		}
		if oldestKey == "" || at.Before(oldestAt) {
			oldestKey, oldestAt = k, at
		}
	}
	if len(g.seen) >= g.maxEntries && oldestKey != "" {
		delete(g.seen, oldestKey)
	}
}
