package billing

import (
	"context"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/studiofolio/portal-backend/pkg/models"
)

func Test_Backfill_RepairsMissingDatesOnce(t *testing.T) {
	db := openTestDB(t)
	withTx(t, db, func(tx *gorm.DB) {
		subA, subB := "sub_bf_a", "sub_bf_b"
		seedA := seedProject(t, tx, func(p *models.Project) {
			p.IsSubscription = true
			p.StripeSubscriptionID = &subA
			p.SubscriptionStatus = models.SubActive
		})
		// Broken at the processor: lookup fails, sweep must skip it.
		seedB := seedProject(t, tx, func(p *models.Project) {
			p.IsSubscription = true
			p.StripeSubscriptionID = &subB
			p.SubscriptionStatus = models.SubActive
		})

		proc := newFakeProcessor()
		periodEnd := time.Now().Add(30 * 24 * time.Hour).Truncate(time.Second)
		proc.subs[subA] = &SubscriptionInfo{ID: subA, Status: "active", CurrentPeriodEnd: periodEnd}
		eng := newTestEngine(tx, proc)

		n, err := eng.BackfillNextPaymentDates(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if n != 1 {
			t.Fatalf("want 1 repaired, got %d", n)
		}

		pa := loadProject(t, tx, seedA.ProjectID)
		if pa.NextPaymentDate == nil {
			t.Fatal("date not repaired")
		}
		pb := loadProject(t, tx, seedB.ProjectID)
		if pb.NextPaymentDate != nil {
			t.Fatal("broken subscription should have been skipped")
		}

		// Repaired projects leave the candidate set.
		n, err = eng.BackfillNextPaymentDates(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if n != 0 {
			t.Fatalf("second sweep repaired %d", n)
		}
	})
}

func Test_Backfill_IgnoresInactiveAndUnlinked(t *testing.T) {
	db := openTestDB(t)
	withTx(t, db, func(tx *gorm.DB) {
		sub := "sub_bf_past_due"
		seedProject(t, tx, func(p *models.Project) {
			p.IsSubscription = true
			p.StripeSubscriptionID = &sub
			p.SubscriptionStatus = models.SubPastDue
		})
		seedProject(t, tx, func(p *models.Project) {
			p.IsSubscription = true // no reference yet
			p.SubscriptionStatus = models.SubActive
		})

		eng := newTestEngine(tx, newFakeProcessor())
		n, err := eng.BackfillNextPaymentDates(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if n != 0 {
			t.Fatalf("want 0 candidates, got %d", n)
		}
	})
}

func Test_BackfillGate_TTLAndBound(t *testing.T) {
	gate := NewBackfillGate(50*time.Millisecond, 2)

	if !gate.Allow("a") {
		t.Fatal("first attempt blocked")
	}
	if gate.Allow("a") {
		t.Fatal("second attempt within TTL allowed")
	}
	time.Sleep(60 * time.Millisecond)
	if !gate.Allow("a") {
		t.Fatal("attempt after TTL blocked")
	}

	// The map is bounded: a third actor evicts rather than grows.
	gate2 := NewBackfillGate(time.Hour, 2)
	for _, k := range []string{"x", "y", "z"} {
		if !gate2.Allow(k) {
			t.Fatalf("fresh actor %s blocked", k)
		}
	}
}
