package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/studiofolio/portal-backend/internal/notify"
	"github.com/studiofolio/portal-backend/pkg/models"
)

/* ===== helpers ===== */

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	_ = godotenv.Load()

	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Fatal("TEST_DATABASE_URL is empty")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.AutoMigrate(
		&models.User{}, &models.Project{}, &models.Milestone{},
		&models.Payment{}, &models.PaymentLink{},
	); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	t.Cleanup(func() {
		sql := `
TRUNCATE TABLE
	payments,
	payment_links,
	milestones,
	projects,
	users
RESTART IDENTITY CASCADE`
		if err := db.Exec(sql).Error; err != nil {
			t.Logf("truncate failed (ignored): %v", err)
		}
	})

	return db
}

func withTx(t *testing.T, db *gorm.DB, fn func(tx *gorm.DB)) {
	t.Helper()
	tx := db.Begin()
	if tx.Error != nil {
		t.Fatalf("begin tx: %v", tx.Error)
	}
	committed := false
	defer func() {
		if !committed {
			// Covers panics and t.Fatal's Goexit alike: an open tx would
			// otherwise block the cleanup TRUNCATE forever.
			_ = tx.Rollback().Error
		}
	}()
	fn(tx)
	if err := tx.Commit().Error; err != nil {
		t.Fatalf("commit tx: %v", err)
	}
	committed = true
}

type seedOut struct {
	CustomerID uuid.UUID
	ProjectID  uuid.UUID
	Email      string
}

func seedProject(t *testing.T, tx *gorm.DB, mutate func(*models.Project)) seedOut {
	t.Helper()
	customerID := uuid.New()
	email := fmt.Sprintf("cust+%s@test.local", uuid.NewString())

	if err := tx.Create(&models.User{
		ID: customerID, Email: email, PasswordHash: "x",
		Role: models.RoleCustomer, Name: "Test Customer", IsActive: true,
	}).Error; err != nil {
		t.Fatal(err)
	}

	p := models.Project{
		ID:         uuid.New(),
		CustomerID: customerID,
		Name:       "Site Build",
		Type:       "website",
		Status:     models.ProjectInProgress,
		TotalCents: 500_000,
	}
	if mutate != nil {
		mutate(&p)
	}
	if err := tx.Create(&p).Error; err != nil {
		t.Fatal(err)
	}
	return seedOut{CustomerID: customerID, ProjectID: p.ID, Email: email}
}

// fakeProcessor records calls and serves canned subscriptions.
type fakeProcessor struct {
	mu    sync.Mutex
	calls []string
	subs  map[string]*SubscriptionInfo
}

func newFakeProcessor() *fakeProcessor {
	return &fakeProcessor{subs: map[string]*SubscriptionInfo{}}
}

func (f *fakeProcessor) record(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
}

func (f *fakeProcessor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeProcessor) CreateCheckoutSession(_ context.Context, _ CheckoutParams) (*CheckoutSession, error) {
	f.record("CreateCheckoutSession")
	return &CheckoutSession{ID: "cs_" + uuid.NewString(), URL: "https://pay.test/x"}, nil
}

func (f *fakeProcessor) GetCheckoutSession(_ context.Context, id string) (*CheckoutSession, error) {
	f.record("GetCheckoutSession")
	return &CheckoutSession{ID: id}, nil
}

func (f *fakeProcessor) GetSubscription(_ context.Context, id string) (*SubscriptionInfo, error) {
	f.record("GetSubscription")
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.subs[id]; ok {
		return s, nil
	}
	return nil, errors.New("no such subscription")
}

func (f *fakeProcessor) CancelSubscription(_ context.Context, _ string) error {
	f.record("CancelSubscription")
	return nil
}

func (f *fakeProcessor) ScheduleCancellation(_ context.Context, _ string) error {
	f.record("ScheduleCancellation")
	return nil
}

func (f *fakeProcessor) CreateSubscription(_ context.Context, _, _, _ string, _ time.Time, _ map[string]string) (*SubscriptionInfo, error) {
	f.record("CreateSubscription")
	return &SubscriptionInfo{ID: "sub_" + uuid.NewString(), Status: "active"}, nil
}

func newTestEngine(tx *gorm.DB, proc Processor) *Engine {
	return NewEngine(tx, proc, notify.Nop{})
}

func checkoutEvent(seed seedOut, sessionID string, amount int64) CheckoutCompletedEvent {
	return CheckoutCompletedEvent{
		SessionID:        sessionID,
		Mode:             "payment",
		AmountTotalCents: amount,
		Metadata: map[string]string{
			MetaCustomerID: seed.CustomerID.String(),
			MetaProjectID:  seed.ProjectID.String(),
		},
	}
}

func loadProject(t *testing.T, tx *gorm.DB, id uuid.UUID) models.Project {
	t.Helper()
	var p models.Project
	if err := tx.First(&p, "id = ?", id).Error; err != nil {
		t.Fatal(err)
	}
	return p
}

/* ================== TESTS ================== */

func Test_CheckoutCompleted_ReplayIsNoOp(t *testing.T) {
	db := openTestDB(t)
	withTx(t, db, func(tx *gorm.DB) {
		seed := seedProject(t, tx, nil)
		eng := newTestEngine(tx, newFakeProcessor())
		ev := checkoutEvent(seed, "cs_replay", 100_000)

		for i := 0; i < 3; i++ {
			if err := eng.ApplyCheckoutCompleted(context.Background(), ev); err != nil {
				t.Fatalf("apply %d: %v", i, err)
			}
		}

		var cnt int64
		if err := tx.Model(&models.Payment{}).
			Where("external_ref = ? AND status = ?", "cs_replay", models.PaySucceeded).
			Count(&cnt).Error; err != nil {
			t.Fatal(err)
		}
		if cnt != 1 {
			t.Fatalf("want 1 payment row, got %d", cnt)
		}

		p := loadProject(t, tx, seed.ProjectID)
		if p.PaidCents != 100_000 {
			t.Fatalf("paid_cents applied more than once: %d", p.PaidCents)
		}
	})
}

func Test_CheckoutCompleted_PaidCacheMatchesLedger(t *testing.T) {
	db := openTestDB(t)
	withTx(t, db, func(tx *gorm.DB) {
		seed := seedProject(t, tx, nil)
		eng := newTestEngine(tx, newFakeProcessor())

		_ = eng.ApplyCheckoutCompleted(context.Background(), checkoutEvent(seed, "cs_a", 100_000))
		_ = eng.ApplyCheckoutCompleted(context.Background(), checkoutEvent(seed, "cs_b", 150_000))
		// duplicate of the first
		_ = eng.ApplyCheckoutCompleted(context.Background(), checkoutEvent(seed, "cs_a", 100_000))

		p := loadProject(t, tx, seed.ProjectID)
		ledger, err := eng.Store().SumSucceededCents(tx, seed.ProjectID)
		if err != nil {
			t.Fatal(err)
		}
		if p.PaidCents != ledger {
			t.Fatalf("cache %d != ledger %d", p.PaidCents, ledger)
		}
		if ledger != 250_000 {
			t.Fatalf("want 250000, got %d", ledger)
		}
	})
}

func Test_CheckoutCompleted_SnapshotsCorrelationMetadata(t *testing.T) {
	db := openTestDB(t)
	withTx(t, db, func(tx *gorm.DB) {
		seed := seedProject(t, tx, nil)
		eng := newTestEngine(tx, newFakeProcessor())

		if err := eng.ApplyCheckoutCompleted(context.Background(), checkoutEvent(seed, "cs_meta", 100_000)); err != nil {
			t.Fatal(err)
		}

		var pay models.Payment
		if err := tx.First(&pay, "external_ref = ?", "cs_meta").Error; err != nil {
			t.Fatal(err)
		}
		if len(pay.Metadata) == 0 {
			t.Fatal("payment row lost the event metadata")
		}
		var meta map[string]string
		if err := json.Unmarshal(pay.Metadata, &meta); err != nil {
			t.Fatalf("metadata not valid JSON: %v", err)
		}
		if meta[MetaProjectID] != seed.ProjectID.String() {
			t.Fatalf("project id not snapshotted: %v", meta)
		}
		if meta[MetaCustomerID] != seed.CustomerID.String() {
			t.Fatalf("customer id not snapshotted: %v", meta)
		}
	})
}

func Test_CheckoutCompleted_MissingMetadataDropped(t *testing.T) {
	db := openTestDB(t)
	withTx(t, db, func(tx *gorm.DB) {
		seedProject(t, tx, nil)
		eng := newTestEngine(tx, newFakeProcessor())

		err := eng.ApplyCheckoutCompleted(context.Background(), CheckoutCompletedEvent{
			SessionID:        "cs_orphan",
			Mode:             "payment",
			AmountTotalCents: 9_999,
			Metadata:         map[string]string{},
		})
		if err != nil {
			t.Fatalf("malformed event must not error: %v", err)
		}

		var cnt int64
		_ = tx.Model(&models.Payment{}).Count(&cnt).Error
		if cnt != 0 {
			t.Fatalf("orphan event produced %d payments", cnt)
		}
	})
}

func Test_CheckoutCompleted_AutoCompletesMatchingMilestone(t *testing.T) {
	db := openTestDB(t)
	withTx(t, db, func(tx *gorm.DB) {
		seed := seedProject(t, tx, nil)
		amount := int64(250_000)
		m := models.Milestone{
			ProjectID: seed.ProjectID, Name: "Deposit",
			Status: models.MilestonePending, IsPaymentMilestone: true, AmountCents: &amount,
		}
		if err := tx.Create(&m).Error; err != nil {
			t.Fatal(err)
		}

		eng := newTestEngine(tx, newFakeProcessor())
		// 40 cents off, inside the tolerance
		if err := eng.ApplyCheckoutCompleted(context.Background(), checkoutEvent(seed, "cs_ms", 249_960)); err != nil {
			t.Fatal(err)
		}

		var got models.Milestone
		if err := tx.First(&got, "id = ?", m.ID).Error; err != nil {
			t.Fatal(err)
		}
		if got.Status != models.MilestoneCompleted || got.CompletedAt == nil {
			t.Fatalf("milestone not completed: %+v", got)
		}

		var pay models.Payment
		if err := tx.First(&pay, "external_ref = ?", "cs_ms").Error; err != nil {
			t.Fatal(err)
		}
		if pay.MilestoneID == nil || *pay.MilestoneID != m.ID {
			t.Fatalf("payment not linked to milestone: %+v", pay)
		}
	})
}

func Test_CheckoutCompleted_AmbiguousMilestonesLeftAlone(t *testing.T) {
	db := openTestDB(t)
	withTx(t, db, func(tx *gorm.DB) {
		seed := seedProject(t, tx, nil)
		amount := int64(100_000)
		for _, name := range []string{"Phase 1", "Phase 2"} {
			a := amount
			if err := tx.Create(&models.Milestone{
				ProjectID: seed.ProjectID, Name: name,
				Status: models.MilestonePending, IsPaymentMilestone: true, AmountCents: &a,
			}).Error; err != nil {
				t.Fatal(err)
			}
		}

		eng := newTestEngine(tx, newFakeProcessor())
		if err := eng.ApplyCheckoutCompleted(context.Background(), checkoutEvent(seed, "cs_amb", 100_000)); err != nil {
			t.Fatal(err)
		}

		var completed int64
		_ = tx.Model(&models.Milestone{}).
			Where("project_id = ? AND status = ?", seed.ProjectID, models.MilestoneCompleted).
			Count(&completed).Error
		if completed != 0 {
			t.Fatalf("ambiguous match completed %d milestones", completed)
		}

		// The money still lands.
		p := loadProject(t, tx, seed.ProjectID)
		if p.PaidCents != 100_000 {
			t.Fatalf("payment lost: paid_cents=%d", p.PaidCents)
		}
	})
}

func Test_SubscriptionCreated_LinksAndOpensPayment(t *testing.T) {
	db := openTestDB(t)
	withTx(t, db, func(tx *gorm.DB) {
		seed := seedProject(t, tx, func(p *models.Project) {
			p.IsSubscription = true
		})
		eng := newTestEngine(tx, newFakeProcessor())
		periodEnd := time.Now().Add(30 * 24 * time.Hour).Truncate(time.Second)

		ev := SubscriptionEvent{
			SubscriptionID:   "sub_new",
			Status:           "active",
			CurrentPeriodEnd: periodEnd,
			AmountCents:      50_000,
			Metadata: map[string]string{
				MetaCustomerID: seed.CustomerID.String(),
				MetaProjectID:  seed.ProjectID.String(),
			},
		}
		if err := eng.ApplySubscriptionCreated(context.Background(), ev); err != nil {
			t.Fatal(err)
		}
		// duplicate delivery
		if err := eng.ApplySubscriptionCreated(context.Background(), ev); err != nil {
			t.Fatal(err)
		}

		p := loadProject(t, tx, seed.ProjectID)
		if p.StripeSubscriptionID == nil || *p.StripeSubscriptionID != "sub_new" {
			t.Fatalf("subscription not linked: %+v", p)
		}
		if p.SubscriptionStatus != models.SubActive {
			t.Fatalf("want active, got %s", p.SubscriptionStatus)
		}
		if p.NextPaymentDate == nil {
			t.Fatal("next payment date not set")
		}

		var cnt int64
		_ = tx.Model(&models.Payment{}).
			Where("external_ref = ? AND status = ?", "sub_new", models.PaySucceeded).
			Count(&cnt).Error
		if cnt != 1 {
			t.Fatalf("want 1 opening payment, got %d", cnt)
		}
		if p.PaidCents != 50_000 {
			t.Fatalf("opening payment not counted once: %d", p.PaidCents)
		}
	})
}

func Test_SubscriptionCreated_BeforeCheckoutEvent(t *testing.T) {
	db := openTestDB(t)
	withTx(t, db, func(tx *gorm.DB) {
		seed := seedProject(t, tx, func(p *models.Project) {
			p.IsSubscription = true
		})
		eng := newTestEngine(tx, newFakeProcessor())

		created := SubscriptionEvent{
			SubscriptionID: "sub_race",
			Status:         "active",
			AmountCents:    50_000,
			Metadata: map[string]string{
				MetaProjectID: seed.ProjectID.String(),
			},
		}
		if err := eng.ApplySubscriptionCreated(context.Background(), created); err != nil {
			t.Fatal(err)
		}

		// The checkout event lands afterwards; it must not add a second
		// payment or break the link.
		if err := eng.ApplyCheckoutCompleted(context.Background(), CheckoutCompletedEvent{
			SessionID:      "cs_sub_race",
			Mode:           "subscription",
			SubscriptionID: "sub_race",
			Metadata: map[string]string{
				MetaCustomerID: seed.CustomerID.String(),
				MetaProjectID:  seed.ProjectID.String(),
			},
		}); err != nil {
			t.Fatal(err)
		}

		var cnt int64
		_ = tx.Model(&models.Payment{}).
			Where("project_id = ? AND status = ?", seed.ProjectID, models.PaySucceeded).
			Count(&cnt).Error
		if cnt != 1 {
			t.Fatalf("want 1 payment, got %d", cnt)
		}
		p := loadProject(t, tx, seed.ProjectID)
		if p.PaidCents != 50_000 {
			t.Fatalf("paid_cents %d", p.PaidCents)
		}
	})
}

func Test_SubscriptionCreated_EmailFallback(t *testing.T) {
	db := openTestDB(t)
	withTx(t, db, func(tx *gorm.DB) {
		seed := seedProject(t, tx, func(p *models.Project) {
			p.IsSubscription = true
		})
		proc := newFakeProcessor()
		proc.subs["sub_fb"] = &SubscriptionInfo{
			ID: "sub_fb", Status: "active",
			CustomerEmail: seed.Email, AmountCents: 40_000,
		}
		eng := newTestEngine(tx, proc)

		// No metadata at all: the engine asks the processor for the
		// billing email and falls back to the newest unlinked project.
		if err := eng.ApplySubscriptionCreated(context.Background(), SubscriptionEvent{
			SubscriptionID: "sub_fb",
			Status:         "active",
		}); err != nil {
			t.Fatal(err)
		}

		p := loadProject(t, tx, seed.ProjectID)
		if p.StripeSubscriptionID == nil || *p.StripeSubscriptionID != "sub_fb" {
			t.Fatalf("fallback did not link: %+v", p)
		}
	})
}

func Test_InvoiceFailedThenPaid_KeepsBothRowsAndRecovers(t *testing.T) {
	db := openTestDB(t)
	withTx(t, db, func(tx *gorm.DB) {
		sub := "sub_flaky"
		seed := seedProject(t, tx, func(p *models.Project) {
			p.IsSubscription = true
			p.StripeSubscriptionID = &sub
			p.SubscriptionStatus = models.SubActive
		})
		proc := newFakeProcessor()
		periodEnd := time.Now().Add(30 * 24 * time.Hour).Truncate(time.Second)
		proc.subs[sub] = &SubscriptionInfo{ID: sub, Status: "active", CurrentPeriodEnd: periodEnd}
		eng := newTestEngine(tx, proc)

		if err := eng.ApplyInvoiceFailed(context.Background(), InvoiceEvent{
			InvoiceID: "in_1", SubscriptionID: sub, AmountCents: 50_000,
		}); err != nil {
			t.Fatal(err)
		}
		p := loadProject(t, tx, seed.ProjectID)
		if p.SubscriptionStatus != models.SubPastDue {
			t.Fatalf("want past_due after failure, got %s", p.SubscriptionStatus)
		}

		// Retry succeeds with the same invoice id.
		if err := eng.ApplyInvoicePaid(context.Background(), InvoiceEvent{
			InvoiceID: "in_1", SubscriptionID: sub, AmountCents: 50_000,
		}); err != nil {
			t.Fatal(err)
		}

		p = loadProject(t, tx, seed.ProjectID)
		if p.SubscriptionStatus != models.SubActive {
			t.Fatalf("want active after recovery, got %s", p.SubscriptionStatus)
		}
		if p.PaidCents != 50_000 {
			t.Fatalf("paid_cents %d", p.PaidCents)
		}
		if p.NextPaymentDate == nil {
			t.Fatal("next payment date not refreshed")
		}

		// Both the failed attempt and the success stay on record.
		var failed, succeeded int64
		_ = tx.Model(&models.Payment{}).
			Where("external_ref = ? AND status = ?", "in_1", models.PayFailed).Count(&failed).Error
		_ = tx.Model(&models.Payment{}).
			Where("external_ref = ? AND status = ?", "in_1", models.PaySucceeded).Count(&succeeded).Error
		if failed != 1 || succeeded != 1 {
			t.Fatalf("want 1 failed + 1 succeeded, got %d/%d", failed, succeeded)
		}
	})
}

func Test_InvoicePaid_ReplayIsNoOp(t *testing.T) {
	db := openTestDB(t)
	withTx(t, db, func(tx *gorm.DB) {
		sub := "sub_inv"
		seed := seedProject(t, tx, func(p *models.Project) {
			p.IsSubscription = true
			p.StripeSubscriptionID = &sub
			p.SubscriptionStatus = models.SubActive
		})
		eng := newTestEngine(tx, newFakeProcessor())

		ev := InvoiceEvent{InvoiceID: "in_dup", SubscriptionID: sub, AmountCents: 30_000}
		for i := 0; i < 3; i++ {
			if err := eng.ApplyInvoicePaid(context.Background(), ev); err != nil {
				t.Fatal(err)
			}
		}

		p := loadProject(t, tx, seed.ProjectID)
		if p.PaidCents != 30_000 {
			t.Fatalf("invoice applied more than once: %d", p.PaidCents)
		}
	})
}

func Test_SubscriptionUpdated_CancelledIsTerminal(t *testing.T) {
	db := openTestDB(t)
	withTx(t, db, func(tx *gorm.DB) {
		sub := "sub_done"
		seed := seedProject(t, tx, func(p *models.Project) {
			p.IsSubscription = true
			p.StripeSubscriptionID = &sub
			p.SubscriptionStatus = models.SubCancelled
		})
		eng := newTestEngine(tx, newFakeProcessor())

		if err := eng.ApplySubscriptionUpdated(context.Background(), SubscriptionEvent{
			SubscriptionID: sub, Status: "active",
		}); err != nil {
			t.Fatal(err)
		}

		p := loadProject(t, tx, seed.ProjectID)
		if p.SubscriptionStatus != models.SubCancelled {
			t.Fatalf("cancelled was resurrected to %s", p.SubscriptionStatus)
		}
	})
}

func Test_SubscriptionUpdated_NeverResurrectsCancelledProject(t *testing.T) {
	db := openTestDB(t)
	withTx(t, db, func(tx *gorm.DB) {
		sub := "sub_admin_cancel"
		seed := seedProject(t, tx, func(p *models.Project) {
			p.IsSubscription = true
			p.StripeSubscriptionID = &sub
			p.Status = models.ProjectCancelled
			p.SubscriptionStatus = models.SubInactive
		})
		eng := newTestEngine(tx, newFakeProcessor())

		if err := eng.ApplySubscriptionUpdated(context.Background(), SubscriptionEvent{
			SubscriptionID:   sub,
			Status:           "active",
			CurrentPeriodEnd: time.Now().Add(30 * 24 * time.Hour),
		}); err != nil {
			t.Fatal(err)
		}

		p := loadProject(t, tx, seed.ProjectID)
		if p.SubscriptionStatus == models.SubActive {
			t.Fatal("processor event reactivated an admin-cancelled project")
		}
		if p.NextPaymentDate != nil {
			t.Fatal("cancelled project got a next payment date")
		}
	})
}

func Test_SubscriptionUpdated_CancelPendingWhileServing(t *testing.T) {
	db := openTestDB(t)
	withTx(t, db, func(tx *gorm.DB) {
		sub := "sub_cp"
		seed := seedProject(t, tx, func(p *models.Project) {
			p.IsSubscription = true
			p.StripeSubscriptionID = &sub
			p.SubscriptionStatus = models.SubActive
		})
		eng := newTestEngine(tx, newFakeProcessor())

		if err := eng.ApplySubscriptionUpdated(context.Background(), SubscriptionEvent{
			SubscriptionID: sub, Status: "active", CancelAtPeriodEnd: true,
		}); err != nil {
			t.Fatal(err)
		}

		p := loadProject(t, tx, seed.ProjectID)
		if p.SubscriptionStatus != models.SubCancelPending {
			t.Fatalf("want cancel_pending, got %s", p.SubscriptionStatus)
		}
	})
}

func Test_SubscriptionCancelled_ClosesOut(t *testing.T) {
	db := openTestDB(t)
	withTx(t, db, func(tx *gorm.DB) {
		sub := "sub_bye"
		next := time.Now().Add(24 * time.Hour)
		seed := seedProject(t, tx, func(p *models.Project) {
			p.IsSubscription = true
			p.StripeSubscriptionID = &sub
			p.SubscriptionStatus = models.SubCancelPending
			p.NextPaymentDate = &next
		})
		eng := newTestEngine(tx, newFakeProcessor())

		ev := SubscriptionEvent{SubscriptionID: sub, Status: "canceled"}
		if err := eng.ApplySubscriptionCancelled(context.Background(), ev); err != nil {
			t.Fatal(err)
		}
		// replay
		if err := eng.ApplySubscriptionCancelled(context.Background(), ev); err != nil {
			t.Fatal(err)
		}

		p := loadProject(t, tx, seed.ProjectID)
		if p.SubscriptionStatus != models.SubCancelled || p.Status != models.ProjectCancelled {
			t.Fatalf("not closed out: %s / %s", p.SubscriptionStatus, p.Status)
		}
		if p.NextPaymentDate != nil {
			t.Fatal("next payment date not cleared")
		}
	})
}

func Test_RecordManualPayment_NoProcessorCalls(t *testing.T) {
	db := openTestDB(t)
	withTx(t, db, func(tx *gorm.DB) {
		seed := seedProject(t, tx, func(p *models.Project) {
			p.IsSubscription = true
			p.PaymentChannel = models.ChannelManual
			p.SubscriptionStatus = models.SubPendingManualConfirmation
		})
		proc := newFakeProcessor()
		eng := newTestEngine(tx, proc)

		pay, err := eng.RecordManualPayment(context.Background(), RecordManualPaymentInput{
			ProjectID:   seed.ProjectID,
			AmountCents: 50_000,
			Method:      models.MethodManualVenmo,
			Description: "April payment",
		})
		if err != nil {
			t.Fatal(err)
		}
		if pay.ExternalRef == nil || *pay.ExternalRef == "" {
			t.Fatal("manual payment has no synthesized ref")
		}
		if proc.callCount() != 0 {
			t.Fatalf("manual payment touched the processor: %v", proc.calls)
		}

		p := loadProject(t, tx, seed.ProjectID)
		if p.SubscriptionStatus != models.SubActive {
			t.Fatalf("pending confirmation not resolved: %s", p.SubscriptionStatus)
		}
		if p.PaidCents != 50_000 {
			t.Fatalf("paid_cents %d", p.PaidCents)
		}
	})
}

func Test_ClaimManualPayment_ParksWithoutLedgerRow(t *testing.T) {
	db := openTestDB(t)
	withTx(t, db, func(tx *gorm.DB) {
		seed := seedProject(t, tx, func(p *models.Project) {
			p.IsSubscription = true
			p.PaymentChannel = models.ChannelEither
			p.SubscriptionStatus = models.SubActive
		})
		eng := newTestEngine(tx, newFakeProcessor())

		if err := eng.ConfirmCustomerManualPayment(context.Background(), seed.ProjectID, seed.CustomerID); err != nil {
			t.Fatal(err)
		}

		p := loadProject(t, tx, seed.ProjectID)
		if p.SubscriptionStatus != models.SubPendingManualConfirmation {
			t.Fatalf("want pending_manual_confirmation, got %s", p.SubscriptionStatus)
		}

		// Claim, not fact: no payment row and no money counted.
		var cnt int64
		_ = tx.Model(&models.Payment{}).Where("project_id = ?", seed.ProjectID).Count(&cnt).Error
		if cnt != 0 {
			t.Fatalf("claim produced %d payment rows", cnt)
		}
		if p.PaidCents != 0 {
			t.Fatalf("claim moved paid_cents to %d", p.PaidCents)
		}

		// Second claim while one is pending is rejected.
		err := eng.ConfirmCustomerManualPayment(context.Background(), seed.ProjectID, seed.CustomerID)
		if !errors.Is(err, ErrIllegalTransition) {
			t.Fatalf("want ErrIllegalTransition, got %v", err)
		}
	})
}

func Test_ClaimManualPayment_ProcessorOnlyChannelRejected(t *testing.T) {
	db := openTestDB(t)
	withTx(t, db, func(tx *gorm.DB) {
		seed := seedProject(t, tx, func(p *models.Project) {
			p.IsSubscription = true
			p.PaymentChannel = models.ChannelProcessor
		})
		eng := newTestEngine(tx, newFakeProcessor())

		err := eng.ConfirmCustomerManualPayment(context.Background(), seed.ProjectID, seed.CustomerID)
		if !errors.Is(err, ErrChannelMismatch) {
			t.Fatalf("want ErrChannelMismatch, got %v", err)
		}
	})
}
