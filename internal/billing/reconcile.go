package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/studiofolio/portal-backend/internal/notify"
	"github.com/studiofolio/portal-backend/pkg/models"
)

/* ============================ Engine =================================== */

// Engine applies billing events to the ledger exactly once, tolerating
// arbitrary ordering and duplicate delivery. Every apply method runs as
// one short transaction; dedup rests on the storage-level unique index
// over succeeded payment references, and paid_cents moves only by
// increment so concurrent events commute.
type Engine struct {
	db       *gorm.DB
	store    *Store
	proc     Processor
	notifier notify.Notifier
}

func NewEngine(db *gorm.DB, proc Processor, n notify.Notifier) *Engine {
	return &Engine{db: db, store: NewStore(db), proc: proc, notifier: n}
}

// Store exposes the ledger layer for handlers that share it.
func (e *Engine) Store() *Store { return e.store }

// Engine-level sentinel errors, mapped to HTTP statuses at the boundary.
var (
	ErrNotOwner          = errors.New("project does not belong to this customer")
	ErrIllegalTransition = errors.New("illegal subscription status transition")
	ErrChannelMismatch   = errors.New("project does not accept this payment channel")
)

// Metadata keys attached at checkout-session creation and echoed back on
// processor events. They are the primary correlation mechanism.
const (
	MetaCustomerID  = "customer_id"
	MetaProjectID   = "project_id"
	MetaMilestoneID = "milestone_id"
	MetaPaymentLink = "payment_link"
)

// milestoneMatchToleranceCents absorbs rounding drift between a
// configured milestone amount and the settled checkout total (plan
// splits are derived by percentage).
const milestoneMatchToleranceCents = 100

// eventMetadata snapshots the correlation metadata that attributed an
// event onto the payment row, so the attribution survives on the ledger
// after the processor object expires.
func eventMetadata(meta map[string]string) datatypes.JSON {
	if len(meta) == 0 {
		return nil
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return nil
	}
	return datatypes.JSON(b)
}

/* ======================== Subscription machine ========================= */

// subTransitions enumerates the legal subscription status edges.
// cancelled is terminal. Processor-driven writes consult this table and
// drop anything else; only explicit admin overrides may bypass it.
var subTransitions = map[models.SubscriptionStatus][]models.SubscriptionStatus{
	models.SubInactive: {models.SubActive, models.SubPendingManualConfirmation},
	models.SubActive: {
		models.SubPastDue, models.SubCancelPending,
		models.SubCancelled, models.SubPendingManualConfirmation,
	},
	models.SubPastDue:                   {models.SubActive, models.SubCancelPending, models.SubCancelled},
	models.SubCancelPending:             {models.SubCancelled},
	models.SubPendingManualConfirmation: {models.SubActive},
	models.SubCancelled:                 {},
}

// CanTransitionSubscription reports whether from -> to is a legal edge.
// A same-status write is always a legal no-op.
func CanTransitionSubscription(from, to models.SubscriptionStatus) bool {
	if from == to {
		return true
	}
	for _, next := range subTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// mapProcessorStatus translates the processor's subscription status into
// the local one. A scheduled cancellation shows as cancel_pending while
// the subscription is still serving.
func mapProcessorStatus(status string, cancelAtPeriodEnd bool) models.SubscriptionStatus {
	switch status {
	case "active", "trialing":
		if cancelAtPeriodEnd {
			return models.SubCancelPending
		}
		return models.SubActive
	case "past_due", "unpaid":
		return models.SubPastDue
	case "canceled", "incomplete_expired":
		return models.SubCancelled
	default:
		return models.SubInactive
	}
}

/* ============================== Events ================================= */

// CheckoutCompletedEvent is a processor "checkout session completed"
// notification, already verified and flattened at the webhook boundary.
type CheckoutCompletedEvent struct {
	SessionID        string
	Mode             string // "payment" | "subscription"
	AmountTotalCents int64
	SubscriptionID   string
	Metadata         map[string]string
}

// SubscriptionEvent is a processor subscription created/updated/deleted
// notification.
type SubscriptionEvent struct {
	SubscriptionID    string
	Status            string
	CancelAtPeriodEnd bool
	CurrentPeriodEnd  time.Time
	AmountCents       int64
	CustomerEmail     string
	Metadata          map[string]string
}

// InvoiceEvent is a processor invoice paid/failed notification.
type InvoiceEvent struct {
	InvoiceID      string
	SubscriptionID string
	AmountCents    int64
}

/* ======================= checkout.session.completed ==================== */

// ApplyCheckoutCompleted settles a finished checkout session. One-time
// sessions produce the payment row here; subscription sessions only link
// the reference, because the follow-on subscription-created event owns
// the opening payment (both paths merge on the external reference).
//
// Re-delivery of the same session is a no-op.
func (e *Engine) ApplyCheckoutCompleted(ctx context.Context, ev CheckoutCompletedEvent) error {
	customerID, err := uuid.Parse(strings.TrimSpace(ev.Metadata[MetaCustomerID]))
	if err != nil {
		// Malformed: nothing to attribute the money to and the event
		// carries no way to recover it. Drop, do not ask for a retry.
		log.Printf("reconcile: checkout %s missing correlation metadata, dropped", ev.SessionID)
		return nil
	}

	// Admin payment links may not target a project; the payment then
	// lands on the customer alone.
	projectID, projectErr := uuid.Parse(strings.TrimSpace(ev.Metadata[MetaProjectID]))
	if projectErr != nil {
		return e.applyProjectlessCheckout(ctx, customerID, ev)
	}

	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		project, err := e.store.ProjectForUpdate(tx, projectID)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			log.Printf("reconcile: checkout %s references unknown project %s, dropped", ev.SessionID, projectID)
			return nil
		}
		if err != nil {
			return err
		}
		if project.CustomerID != customerID {
			log.Printf("reconcile: checkout %s customer/project mismatch, dropped", ev.SessionID)
			return nil
		}

		if ev.Mode == "subscription" {
			return e.linkSubscriptionRef(tx, project, ev.SubscriptionID)
		}

		ref := ev.SessionID
		now := time.Now()
		pay := &models.Payment{
			CustomerID:  customerID,
			ProjectID:   &project.ID,
			AmountCents: ev.AmountTotalCents,
			Type:        models.PaymentOneTime,
			Status:      models.PaySucceeded,
			Method:      models.MethodProcessorCard,
			ExternalRef: &ref,
			Description: "Checkout payment",
			Metadata:    eventMetadata(ev.Metadata),
			PaidAt:      &now,
		}
		err = e.store.InsertPaymentOnce(tx, pay)
		if errors.Is(err, ErrAlreadyApplied) {
			return nil // duplicate delivery
		}
		if err != nil {
			return err
		}
		if err := e.store.AddToPaidCents(tx, project.ID, ev.AmountTotalCents); err != nil {
			return err
		}
		if err := e.autoCompleteMilestone(tx, project.ID, pay, ev.Metadata); err != nil {
			return err
		}
		// Consume the admin payment link if this session came from one.
		return e.store.MarkPaymentLinkUsed(tx, ev.SessionID)
	})
}

// linkSubscriptionRef records the subscription reference from a
// subscription-mode checkout and activates the project. Idempotent: the
// reference is only set once and the status write is transition-guarded.
func (e *Engine) linkSubscriptionRef(tx *gorm.DB, project *models.Project, subID string) error {
	updates := map[string]any{}
	if subID != "" && project.StripeSubscriptionID == nil {
		updates["stripe_subscription_id"] = subID
	}
	if CanTransitionSubscription(project.SubscriptionStatus, models.SubActive) &&
		project.Status != models.ProjectCancelled {
		updates["subscription_status"] = models.SubActive
	}
	if len(updates) == 0 {
		return nil
	}
	return tx.Model(&models.Project{}).Where("id = ?", project.ID).Updates(updates).Error
}

// autoCompleteMilestone completes the milestone a one-time payment was
// for. An explicit milestone id in the metadata wins; otherwise the
// single unpaid payment milestone whose amount matches the settled total
// within the tolerance is chosen. Anything ambiguous is left for an
// admin.
func (e *Engine) autoCompleteMilestone(tx *gorm.DB, projectID uuid.UUID, pay *models.Payment, meta map[string]string) error {
	var target *models.Milestone

	if raw := strings.TrimSpace(meta[MetaMilestoneID]); raw != "" {
		if id, err := uuid.Parse(raw); err == nil {
			var m models.Milestone
			err := tx.Where("id = ? AND project_id = ?", id, projectID).First(&m).Error
			if err == nil && m.IsPaymentMilestone && m.Status == models.MilestonePending {
				target = &m
			}
		}
	}

	if target == nil {
		var candidates []models.Milestone
		if err := tx.
			Where("project_id = ? AND is_payment_milestone = ? AND status = ?",
				projectID, true, models.MilestonePending).
			Find(&candidates).Error; err != nil {
			return err
		}
		matched := make([]models.Milestone, 0, 1)
		for _, m := range candidates {
			if m.AmountCents == nil {
				continue
			}
			diff := *m.AmountCents - pay.AmountCents
			if diff < 0 {
				diff = -diff
			}
			if diff <= milestoneMatchToleranceCents {
				matched = append(matched, m)
			}
		}
		if len(matched) != 1 {
			return nil // none or ambiguous: admin completes it manually
		}
		target = &matched[0]
	}

	now := time.Now()
	// status guard keeps a payment milestone from completing twice
	res := tx.Model(&models.Milestone{}).
		Where("id = ? AND status = ?", target.ID, models.MilestonePending).
		Updates(map[string]any{"status": models.MilestoneCompleted, "completed_at": now})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return nil
	}
	return tx.Model(&models.Payment{}).
		Where("id = ?", pay.ID).
		Update("milestone_id", target.ID).Error
}

/* ======================= customer.subscription.* ======================= */

// ApplySubscriptionCreated links a new processor subscription to its
// project, activates it, records the next payment date, and inserts the
// opening payment keyed by the subscription reference. Safe to replay,
// and safe to arrive before the metadata-bearing checkout event.
func (e *Engine) ApplySubscriptionCreated(ctx context.Context, ev SubscriptionEvent) error {
	if ev.SubscriptionID == "" {
		log.Println("reconcile: subscription created event without id, dropped")
		return nil
	}

	// Checkout mode does not always propagate metadata to this event; a
	// missing billing email can still be recovered from the processor.
	if ev.Metadata[MetaProjectID] == "" && ev.CustomerEmail == "" {
		if info, err := e.proc.GetSubscription(ctx, ev.SubscriptionID); err == nil {
			ev.CustomerEmail = info.CustomerEmail
			if ev.CurrentPeriodEnd.IsZero() {
				ev.CurrentPeriodEnd = info.CurrentPeriodEnd
			}
			if ev.AmountCents == 0 {
				ev.AmountCents = info.AmountCents
			}
		} else {
			log.Printf("reconcile: subscription %s lookup failed: %v", ev.SubscriptionID, err)
		}
	}

	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		project, err := e.resolveSubscriptionProject(tx, ev)
		if err != nil {
			return err
		}
		if project == nil {
			log.Printf("reconcile: subscription %s could not be attributed to any project, dropped", ev.SubscriptionID)
			return nil
		}

		updates := map[string]any{}
		if project.StripeSubscriptionID == nil {
			updates["stripe_subscription_id"] = ev.SubscriptionID
		}
		if project.Status != models.ProjectCancelled &&
			CanTransitionSubscription(project.SubscriptionStatus, models.SubActive) {
			updates["subscription_status"] = models.SubActive
		}
		if !ev.CurrentPeriodEnd.IsZero() {
			updates["next_payment_date"] = ev.CurrentPeriodEnd
		}
		if len(updates) > 0 {
			if err := tx.Model(&models.Project{}).Where("id = ?", project.ID).Updates(updates).Error; err != nil {
				return err
			}
		}

		if ev.AmountCents <= 0 {
			return nil // opening amount unknown; invoice event will carry it
		}
		ref := ev.SubscriptionID
		now := time.Now()
		pay := &models.Payment{
			CustomerID:  project.CustomerID,
			ProjectID:   &project.ID,
			AmountCents: ev.AmountCents,
			Type:        models.PaymentSubscription,
			Status:      models.PaySucceeded,
			Method:      models.MethodProcessorCard,
			ExternalRef: &ref,
			Description: "Subscription opening payment",
			Metadata:    eventMetadata(ev.Metadata),
			PaidAt:      &now,
		}
		err = e.store.InsertPaymentOnce(tx, pay)
		if errors.Is(err, ErrAlreadyApplied) {
			return nil // replay
		}
		if err != nil {
			return err
		}
		return e.store.AddToPaidCents(tx, project.ID, ev.AmountCents)
	})
}

// resolveSubscriptionProject finds the owning project of a subscription
// event: by existing reference (replay), then by embedded metadata, then
// by the billing-email fallback. The fallback is a last resort and every
// use of it is logged for manual audit, since it can mis-attribute under
// concurrent subscription creation for the same customer.
func (e *Engine) resolveSubscriptionProject(tx *gorm.DB, ev SubscriptionEvent) (*models.Project, error) {
	if p, err := e.store.ProjectBySubscriptionRef(tx, ev.SubscriptionID); err == nil {
		return p, nil
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	if raw := strings.TrimSpace(ev.Metadata[MetaProjectID]); raw != "" {
		id, err := uuid.Parse(raw)
		if err == nil {
			p, err := e.store.ProjectForUpdate(tx, id)
			if err == nil {
				return p, nil
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, err
			}
		}
	}

	if ev.CustomerEmail == "" {
		return nil, nil
	}
	cust, err := e.store.CustomerByEmail(tx, ev.CustomerEmail)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p, err := e.store.LatestUnlinkedSubscriptionProject(tx, cust.ID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	log.Printf("reconcile: AUDIT fallback-matched subscription %s to project %s by billing email", ev.SubscriptionID, p.ID)
	return p, nil
}

// ApplySubscriptionUpdated maps the processor status onto the local
// machine and refreshes the next payment date. It never resurrects a
// project that was administratively cancelled, and never leaves the
// terminal cancelled state on a processor event alone.
func (e *Engine) ApplySubscriptionUpdated(ctx context.Context, ev SubscriptionEvent) error {
	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		project, err := e.store.ProjectBySubscriptionRef(tx, ev.SubscriptionID)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			log.Printf("reconcile: subscription %s update for unknown project, dropped", ev.SubscriptionID)
			return nil
		}
		if err != nil {
			return err
		}

		target := mapProcessorStatus(ev.Status, ev.CancelAtPeriodEnd)
		updates := map[string]any{}

		switch {
		case project.Status == models.ProjectCancelled && target != models.SubCancelled:
			log.Printf("reconcile: subscription %s update ignored, project %s is cancelled", ev.SubscriptionID, project.ID)
		case !CanTransitionSubscription(project.SubscriptionStatus, target):
			log.Printf("reconcile: subscription %s illegal transition %s -> %s, ignored",
				ev.SubscriptionID, project.SubscriptionStatus, target)
		case target != project.SubscriptionStatus:
			updates["subscription_status"] = target
		}

		if !ev.CurrentPeriodEnd.IsZero() && target != models.SubCancelled &&
			project.SubscriptionStatus != models.SubCancelled &&
			project.Status != models.ProjectCancelled {
			updates["next_payment_date"] = ev.CurrentPeriodEnd
		}
		if len(updates) == 0 {
			return nil
		}
		return tx.Model(&models.Project{}).Where("id = ?", project.ID).Updates(updates).Error
	})
}

// ApplySubscriptionCancelled closes out a subscription: both the
// subscription status and the project status go to cancelled and the
// next payment date is cleared. The notification is sent after commit
// and never blocks the transaction.
func (e *Engine) ApplySubscriptionCancelled(ctx context.Context, ev SubscriptionEvent) error {
	var cancelled *models.Project
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		project, err := e.store.ProjectBySubscriptionRef(tx, ev.SubscriptionID)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			log.Printf("reconcile: subscription %s cancellation for unknown project, dropped", ev.SubscriptionID)
			return nil
		}
		if err != nil {
			return err
		}
		if project.SubscriptionStatus == models.SubCancelled {
			return nil // replay
		}
		if err := tx.Model(&models.Project{}).Where("id = ?", project.ID).Updates(map[string]any{
			"subscription_status": models.SubCancelled,
			"status":              models.ProjectCancelled,
			"next_payment_date":   nil,
		}).Error; err != nil {
			return err
		}
		cancelled = project
		return nil
	})
	if err != nil || cancelled == nil {
		return err
	}

	e.notifier.NotifyAdmin(
		fmt.Sprintf("Subscription cancelled: %s", cancelled.Name),
		fmt.Sprintf("Subscription %s for project %q (%s) was cancelled at the processor.",
			ev.SubscriptionID, cancelled.Name, cancelled.ID),
	)
	return nil
}

/* ============================ invoice.* ================================ */

// ApplyInvoicePaid records a successful recurring charge. The next
// payment date is re-read from the processor (authoritative) and a
// past_due subscription recovers to active.
func (e *Engine) ApplyInvoicePaid(ctx context.Context, ev InvoiceEvent) error {
	if ev.SubscriptionID == "" {
		log.Printf("reconcile: invoice %s has no subscription reference, dropped", ev.InvoiceID)
		return nil
	}

	// Best-effort authoritative read; a failure only means the advisory
	// date stays stale until the next event or backfill.
	var nextDate *time.Time
	if info, err := e.proc.GetSubscription(ctx, ev.SubscriptionID); err == nil && !info.CurrentPeriodEnd.IsZero() {
		nextDate = &info.CurrentPeriodEnd
	} else if err != nil {
		log.Printf("reconcile: invoice %s subscription lookup failed: %v", ev.InvoiceID, err)
	}

	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		project, err := e.store.ProjectBySubscriptionRef(tx, ev.SubscriptionID)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			log.Printf("reconcile: invoice %s for unknown subscription %s, dropped", ev.InvoiceID, ev.SubscriptionID)
			return nil
		}
		if err != nil {
			return err
		}

		ref := ev.InvoiceID
		now := time.Now()
		pay := &models.Payment{
			CustomerID:  project.CustomerID,
			ProjectID:   &project.ID,
			AmountCents: ev.AmountCents,
			Type:        models.PaymentSubscription,
			Status:      models.PaySucceeded,
			Method:      models.MethodProcessorCard,
			ExternalRef: &ref,
			Description: "Subscription invoice payment",
			Metadata:    eventMetadata(map[string]string{"subscription_id": ev.SubscriptionID}),
			PaidAt:      &now,
		}
		err = e.store.InsertPaymentOnce(tx, pay)
		if errors.Is(err, ErrAlreadyApplied) {
			return nil // duplicate delivery
		}
		if err != nil {
			return err
		}
		if err := e.store.AddToPaidCents(tx, project.ID, ev.AmountCents); err != nil {
			return err
		}

		updates := map[string]any{}
		if project.SubscriptionStatus == models.SubPastDue {
			updates["subscription_status"] = models.SubActive
		}
		if nextDate != nil {
			updates["next_payment_date"] = *nextDate
		}
		if len(updates) == 0 {
			return nil
		}
		return tx.Model(&models.Project{}).Where("id = ?", project.ID).Updates(updates).Error
	})
}

// ApplyInvoiceFailed keeps a failed charge on record and marks the
// subscription past_due. Failed rows are never deleted, and do not touch
// paid_cents.
func (e *Engine) ApplyInvoiceFailed(ctx context.Context, ev InvoiceEvent) error {
	if ev.SubscriptionID == "" {
		log.Printf("reconcile: failed invoice %s has no subscription reference, dropped", ev.InvoiceID)
		return nil
	}
	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		project, err := e.store.ProjectBySubscriptionRef(tx, ev.SubscriptionID)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			log.Printf("reconcile: failed invoice %s for unknown subscription %s, dropped", ev.InvoiceID, ev.SubscriptionID)
			return nil
		}
		if err != nil {
			return err
		}

		ref := ev.InvoiceID
		pay := &models.Payment{
			CustomerID:  project.CustomerID,
			ProjectID:   &project.ID,
			AmountCents: ev.AmountCents,
			Type:        models.PaymentSubscription,
			Method:      models.MethodProcessorCard,
			ExternalRef: &ref,
			Description: "Subscription invoice payment failed",
			Metadata:    eventMetadata(map[string]string{"subscription_id": ev.SubscriptionID}),
		}
		err = e.store.InsertFailedPayment(tx, pay)
		if errors.Is(err, ErrAlreadyApplied) {
			return nil
		}
		if err != nil {
			return err
		}

		if CanTransitionSubscription(project.SubscriptionStatus, models.SubPastDue) &&
			project.SubscriptionStatus != models.SubPastDue {
			return tx.Model(&models.Project{}).
				Where("id = ?", project.ID).
				Update("subscription_status", models.SubPastDue).Error
		}
		return nil
	})
}

// applyProjectlessCheckout settles a payment-link checkout that was not
// tied to a project. No paid_cents cache to maintain, just the ledger
// row and the consumed link.
func (e *Engine) applyProjectlessCheckout(ctx context.Context, customerID uuid.UUID, ev CheckoutCompletedEvent) error {
	if ev.Mode == "subscription" {
		log.Printf("reconcile: checkout %s is a subscription without a project, dropped", ev.SessionID)
		return nil
	}
	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ref := ev.SessionID
		now := time.Now()
		pay := &models.Payment{
			CustomerID:  customerID,
			AmountCents: ev.AmountTotalCents,
			Type:        models.PaymentOneTime,
			Status:      models.PaySucceeded,
			Method:      models.MethodProcessorCard,
			ExternalRef: &ref,
			Description: "Payment link checkout",
			Metadata:    eventMetadata(ev.Metadata),
			PaidAt:      &now,
		}
		err := e.store.InsertPaymentOnce(tx, pay)
		if errors.Is(err, ErrAlreadyApplied) {
			return nil
		}
		if err != nil {
			return err
		}
		return e.store.MarkPaymentLinkUsed(tx, ev.SessionID)
	})
}
