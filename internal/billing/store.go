package billing

import (
	"errors"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/studiofolio/portal-backend/pkg/models"
)

// ErrAlreadyApplied reports that a payment with the same external
// reference has already been recorded. Callers treat it as a successful
// no-op: it is how the loser of two concurrent duplicate deliveries
// learns the event was applied by the winner.
var ErrAlreadyApplied = errors.New("payment already applied")

// Store is the ledger access layer. Mutating methods take the *gorm.DB
// of the surrounding transaction so every event stays a single short tx.
type Store struct{ db *gorm.DB }

func NewStore(db *gorm.DB) *Store { return &Store{db: db} }

// DB returns the underlying handle for starting transactions.
func (s *Store) DB() *gorm.DB { return s.db }

/* ============================ Payments ================================= */

// InsertPaymentOnce inserts a succeeded payment guarded by the partial
// unique index on external_ref. The ON CONFLICT target matches the index
// predicate, so two concurrent inserts for the same reference resolve to
// one winner; the loser gets ErrAlreadyApplied instead of a constraint
// violation.
func (s *Store) InsertPaymentOnce(tx *gorm.DB, p *models.Payment) error {
	if p.ExternalRef == nil || strings.TrimSpace(*p.ExternalRef) == "" {
		return errors.New("external ref required for dedup insert")
	}
	if p.Status != models.PaySucceeded {
		return errors.New("dedup insert is only for succeeded payments")
	}
	res := tx.Clauses(clause.OnConflict{
		Columns:     []clause.Column{{Name: "external_ref"}},
		TargetWhere: clause.Where{Exprs: []clause.Expression{gorm.Expr("status = 'succeeded'")}},
		DoNothing:   true,
	}).Create(p)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrAlreadyApplied
	}
	return nil
}

// InsertFailedPayment records a failed attempt. Failed rows are kept for
// history and do not occupy the unique index; a best-effort existence
// check keeps replays from piling up duplicates.
func (s *Store) InsertFailedPayment(tx *gorm.DB, p *models.Payment) error {
	p.Status = models.PayFailed
	if p.ExternalRef != nil {
		var cnt int64
		if err := tx.Model(&models.Payment{}).
			Where("external_ref = ? AND status = ?", *p.ExternalRef, models.PayFailed).
			Count(&cnt).Error; err != nil {
			return err
		}
		if cnt > 0 {
			return ErrAlreadyApplied
		}
	}
	return tx.Create(p).Error
}

// AddToPaidCents increments the project's paid amount cache. The
// increment is commutative, so concurrent events never overwrite each
// other's contribution.
func (s *Store) AddToPaidCents(tx *gorm.DB, projectID uuid.UUID, delta int64) error {
	return tx.Model(&models.Project{}).
		Where("id = ?", projectID).
		UpdateColumn("paid_cents", gorm.Expr("paid_cents + ?", delta)).Error
}

// SumSucceededCents returns the authoritative total paid for a project.
func (s *Store) SumSucceededCents(tx *gorm.DB, projectID uuid.UUID) (int64, error) {
	var total int64
	err := tx.Model(&models.Payment{}).
		Where("project_id = ? AND status = ?", projectID, models.PaySucceeded).
		Select("COALESCE(SUM(amount_cents), 0)").
		Scan(&total).Error
	return total, err
}

/* ============================ Projects ================================= */

// ProjectForUpdate loads a project with a row lock.
func (s *Store) ProjectForUpdate(tx *gorm.DB, id uuid.UUID) (*models.Project, error) {
	var p models.Project
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&p, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

// ProjectBySubscriptionRef locates the owning project of a processor
// subscription, with a row lock.
func (s *Store) ProjectBySubscriptionRef(tx *gorm.DB, ref string) (*models.Project, error) {
	var p models.Project
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&p, "stripe_subscription_id = ?", ref).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

// LatestUnlinkedSubscriptionProject is the last-resort correlation
// fallback: the newest subscription-mode project for a customer that has
// no subscription reference yet. Callers must log every use of it.
func (s *Store) LatestUnlinkedSubscriptionProject(tx *gorm.DB, customerID uuid.UUID) (*models.Project, error) {
	var p models.Project
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("customer_id = ? AND is_subscription = ? AND stripe_subscription_id IS NULL", customerID, true).
		Order("created_at DESC").
		First(&p).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

// ActiveSubscriptionsMissingNextDate lists backfill candidates: active
// subscriptions with a reference but no locally known next payment date.
func (s *Store) ActiveSubscriptionsMissingNextDate(tx *gorm.DB) ([]models.Project, error) {
	var out []models.Project
	err := tx.
		Where("is_subscription = ? AND subscription_status = ?", true, models.SubActive).
		Where("stripe_subscription_id IS NOT NULL AND next_payment_date IS NULL").
		Find(&out).Error
	return out, err
}

/* ============================= Users =================================== */

// CustomerByEmail resolves a customer by normalized billing email.
func (s *Store) CustomerByEmail(tx *gorm.DB, email string) (*models.User, error) {
	var u models.User
	if err := tx.
		Where("email = ? AND role = ?", strings.ToLower(strings.TrimSpace(email)), models.RoleCustomer).
		First(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

/* ========================== Payment Links ============================== */

// MarkPaymentLinkUsed consumes an admin-generated payment link. Missing
// links are fine: not every checkout session originates from one.
func (s *Store) MarkPaymentLinkUsed(tx *gorm.DB, sessionID string) error {
	return tx.Model(&models.PaymentLink{}).
		Where("stripe_session_id = ? AND used = ?", sessionID, false).
		Update("used", true).Error
}
