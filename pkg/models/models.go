package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

/* =============================== Enums ================================== */

// Role defines the type of user in the system.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleAdmin    Role = "admin"
)

// ProjectStatus defines lifecycle states for a project.
type ProjectStatus string

const (
	ProjectPending    ProjectStatus = "pending"
	ProjectInProgress ProjectStatus = "in_progress"
	ProjectCompleted  ProjectStatus = "completed"
	ProjectCancelled  ProjectStatus = "cancelled"
)

// PaymentPlan controls how the next one-time charge amount is derived.
type PaymentPlan string

const (
	PlanFiftyFifty  PaymentPlan = "50_50"
	PlanFullUpfront PaymentPlan = "full_upfront"
)

// PaymentChannel defines which payment paths a project accepts.
type PaymentChannel string

const (
	ChannelProcessor PaymentChannel = "processor"
	ChannelManual    PaymentChannel = "manual"
	ChannelEither    PaymentChannel = "either"
)

// SubscriptionStatus tracks recurring-billing state independently of
// ProjectStatus (a subscription can be past_due while the project is
// still in_progress).
type SubscriptionStatus string

const (
	SubInactive      SubscriptionStatus = "inactive"
	SubActive        SubscriptionStatus = "active"
	SubPastDue       SubscriptionStatus = "past_due"
	SubCancelPending SubscriptionStatus = "cancel_pending"
	SubCancelled     SubscriptionStatus = "cancelled"
	// Customer claimed a manual payment; an admin must verify and record it.
	SubPendingManualConfirmation SubscriptionStatus = "pending_manual_confirmation"
)

// PaymentType distinguishes one-off charges from recurring ones.
type PaymentType string

const (
	PaymentOneTime      PaymentType = "one_time"
	PaymentSubscription PaymentType = "subscription"
)

// PaymentStatus defines lifecycle states for a payment. A succeeded
// payment is an immutable fact and is never reopened.
type PaymentStatus string

const (
	PayPending   PaymentStatus = "pending"
	PaySucceeded PaymentStatus = "succeeded"
	PayFailed    PaymentStatus = "failed"
)

// PaymentMethod records how the money actually moved.
type PaymentMethod string

const (
	MethodProcessorCard PaymentMethod = "processor_card"
	MethodManualVenmo   PaymentMethod = "manual_venmo"
	MethodManualCashApp PaymentMethod = "manual_cashapp"
	MethodManualZelle   PaymentMethod = "manual_zelle"
	MethodAdminOverride PaymentMethod = "admin_override"
)

// MilestoneStatus defines lifecycle states for a milestone.
type MilestoneStatus string

const (
	MilestonePending   MilestoneStatus = "pending"
	MilestoneCompleted MilestoneStatus = "completed"
)

// FeatureStatus defines lifecycle states for a feature request.
type FeatureStatus string

const (
	FeatureReceived   FeatureStatus = "request_received"
	FeatureInReview   FeatureStatus = "in_review"
	FeatureApproved   FeatureStatus = "approved"
	FeatureInProgress FeatureStatus = "in_progress"
	FeatureCompleted  FeatureStatus = "completed"
	FeatureDeclined   FeatureStatus = "declined"
)

/* =============================== Entities =============================== */

// User represents a customer or an admin.
type User struct {
	ID           uuid.UUID `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	Email        string    `gorm:"uniqueIndex;not null"`
	PasswordHash string    `gorm:"not null"`
	Role         Role      `gorm:"type:varchar(20);not null"`
	Name         string    `gorm:"not null"`
	Company      string
	Phone        string
	// Deactivation blocks login but keeps historical data intact.
	IsActive  bool `gorm:"not null;default:true"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Project belongs to exactly one customer. All money fields are cents.
// PaidCents is a cache maintained by commutative increments; the
// authoritative total is the sum of succeeded payments for the project.
type Project struct {
	ID          uuid.UUID     `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	CustomerID  uuid.UUID     `gorm:"type:uuid;not null;index"`
	Name        string        `gorm:"not null"`
	Type        string        `gorm:"not null"`
	Status      ProjectStatus `gorm:"type:varchar(20);default:'pending'"`
	TotalCents  int64         `gorm:"not null"`
	PaidCents   int64         `gorm:"not null;default:0"`
	PaymentPlan PaymentPlan   `gorm:"type:varchar(20)"`
	StartDate   *time.Time
	EndDate     *time.Time
	Description string
	Notes       string

	// Recurring billing
	IsSubscription       bool               `gorm:"not null;default:false"`
	PaymentChannel       PaymentChannel     `gorm:"type:varchar(20);default:'processor'"`
	SubscriptionStatus   SubscriptionStatus `gorm:"type:varchar(32);default:'inactive'"`
	StripePriceID        *string
	StripeSubscriptionID *string `gorm:"uniqueIndex:ux_projects_sub_ref"`
	// Advisory only; always re-derivable from the processor.
	NextPaymentDate *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time

	// Relations
	Milestones []Milestone
	Payments   []Payment
}

// Milestone is a named project deliverable, ordered by index, optionally
// tied to a fixed payment amount. A payment milestone completes at most
// once.
type Milestone struct {
	ID                 uuid.UUID `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	ProjectID          uuid.UUID `gorm:"type:uuid;not null;index"`
	Name               string    `gorm:"not null"`
	Description        string
	Status             MilestoneStatus `gorm:"type:varchar(20);default:'pending'"`
	OrderIndex         int             `gorm:"not null;default:0"`
	IsPaymentMilestone bool            `gorm:"not null;default:false"`
	AmountCents        *int64
	DueDate            *time.Time
	CompletedAt        *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Payment is append-only once succeeded. ExternalRef holds the processor
// object id (checkout session, invoice, or a locally synthesized ref for
// manual payments) and is the deduplication key: the partial unique
// index guarantees at most one succeeded row per ref, so concurrent
// duplicate webhook deliveries resolve to one winner at the storage
// layer rather than via check-then-act. Failed rows are kept and do not
// occupy the index.
type Payment struct {
	ID          uuid.UUID     `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	CustomerID  uuid.UUID     `gorm:"type:uuid;not null;index"`
	ProjectID   *uuid.UUID    `gorm:"type:uuid;index"`
	MilestoneID *uuid.UUID    `gorm:"type:uuid"`
	AmountCents int64         `gorm:"not null"`
	Type        PaymentType   `gorm:"type:varchar(20);not null"`
	Status      PaymentStatus `gorm:"type:varchar(20);default:'pending'"`
	Method      PaymentMethod `gorm:"type:varchar(30)"`
	ExternalRef *string       `gorm:"index:ux_payments_ref_succeeded,unique,where:status = 'succeeded'"`
	Description string
	Metadata    datatypes.JSON
	PaidAt      *time.Time
	CreatedAt   time.Time `gorm:"not null;default:now()"`
	UpdatedAt   time.Time `gorm:"not null;default:now()"`
}

// PaymentLink is an admin-generated checkout session saved for a
// customer. It stays on the customer's dashboard until consumed.
type PaymentLink struct {
	ID               uuid.UUID  `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	CustomerID       uuid.UUID  `gorm:"type:uuid;not null;index"`
	ProjectID        *uuid.UUID `gorm:"type:uuid"`
	AmountCents      int64      `gorm:"not null"`
	CheckoutURL      string     `gorm:"not null"`
	StripeSessionID  string     `gorm:"uniqueIndex;not null"`
	Description      string
	ExpiresAt        *time.Time
	Used             bool      `gorm:"not null;default:false"`
	CreatedByAdminID uuid.UUID `gorm:"type:uuid"`
	CreatedAt        time.Time
}

// Agreement is versioned per project; creating a new version supersedes
// the prior active one.
type Agreement struct {
	ID               uuid.UUID `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	ProjectID        uuid.UUID `gorm:"type:uuid;not null;index"`
	Version          int       `gorm:"not null;default:1"`
	Title            string    `gorm:"not null"`
	Content          string    `gorm:"type:text;not null"`
	Type             string    `gorm:"not null"`
	IsActive         bool      `gorm:"not null;default:true"`
	CreatedByAdminID uuid.UUID `gorm:"type:uuid"`
	CreatedAt        time.Time
	SupersededAt     *time.Time

	Signatures []AgreementSignature
}

// AgreementSignature is write-once per (agreement, customer).
type AgreementSignature struct {
	ID            uuid.UUID `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	AgreementID   uuid.UUID `gorm:"type:uuid;not null;index:ux_sig_agreement_customer,unique"`
	CustomerID    uuid.UUID `gorm:"type:uuid;not null;index:ux_sig_agreement_customer,unique"`
	SignatureName string    `gorm:"not null"`
	SignatureIP   string
	SignedAt      time.Time `gorm:"not null;default:now()"`
}

// FeatureRequest is a customer-submitted ticket scoped to a project.
type FeatureRequest struct {
	ID                  uuid.UUID `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	CustomerID          uuid.UUID `gorm:"type:uuid;not null;index"`
	ProjectID           uuid.UUID `gorm:"type:uuid;not null;index"`
	Title               string    `gorm:"not null"`
	Description         string    `gorm:"type:text;not null"`
	Priority            string    `gorm:"type:varchar(20);default:'medium'"`
	RequestedCompletion string
	AdditionalInfo      string
	Status              FeatureStatus `gorm:"type:varchar(30);default:'request_received'"`
	AdminNotes          string
	EstimatedHours      *float64
	ActualHours         *float64
	CompletedAt         *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time

	History []FeatureStatusHistory `gorm:"foreignKey:FeatureRequestID"`
}

// FeatureStatusHistory is an audit trail of status changes on a ticket.
type FeatureStatusHistory struct {
	ID               uuid.UUID     `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	FeatureRequestID uuid.UUID     `gorm:"type:uuid;not null;index"`
	OldStatus        FeatureStatus `gorm:"type:varchar(30)"`
	NewStatus        FeatureStatus `gorm:"type:varchar(30);not null"`
	StatusMessage    string
	UpdatedByAdminID *uuid.UUID `gorm:"type:uuid"`
	CreatedAt        time.Time  `gorm:"autoCreateTime"`
}
