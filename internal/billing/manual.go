package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/studiofolio/portal-backend/internal/auth"
	"github.com/studiofolio/portal-backend/pkg/models"
	"github.com/studiofolio/portal-backend/pkg/utils"
	"github.com/studiofolio/portal-backend/pkg/validation"
)

/* ========================= Engine: manual path ========================== */

// RecordManualPaymentInput is an admin-entered payment made outside the
// processor (Venmo, CashApp, Zelle, or an override).
type RecordManualPaymentInput struct {
	ProjectID       uuid.UUID
	AmountCents     int64
	Method          models.PaymentMethod
	Description     string
	PaidAt          *time.Time
	NextPaymentDate *time.Time
}

// RecordManualPayment writes a manual payment into the ledger under a
// locally synthesized reference. It goes through the same dedup insert
// as processor events and never talks to the processor. A subscription
// waiting on manual confirmation becomes active.
func (e *Engine) RecordManualPayment(ctx context.Context, in RecordManualPaymentInput) (*models.Payment, error) {
	if in.AmountCents <= 0 {
		return nil, errors.New("amount must be positive")
	}
	switch in.Method {
	case models.MethodManualVenmo, models.MethodManualCashApp, models.MethodManualZelle, models.MethodAdminOverride:
	default:
		return nil, errors.New("not a manual payment method")
	}

	var pay *models.Payment
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		project, err := e.store.ProjectForUpdate(tx, in.ProjectID)
		if err != nil {
			return err
		}

		paidAt := in.PaidAt
		if paidAt == nil {
			now := time.Now()
			paidAt = &now
		}
		payType := models.PaymentOneTime
		if project.IsSubscription {
			payType = models.PaymentSubscription
		}
		ref := "manual_" + uuid.NewString()
		pay = &models.Payment{
			CustomerID:  project.CustomerID,
			ProjectID:   &project.ID,
			AmountCents: in.AmountCents,
			Type:        payType,
			Status:      models.PaySucceeded,
			Method:      in.Method,
			ExternalRef: &ref,
			Description: in.Description,
			PaidAt:      paidAt,
		}
		if err := e.store.InsertPaymentOnce(tx, pay); err != nil {
			return err
		}
		if err := e.store.AddToPaidCents(tx, project.ID, in.AmountCents); err != nil {
			return err
		}

		updates := map[string]any{}
		if project.SubscriptionStatus == models.SubPendingManualConfirmation {
			updates["subscription_status"] = models.SubActive
		}
		if in.NextPaymentDate != nil {
			updates["next_payment_date"] = *in.NextPaymentDate
		}
		if len(updates) == 0 {
			return nil
		}
		return tx.Model(&models.Project{}).Where("id = ?", project.ID).Updates(updates).Error
	})
	if err != nil {
		return nil, err
	}
	return pay, nil
}

// ConfirmCustomerManualPayment records a customer's claim of having paid
// outside the processor. No Payment row is written; the subscription
// parks in pending_manual_confirmation until an admin verifies the money
// and records it. The admin is notified after commit.
func (e *Engine) ConfirmCustomerManualPayment(ctx context.Context, projectID, customerID uuid.UUID) error {
	var project *models.Project
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		p, err := e.store.ProjectForUpdate(tx, projectID)
		if err != nil {
			return err
		}
		if p.CustomerID != customerID {
			return ErrNotOwner
		}
		if p.PaymentChannel == models.ChannelProcessor {
			return ErrChannelMismatch
		}
		if !CanTransitionSubscription(p.SubscriptionStatus, models.SubPendingManualConfirmation) {
			return ErrIllegalTransition
		}
		if err := tx.Model(&models.Project{}).
			Where("id = ?", p.ID).
			Update("subscription_status", models.SubPendingManualConfirmation).Error; err != nil {
			return err
		}
		project = p
		return nil
	})
	if err != nil {
		return err
	}

	e.notifier.NotifyAdmin(
		fmt.Sprintf("Manual payment claimed: %s", project.Name),
		fmt.Sprintf("A customer reports having sent a manual payment for project %q (%s). Verify the money arrived, then record it.",
			project.Name, project.ID),
	)
	return nil
}

/* ================================ DTOs ================================= */

// Request body for POST /projects/:id/manual-payment (customer claim)
type ClaimManualPaymentRequest struct {
	Method string `json:"method" validate:"required,manualmethod"`
	Note   string `json:"note" validate:"max=500"`
}

// Request body for POST /admin/projects/:id/manual-payment
type RecordManualPaymentRequest struct {
	AmountCents     int64   `json:"amount_cents" validate:"required,gt=0"`
	Method          string  `json:"method" validate:"required,manualmethod"`
	Description     string  `json:"description" validate:"max=500"`
	PaidAt          *string `json:"paid_at" validate:"omitempty,isodate"`
	NextPaymentDate *string `json:"next_payment_date" validate:"omitempty,isodate"`
}

// Request body for PATCH /admin/projects/:id/subscription. Pointer
// fields update only when present.
type UpdateSubscriptionRequest struct {
	IsSubscription  *bool   `json:"is_subscription"`
	PaymentChannel  *string `json:"payment_channel" validate:"omitempty,oneof=processor manual either"`
	StripePriceID   *string `json:"stripe_price_id" validate:"omitempty,max=120"`
	NextPaymentDate *string `json:"next_payment_date" validate:"omitempty,isodate"`
}

// Request body for POST /admin/projects/:id/subscription
type CreateSubscriptionRequest struct {
	PriceID      string `json:"price_id" validate:"omitempty,max=120"`
	FirstPayment string `json:"first_payment" validate:"required,isodate"`
}

/* ============================== Handler ================================= */

// SubscriptionHandler owns the customer and admin HTTP surface for
// subscription lifecycle and manual payments.
type SubscriptionHandler struct {
	db     *gorm.DB
	store  *Store
	engine *Engine
	proc   Processor
}

func NewSubscriptionHandler(db *gorm.DB, engine *Engine, proc Processor) *SubscriptionHandler {
	return &SubscriptionHandler{db: db, store: NewStore(db), engine: engine, proc: proc}
}

/* ========================= Customer endpoints =========================== */

// @Summary      Cancel my subscription
// @Description  Schedules cancellation at the period end; the project
// @Description  moves to cancel_pending and stays billable until then.
// @Tags         billing
// @Security     BearerAuth
// @Produce      json
// @Param        id  path  string  true  "Project ID"
// @Success      200  {object}  map[string]any
// @Failure      404  {object}  models.ErrorResponse
// @Failure      409  {object}  models.ErrorResponse
// @Router       /projects/{id}/cancel-subscription [post]
func (h *SubscriptionHandler) CancelSubscription(c *fiber.Ctx) error {
	customerID, err := uuid.Parse(auth.MustUserID(c))
	if err != nil {
		return fiber.ErrUnauthorized
	}
	projectID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return fiber.ErrNotFound
	}

	var project models.Project
	if err := h.db.First(&project, "id = ? AND customer_id = ?", projectID, customerID).Error; err != nil {
		return fiber.ErrNotFound
	}
	switch project.SubscriptionStatus {
	case models.SubActive, models.SubPastDue:
	default:
		return fiber.NewError(fiber.StatusConflict, "subscription is not active")
	}

	if project.StripeSubscriptionID != nil {
		if err := h.proc.ScheduleCancellation(c.UserContext(), *project.StripeSubscriptionID); err != nil {
			return fiber.NewError(fiber.StatusBadGateway, "could not schedule cancellation")
		}
	}
	if err := h.db.Model(&models.Project{}).
		Where("id = ?", project.ID).
		Update("subscription_status", models.SubCancelPending).Error; err != nil {
		return fiber.ErrInternalServerError
	}
	return c.JSON(fiber.Map{"ok": true, "subscription_status": models.SubCancelPending})
}

// @Summary      Claim a manual payment
// @Description  Customer reports having paid outside the processor; the
// @Description  subscription parks until an admin verifies and records
// @Description  the payment.
// @Tags         billing
// @Security     BearerAuth
// @Accept       json
// @Produce      json
// @Param        id       path  string                     true  "Project ID"
// @Param        payload  body  ClaimManualPaymentRequest  true  "Claim payload"
// @Success      200      {object}  map[string]any
// @Failure      404      {object}  models.ErrorResponse
// @Failure      409      {object}  models.ErrorResponse
// @Router       /projects/{id}/manual-payment [post]
func (h *SubscriptionHandler) ClaimManualPayment(c *fiber.Ctx) error {
	customerID, err := uuid.Parse(auth.MustUserID(c))
	if err != nil {
		return fiber.ErrUnauthorized
	}
	projectID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return fiber.ErrNotFound
	}

	var in ClaimManualPaymentRequest
	if err := c.BodyParser(&in); err != nil {
		return fiber.ErrBadRequest
	}
	if errs, _ := validation.Validate(in); errs != nil {
		return validation.Respond(c, errs)
	}

	err = h.engine.ConfirmCustomerManualPayment(c.UserContext(), projectID, customerID)
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound), errors.Is(err, ErrNotOwner):
		return fiber.ErrNotFound
	case errors.Is(err, ErrChannelMismatch):
		return fiber.NewError(fiber.StatusConflict, ErrChannelMismatch.Error())
	case errors.Is(err, ErrIllegalTransition):
		return fiber.NewError(fiber.StatusConflict, "a manual payment is already pending or the subscription is closed")
	case err != nil:
		return fiber.ErrInternalServerError
	}
	return c.JSON(fiber.Map{"ok": true, "subscription_status": models.SubPendingManualConfirmation})
}

/* =========================== Admin endpoints ============================ */

// @Summary      Update subscription details
// @Tags         admin
// @Security     BearerAuth
// @Accept       json
// @Produce      json
// @Param        id       path  string                     true  "Project ID"
// @Param        payload  body  UpdateSubscriptionRequest  true  "Fields to update"
// @Success      200      {object}  models.Project
// @Failure      404      {object}  models.ErrorResponse
// @Router       /admin/projects/{id}/subscription [patch]
func (h *SubscriptionHandler) UpdateSubscription(c *fiber.Ctx) error {
	projectID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return fiber.ErrNotFound
	}

	var in UpdateSubscriptionRequest
	if err := c.BodyParser(&in); err != nil {
		return fiber.ErrBadRequest
	}
	if errs, _ := validation.Validate(in); errs != nil {
		return validation.Respond(c, errs)
	}

	var project models.Project
	if err := h.db.First(&project, "id = ?", projectID).Error; err != nil {
		return fiber.ErrNotFound
	}

	updates := utils.UpdatesFromPtrDTO(&in, nil)
	if raw, ok := updates["next_payment_date"]; ok {
		t, err := time.Parse("2006-01-02", raw.(string))
		if err != nil {
			return fiber.ErrBadRequest
		}
		updates["next_payment_date"] = t
	}
	if len(updates) > 0 {
		if err := h.db.Model(&project).Updates(updates).Error; err != nil {
			return fiber.ErrInternalServerError
		}
	}
	if err := h.db.First(&project, "id = ?", projectID).Error; err != nil {
		return fiber.ErrInternalServerError
	}
	return c.JSON(project)
}

// @Summary      Create a subscription at the processor
// @Description  Starts recurring billing for a project without customer
// @Description  checkout. The first payment date must be at least 48
// @Description  hours out so the anchor is unambiguous.
// @Tags         admin
// @Security     BearerAuth
// @Accept       json
// @Produce      json
// @Param        id       path  string                     true  "Project ID"
// @Param        payload  body  CreateSubscriptionRequest  true  "Subscription payload"
// @Success      201      {object}  models.Project
// @Failure      400      {object}  models.ValidationErrorResponse
// @Failure      409      {object}  models.ErrorResponse
// @Router       /admin/projects/{id}/subscription [post]
func (h *SubscriptionHandler) CreateSubscription(c *fiber.Ctx) error {
	projectID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return fiber.ErrNotFound
	}

	var in CreateSubscriptionRequest
	if err := c.BodyParser(&in); err != nil {
		return fiber.ErrBadRequest
	}
	if errs, _ := validation.Validate(in); errs != nil {
		return validation.Respond(c, errs)
	}

	var project models.Project
	if err := h.db.First(&project, "id = ?", projectID).Error; err != nil {
		return fiber.ErrNotFound
	}
	if project.StripeSubscriptionID != nil {
		return fiber.NewError(fiber.StatusConflict, "project already has a subscription")
	}

	priceID := in.PriceID
	if priceID == "" && project.StripePriceID != nil {
		priceID = *project.StripePriceID
	}
	if priceID == "" {
		return fiber.NewError(fiber.StatusConflict, "no subscription price is configured for this project")
	}

	firstPayment, err := time.Parse("2006-01-02", in.FirstPayment)
	if err != nil {
		return fiber.ErrBadRequest
	}
	// Trial anchors closer than 48h are rejected upstream anyway; keep
	// the rule local so the error is actionable.
	if time.Until(firstPayment) < 48*time.Hour {
		return fiber.NewError(fiber.StatusBadRequest, "first payment must be at least 48 hours from now")
	}

	var customer models.User
	if err := h.db.First(&customer, "id = ?", project.CustomerID).Error; err != nil {
		return fiber.ErrInternalServerError
	}

	info, err := h.proc.CreateSubscription(c.UserContext(), customer.Email, customer.Name, priceID, firstPayment, map[string]string{
		MetaCustomerID: customer.ID.String(),
		MetaProjectID:  project.ID.String(),
	})
	if err != nil {
		if errors.Is(err, errProcessorDisabled) {
			return fiber.NewError(fiber.StatusConflict, err.Error())
		}
		return fiber.NewError(fiber.StatusBadGateway, "could not create subscription")
	}

	updates := map[string]any{
		"stripe_subscription_id": info.ID,
		"stripe_price_id":        priceID,
		"is_subscription":        true,
		"subscription_status":    models.SubActive,
		"next_payment_date":      firstPayment,
	}
	if err := h.db.Model(&models.Project{}).Where("id = ?", project.ID).Updates(updates).Error; err != nil {
		return fiber.ErrInternalServerError
	}
	if err := h.db.First(&project, "id = ?", project.ID).Error; err != nil {
		return fiber.ErrInternalServerError
	}
	return c.Status(fiber.StatusCreated).JSON(project)
}

// @Summary      Sync subscription from the processor
// @Description  Re-reads the subscription and applies its status and
// @Description  billing period through the normal transition rules.
// @Tags         admin
// @Security     BearerAuth
// @Produce      json
// @Param        id  path  string  true  "Project ID"
// @Success      200  {object}  models.Project
// @Failure      404  {object}  models.ErrorResponse
// @Router       /admin/projects/{id}/subscription/sync [post]
func (h *SubscriptionHandler) SyncSubscription(c *fiber.Ctx) error {
	projectID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return fiber.ErrNotFound
	}

	var project models.Project
	if err := h.db.First(&project, "id = ?", projectID).Error; err != nil {
		return fiber.ErrNotFound
	}
	if project.StripeSubscriptionID == nil {
		return fiber.NewError(fiber.StatusConflict, "project has no subscription")
	}

	info, err := h.proc.GetSubscription(c.UserContext(), *project.StripeSubscriptionID)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, "could not read subscription from processor")
	}

	ev := SubscriptionEvent{
		SubscriptionID:    info.ID,
		Status:            info.Status,
		CancelAtPeriodEnd: info.CancelAtPeriodEnd,
		CurrentPeriodEnd:  info.CurrentPeriodEnd,
	}
	if mapProcessorStatus(info.Status, info.CancelAtPeriodEnd) == models.SubCancelled {
		err = h.engine.ApplySubscriptionCancelled(c.UserContext(), ev)
	} else {
		err = h.engine.ApplySubscriptionUpdated(c.UserContext(), ev)
	}
	if err != nil {
		return fiber.ErrInternalServerError
	}

	if err := h.db.First(&project, "id = ?", projectID).Error; err != nil {
		return fiber.ErrInternalServerError
	}
	return c.JSON(project)
}

// @Summary      Record a manual payment
// @Description  Admin enters a verified out-of-band payment into the
// @Description  ledger. A subscription waiting on manual confirmation
// @Description  becomes active.
// @Tags         admin
// @Security     BearerAuth
// @Accept       json
// @Produce      json
// @Param        id       path  string                      true  "Project ID"
// @Param        payload  body  RecordManualPaymentRequest  true  "Payment payload"
// @Success      201      {object}  models.Payment
// @Failure      400      {object}  models.ValidationErrorResponse
// @Failure      404      {object}  models.ErrorResponse
// @Router       /admin/projects/{id}/manual-payment [post]
func (h *SubscriptionHandler) RecordManualPayment(c *fiber.Ctx) error {
	projectID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return fiber.ErrNotFound
	}

	var in RecordManualPaymentRequest
	if err := c.BodyParser(&in); err != nil {
		return fiber.ErrBadRequest
	}
	if errs, _ := validation.Validate(in); errs != nil {
		return validation.Respond(c, errs)
	}

	input := RecordManualPaymentInput{
		ProjectID:   projectID,
		AmountCents: in.AmountCents,
		Method:      models.PaymentMethod(in.Method),
		Description: in.Description,
	}
	if in.PaidAt != nil {
		t, err := time.Parse("2006-01-02", *in.PaidAt)
		if err != nil {
			return fiber.ErrBadRequest
		}
		input.PaidAt = &t
	}
	if in.NextPaymentDate != nil {
		t, err := time.Parse("2006-01-02", *in.NextPaymentDate)
		if err != nil {
			return fiber.ErrBadRequest
		}
		input.NextPaymentDate = &t
	}

	pay, err := h.engine.RecordManualPayment(c.UserContext(), input)
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return fiber.ErrNotFound
	case err != nil:
		return fiber.ErrInternalServerError
	}
	return c.Status(fiber.StatusCreated).JSON(pay)
}
