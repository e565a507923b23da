package billing

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/studiofolio/portal-backend/internal/auth"
	"github.com/studiofolio/portal-backend/pkg/models"
	"github.com/studiofolio/portal-backend/pkg/validation"
)

/* ================================ DTOs ================================= */

// Request body for POST /projects/:id/checkout
type CreateCheckoutRequest struct {
	MilestoneID *string `json:"milestone_id" validate:"omitempty,uuid4"`
}

type CheckoutResponse struct {
	CheckoutURL string `json:"checkout_url"`
	SessionID   string `json:"session_id"`
}

// Request body for POST /admin/payment-links
type CreatePaymentLinkRequest struct {
	CustomerID  string  `json:"customer_id" validate:"required,uuid4"`
	ProjectID   *string `json:"project_id" validate:"omitempty,uuid4"`
	AmountCents int64   `json:"amount_cents" validate:"required,gt=0"`
	Description string  `json:"description" validate:"max=500"`
	ExpiresIn   int     `json:"expires_in_hours" validate:"omitempty,min=1,max=720"`
}

/* ============================== Handler ================================= */

type CheckoutHandler struct {
	db     *gorm.DB
	store  *Store
	proc   Processor
	appURL string
}

func NewCheckoutHandler(db *gorm.DB, proc Processor) *CheckoutHandler {
	appURL := os.Getenv("FRONTEND_URL")
	if appURL == "" {
		appURL = "http://localhost:3000"
	}
	return &CheckoutHandler{db: db, store: NewStore(db), proc: proc, appURL: appURL}
}

/* ========================= Customer checkout ============================ */

// @Summary      Start a checkout session
// @Description  Mint a processor checkout session for a project the
// @Description  customer owns. Subscription projects start recurring
// @Description  billing; one-time projects charge a milestone amount or
// @Description  the plan-derived next installment.
// @Tags         billing
// @Security     BearerAuth
// @Accept       json
// @Produce      json
// @Param        id       path  string                 true  "Project ID"
// @Param        payload  body  CreateCheckoutRequest  false "Checkout options"
// @Success      200      {object}  CheckoutResponse
// @Failure      400      {object}  models.ValidationErrorResponse
// @Failure      404      {object}  models.ErrorResponse
// @Failure      409      {object}  models.ErrorResponse
// @Router       /projects/{id}/checkout [post]
func (h *CheckoutHandler) CreateCheckout(c *fiber.Ctx) error {
	customerID, err := uuid.Parse(auth.MustUserID(c))
	if err != nil {
		return fiber.ErrUnauthorized
	}
	projectID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return fiber.ErrNotFound
	}

	var in CreateCheckoutRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&in); err != nil {
			return fiber.ErrBadRequest
		}
	}
	if errs, _ := validation.Validate(in); errs != nil {
		return validation.Respond(c, errs)
	}

	var project models.Project
	if err := h.db.First(&project, "id = ? AND customer_id = ?", projectID, customerID).Error; err != nil {
		return fiber.ErrNotFound
	}
	if project.PaymentChannel == models.ChannelManual {
		return fiber.NewError(fiber.StatusConflict, "this project is billed outside the payment processor")
	}
	if project.Status == models.ProjectCancelled {
		return fiber.NewError(fiber.StatusConflict, "project is cancelled")
	}

	var user models.User
	if err := h.db.First(&user, "id = ?", customerID).Error; err != nil {
		return fiber.ErrUnauthorized
	}

	meta := map[string]string{
		MetaCustomerID: customerID.String(),
		MetaProjectID:  project.ID.String(),
	}
	params := CheckoutParams{
		CustomerEmail: user.Email,
		ProductName:   project.Name,
		SuccessURL:    h.appURL + "/payments/success?session_id={CHECKOUT_SESSION_ID}",
		CancelURL:     h.appURL + "/payments/cancel",
		Metadata:      meta,
	}

	if project.IsSubscription {
		if project.SubscriptionStatus == models.SubActive || project.SubscriptionStatus == models.SubCancelPending {
			return fiber.NewError(fiber.StatusConflict, "subscription is already active")
		}
		if project.StripePriceID == nil || *project.StripePriceID == "" {
			return fiber.NewError(fiber.StatusConflict, "no subscription price is configured for this project")
		}
		params.PriceID = *project.StripePriceID
		params.Description = "Recurring billing for " + project.Name
	} else {
		amount, milestone, amtErr := h.chargeAmount(&project, in.MilestoneID)
		if amtErr != nil {
			return amtErr
		}
		if milestone != nil {
			meta[MetaMilestoneID] = milestone.ID.String()
			params.Description = milestone.Name
		} else {
			params.Description = "Payment for " + project.Name
		}
		params.AmountCents = amount
	}

	sess, err := h.proc.CreateCheckoutSession(c.UserContext(), params)
	if err != nil {
		if errors.Is(err, errProcessorDisabled) {
			return fiber.NewError(fiber.StatusConflict, err.Error())
		}
		return fiber.NewError(fiber.StatusBadGateway, "could not start checkout")
	}
	return c.JSON(CheckoutResponse{CheckoutURL: sess.URL, SessionID: sess.ID})
}

// chargeAmount derives the one-time amount to charge: an explicit
// pending payment milestone wins, otherwise the payment plan decides
// (50_50 charges half the total on the first payment, everything else
// charges the remaining balance).
func (h *CheckoutHandler) chargeAmount(project *models.Project, milestoneID *string) (int64, *models.Milestone, error) {
	if milestoneID != nil {
		id, err := uuid.Parse(*milestoneID)
		if err != nil {
			return 0, nil, fiber.ErrBadRequest
		}
		var m models.Milestone
		if err := h.db.First(&m, "id = ? AND project_id = ?", id, project.ID).Error; err != nil {
			return 0, nil, fiber.NewError(fiber.StatusNotFound, "milestone not found")
		}
		if !m.IsPaymentMilestone || m.AmountCents == nil {
			return 0, nil, fiber.NewError(fiber.StatusConflict, "milestone has no payment amount")
		}
		if m.Status == models.MilestoneCompleted {
			return 0, nil, fiber.NewError(fiber.StatusConflict, "milestone is already paid")
		}
		return *m.AmountCents, &m, nil
	}

	remaining := project.TotalCents - project.PaidCents
	if remaining <= 0 {
		return 0, nil, fiber.NewError(fiber.StatusConflict, "project is fully paid")
	}
	if project.PaymentPlan == models.PlanFiftyFifty && project.PaidCents == 0 {
		return project.TotalCents / 2, nil, nil
	}
	return remaining, nil, nil
}

/* ========================= Redirect endpoints =========================== */

// PaymentSuccess is the landing endpoint after a completed checkout. It
// reports the session state for the UI; the ledger write itself happens
// on the webhook, never here.
func (h *CheckoutHandler) PaymentSuccess(c *fiber.Ctx) error {
	sessionID := c.Query("session_id")
	if sessionID == "" {
		return fiber.ErrBadRequest
	}
	sess, err := h.proc.GetCheckoutSession(c.UserContext(), sessionID)
	if err != nil {
		return c.JSON(fiber.Map{"ok": true})
	}
	return c.JSON(fiber.Map{"ok": true, "amount_cents": sess.AmountTotal})
}

// PaymentCancel acknowledges an abandoned checkout.
func (h *CheckoutHandler) PaymentCancel(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"ok": false, "message": "payment cancelled"})
}

/* ======================== Admin payment links =========================== */

// @Summary      Create a payment link
// @Description  Admin mints a checkout session for a customer and saves
// @Description  it; the link shows on the customer dashboard until used.
// @Tags         billing
// @Security     BearerAuth
// @Accept       json
// @Produce      json
// @Param        payload  body  CreatePaymentLinkRequest  true  "Link payload"
// @Success      201      {object}  models.PaymentLink
// @Failure      400      {object}  models.ValidationErrorResponse
// @Failure      404      {object}  models.ErrorResponse
// @Router       /admin/payment-links [post]
func (h *CheckoutHandler) CreatePaymentLink(c *fiber.Ctx) error {
	adminID, err := uuid.Parse(auth.MustUserID(c))
	if err != nil {
		return fiber.ErrUnauthorized
	}

	var in CreatePaymentLinkRequest
	if err := c.BodyParser(&in); err != nil {
		return fiber.ErrBadRequest
	}
	if errs, _ := validation.Validate(in); errs != nil {
		return validation.Respond(c, errs)
	}

	customerID := uuid.MustParse(in.CustomerID)
	var customer models.User
	if err := h.db.First(&customer, "id = ? AND role = ?", customerID, models.RoleCustomer).Error; err != nil {
		return fiber.NewError(fiber.StatusNotFound, "customer not found")
	}

	meta := map[string]string{
		MetaCustomerID:  customerID.String(),
		MetaPaymentLink: "true",
	}
	var projectID *uuid.UUID
	if in.ProjectID != nil {
		id := uuid.MustParse(*in.ProjectID)
		var project models.Project
		if err := h.db.First(&project, "id = ? AND customer_id = ?", id, customerID).Error; err != nil {
			return fiber.NewError(fiber.StatusNotFound, "project not found for this customer")
		}
		projectID = &id
		meta[MetaProjectID] = id.String()
	}

	description := in.Description
	if description == "" {
		description = fmt.Sprintf("Payment for %s", customer.Name)
	}

	var expiresAt *time.Time
	if in.ExpiresIn > 0 {
		t := time.Now().Add(time.Duration(in.ExpiresIn) * time.Hour)
		expiresAt = &t
	}

	sess, err := h.proc.CreateCheckoutSession(c.UserContext(), CheckoutParams{
		CustomerEmail: customer.Email,
		AmountCents:   in.AmountCents,
		ProductName:   description,
		Description:   description,
		SuccessURL:    h.appURL + "/payments/success?session_id={CHECKOUT_SESSION_ID}",
		CancelURL:     h.appURL + "/payments/cancel",
		ExpiresAt:     expiresAt,
		Metadata:      meta,
	})
	if err != nil {
		if errors.Is(err, errProcessorDisabled) {
			return fiber.NewError(fiber.StatusConflict, err.Error())
		}
		return fiber.NewError(fiber.StatusBadGateway, "could not create payment link")
	}

	link := models.PaymentLink{
		CustomerID:       customerID,
		ProjectID:        projectID,
		AmountCents:      in.AmountCents,
		CheckoutURL:      sess.URL,
		StripeSessionID:  sess.ID,
		Description:      description,
		ExpiresAt:        expiresAt,
		CreatedByAdminID: adminID,
	}
	if err := h.db.Create(&link).Error; err != nil {
		return fiber.ErrInternalServerError
	}
	return c.Status(fiber.StatusCreated).JSON(link)
}
