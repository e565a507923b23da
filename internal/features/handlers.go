package features

import (
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/studiofolio/portal-backend/internal/auth"
	"github.com/studiofolio/portal-backend/internal/notify"
	"github.com/studiofolio/portal-backend/pkg/models"
	"github.com/studiofolio/portal-backend/pkg/utils"
	"github.com/studiofolio/portal-backend/pkg/validation"
)

/* ================================ DTOs ================================= */

// Request body for POST /feature-requests
type CreateFeatureRequest struct {
	ProjectID           string `json:"project_id" validate:"required,uuid4"`
	Title               string `json:"title" validate:"required,max=200"`
	Description         string `json:"description" validate:"required"`
	Priority            string `json:"priority" validate:"omitempty,oneof=low medium high urgent"`
	RequestedCompletion string `json:"requested_completion" validate:"omitempty,max=100"`
	AdditionalInfo      string `json:"additional_info" validate:"omitempty,max=2000"`
}

// Request body for PATCH /admin/feature-requests/:id
type UpdateFeatureRequest struct {
	Status         *string  `json:"status" validate:"omitempty,oneof=request_received in_review approved in_progress completed declined"`
	StatusMessage  *string  `json:"status_message" validate:"omitempty,max=1000"`
	AdminNotes     *string  `json:"admin_notes" validate:"omitempty,max=2000"`
	EstimatedHours *float64 `json:"estimated_hours" validate:"omitempty,gte=0"`
	ActualHours    *float64 `json:"actual_hours" validate:"omitempty,gte=0"`
}

/* ============================== Handler ================================= */

type Handler struct {
	db       *gorm.DB
	notifier notify.Notifier
}

func NewHandler(db *gorm.DB, n notify.Notifier) *Handler {
	return &Handler{db: db, notifier: n}
}

/* ============================ Customer side ============================= */

// @Summary      Submit a feature request
// @Tags         features
// @Security     BearerAuth
// @Accept       json
// @Produce      json
// @Param        payload  body  CreateFeatureRequest  true  "Request payload"
// @Success      201      {object}  models.FeatureRequest
// @Failure      400      {object}  models.ValidationErrorResponse
// @Failure      404      {object}  models.ErrorResponse
// @Router       /feature-requests [post]
func (h *Handler) Create(c *fiber.Ctx) error {
	customerID, err := uuid.Parse(auth.MustUserID(c))
	if err != nil {
		return fiber.ErrUnauthorized
	}

	var in CreateFeatureRequest
	if err := c.BodyParser(&in); err != nil {
		return fiber.ErrBadRequest
	}
	in.Title = strings.TrimSpace(in.Title)
	if errs, _ := validation.Validate(in); errs != nil {
		return validation.Respond(c, errs)
	}

	projectID := uuid.MustParse(in.ProjectID)
	var project models.Project
	if err := h.db.First(&project, "id = ? AND customer_id = ?", projectID, customerID).Error; err != nil {
		return fiber.ErrNotFound
	}

	priority := in.Priority
	if priority == "" {
		priority = "medium"
	}
	req := models.FeatureRequest{
		CustomerID:          customerID,
		ProjectID:           projectID,
		Title:               in.Title,
		Description:         in.Description,
		Priority:            priority,
		RequestedCompletion: in.RequestedCompletion,
		AdditionalInfo:      in.AdditionalInfo,
		Status:              models.FeatureReceived,
	}

	err = h.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&req).Error; err != nil {
			return err
		}
		return tx.Create(&models.FeatureStatusHistory{
			FeatureRequestID: req.ID,
			NewStatus:        models.FeatureReceived,
			StatusMessage:    "Request received",
		}).Error
	})
	if err != nil {
		return fiber.ErrInternalServerError
	}

	h.notifier.NotifyAdmin(
		fmt.Sprintf("New feature request: %s", req.Title),
		fmt.Sprintf("Project %q has a new %s-priority request:\n\n%s", project.Name, priority, req.Description),
	)
	return c.Status(fiber.StatusCreated).JSON(req)
}

// @Summary      List my feature requests
// @Tags         features
// @Security     BearerAuth
// @Produce      json
// @Success      200  {array}  models.FeatureRequest
// @Router       /feature-requests [get]
func (h *Handler) ListMine(c *fiber.Ctx) error {
	customerID, err := uuid.Parse(auth.MustUserID(c))
	if err != nil {
		return fiber.ErrUnauthorized
	}
	var out []models.FeatureRequest
	if err := h.db.
		Where("customer_id = ?", customerID).
		Order("created_at DESC").
		Find(&out).Error; err != nil {
		return fiber.ErrInternalServerError
	}
	return c.JSON(out)
}

// @Summary      Get one of my feature requests with its history
// @Tags         features
// @Security     BearerAuth
// @Produce      json
// @Param        id  path  string  true  "Feature request ID"
// @Success      200  {object}  models.FeatureRequest
// @Failure      404  {object}  models.ErrorResponse
// @Router       /feature-requests/{id} [get]
func (h *Handler) GetMine(c *fiber.Ctx) error {
	customerID, err := uuid.Parse(auth.MustUserID(c))
	if err != nil {
		return fiber.ErrUnauthorized
	}
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return fiber.ErrNotFound
	}
	var req models.FeatureRequest
	if err := h.db.Preload("History", func(db *gorm.DB) *gorm.DB {
		return db.Order("created_at ASC")
	}).First(&req, "id = ? AND customer_id = ?", id, customerID).Error; err != nil {
		return fiber.ErrNotFound
	}
	return c.JSON(req)
}

/* ============================== Admin side ============================== */

// @Summary      List all feature requests
// @Tags         features
// @Security     BearerAuth
// @Produce      json
// @Param        status  query  string  false  "Filter by status"
// @Success      200  {array}  models.FeatureRequest
// @Router       /admin/feature-requests [get]
func (h *Handler) ListAll(c *fiber.Ctx) error {
	q := h.db.Order("created_at DESC")
	if status := c.Query("status"); status != "" {
		q = q.Where("status = ?", status)
	}
	var out []models.FeatureRequest
	if err := q.Find(&out).Error; err != nil {
		return fiber.ErrInternalServerError
	}
	return c.JSON(out)
}

// @Summary      Update a feature request
// @Description  Status changes append to the audit history and notify
// @Description  the customer.
// @Tags         features
// @Security     BearerAuth
// @Accept       json
// @Produce      json
// @Param        id       path  string                true  "Feature request ID"
// @Param        payload  body  UpdateFeatureRequest  true  "Fields to update"
// @Success      200      {object}  models.FeatureRequest
// @Failure      404      {object}  models.ErrorResponse
// @Router       /admin/feature-requests/{id} [patch]
func (h *Handler) Update(c *fiber.Ctx) error {
	adminID, err := uuid.Parse(auth.MustUserID(c))
	if err != nil {
		return fiber.ErrUnauthorized
	}
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return fiber.ErrNotFound
	}

	var in UpdateFeatureRequest
	if err := c.BodyParser(&in); err != nil {
		return fiber.ErrBadRequest
	}
	if errs, _ := validation.Validate(in); errs != nil {
		return validation.Respond(c, errs)
	}

	var req models.FeatureRequest
	if err := h.db.First(&req, "id = ?", id).Error; err != nil {
		return fiber.ErrNotFound
	}

	oldStatus := req.Status
	updates := utils.UpdatesFromPtrDTO(&in, nil)
	delete(updates, "status_message") // history-only field

	statusChanged := in.Status != nil && models.FeatureStatus(*in.Status) != oldStatus
	if statusChanged && models.FeatureStatus(*in.Status) == models.FeatureCompleted {
		updates["completed_at"] = gorm.Expr("now()")
	}

	err = h.db.Transaction(func(tx *gorm.DB) error {
		if len(updates) > 0 {
			if err := tx.Model(&req).Updates(updates).Error; err != nil {
				return err
			}
		}
		if !statusChanged {
			return nil
		}
		msg := ""
		if in.StatusMessage != nil {
			msg = *in.StatusMessage
		}
		return tx.Create(&models.FeatureStatusHistory{
			FeatureRequestID: req.ID,
			OldStatus:        oldStatus,
			NewStatus:        models.FeatureStatus(*in.Status),
			StatusMessage:    msg,
			UpdatedByAdminID: &adminID,
		}).Error
	})
	if err != nil {
		return fiber.ErrInternalServerError
	}

	if statusChanged {
		var customer models.User
		if err := h.db.First(&customer, "id = ?", req.CustomerID).Error; err == nil {
			h.notifier.NotifyCustomer(customer.Email,
				fmt.Sprintf("Update on your request: %s", req.Title),
				fmt.Sprintf("Your feature request %q moved from %s to %s.", req.Title, oldStatus, *in.Status),
			)
		}
	}

	if err := h.db.First(&req, "id = ?", id).Error; err != nil {
		return fiber.ErrInternalServerError
	}
	return c.JSON(req)
}
