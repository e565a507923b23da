package agreements

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/studiofolio/portal-backend/internal/auth"
	"github.com/studiofolio/portal-backend/pkg/models"
	"github.com/studiofolio/portal-backend/pkg/validation"
)

/* ================================ DTOs ================================= */

// Request body for POST /admin/projects/:id/agreements
type CreateAgreementRequest struct {
	Title   string `json:"title" validate:"required,max=200"`
	Content string `json:"content" validate:"required"`
	Type    string `json:"type" validate:"required,oneof=contract nda sow amendment"`
}

// Request body for POST /agreements/:id/sign
type SignAgreementRequest struct {
	SignatureName string `json:"signature_name" validate:"required,min=2,max=120"`
}

// AgreementView is an agreement plus the caller's signature state.
type AgreementView struct {
	models.Agreement
	Signed   bool       `json:"signed"`
	SignedAt *time.Time `json:"signed_at,omitempty"`
}

/* ============================== Handler ================================= */

type Handler struct{ db *gorm.DB }

func NewHandler(db *gorm.DB) *Handler { return &Handler{db: db} }

/* ============================ Admin: create ============================= */

// @Summary      Create an agreement version
// @Description  Creates a new agreement for a project. An existing
// @Description  active agreement of the same type is superseded and the
// @Description  version number advances; superseded versions stay
// @Description  readable, signatures and all.
// @Tags         agreements
// @Security     BearerAuth
// @Accept       json
// @Produce      json
// @Param        id       path  string                  true  "Project ID"
// @Param        payload  body  CreateAgreementRequest  true  "Agreement payload"
// @Success      201      {object}  models.Agreement
// @Failure      400      {object}  models.ValidationErrorResponse
// @Failure      404      {object}  models.ErrorResponse
// @Router       /admin/projects/{id}/agreements [post]
func (h *Handler) Create(c *fiber.Ctx) error {
	adminID, err := uuid.Parse(auth.MustUserID(c))
	if err != nil {
		return fiber.ErrUnauthorized
	}
	projectID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return fiber.ErrNotFound
	}

	var in CreateAgreementRequest
	if err := c.BodyParser(&in); err != nil {
		return fiber.ErrBadRequest
	}
	in.Title = strings.TrimSpace(in.Title)
	if errs, _ := validation.Validate(in); errs != nil {
		return validation.Respond(c, errs)
	}

	var project models.Project
	if err := h.db.First(&project, "id = ?", projectID).Error; err != nil {
		return fiber.ErrNotFound
	}

	var created models.Agreement
	err = h.db.Transaction(func(tx *gorm.DB) error {
		now := time.Now()
		// Supersede the active version of the same type, if any.
		if err := tx.Model(&models.Agreement{}).
			Where("project_id = ? AND type = ? AND is_active = ?", projectID, in.Type, true).
			Updates(map[string]any{"is_active": false, "superseded_at": now}).Error; err != nil {
			return err
		}

		var maxVersion int
		if err := tx.Model(&models.Agreement{}).
			Where("project_id = ? AND type = ?", projectID, in.Type).
			Select("COALESCE(MAX(version), 0)").
			Scan(&maxVersion).Error; err != nil {
			return err
		}

		created = models.Agreement{
			ProjectID:        projectID,
			Version:          maxVersion + 1,
			Title:            in.Title,
			Content:          in.Content,
			Type:             in.Type,
			IsActive:         true,
			CreatedByAdminID: adminID,
		}
		return tx.Create(&created).Error
	})
	if err != nil {
		return fiber.ErrInternalServerError
	}
	return c.Status(fiber.StatusCreated).JSON(created)
}

// @Summary      List agreements for a project
// @Tags         agreements
// @Security     BearerAuth
// @Produce      json
// @Param        id  path  string  true  "Project ID"
// @Success      200  {array}  models.Agreement
// @Router       /admin/projects/{id}/agreements [get]
func (h *Handler) ListForProject(c *fiber.Ctx) error {
	projectID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return fiber.ErrNotFound
	}
	var out []models.Agreement
	if err := h.db.Preload("Signatures").
		Where("project_id = ?", projectID).
		Order("type, version DESC").
		Find(&out).Error; err != nil {
		return fiber.ErrInternalServerError
	}
	return c.JSON(out)
}

/* =========================== Customer: read ============================= */

// @Summary      List my agreements
// @Description  Active agreements across the customer's projects, with
// @Description  per-agreement signed state.
// @Tags         agreements
// @Security     BearerAuth
// @Produce      json
// @Success      200  {array}  AgreementView
// @Router       /agreements [get]
func (h *Handler) ListMine(c *fiber.Ctx) error {
	customerID, err := uuid.Parse(auth.MustUserID(c))
	if err != nil {
		return fiber.ErrUnauthorized
	}

	var agreements []models.Agreement
	if err := h.db.
		Joins("JOIN projects ON projects.id = agreements.project_id").
		Where("projects.customer_id = ? AND agreements.is_active = ?", customerID, true).
		Order("agreements.created_at DESC").
		Find(&agreements).Error; err != nil {
		return fiber.ErrInternalServerError
	}

	out := make([]AgreementView, 0, len(agreements))
	for _, a := range agreements {
		view := AgreementView{Agreement: a}
		var sig models.AgreementSignature
		err := h.db.First(&sig, "agreement_id = ? AND customer_id = ?", a.ID, customerID).Error
		if err == nil {
			view.Signed = true
			view.SignedAt = &sig.SignedAt
		}
		out = append(out, view)
	}
	return c.JSON(out)
}

// @Summary      Get one of my agreements
// @Tags         agreements
// @Security     BearerAuth
// @Produce      json
// @Param        id  path  string  true  "Agreement ID"
// @Success      200  {object}  AgreementView
// @Failure      404  {object}  models.ErrorResponse
// @Router       /agreements/{id} [get]
func (h *Handler) GetMine(c *fiber.Ctx) error {
	customerID, err := uuid.Parse(auth.MustUserID(c))
	if err != nil {
		return fiber.ErrUnauthorized
	}
	agreementID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return fiber.ErrNotFound
	}

	agreement, err := h.ownedAgreement(agreementID, customerID)
	if err != nil {
		return fiber.ErrNotFound
	}

	view := AgreementView{Agreement: *agreement}
	var sig models.AgreementSignature
	if err := h.db.First(&sig, "agreement_id = ? AND customer_id = ?", agreement.ID, customerID).Error; err == nil {
		view.Signed = true
		view.SignedAt = &sig.SignedAt
	}
	return c.JSON(view)
}

/* ============================ Customer: sign ============================ */

// @Summary      Sign an agreement
// @Description  Write-once: a second signature attempt returns the
// @Description  original signature untouched with 409.
// @Tags         agreements
// @Security     BearerAuth
// @Accept       json
// @Produce      json
// @Param        id       path  string                true  "Agreement ID"
// @Param        payload  body  SignAgreementRequest  true  "Signature payload"
// @Success      201      {object}  models.AgreementSignature
// @Failure      404      {object}  models.ErrorResponse
// @Failure      409      {object}  models.ErrorResponse
// @Router       /agreements/{id}/sign [post]
func (h *Handler) Sign(c *fiber.Ctx) error {
	customerID, err := uuid.Parse(auth.MustUserID(c))
	if err != nil {
		return fiber.ErrUnauthorized
	}
	agreementID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return fiber.ErrNotFound
	}

	var in SignAgreementRequest
	if err := c.BodyParser(&in); err != nil {
		return fiber.ErrBadRequest
	}
	in.SignatureName = strings.TrimSpace(in.SignatureName)
	if errs, _ := validation.Validate(in); errs != nil {
		return validation.Respond(c, errs)
	}

	agreement, err := h.ownedAgreement(agreementID, customerID)
	if err != nil {
		return fiber.ErrNotFound
	}
	if !agreement.IsActive {
		return fiber.NewError(fiber.StatusConflict, "this agreement version has been superseded")
	}

	sig := models.AgreementSignature{
		AgreementID:   agreement.ID,
		CustomerID:    customerID,
		SignatureName: in.SignatureName,
		SignatureIP:   c.IP(),
		SignedAt:      time.Now(),
	}
	if err := h.db.Create(&sig).Error; err != nil {
		// The unique index on (agreement, customer) makes signing
		// write-once; surface the duplicate as a conflict.
		var existing models.AgreementSignature
		if e := h.db.First(&existing, "agreement_id = ? AND customer_id = ?", agreement.ID, customerID).Error; e == nil {
			return fiber.NewError(fiber.StatusConflict, "agreement is already signed")
		}
		return fiber.ErrInternalServerError
	}
	return c.Status(fiber.StatusCreated).JSON(sig)
}

// ownedAgreement loads an agreement only if it belongs to one of the
// customer's projects.
func (h *Handler) ownedAgreement(agreementID, customerID uuid.UUID) (*models.Agreement, error) {
	var a models.Agreement
	err := h.db.
		Joins("JOIN projects ON projects.id = agreements.project_id").
		Where("agreements.id = ? AND projects.customer_id = ?", agreementID, customerID).
		First(&a).Error
	if err != nil {
		return nil, err
	}
	return &a, nil
}
