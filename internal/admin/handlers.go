package admin

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/studiofolio/portal-backend/pkg/models"
	"github.com/studiofolio/portal-backend/pkg/utils"
	"github.com/studiofolio/portal-backend/pkg/validation"
)

/* ================================ DTOs ================================= */

// Request body for POST /admin/customers
type CreateCustomerRequest struct {
	Email    string `json:"email" validate:"required,email,max=120"`
	Password string `json:"password" validate:"required,min=8,max=72"`
	Name     string `json:"name" validate:"required,max=120"`
	Company  string `json:"company" validate:"omitempty,max=120"`
	Phone    string `json:"phone" validate:"omitempty,max=40"`
}

// Request body for PATCH /admin/customers/:id. Pointer fields update
// only when present.
type UpdateCustomerRequest struct {
	Name    *string `json:"name" validate:"omitempty,max=120"`
	Company *string `json:"company" validate:"omitempty,max=120"`
	Phone   *string `json:"phone" validate:"omitempty,max=40"`
}

// Request body for POST /admin/projects
type CreateProjectRequest struct {
	CustomerID     string  `json:"customer_id" validate:"required,uuid4"`
	Name           string  `json:"name" validate:"required,max=200"`
	Type           string  `json:"type" validate:"required,max=100"`
	TotalCents     int64   `json:"total_cents" validate:"gte=0"`
	PaymentPlan    string  `json:"payment_plan" validate:"omitempty,oneof=50_50 full_upfront"`
	IsSubscription bool    `json:"is_subscription"`
	PaymentChannel string  `json:"payment_channel" validate:"omitempty,oneof=processor manual either"`
	StripePriceID  *string `json:"stripe_price_id" validate:"omitempty,max=120"`
	Description    string  `json:"description" validate:"omitempty,max=2000"`
	StartDate      *string `json:"start_date" validate:"omitempty,isodate"`
}

// Request body for PATCH /admin/projects/:id
type UpdateProjectRequest struct {
	Name        *string `json:"name" validate:"omitempty,max=200"`
	Type        *string `json:"type" validate:"omitempty,max=100"`
	Status      *string `json:"status" validate:"omitempty,oneof=pending in_progress completed cancelled"`
	TotalCents  *int64  `json:"total_cents" validate:"omitempty,gte=0"`
	PaymentPlan *string `json:"payment_plan" validate:"omitempty,oneof=50_50 full_upfront"`
	Description *string `json:"description" validate:"omitempty,max=2000"`
	Notes       *string `json:"notes" validate:"omitempty,max=2000"`
	StartDate   *string `json:"start_date" validate:"omitempty,isodate"`
	EndDate     *string `json:"end_date" validate:"omitempty,isodate"`
}

// Request body for POST /admin/projects/:id/milestones
type CreateMilestoneRequest struct {
	Name               string  `json:"name" validate:"required,max=200"`
	Description        string  `json:"description" validate:"omitempty,max=2000"`
	OrderIndex         int     `json:"order_index" validate:"gte=0"`
	IsPaymentMilestone bool    `json:"is_payment_milestone"`
	AmountCents        *int64  `json:"amount_cents" validate:"omitempty,gt=0"`
	DueDate            *string `json:"due_date" validate:"omitempty,isodate"`
}

/* ============================== Handler ================================= */

type Handler struct{ db *gorm.DB }

func NewHandler(db *gorm.DB) *Handler { return &Handler{db: db} }

/* ============================== Customers =============================== */

// @Summary      Create a customer account
// @Tags         admin
// @Security     BearerAuth
// @Accept       json
// @Produce      json
// @Param        payload  body  CreateCustomerRequest  true  "Customer payload"
// @Success      201      {object}  models.User
// @Failure      400      {object}  models.ValidationErrorResponse
// @Failure      409      {object}  models.ErrorResponse
// @Router       /admin/customers [post]
func (h *Handler) CreateCustomer(c *fiber.Ctx) error {
	var in CreateCustomerRequest
	if err := c.BodyParser(&in); err != nil {
		return fiber.ErrBadRequest
	}
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	in.Name = strings.TrimSpace(in.Name)
	if errs, _ := validation.Validate(in); errs != nil {
		return validation.Respond(c, errs)
	}

	var count int64
	h.db.Model(&models.User{}).Where("email = ?", in.Email).Count(&count)
	if count > 0 {
		return fiber.NewError(fiber.StatusConflict, "email is already registered")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), bcrypt.DefaultCost)
	if err != nil {
		return fiber.ErrInternalServerError
	}
	u := models.User{
		Email:        in.Email,
		PasswordHash: string(hash),
		Role:         models.RoleCustomer,
		Name:         in.Name,
		Company:      in.Company,
		Phone:        in.Phone,
		IsActive:     true,
	}
	if err := h.db.Create(&u).Error; err != nil {
		return fiber.ErrInternalServerError
	}
	u.PasswordHash = ""
	return c.Status(fiber.StatusCreated).JSON(u)
}

// @Summary      List customers
// @Tags         admin
// @Security     BearerAuth
// @Produce      json
// @Success      200  {array}  models.User
// @Router       /admin/customers [get]
func (h *Handler) ListCustomers(c *fiber.Ctx) error {
	var out []models.User
	q := h.db.Select("id, email, role, name, company, phone, is_active, created_at, updated_at").
		Where("role = ?", models.RoleCustomer).
		Order("created_at DESC")
	if search := strings.TrimSpace(c.Query("q")); search != "" {
		like := "%" + strings.ToLower(search) + "%"
		q = q.Where("LOWER(email) LIKE ? OR LOWER(name) LIKE ? OR LOWER(company) LIKE ?", like, like, like)
	}
	if err := q.Find(&out).Error; err != nil {
		return fiber.ErrInternalServerError
	}
	return c.JSON(out)
}

// @Summary      Customer detail with projects
// @Tags         admin
// @Security     BearerAuth
// @Produce      json
// @Param        id  path  string  true  "Customer ID"
// @Success      200  {object}  map[string]any
// @Failure      404  {object}  models.ErrorResponse
// @Router       /admin/customers/{id} [get]
func (h *Handler) GetCustomer(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return fiber.ErrNotFound
	}
	var u models.User
	if err := h.db.First(&u, "id = ? AND role = ?", id, models.RoleCustomer).Error; err != nil {
		return fiber.ErrNotFound
	}
	var projects []models.Project
	if err := h.db.Where("customer_id = ?", id).Order("created_at DESC").Find(&projects).Error; err != nil {
		return fiber.ErrInternalServerError
	}
	u.PasswordHash = ""
	return c.JSON(fiber.Map{"customer": u, "projects": projects})
}

// @Summary      Update a customer
// @Tags         admin
// @Security     BearerAuth
// @Accept       json
// @Produce      json
// @Param        id       path  string                 true  "Customer ID"
// @Param        payload  body  UpdateCustomerRequest  true  "Fields to update"
// @Success      200      {object}  models.User
// @Failure      404      {object}  models.ErrorResponse
// @Router       /admin/customers/{id} [patch]
func (h *Handler) UpdateCustomer(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return fiber.ErrNotFound
	}
	var in UpdateCustomerRequest
	if err := c.BodyParser(&in); err != nil {
		return fiber.ErrBadRequest
	}
	if errs, _ := validation.Validate(in); errs != nil {
		return validation.Respond(c, errs)
	}

	var u models.User
	if err := h.db.First(&u, "id = ? AND role = ?", id, models.RoleCustomer).Error; err != nil {
		return fiber.ErrNotFound
	}
	if updates := utils.UpdatesFromPtrDTO(&in, nil); len(updates) > 0 {
		if err := h.db.Model(&u).Updates(updates).Error; err != nil {
			return fiber.ErrInternalServerError
		}
	}
	u.PasswordHash = ""
	return c.JSON(u)
}

// @Summary      Toggle customer active state
// @Description  Deactivation blocks login; all history stays.
// @Tags         admin
// @Security     BearerAuth
// @Produce      json
// @Param        id  path  string  true  "Customer ID"
// @Success      200  {object}  map[string]any
// @Failure      404  {object}  models.ErrorResponse
// @Router       /admin/customers/{id}/toggle-active [post]
func (h *Handler) ToggleCustomerActive(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return fiber.ErrNotFound
	}
	var u models.User
	if err := h.db.First(&u, "id = ? AND role = ?", id, models.RoleCustomer).Error; err != nil {
		return fiber.ErrNotFound
	}
	if err := h.db.Model(&u).Update("is_active", !u.IsActive).Error; err != nil {
		return fiber.ErrInternalServerError
	}
	return c.JSON(fiber.Map{"id": u.ID, "is_active": !u.IsActive})
}

// @Summary      Delete a customer
// @Description  Refused while the customer has recorded payments; the
// @Description  ledger is append-only. Deactivate instead.
// @Tags         admin
// @Security     BearerAuth
// @Produce      json
// @Param        id  path  string  true  "Customer ID"
// @Success      200  {object}  map[string]bool
// @Failure      404  {object}  models.ErrorResponse
// @Failure      409  {object}  models.ErrorResponse
// @Router       /admin/customers/{id} [delete]
func (h *Handler) DeleteCustomer(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return fiber.ErrNotFound
	}
	var u models.User
	if err := h.db.First(&u, "id = ? AND role = ?", id, models.RoleCustomer).Error; err != nil {
		return fiber.ErrNotFound
	}

	var payments int64
	h.db.Model(&models.Payment{}).Where("customer_id = ?", id).Count(&payments)
	if payments > 0 {
		return fiber.NewError(fiber.StatusConflict, "customer has recorded payments; deactivate instead")
	}

	err = h.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("customer_id = ?", id).Delete(&models.Project{}).Error; err != nil {
			return err
		}
		return tx.Delete(&u).Error
	})
	if err != nil {
		return fiber.ErrInternalServerError
	}
	return c.JSON(fiber.Map{"ok": true})
}

/* =============================== Projects =============================== */

// @Summary      Create a project
// @Tags         admin
// @Security     BearerAuth
// @Accept       json
// @Produce      json
// @Param        payload  body  CreateProjectRequest  true  "Project payload"
// @Success      201      {object}  models.Project
// @Failure      400      {object}  models.ValidationErrorResponse
// @Failure      404      {object}  models.ErrorResponse
// @Router       /admin/projects [post]
func (h *Handler) CreateProject(c *fiber.Ctx) error {
	var in CreateProjectRequest
	if err := c.BodyParser(&in); err != nil {
		return fiber.ErrBadRequest
	}
	in.Name = strings.TrimSpace(in.Name)
	if errs, _ := validation.Validate(in); errs != nil {
		return validation.Respond(c, errs)
	}

	customerID := uuid.MustParse(in.CustomerID)
	var customer models.User
	if err := h.db.First(&customer, "id = ? AND role = ?", customerID, models.RoleCustomer).Error; err != nil {
		return fiber.NewError(fiber.StatusNotFound, "customer not found")
	}

	channel := models.PaymentChannel(in.PaymentChannel)
	if channel == "" {
		channel = models.ChannelProcessor
	}
	p := models.Project{
		CustomerID:     customerID,
		Name:           in.Name,
		Type:           in.Type,
		Status:         models.ProjectPending,
		TotalCents:     in.TotalCents,
		PaymentPlan:    models.PaymentPlan(in.PaymentPlan),
		Description:    in.Description,
		IsSubscription: in.IsSubscription,
		PaymentChannel: channel,
		StripePriceID:  in.StripePriceID,
	}
	if in.StartDate != nil {
		t, err := time.Parse("2006-01-02", *in.StartDate)
		if err != nil {
			return fiber.ErrBadRequest
		}
		p.StartDate = &t
	}
	if err := h.db.Create(&p).Error; err != nil {
		return fiber.ErrInternalServerError
	}
	return c.Status(fiber.StatusCreated).JSON(p)
}

// @Summary      List projects
// @Tags         admin
// @Security     BearerAuth
// @Produce      json
// @Param        customer_id  query  string  false  "Filter by customer"
// @Param        status       query  string  false  "Filter by status"
// @Success      200  {array}  models.Project
// @Router       /admin/projects [get]
func (h *Handler) ListProjects(c *fiber.Ctx) error {
	q := h.db.Order("created_at DESC")
	if raw := c.Query("customer_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return fiber.ErrBadRequest
		}
		q = q.Where("customer_id = ?", id)
	}
	if status := c.Query("status"); status != "" {
		q = q.Where("status = ?", status)
	}
	var out []models.Project
	if err := q.Find(&out).Error; err != nil {
		return fiber.ErrInternalServerError
	}
	return c.JSON(out)
}

// @Summary      Project detail
// @Tags         admin
// @Security     BearerAuth
// @Produce      json
// @Param        id  path  string  true  "Project ID"
// @Success      200  {object}  models.Project
// @Failure      404  {object}  models.ErrorResponse
// @Router       /admin/projects/{id} [get]
func (h *Handler) GetProject(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return fiber.ErrNotFound
	}
	var p models.Project
	err = h.db.
		Preload("Milestones", func(db *gorm.DB) *gorm.DB { return db.Order("order_index ASC") }).
		Preload("Payments", func(db *gorm.DB) *gorm.DB { return db.Order("created_at DESC") }).
		First(&p, "id = ?", id).Error
	if err != nil {
		return fiber.ErrNotFound
	}
	return c.JSON(p)
}

// @Summary      Update a project
// @Tags         admin
// @Security     BearerAuth
// @Accept       json
// @Produce      json
// @Param        id       path  string                true  "Project ID"
// @Param        payload  body  UpdateProjectRequest  true  "Fields to update"
// @Success      200      {object}  models.Project
// @Failure      404      {object}  models.ErrorResponse
// @Router       /admin/projects/{id} [patch]
func (h *Handler) UpdateProject(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return fiber.ErrNotFound
	}
	var in UpdateProjectRequest
	if err := c.BodyParser(&in); err != nil {
		return fiber.ErrBadRequest
	}
	if errs, _ := validation.Validate(in); errs != nil {
		return validation.Respond(c, errs)
	}

	var p models.Project
	if err := h.db.First(&p, "id = ?", id).Error; err != nil {
		return fiber.ErrNotFound
	}

	updates := utils.UpdatesFromPtrDTO(&in, nil)
	for _, field := range []string{"start_date", "end_date"} {
		if raw, ok := updates[field]; ok {
			t, err := time.Parse("2006-01-02", raw.(string))
			if err != nil {
				return fiber.ErrBadRequest
			}
			updates[field] = t
		}
	}
	if len(updates) > 0 {
		if err := h.db.Model(&p).Updates(updates).Error; err != nil {
			return fiber.ErrInternalServerError
		}
	}
	if err := h.db.First(&p, "id = ?", id).Error; err != nil {
		return fiber.ErrInternalServerError
	}
	return c.JSON(p)
}

// @Summary      Delete a project
// @Description  Refused while the project has recorded payments.
// @Tags         admin
// @Security     BearerAuth
// @Produce      json
// @Param        id  path  string  true  "Project ID"
// @Success      200  {object}  map[string]bool
// @Failure      404  {object}  models.ErrorResponse
// @Failure      409  {object}  models.ErrorResponse
// @Router       /admin/projects/{id} [delete]
func (h *Handler) DeleteProject(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return fiber.ErrNotFound
	}
	var p models.Project
	if err := h.db.First(&p, "id = ?", id).Error; err != nil {
		return fiber.ErrNotFound
	}

	var payments int64
	h.db.Model(&models.Payment{}).Where("project_id = ?", id).Count(&payments)
	if payments > 0 {
		return fiber.NewError(fiber.StatusConflict, "project has recorded payments; cancel it instead")
	}

	err = h.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("project_id = ?", id).Delete(&models.Milestone{}).Error; err != nil {
			return err
		}
		return tx.Delete(&p).Error
	})
	if err != nil {
		return fiber.ErrInternalServerError
	}
	return c.JSON(fiber.Map{"ok": true})
}

/* ============================== Milestones ============================== */

// @Summary      Add a milestone
// @Tags         admin
// @Security     BearerAuth
// @Accept       json
// @Produce      json
// @Param        id       path  string                  true  "Project ID"
// @Param        payload  body  CreateMilestoneRequest  true  "Milestone payload"
// @Success      201      {object}  models.Milestone
// @Failure      400      {object}  models.ValidationErrorResponse
// @Failure      404      {object}  models.ErrorResponse
// @Router       /admin/projects/{id}/milestones [post]
func (h *Handler) CreateMilestone(c *fiber.Ctx) error {
	projectID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return fiber.ErrNotFound
	}
	var in CreateMilestoneRequest
	if err := c.BodyParser(&in); err != nil {
		return fiber.ErrBadRequest
	}
	in.Name = strings.TrimSpace(in.Name)
	if errs, _ := validation.Validate(in); errs != nil {
		return validation.Respond(c, errs)
	}
	if in.IsPaymentMilestone && in.AmountCents == nil {
		return fiber.NewError(fiber.StatusBadRequest, "payment milestones need an amount")
	}

	var project models.Project
	if err := h.db.First(&project, "id = ?", projectID).Error; err != nil {
		return fiber.ErrNotFound
	}

	m := models.Milestone{
		ProjectID:          projectID,
		Name:               in.Name,
		Description:        in.Description,
		Status:             models.MilestonePending,
		OrderIndex:         in.OrderIndex,
		IsPaymentMilestone: in.IsPaymentMilestone,
		AmountCents:        in.AmountCents,
	}
	if in.DueDate != nil {
		t, err := time.Parse("2006-01-02", *in.DueDate)
		if err != nil {
			return fiber.ErrBadRequest
		}
		m.DueDate = &t
	}
	if err := h.db.Create(&m).Error; err != nil {
		return fiber.ErrInternalServerError
	}
	return c.Status(fiber.StatusCreated).JSON(m)
}

// @Summary      Complete a milestone
// @Description  Completion is one-way; a completed milestone never
// @Description  reopens.
// @Tags         admin
// @Security     BearerAuth
// @Produce      json
// @Param        id  path  string  true  "Milestone ID"
// @Success      200  {object}  models.Milestone
// @Failure      404  {object}  models.ErrorResponse
// @Failure      409  {object}  models.ErrorResponse
// @Router       /admin/milestones/{id}/complete [post]
func (h *Handler) CompleteMilestone(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return fiber.ErrNotFound
	}
	var m models.Milestone
	if err := h.db.First(&m, "id = ?", id).Error; err != nil {
		return fiber.ErrNotFound
	}

	now := time.Now()
	res := h.db.Model(&models.Milestone{}).
		Where("id = ? AND status = ?", id, models.MilestonePending).
		Updates(map[string]any{"status": models.MilestoneCompleted, "completed_at": now})
	if res.Error != nil {
		return fiber.ErrInternalServerError
	}
	if res.RowsAffected == 0 {
		return fiber.NewError(fiber.StatusConflict, "milestone is already completed")
	}
	if err := h.db.First(&m, "id = ?", id).Error; err != nil {
		return fiber.ErrInternalServerError
	}
	return c.JSON(m)
}

// @Summary      Delete a milestone
// @Description  Only pending milestones can be deleted.
// @Tags         admin
// @Security     BearerAuth
// @Produce      json
// @Param        id  path  string  true  "Milestone ID"
// @Success      200  {object}  map[string]bool
// @Failure      404  {object}  models.ErrorResponse
// @Failure      409  {object}  models.ErrorResponse
// @Router       /admin/milestones/{id} [delete]
func (h *Handler) DeleteMilestone(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return fiber.ErrNotFound
	}
	var m models.Milestone
	if err := h.db.First(&m, "id = ?", id).Error; err != nil {
		return fiber.ErrNotFound
	}
	if m.Status == models.MilestoneCompleted {
		return fiber.NewError(fiber.StatusConflict, "completed milestones cannot be deleted")
	}
	if err := h.db.Delete(&m).Error; err != nil {
		return fiber.ErrInternalServerError
	}
	return c.JSON(fiber.Map{"ok": true})
}

/* =============================== Payments =============================== */

// @Summary      List payments
// @Tags         admin
// @Security     BearerAuth
// @Produce      json
// @Param        status      query  string  false  "Filter by status"
// @Param        project_id  query  string  false  "Filter by project"
// @Param        page        query  int     false  "Page (default 1)"
// @Param        per_page    query  int     false  "Page size (default 50)"
// @Success      200  {object}  map[string]any
// @Router       /admin/payments [get]
func (h *Handler) ListPayments(c *fiber.Ctx) error {
	q := h.db.Model(&models.Payment{})
	if status := c.Query("status"); status != "" {
		q = q.Where("status = ?", status)
	}
	if raw := c.Query("project_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return fiber.ErrBadRequest
		}
		q = q.Where("project_id = ?", id)
	}

	page := utils.ParseIntDefault(c.Query("page"), 1)
	if page < 1 {
		page = 1
	}
	perPage := utils.ParseIntDefault(c.Query("per_page"), 50)
	if perPage < 1 || perPage > 200 {
		perPage = 50
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return fiber.ErrInternalServerError
	}
	var payments []models.Payment
	if err := q.Order("created_at DESC").
		Offset((page - 1) * perPage).
		Limit(perPage).
		Find(&payments).Error; err != nil {
		return fiber.ErrInternalServerError
	}
	return c.JSON(fiber.Map{
		"payments": payments,
		"total":    total,
		"page":     page,
		"per_page": perPage,
	})
}
