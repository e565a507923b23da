package portal

import (
	"context"
	"log"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/studiofolio/portal-backend/internal/auth"
	"github.com/studiofolio/portal-backend/internal/billing"
	"github.com/studiofolio/portal-backend/pkg/models"
)

/* ================================ Views ================================= */

// ProjectSummary is the dashboard line for one project.
type ProjectSummary struct {
	models.Project
	OutstandingCents  int64   `json:"outstanding_cents"`
	CompletionPercent float64 `json:"completion_percent"`
}

// Dashboard is the aggregate view behind the customer landing page.
type Dashboard struct {
	Projects       []ProjectSummary     `json:"projects"`
	TotalPaidCents int64                `json:"total_paid_cents"`
	TotalDueCents  int64                `json:"total_due_cents"`
	RecentPayments []models.Payment     `json:"recent_payments"`
	PaymentLinks   []models.PaymentLink `json:"payment_links"`
}

/* ============================== Handler ================================= */

type Handler struct {
	db     *gorm.DB
	engine *billing.Engine
	gate   *billing.BackfillGate
}

func NewHandler(db *gorm.DB, engine *billing.Engine, gate *billing.BackfillGate) *Handler {
	return &Handler{db: db, engine: engine, gate: gate}
}

/* ============================== Dashboard =============================== */

// @Summary      Customer dashboard
// @Description  Projects with payment progress, recent payments, and
// @Description  open payment links. Viewing the dashboard also kicks a
// @Description  rate-limited background repair of missing next payment
// @Description  dates.
// @Tags         portal
// @Security     BearerAuth
// @Produce      json
// @Success      200  {object}  Dashboard
// @Router       /dashboard [get]
func (h *Handler) Dashboard(c *fiber.Ctx) error {
	customerID, err := uuid.Parse(auth.MustUserID(c))
	if err != nil {
		return fiber.ErrUnauthorized
	}

	// At most one sweep per actor per TTL; the sweep itself runs off the
	// request path.
	if h.gate.Allow(customerID.String()) {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if n, err := h.engine.BackfillNextPaymentDates(ctx); err != nil {
				log.Printf("portal: backfill sweep failed: %v", err)
			} else if n > 0 {
				log.Printf("portal: backfill repaired %d next payment dates", n)
			}
		}()
	}

	var projects []models.Project
	if err := h.db.Preload("Milestones", func(db *gorm.DB) *gorm.DB {
		return db.Order("order_index ASC")
	}).Where("customer_id = ?", customerID).
		Order("created_at DESC").
		Find(&projects).Error; err != nil {
		return fiber.ErrInternalServerError
	}

	out := Dashboard{Projects: make([]ProjectSummary, 0, len(projects))}
	for _, p := range projects {
		out.Projects = append(out.Projects, summarize(p))
		out.TotalPaidCents += p.PaidCents
		if p.Status != models.ProjectCancelled {
			if due := p.TotalCents - p.PaidCents; due > 0 {
				out.TotalDueCents += due
			}
		}
	}

	if err := h.db.
		Where("customer_id = ? AND status = ?", customerID, models.PaySucceeded).
		Order("paid_at DESC").
		Limit(10).
		Find(&out.RecentPayments).Error; err != nil {
		return fiber.ErrInternalServerError
	}

	if err := h.db.
		Where("customer_id = ? AND used = ?", customerID, false).
		Where("expires_at IS NULL OR expires_at > now()").
		Order("created_at DESC").
		Find(&out.PaymentLinks).Error; err != nil {
		return fiber.ErrInternalServerError
	}

	return c.JSON(out)
}

/* ============================ Project detail ============================ */

// @Summary      Project detail
// @Description  One project with milestones, payments, and the
// @Description  authoritative paid total recomputed from the ledger.
// @Tags         portal
// @Security     BearerAuth
// @Produce      json
// @Param        id  path  string  true  "Project ID"
// @Success      200  {object}  ProjectSummary
// @Failure      404  {object}  models.ErrorResponse
// @Router       /projects/{id} [get]
func (h *Handler) ProjectDetail(c *fiber.Ctx) error {
	customerID, err := uuid.Parse(auth.MustUserID(c))
	if err != nil {
		return fiber.ErrUnauthorized
	}
	projectID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return fiber.ErrNotFound
	}

	var project models.Project
	err = h.db.
		Preload("Milestones", func(db *gorm.DB) *gorm.DB {
			return db.Order("order_index ASC")
		}).
		Preload("Payments", func(db *gorm.DB) *gorm.DB {
			return db.Order("created_at DESC")
		}).
		First(&project, "id = ? AND customer_id = ?", projectID, customerID).Error
	if err != nil {
		return fiber.ErrNotFound
	}

	// The cache normally matches the ledger; the ledger wins if not.
	if total, err := h.engine.Store().SumSucceededCents(h.db, project.ID); err == nil && total != project.PaidCents {
		log.Printf("portal: project %s paid cache %d disagrees with ledger %d, serving ledger",
			project.ID, project.PaidCents, total)
		project.PaidCents = total
	}

	return c.JSON(summarize(project))
}

// summarize derives the outstanding balance and the milestone-based
// completion percentage.
func summarize(p models.Project) ProjectSummary {
	s := ProjectSummary{Project: p}
	if due := p.TotalCents - p.PaidCents; due > 0 {
		s.OutstandingCents = due
	}
	if len(p.Milestones) > 0 {
		done := 0
		for _, m := range p.Milestones {
			if m.Status == models.MilestoneCompleted {
				done++
			}
		}
		s.CompletionPercent = float64(done) / float64(len(p.Milestones)) * 100
	}
	return s
}
