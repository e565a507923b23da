// @title           Studio Portal API
// @version         1.0
// @description     Backend for a small studio's client portal: projects, milestones, one-time and subscription payments, e-signed agreements, and feature-request tickets.
// @BasePath        /api
// @schemes         http
// @securityDefinitions.apikey BearerAuth
// @in              header
// @name            Authorization
// @description     Format: Bearer <token>
package main

import (
	"log"
	"os"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/joho/godotenv"

	"github.com/studiofolio/portal-backend/internal/admin"
	"github.com/studiofolio/portal-backend/internal/agreements"
	"github.com/studiofolio/portal-backend/internal/auth"
	"github.com/studiofolio/portal-backend/internal/billing"
	"github.com/studiofolio/portal-backend/internal/features"
	"github.com/studiofolio/portal-backend/internal/notify"
	"github.com/studiofolio/portal-backend/internal/portal"
	"github.com/studiofolio/portal-backend/pkg/database"
	"github.com/studiofolio/portal-backend/pkg/models"
)

func main() {
	_ = godotenv.Load()

	db := database.Init()
	if err := db.AutoMigrate(
		&models.User{}, &models.Project{}, &models.Milestone{},
		&models.Payment{}, &models.PaymentLink{},
		&models.Agreement{}, &models.AgreementSignature{},
		&models.FeatureRequest{}, &models.FeatureStatusHistory{},
	); err != nil {
		log.Fatal("migration failed:", err)
	}

	var proc billing.Processor
	if os.Getenv("STRIPE_SECRET_KEY") != "" {
		proc = billing.NewStripeProcessor()
	} else {
		log.Println("STRIPE_SECRET_KEY not set, processor checkout disabled")
		proc = billing.NewDisabledProcessor()
	}
	notifier := notify.NewFromEnv()
	engine := billing.NewEngine(db, proc, notifier)
	gate := billing.NewBackfillGate(10*time.Minute, 10_000)

	app := fiber.New(fiber.Config{
		ErrorHandler: auth.ErrorHandler,
	})
	app.Use(cors.New(cors.Config{
		AllowOrigins: envOr("CORS_ORIGINS", "*"),
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
	}))
	app.Use(limiter.New(limiter.Config{
		Max:        120,
		Expiration: time.Minute,
		// Webhook deliveries burst on retry; the signature check is the
		// gate there, not the rate limit.
		Next: func(c *fiber.Ctx) bool {
			return strings.HasPrefix(c.Path(), "/api/webhooks")
		},
	}))

	app.Get("/health", func(c *fiber.Ctx) error { return c.JSON(fiber.Map{"status": "ok"}) })

	api := app.Group("/api")

	// Auth
	authH := auth.NewHandler(db)
	api.Post("/login", authH.Login)
	api.Get("/me", auth.RequireAuth(), authH.Me)
	api.Post("/change-password", auth.RequireAuth(), authH.ChangePassword)

	customerOnly := []fiber.Handler{auth.RequireAuth(), auth.RequireRole(string(models.RoleCustomer))}
	adminOnly := []fiber.Handler{auth.RequireAuth(), auth.RequireRole(string(models.RoleAdmin))}

	// Customer portal
	portalH := portal.NewHandler(db, engine, gate)
	api.Get("/dashboard", append(customerOnly, portalH.Dashboard)...)
	api.Get("/projects/:id", append(customerOnly, portalH.ProjectDetail)...)

	// Billing — customer
	checkoutH := billing.NewCheckoutHandler(db, proc)
	subH := billing.NewSubscriptionHandler(db, engine, proc)
	api.Post("/projects/:id/checkout", append(customerOnly, checkoutH.CreateCheckout)...)
	api.Post("/projects/:id/cancel-subscription", append(customerOnly, subH.CancelSubscription)...)
	api.Post("/projects/:id/manual-payment", append(customerOnly, subH.ClaimManualPayment)...)
	api.Get("/payments/success", checkoutH.PaymentSuccess)
	api.Get("/payments/cancel", checkoutH.PaymentCancel)

	// Processor webhook (server-to-server, signature-verified, no auth)
	webhookH := billing.NewWebhookHandler(engine)
	api.Post("/webhooks/stripe", webhookH.Handle)

	// Agreements
	agreementH := agreements.NewHandler(db)
	api.Get("/agreements", append(customerOnly, agreementH.ListMine)...)
	api.Get("/agreements/:id", append(customerOnly, agreementH.GetMine)...)
	api.Post("/agreements/:id/sign", append(customerOnly, agreementH.Sign)...)

	// Feature requests
	featureH := features.NewHandler(db, notifier)
	api.Post("/feature-requests", append(customerOnly, featureH.Create)...)
	api.Get("/feature-requests", append(customerOnly, featureH.ListMine)...)
	api.Get("/feature-requests/:id", append(customerOnly, featureH.GetMine)...)

	// Admin
	adminH := admin.NewHandler(db)
	adm := api.Group("/admin", adminOnly...)
	adm.Post("/customers", adminH.CreateCustomer)
	adm.Get("/customers", adminH.ListCustomers)
	adm.Get("/customers/:id", adminH.GetCustomer)
	adm.Patch("/customers/:id", adminH.UpdateCustomer)
	adm.Post("/customers/:id/toggle-active", adminH.ToggleCustomerActive)
	adm.Delete("/customers/:id", adminH.DeleteCustomer)

	adm.Post("/projects", adminH.CreateProject)
	adm.Get("/projects", adminH.ListProjects)
	adm.Get("/projects/:id", adminH.GetProject)
	adm.Patch("/projects/:id", adminH.UpdateProject)
	adm.Delete("/projects/:id", adminH.DeleteProject)
	adm.Post("/projects/:id/milestones", adminH.CreateMilestone)
	adm.Post("/milestones/:id/complete", adminH.CompleteMilestone)
	adm.Delete("/milestones/:id", adminH.DeleteMilestone)
	adm.Get("/payments", adminH.ListPayments)

	adm.Patch("/projects/:id/subscription", subH.UpdateSubscription)
	adm.Post("/projects/:id/subscription", subH.CreateSubscription)
	adm.Post("/projects/:id/subscription/sync", subH.SyncSubscription)
	adm.Post("/projects/:id/manual-payment", subH.RecordManualPayment)
	adm.Post("/payment-links", checkoutH.CreatePaymentLink)

	adm.Post("/projects/:id/agreements", agreementH.Create)
	adm.Get("/projects/:id/agreements", agreementH.ListForProject)
	adm.Get("/feature-requests", featureH.ListAll)
	adm.Patch("/feature-requests/:id", featureH.Update)

	port := os.Getenv("PORT")
	if port == "" {
		port = "3000"
	}
	log.Println("Server running on :" + port)
	log.Fatal(app.Listen(":" + port))
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
