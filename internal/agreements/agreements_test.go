package agreements

import (
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/studiofolio/portal-backend/pkg/models"
)

/* ===== helpers ===== */

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	_ = godotenv.Load()

	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Fatal("TEST_DATABASE_URL is empty")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.AutoMigrate(
		&models.User{}, &models.Project{},
		&models.Agreement{}, &models.AgreementSignature{},
	); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	t.Cleanup(func() {
		sql := `
TRUNCATE TABLE
	agreement_signatures,
	agreements,
	projects,
	users
RESTART IDENTITY CASCADE`
		if err := db.Exec(sql).Error; err != nil {
			t.Logf("truncate failed (ignored): %v", err)
		}
	})

	return db
}

type seedOut struct {
	CustomerID uuid.UUID
	AdminID    uuid.UUID
	ProjectID  uuid.UUID
}

func seedProject(t *testing.T, db *gorm.DB) seedOut {
	t.Helper()
	customerID := uuid.New()
	adminID := uuid.New()

	for _, u := range []models.User{
		{ID: customerID, Email: fmt.Sprintf("c+%s@test.local", uuid.NewString()), PasswordHash: "x", Role: models.RoleCustomer, Name: "C", IsActive: true},
		{ID: adminID, Email: fmt.Sprintf("a+%s@test.local", uuid.NewString()), PasswordHash: "x", Role: models.RoleAdmin, Name: "A", IsActive: true},
	} {
		if err := db.Create(&u).Error; err != nil {
			t.Fatal(err)
		}
	}

	p := models.Project{
		ID: uuid.New(), CustomerID: customerID,
		Name: "Site", Type: "website", Status: models.ProjectInProgress, TotalCents: 100_000,
	}
	if err := db.Create(&p).Error; err != nil {
		t.Fatal(err)
	}
	return seedOut{CustomerID: customerID, AdminID: adminID, ProjectID: p.ID}
}

func injectAuth(userID uuid.UUID, role string) fiber.Handler {
	id := userID.String()
	return func(c *fiber.Ctx) error {
		c.Locals("userID", id)
		c.Locals("role", role)
		return c.Next()
	}
}

func newTestApp(h *Handler, userID uuid.UUID, role string) *fiber.App {
	app := fiber.New()
	app.Use(injectAuth(userID, role))
	app.Post("/api/admin/projects/:id/agreements", h.Create)
	app.Get("/api/agreements", h.ListMine)
	app.Post("/api/agreements/:id/sign", h.Sign)
	return app
}

/* ================== TESTS ================== */

func Test_CreateAgreement_SupersedesPriorVersion(t *testing.T) {
	db := openTestDB(t)
	seed := seedProject(t, db)

	h := NewHandler(db)
	app := newTestApp(h, seed.AdminID, string(models.RoleAdmin))

	create := func(title string) int {
		body := `{"title":"` + title + `","content":"terms...","type":"contract"}`
		req := httptest.NewRequest("POST", "/api/admin/projects/"+seed.ProjectID.String()+"/agreements", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		resp, _ := app.Test(req)
		return resp.StatusCode
	}

	if code := create("Contract v1"); code != 201 {
		t.Fatalf("create-1 got %d", code)
	}
	if code := create("Contract v2"); code != 201 {
		t.Fatalf("create-2 got %d", code)
	}

	var active []models.Agreement
	if err := db.Where("project_id = ? AND is_active = ?", seed.ProjectID, true).Find(&active).Error; err != nil {
		t.Fatal(err)
	}
	if len(active) != 1 || active[0].Version != 2 {
		t.Fatalf("want one active v2, got %+v", active)
	}

	var superseded models.Agreement
	if err := db.First(&superseded, "project_id = ? AND version = ?", seed.ProjectID, 1).Error; err != nil {
		t.Fatal(err)
	}
	if superseded.IsActive || superseded.SupersededAt == nil {
		t.Fatalf("v1 not superseded: %+v", superseded)
	}
}

func Test_SignAgreement_WriteOnce(t *testing.T) {
	db := openTestDB(t)
	seed := seedProject(t, db)

	agreement := models.Agreement{
		ProjectID: seed.ProjectID, Version: 1,
		Title: "Contract", Content: "terms...", Type: "contract",
		IsActive: true, CreatedByAdminID: seed.AdminID,
	}
	if err := db.Create(&agreement).Error; err != nil {
		t.Fatal(err)
	}

	h := NewHandler(db)
	app := newTestApp(h, seed.CustomerID, string(models.RoleCustomer))

	sign := func(name string) int {
		body := `{"signature_name":"` + name + `"}`
		req := httptest.NewRequest("POST", "/api/agreements/"+agreement.ID.String()+"/sign", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		resp, _ := app.Test(req)
		return resp.StatusCode
	}

	if code := sign("Jane Doe"); code != 201 {
		t.Fatalf("first sign got %d", code)
	}
	if code := sign("Someone Else"); code != 409 {
		t.Fatalf("second sign must 409, got %d", code)
	}

	// The original signature is untouched.
	var sig models.AgreementSignature
	if err := db.First(&sig, "agreement_id = ? AND customer_id = ?", agreement.ID, seed.CustomerID).Error; err != nil {
		t.Fatal(err)
	}
	if sig.SignatureName != "Jane Doe" {
		t.Fatalf("signature was overwritten: %q", sig.SignatureName)
	}
}

func Test_SignAgreement_SupersededVersionRejected(t *testing.T) {
	db := openTestDB(t)
	seed := seedProject(t, db)

	old := models.Agreement{
		ProjectID: seed.ProjectID, Version: 1,
		Title: "Contract", Content: "terms...", Type: "contract",
		IsActive: false, CreatedByAdminID: seed.AdminID,
	}
	if err := db.Create(&old).Error; err != nil {
		t.Fatal(err)
	}

	h := NewHandler(db)
	app := newTestApp(h, seed.CustomerID, string(models.RoleCustomer))

	body := `{"signature_name":"Jane Doe"}`
	req := httptest.NewRequest("POST", "/api/agreements/"+old.ID.String()+"/sign", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, _ := app.Test(req)
	if resp.StatusCode != 409 {
		t.Fatalf("signing a superseded version must 409, got %d", resp.StatusCode)
	}
}

func Test_ListMine_OnlyOwnActiveAgreements(t *testing.T) {
	db := openTestDB(t)
	mine := seedProject(t, db)
	other := seedProject(t, db)

	for _, a := range []models.Agreement{
		{ProjectID: mine.ProjectID, Version: 1, Title: "Mine", Content: "x", Type: "contract", IsActive: true, CreatedByAdminID: mine.AdminID},
		{ProjectID: mine.ProjectID, Version: 1, Title: "Old NDA", Content: "x", Type: "nda", IsActive: false, CreatedByAdminID: mine.AdminID},
		{ProjectID: other.ProjectID, Version: 1, Title: "Theirs", Content: "x", Type: "contract", IsActive: true, CreatedByAdminID: other.AdminID},
	} {
		if err := db.Create(&a).Error; err != nil {
			t.Fatal(err)
		}
	}

	h := NewHandler(db)
	app := newTestApp(h, mine.CustomerID, string(models.RoleCustomer))

	req := httptest.NewRequest("GET", "/api/agreements", nil)
	resp, _ := app.Test(req)
	if resp.StatusCode != 200 {
		t.Fatalf("got %d", resp.StatusCode)
	}

	var out []struct {
		Title string `json:"Title"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	if len(out) != 1 {
		t.Fatalf("want 1 agreement, got %d", len(out))
	}
}
