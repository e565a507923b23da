// Package notify is the fire-and-forget outbound message boundary.
// Sends never block or fail a reconciliation transaction; errors are
// logged and dropped.
package notify

import (
	"log"
	"os"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

type Notifier interface {
	// NotifyAdmin sends an operational message to the studio inbox.
	NotifyAdmin(subject, body string)
	// NotifyCustomer sends a message to a customer address.
	NotifyCustomer(email, subject, body string)
}

/* ============================== SendGrid =============================== */

type sendgridNotifier struct {
	client     *sendgrid.Client
	fromEmail  string
	adminEmail string
}

// NewFromEnv builds a SendGrid-backed notifier, or a no-op one when
// SENDGRID_API_KEY is unset so local runs work without mail.
func NewFromEnv() Notifier {
	key := os.Getenv("SENDGRID_API_KEY")
	if key == "" {
		log.Println("notify: SENDGRID_API_KEY not set, notifications disabled")
		return Nop{}
	}
	return &sendgridNotifier{
		client:     sendgrid.NewSendClient(key),
		fromEmail:  envOr("NOTIFY_FROM_EMAIL", "noreply@example.com"),
		adminEmail: os.Getenv("NOTIFY_ADMIN_EMAIL"),
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func (n *sendgridNotifier) NotifyAdmin(subject, body string) {
	if n.adminEmail == "" {
		log.Println("notify: NOTIFY_ADMIN_EMAIL not set, dropping admin notification:", subject)
		return
	}
	n.send(n.adminEmail, subject, body)
}

func (n *sendgridNotifier) NotifyCustomer(email, subject, body string) {
	n.send(email, subject, body)
}

func (n *sendgridNotifier) send(to, subject, body string) {
	from := mail.NewEmail("", n.fromEmail)
	msg := mail.NewSingleEmail(from, subject, mail.NewEmail("", to), body, "")
	resp, err := n.client.Send(msg)
	if err != nil {
		log.Printf("notify: send to %s failed: %v", to, err)
		return
	}
	if resp.StatusCode >= 400 {
		log.Printf("notify: send to %s returned %d", to, resp.StatusCode)
	}
}

/* ================================ Nop ================================== */

// Nop discards all notifications. Used in tests and keyless deployments.
type Nop struct{}

func (Nop) NotifyAdmin(string, string)            {}
func (Nop) NotifyCustomer(string, string, string) {}
