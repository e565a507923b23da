package billing

import (
	"encoding/json"
	"log"
	"os"
	"time"

	"github.com/gofiber/fiber/v2"
	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

// WebhookHandler verifies incoming processor events and hands them to
// the engine. Transport concerns stop here: the engine only ever sees
// flattened event structs.
type WebhookHandler struct {
	engine *Engine
	secret string
}

func NewWebhookHandler(engine *Engine) *WebhookHandler {
	secret := os.Getenv("STRIPE_WEBHOOK_SECRET")
	if secret == "" {
		log.Println("billing: STRIPE_WEBHOOK_SECRET not set, webhook signatures will NOT be verified")
	}
	return &WebhookHandler{engine: engine, secret: secret}
}

// invoicePayload reads the subscription reference from an invoice event.
// The field has moved across processor API versions, so both locations
// are checked.
type invoicePayload struct {
	ID           string `json:"id"`
	AmountPaid   int64  `json:"amount_paid"`
	AmountDue    int64  `json:"amount_due"`
	Subscription string `json:"subscription"`
	Parent       *struct {
		SubscriptionDetails *struct {
			Subscription string `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
}

func (p *invoicePayload) subscriptionID() string {
	if p.Subscription != "" {
		return p.Subscription
	}
	if p.Parent != nil && p.Parent.SubscriptionDetails != nil {
		return p.Parent.SubscriptionDetails.Subscription
	}
	return ""
}

// Handle is the POST /webhooks/stripe endpoint.
//
// Malformed or unattributable events return 200 so the processor stops
// redelivering them; transient failures (database down, processor
// lookup failed) return 502 so the processor retries.
func (h *WebhookHandler) Handle(c *fiber.Ctx) error {
	payload := c.Body()

	var event stripe.Event
	if h.secret != "" {
		ev, err := webhook.ConstructEvent(payload, c.Get("Stripe-Signature"), h.secret)
		if err != nil {
			log.Printf("billing: webhook signature verification failed: %v", err)
			return fiber.NewError(fiber.StatusBadRequest, "invalid signature")
		}
		event = ev
	} else if err := json.Unmarshal(payload, &event); err != nil {
		return fiber.ErrBadRequest
	}

	ctx := c.UserContext()

	var err error
	switch event.Type {
	case "checkout.session.completed":
		var s stripe.CheckoutSession
		if jsonErr := json.Unmarshal(event.Data.Raw, &s); jsonErr != nil {
			log.Printf("billing: undecodable checkout event %s, dropped", event.ID)
			return c.SendStatus(fiber.StatusOK)
		}
		ev := CheckoutCompletedEvent{
			SessionID:        s.ID,
			Mode:             string(s.Mode),
			AmountTotalCents: s.AmountTotal,
			Metadata:         s.Metadata,
		}
		if s.Subscription != nil {
			ev.SubscriptionID = s.Subscription.ID
		}
		err = h.engine.ApplyCheckoutCompleted(ctx, ev)

	case "customer.subscription.created":
		sub, ok := decodeSubscription(event)
		if !ok {
			return c.SendStatus(fiber.StatusOK)
		}
		err = h.engine.ApplySubscriptionCreated(ctx, sub)

	case "customer.subscription.updated":
		sub, ok := decodeSubscription(event)
		if !ok {
			return c.SendStatus(fiber.StatusOK)
		}
		err = h.engine.ApplySubscriptionUpdated(ctx, sub)

	case "customer.subscription.deleted":
		sub, ok := decodeSubscription(event)
		if !ok {
			return c.SendStatus(fiber.StatusOK)
		}
		err = h.engine.ApplySubscriptionCancelled(ctx, sub)

	case "invoice.paid", "invoice.payment_succeeded":
		var inv invoicePayload
		if jsonErr := json.Unmarshal(event.Data.Raw, &inv); jsonErr != nil {
			log.Printf("billing: undecodable invoice event %s, dropped", event.ID)
			return c.SendStatus(fiber.StatusOK)
		}
		err = h.engine.ApplyInvoicePaid(ctx, InvoiceEvent{
			InvoiceID:      inv.ID,
			SubscriptionID: inv.subscriptionID(),
			AmountCents:    inv.AmountPaid,
		})

	case "invoice.payment_failed":
		var inv invoicePayload
		if jsonErr := json.Unmarshal(event.Data.Raw, &inv); jsonErr != nil {
			log.Printf("billing: undecodable invoice event %s, dropped", event.ID)
			return c.SendStatus(fiber.StatusOK)
		}
		err = h.engine.ApplyInvoiceFailed(ctx, InvoiceEvent{
			InvoiceID:      inv.ID,
			SubscriptionID: inv.subscriptionID(),
			AmountCents:    inv.AmountDue,
		})

	default:
		// Unhandled event types are acknowledged and ignored.
		return c.SendStatus(fiber.StatusOK)
	}

	if err != nil {
		log.Printf("billing: applying event %s (%s) failed: %v", event.ID, event.Type, err)
		return fiber.NewError(fiber.StatusBadGateway, "event processing failed")
	}
	return c.SendStatus(fiber.StatusOK)
}

// decodeSubscription flattens a subscription event payload. The billing
// period end lives on the subscription item in current API versions.
func decodeSubscription(event stripe.Event) (SubscriptionEvent, bool) {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		log.Printf("billing: undecodable subscription event %s, dropped", event.ID)
		return SubscriptionEvent{}, false
	}
	ev := SubscriptionEvent{
		SubscriptionID:    sub.ID,
		Status:            string(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		Metadata:          sub.Metadata,
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 {
		item := sub.Items.Data[0]
		if item.CurrentPeriodEnd > 0 {
			ev.CurrentPeriodEnd = time.Unix(item.CurrentPeriodEnd, 0)
		}
		if item.Price != nil {
			ev.AmountCents = item.Price.UnitAmount
		}
	}
	return ev, true
}
