package billing

import (
	"context"
	"errors"
	"os"
	"time"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/customer"
	"github.com/stripe/stripe-go/v82/subscription"
)

/* =========================== Processor API ============================= */

// CheckoutParams describes a checkout session to mint at the processor.
// PriceID set means subscription mode; otherwise a one-time charge is
// built from AmountCents.
type CheckoutParams struct {
	CustomerEmail string
	AmountCents   int64
	Currency      string
	ProductName   string
	Description   string
	PriceID       string
	SuccessURL    string
	CancelURL     string
	ExpiresAt     *time.Time
	Metadata      map[string]string
}

// CheckoutSession is the subset of the processor's session object the
// core needs.
type CheckoutSession struct {
	ID          string
	URL         string
	AmountTotal int64
}

// SubscriptionInfo is the subset of the processor's subscription object
// the core needs. CurrentPeriodEnd is the authoritative source for the
// local next payment date.
type SubscriptionInfo struct {
	ID                string
	Status            string
	CancelAtPeriodEnd bool
	CurrentPeriodEnd  time.Time
	CustomerEmail     string
	AmountCents       int64
	Metadata          map[string]string
}

// Processor is the outbound payment-processor boundary. The engine only
// ever talks to this interface; production wires the Stripe client,
// tests wire a fake.
type Processor interface {
	CreateCheckoutSession(ctx context.Context, p CheckoutParams) (*CheckoutSession, error)
	GetCheckoutSession(ctx context.Context, id string) (*CheckoutSession, error)
	GetSubscription(ctx context.Context, id string) (*SubscriptionInfo, error)
	// CancelSubscription ends the subscription immediately.
	CancelSubscription(ctx context.Context, id string) error
	// ScheduleCancellation ends the subscription at the period end; the
	// customer keeps service they already paid for.
	ScheduleCancellation(ctx context.Context, id string) error
	CreateSubscription(ctx context.Context, email, name, priceID string, firstPayment time.Time, metadata map[string]string) (*SubscriptionInfo, error)
}

/* ========================= Stripe implementation ======================== */

type stripeProcessor struct{}

// NewStripeProcessor configures the global Stripe client from
// STRIPE_SECRET_KEY and returns the production Processor.
func NewStripeProcessor() Processor {
	stripe.Key = os.Getenv("STRIPE_SECRET_KEY")
	return &stripeProcessor{}
}

func (sp *stripeProcessor) CreateCheckoutSession(ctx context.Context, p CheckoutParams) (*CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{
		CustomerEmail: stripe.String(p.CustomerEmail),
		SuccessURL:    stripe.String(p.SuccessURL),
		CancelURL:     stripe.String(p.CancelURL),
	}
	params.Context = ctx
	for k, v := range p.Metadata {
		params.AddMetadata(k, v)
	}
	if p.ExpiresAt != nil {
		params.ExpiresAt = stripe.Int64(p.ExpiresAt.Unix())
	}

	if p.PriceID != "" {
		params.Mode = stripe.String(string(stripe.CheckoutSessionModeSubscription))
		params.LineItems = []*stripe.CheckoutSessionLineItemParams{{
			Price:    stripe.String(p.PriceID),
			Quantity: stripe.Int64(1),
		}}
		// Propagate correlation ids onto the subscription object too, so
		// the follow-on subscription events can be attributed without the
		// email fallback.
		params.SubscriptionData = &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: p.Metadata,
		}
	} else {
		currency := p.Currency
		if currency == "" {
			currency = "usd"
		}
		params.Mode = stripe.String(string(stripe.CheckoutSessionModePayment))
		params.LineItems = []*stripe.CheckoutSessionLineItemParams{{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(currency),
				UnitAmount: stripe.Int64(p.AmountCents),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name:        stripe.String(p.ProductName),
					Description: stripe.String(p.Description),
				},
			},
			Quantity: stripe.Int64(1),
		}}
	}

	s, err := session.New(params)
	if err != nil {
		return nil, err
	}
	return &CheckoutSession{ID: s.ID, URL: s.URL, AmountTotal: s.AmountTotal}, nil
}

func (sp *stripeProcessor) GetCheckoutSession(ctx context.Context, id string) (*CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	s, err := session.Get(id, params)
	if err != nil {
		return nil, err
	}
	return &CheckoutSession{ID: s.ID, URL: s.URL, AmountTotal: s.AmountTotal}, nil
}

func (sp *stripeProcessor) GetSubscription(ctx context.Context, id string) (*SubscriptionInfo, error) {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	params.AddExpand("customer")
	sub, err := subscription.Get(id, params)
	if err != nil {
		return nil, err
	}
	return subscriptionInfoFrom(sub), nil
}

func (sp *stripeProcessor) CancelSubscription(ctx context.Context, id string) error {
	params := &stripe.SubscriptionCancelParams{}
	params.Context = ctx
	_, err := subscription.Cancel(id, params)
	return err
}

func (sp *stripeProcessor) ScheduleCancellation(ctx context.Context, id string) error {
	params := &stripe.SubscriptionParams{
		CancelAtPeriodEnd: stripe.Bool(true),
	}
	params.Context = ctx
	_, err := subscription.Update(id, params)
	return err
}

func (sp *stripeProcessor) CreateSubscription(ctx context.Context, email, name, priceID string, firstPayment time.Time, metadata map[string]string) (*SubscriptionInfo, error) {
	cus, err := sp.findOrCreateCustomer(ctx, email, name, metadata)
	if err != nil {
		return nil, err
	}

	params := &stripe.SubscriptionParams{
		Customer: stripe.String(cus.ID),
		Items: []*stripe.SubscriptionItemsParams{{
			Price: stripe.String(priceID),
		}},
		// A future trial end delays the first charge to the requested
		// billing date.
		TrialEnd: stripe.Int64(firstPayment.Unix()),
	}
	params.Context = ctx
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}

	sub, err := subscription.New(params)
	if err != nil {
		return nil, err
	}
	info := subscriptionInfoFrom(sub)
	if info.CustomerEmail == "" {
		info.CustomerEmail = email
	}
	return info, nil
}

func (sp *stripeProcessor) findOrCreateCustomer(ctx context.Context, email, name string, metadata map[string]string) (*stripe.Customer, error) {
	listParams := &stripe.CustomerListParams{Email: stripe.String(email)}
	listParams.Context = ctx
	listParams.Limit = stripe.Int64(1)
	it := customer.List(listParams)
	for it.Next() {
		return it.Customer(), nil
	}
	if err := it.Err(); err != nil {
		return nil, err
	}

	params := &stripe.CustomerParams{
		Email: stripe.String(email),
		Name:  stripe.String(name),
	}
	params.Context = ctx
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}
	return customer.New(params)
}

// subscriptionInfoFrom flattens a Stripe subscription. The billing
// period end lives on the subscription item.
func subscriptionInfoFrom(sub *stripe.Subscription) *SubscriptionInfo {
	info := &SubscriptionInfo{
		ID:                sub.ID,
		Status:            string(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		Metadata:          sub.Metadata,
	}
	if sub.Customer != nil {
		info.CustomerEmail = sub.Customer.Email
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 {
		item := sub.Items.Data[0]
		if item.CurrentPeriodEnd > 0 {
			info.CurrentPeriodEnd = time.Unix(item.CurrentPeriodEnd, 0)
		}
		if item.Price != nil {
			info.AmountCents = item.Price.UnitAmount
		}
	}
	return info
}

// errProcessorDisabled is returned by the nil processor used when Stripe
// is not configured.
var errProcessorDisabled = errors.New("payment processor is not configured")

// disabledProcessor lets the rest of the app boot without Stripe keys
// (manual-payment-only deployments).
type disabledProcessor struct{}

func NewDisabledProcessor() Processor { return &disabledProcessor{} }

func (disabledProcessor) CreateCheckoutSession(context.Context, CheckoutParams) (*CheckoutSession, error) {
	return nil, errProcessorDisabled
}
func (disabledProcessor) GetCheckoutSession(context.Context, string) (*CheckoutSession, error) {
	return nil, errProcessorDisabled
}
func (disabledProcessor) GetSubscription(context.Context, string) (*SubscriptionInfo, error) {
	return nil, errProcessorDisabled
}
func (disabledProcessor) CancelSubscription(context.Context, string) error {
	return errProcessorDisabled
}
func (disabledProcessor) ScheduleCancellation(context.Context, string) error {
	return errProcessorDisabled
}
func (disabledProcessor) CreateSubscription(context.Context, string, string, string, time.Time, map[string]string) (*SubscriptionInfo, error) {
	return nil, errProcessorDisabled
}
