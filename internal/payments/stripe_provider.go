package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
	"github.com/stripe/stripe-go/v78/webhook"
)

const (
	providerStripe = "stripe"
	// Stripe refuses checkout sessions that expire sooner than this.
	stripeMinSessionTTL = 30 * time.Minute
)

// ErrWebhookSignature is returned when a webhook payload fails signature verification.
var ErrWebhookSignature = errors.New("stripe: invalid webhook signature")

// StripeLogger defines the logging contract for Stripe provider operations.
type StripeLogger func(ctx context.Context, event string, fields map[string]any)

type stripeSessionAPI interface {
	New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	Get(id string, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

type stripePaymentIntentAPI interface {
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

type stripeClients struct {
	sessions stripeSessionAPI
	intents  stripePaymentIntentAPI
}

// StripeProviderConfig configures the StripeProvider.
type StripeProviderConfig struct {
	APIKey        string
	AccountID     string
	WebhookSecret string
	Backends      *stripe.Backends
	Logger        StripeLogger
	Clock         func() time.Time
	Clients       *stripeClients
}

// StripeProvider runs payments through Stripe Checkout.
type StripeProvider struct {
	api           stripeClients
	account       string
	webhookSecret string
	clock         func() time.Time
	logger        StripeLogger
}

var _ Gateway = (*StripeProvider)(nil)

// NewStripeProvider constructs a Stripe gateway using the given configuration.
func NewStripeProvider(cfg StripeProviderConfig) (*StripeProvider, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" && cfg.Clients == nil {
		return nil, errors.New("stripe: api key is required")
	}

	var clients stripeClients
	if cfg.Clients != nil {
		clients = *cfg.Clients
	} else {
		sc := client.New(apiKey, cfg.Backends)
		clients = stripeClients{
			sessions: sc.CheckoutSessions,
			intents:  sc.PaymentIntents,
		}
	}
	if clients.sessions == nil || clients.intents == nil {
		return nil, errors.New("stripe: incomplete client configuration")
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &StripeProvider{
		api:           clients,
		account:       strings.TrimSpace(cfg.AccountID),
		webhookSecret: strings.TrimSpace(cfg.WebhookSecret),
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// Name identifies the provider on persisted orders.
func (p *StripeProvider) Name() string { return providerStripe }

// Begin creates a Stripe Checkout session for req. The returned Pending is resolved by the
// buyer's return callback or by a checkout.session webhook.
func (p *StripeProvider) Begin(ctx context.Context, req ChargeRequest) (*Pending, error) {
	if p == nil {
		return nil, errors.New("stripe: provider is nil")
	}
	if err := validateCharge(req); err != nil {
		return nil, err
	}
	currency := strings.ToLower(req.Currency)

	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL: stripe.String(req.SuccessURL),
		CancelURL:  stripe.String(req.CancelURL),
	}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}
	if email := strings.TrimSpace(req.Email); email != "" {
		params.CustomerEmail = stripe.String(email)
	}
	if expires := p.sessionExpiry(req.ExpiresAt); !expires.IsZero() {
		params.ExpiresAt = stripe.Int64(expires.Unix())
	}
	if len(req.Metadata) > 0 {
		params.Metadata = copyMetadata(req.Metadata)
		params.PaymentIntentData = &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata: copyMetadata(req.Metadata),
		}
		if ref := req.Metadata[MetadataSessionKey]; ref != "" {
			params.ClientReferenceID = stripe.String(ref)
		}
	}

	lineItems := make([]*stripe.CheckoutSessionLineItemParams, 0, len(req.Items))
	for _, item := range req.Items {
		line := &stripe.CheckoutSessionLineItemParams{
			Quantity: stripe.Int64(max(item.Quantity, 1)),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(currency),
				UnitAmount: stripe.Int64(MinorUnits(item.UnitAmount)),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(defaultString(item.Name, item.ProductID)),
				},
			},
		}
		if item.ProductID != "" {
			line.PriceData.ProductData.Metadata = map[string]string{"product_id": item.ProductID}
		}
		lineItems = append(lineItems, line)
	}
	if len(lineItems) == 0 {
		lineItems = append(lineItems, &stripe.CheckoutSessionLineItemParams{
			Quantity: stripe.Int64(1),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(currency),
				UnitAmount: stripe.Int64(MinorUnits(req.Amount)),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String("Order"),
				},
			},
		})
	}
	params.LineItems = lineItems

	session, err := p.api.sessions.New(params)
	if err != nil {
		return nil, fmt.Errorf("stripe: create checkout session: %w", err)
	}

	intentID := ""
	if session.PaymentIntent != nil {
		intentID = session.PaymentIntent.ID
	}
	p.logger(ctx, "payments.stripe.session.created", map[string]any{
		"sessionId":     session.ID,
		"paymentIntent": intentID,
		"currency":      currency,
	})

	expiresAt := p.clock().Add(stripeMinSessionTTL)
	if session.ExpiresAt != 0 {
		expiresAt = time.Unix(session.ExpiresAt, 0).UTC()
	}
	return NewPending(Session{
		ID:           session.ID,
		Provider:     providerStripe,
		RedirectURL:  session.URL,
		ClientSecret: session.ClientSecret,
		IntentID:     intentID,
		ExpiresAt:    expiresAt,
	}), nil
}

// Verify confirms that reference has been paid. reference is either a Payment Intent id or a
// Checkout Session id, as carried on the success redirect; the Payment Intent id is returned.
func (p *StripeProvider) Verify(ctx context.Context, reference string) (string, error) {
	if p == nil {
		return "", errors.New("stripe: provider is nil")
	}
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return "", fmt.Errorf("%w: empty reference", ErrPaymentNotCaptured)
	}
	if strings.HasPrefix(reference, "cs_") {
		return p.verifySession(ctx, reference)
	}

	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}
	intent, err := p.api.intents.Get(reference, params)
	if err != nil {
		return "", fmt.Errorf("stripe: lookup payment intent: %w", err)
	}
	switch intent.Status {
	case stripe.PaymentIntentStatusSucceeded, stripe.PaymentIntentStatusRequiresCapture:
		return intent.ID, nil
	}
	p.logger(ctx, "payments.stripe.intent.unpaid", map[string]any{
		"paymentIntent": intent.ID,
		"status":        intent.Status,
	})
	return "", fmt.Errorf("%w: payment intent %s is %s", ErrPaymentNotCaptured, intent.ID, intent.Status)
}

func (p *StripeProvider) verifySession(ctx context.Context, id string) (string, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}
	session, err := p.api.sessions.Get(id, params)
	if err != nil {
		return "", fmt.Errorf("stripe: lookup checkout session: %w", err)
	}
	if session.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
		p.logger(ctx, "payments.stripe.session.unpaid", map[string]any{
			"sessionId": session.ID,
			"status":    session.PaymentStatus,
		})
		return "", fmt.Errorf("%w: checkout session %s is %s", ErrPaymentNotCaptured, session.ID, session.PaymentStatus)
	}
	if session.PaymentIntent != nil && session.PaymentIntent.ID != "" {
		return session.PaymentIntent.ID, nil
	}
	return session.ID, nil
}

// WebhookEvent is a verified Stripe event reduced to what checkout needs. Outcome is nil for
// events that do not settle a payment.
type WebhookEvent struct {
	ID                string
	Type              string
	CheckoutSessionID string
	Metadata          map[string]string
	Outcome           *Outcome
}

// ParseWebhook verifies the Stripe-Signature header and decodes checkout session events.
func (p *StripeProvider) ParseWebhook(ctx context.Context, payload []byte, signature string) (WebhookEvent, error) {
	if p == nil {
		return WebhookEvent{}, errors.New("stripe: provider is nil")
	}
	if p.webhookSecret == "" {
		return WebhookEvent{}, errors.New("stripe: webhook secret is not configured")
	}
	event, err := webhook.ConstructEventWithOptions(payload, signature, p.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return WebhookEvent{}, fmt.Errorf("%w: %v", ErrWebhookSignature, err)
	}

	out := WebhookEvent{ID: event.ID, Type: string(event.Type)}
	if !strings.HasPrefix(out.Type, "checkout.session.") || event.Data == nil {
		return out, nil
	}
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return WebhookEvent{}, fmt.Errorf("stripe: decode checkout session: %w", err)
	}
	out.CheckoutSessionID = session.ID
	out.Metadata = copyMetadata(session.Metadata)

	reference := session.ID
	if session.PaymentIntent != nil && session.PaymentIntent.ID != "" {
		reference = session.PaymentIntent.ID
	}

	var outcome Outcome
	switch out.Type {
	case "checkout.session.completed":
		if session.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
			// Delayed payment methods settle through the async_payment events.
			return out, nil
		}
		outcome = Succeeded(reference)
	case "checkout.session.async_payment_succeeded":
		outcome = Succeeded(reference)
	case "checkout.session.async_payment_failed":
		outcome = Failed(ErrPaymentDeclined)
	case "checkout.session.expired":
		outcome = Cancelled()
	default:
		return out, nil
	}
	out.Outcome = &outcome

	p.logger(ctx, "payments.stripe.webhook.received", map[string]any{
		"eventId":   event.ID,
		"type":      out.Type,
		"sessionId": session.ID,
		"outcome":   string(outcome.Kind),
	})
	return out, nil
}

// sessionExpiry clamps requested to the window Stripe accepts. A zero value lets Stripe
// apply its default of 24 hours.
func (p *StripeProvider) sessionExpiry(requested time.Time) time.Time {
	if requested.IsZero() {
		return time.Time{}
	}
	if floor := p.clock().Add(stripeMinSessionTTL + time.Minute); requested.Before(floor) {
		return floor
	}
	return requested.UTC()
}

func copyMetadata(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func defaultString(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return value
	}
	return fallback
}
