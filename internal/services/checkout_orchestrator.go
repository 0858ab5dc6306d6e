package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	domain "github.com/threadline/storefront/internal/domain"
	"github.com/threadline/storefront/internal/payments"
)

const (
	defaultPaymentTimeout = 30 * time.Minute
	finishTimeout         = 30 * time.Second
	// expiryGrace covers PSP events delivered shortly after the session closes.
	expiryGrace = 2 * time.Minute

	noticePaymentCancelled = "payment cancelled"
	noticePaymentTimedOut  = "payment timed out"
	noticeCartNotCleared   = "order saved but the cart could not be cleared"
	messagePaymentFailed   = "payment failed"
	messageOrderNotSaved   = "payment succeeded but order not saved"
)

// CheckoutState is the position of a session's checkout in its lifecycle.
type CheckoutState string

const (
	CheckoutIdle              CheckoutState = "idle"
	CheckoutCollectingDetails CheckoutState = "collecting_details"
	CheckoutAwaitingPayment   CheckoutState = "awaiting_payment"
	CheckoutSucceeded         CheckoutState = "succeeded"
	CheckoutCancelled         CheckoutState = "cancelled"
	CheckoutFailed            CheckoutState = "failed"
)

// SubmitCheckout starts a payment for the current cart.
type SubmitCheckout struct {
	Details    domain.BuyerDetails
	Currency   domain.CurrencyCode
	UserID     string
	SuccessURL string
	CancelURL  string
}

// CheckoutSnapshot is a read-only view of the orchestrator.
type CheckoutSnapshot struct {
	State     CheckoutState
	Loading   bool
	Notice    string
	Error     string
	OrderID   string
	Reference string
	AttemptID string
	Total     float64
	Currency  domain.CurrencyCode
	Session   *payments.Session
}

// CheckoutOrchestratorDeps wires one session's checkout.
type CheckoutOrchestratorDeps struct {
	SessionID        string
	Cart             *CartStore
	Rates            *CurrencyCache
	Orders           OrderSaver
	Payments         payments.Gateway
	PaymentTimeout   time.Duration
	SuccessURL       string
	CancelURL        string
	VerifyReferences bool
	Metrics          *CheckoutMetrics
	Tracer           trace.Tracer
	Clock            func() time.Time
	IDGenerator      func() string
	Logger           func(context.Context, string, map[string]any)
}

type checkoutAttempt struct {
	id        string
	details   domain.BuyerDetails
	userID    string
	summary   CartSummary
	pending   *payments.Pending
	cancelled bool
	done      chan struct{}
	err       error
}

// CheckoutOrchestrator runs at most one payment at a time for a session and turns its
// outcome into an order.
type CheckoutOrchestrator struct {
	sessionID  string
	cart       *CartStore
	rates      *CurrencyCache
	orders     OrderSaver
	gateway    payments.Gateway
	timeout    time.Duration
	successURL string
	cancelURL  string
	verify     bool
	metrics    *CheckoutMetrics
	tracer     trace.Tracer
	now        func() time.Time
	newID      func() string
	logger     func(context.Context, string, map[string]any)

	mu        sync.Mutex
	state     CheckoutState
	notice    string
	errMsg    string
	orderID   string
	reference string
	last      CartSummary
	attempt   *checkoutAttempt
	// handled holds payment references already turned into an order or a reported gap.
	handled map[string]struct{}
}

// NewCheckoutOrchestrator constructs an orchestrator in the idle state.
func NewCheckoutOrchestrator(deps CheckoutOrchestratorDeps) (*CheckoutOrchestrator, error) {
	switch {
	case deps.Cart == nil:
		return nil, errors.New("checkout: cart store is required")
	case deps.Rates == nil:
		return nil, errors.New("checkout: currency cache is required")
	case deps.Orders == nil:
		return nil, errors.New("checkout: order saver is required")
	case deps.Payments == nil:
		return nil, errors.New("checkout: payment gateway is required")
	}
	o := &CheckoutOrchestrator{
		sessionID:  strings.TrimSpace(deps.SessionID),
		cart:       deps.Cart,
		rates:      deps.Rates,
		orders:     deps.Orders,
		gateway:    deps.Payments,
		timeout:    deps.PaymentTimeout,
		successURL: strings.TrimSpace(deps.SuccessURL),
		cancelURL:  strings.TrimSpace(deps.CancelURL),
		verify:     deps.VerifyReferences,
		metrics:    deps.Metrics,
		tracer:     deps.Tracer,
		now:        deps.Clock,
		newID:      deps.IDGenerator,
		logger:     deps.Logger,
		state:      CheckoutIdle,
		handled:    make(map[string]struct{}),
	}
	if o.timeout <= 0 {
		o.timeout = defaultPaymentTimeout
	}
	if o.tracer == nil {
		o.tracer = otel.Tracer(instrumentationName)
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.newID == nil {
		o.newID = func() string { return ulid.Make().String() }
	}
	if o.logger == nil {
		o.logger = func(context.Context, string, map[string]any) {}
	}
	return o, nil
}

// Snapshot returns the current state.
func (o *CheckoutOrchestrator) Snapshot() CheckoutSnapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshotLocked()
}

func (o *CheckoutOrchestrator) snapshotLocked() CheckoutSnapshot {
	snap := CheckoutSnapshot{
		State:     o.state,
		Loading:   o.attempt != nil,
		Notice:    o.notice,
		Error:     o.errMsg,
		OrderID:   o.orderID,
		Reference: o.reference,
		Total:     o.last.Total,
		Currency:  o.last.Currency,
	}
	if o.attempt != nil {
		snap.AttemptID = o.attempt.id
		if o.attempt.pending != nil {
			session := o.attempt.pending.Session()
			snap.Session = &session
		}
	}
	return snap
}

// InFlight reports whether a payment is being processed.
func (o *CheckoutOrchestrator) InFlight() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.attempt != nil
}

// Open moves to collecting_details. The cart must not be empty.
func (o *CheckoutOrchestrator) Open() (CheckoutSnapshot, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.attempt != nil {
		return o.snapshotLocked(), ErrCheckoutInFlight
	}
	if o.cart.Len() == 0 {
		return o.snapshotLocked(), ErrCheckoutCartEmpty
	}
	o.resetLocked(CheckoutCollectingDetails)
	return o.snapshotLocked(), nil
}

func (o *CheckoutOrchestrator) resetLocked(state CheckoutState) {
	o.state = state
	o.notice = ""
	o.errMsg = ""
	o.orderID = ""
	o.reference = ""
}

// Begin validates cmd, prices the cart and starts a payment. It returns as soon as the PSP
// session exists; the outcome is handled in the background.
func (o *CheckoutOrchestrator) Begin(ctx context.Context, cmd SubmitCheckout) (payments.Session, error) {
	if o.InFlight() {
		return payments.Session{}, ErrCheckoutInFlight
	}
	if o.cart.Len() == 0 {
		return payments.Session{}, ErrCheckoutCartEmpty
	}
	details := trimBuyerDetails(cmd.Details)
	if err := ValidateBuyerDetails(details); err != nil {
		return payments.Session{}, err
	}
	display := domain.BaseCurrency
	if raw := strings.TrimSpace(string(cmd.Currency)); raw != "" {
		code, ok := domain.ParseCurrency(raw)
		if !ok {
			return payments.Session{}, fmt.Errorf("%w: %s", ErrInvalidCurrency, raw)
		}
		display = code
	}
	if needsConversion(o.cart.Items(), display) {
		if err := o.rates.Load(ctx); err != nil {
			return payments.Session{}, err
		}
	}

	o.mu.Lock()
	if o.attempt != nil {
		o.mu.Unlock()
		return payments.Session{}, ErrCheckoutInFlight
	}
	items := o.cart.Items()
	if len(items) == 0 {
		o.mu.Unlock()
		return payments.Session{}, ErrCheckoutCartEmpty
	}
	att := &checkoutAttempt{
		id:      o.newID(),
		details: details,
		userID:  strings.TrimSpace(cmd.UserID),
		summary: PriceCart(items, o.rates, display),
		done:    make(chan struct{}),
	}
	o.attempt = att
	o.resetLocked(CheckoutAwaitingPayment)
	o.last = att.summary
	o.mu.Unlock()

	ctx, span := o.tracer.Start(ctx, "checkout.begin", trace.WithAttributes(
		attribute.String("checkout.attempt", att.id),
		attribute.String("checkout.currency", string(display)),
		attribute.Float64("checkout.total", att.summary.Total),
		attribute.String("payments.provider", o.gateway.Name()),
	))
	defer span.End()

	pending, err := o.gateway.Begin(ctx, o.chargeRequest(att, cmd))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "payment begin failed")
		wrapped := fmt.Errorf("%w: %w", ErrPaymentFailed, err)
		o.logger(ctx, "checkout.begin.failed", map[string]any{"attempt": att.id, "error": err.Error()})
		o.settle(ctx, att, CheckoutCollectingDetails, "", messagePaymentFailed, wrapped)
		return payments.Session{}, wrapped
	}

	o.mu.Lock()
	att.pending = pending
	cancelled := att.cancelled
	o.mu.Unlock()
	if cancelled {
		pending.Cancel()
	}

	o.logger(ctx, "checkout.begin", map[string]any{
		"attempt":  att.id,
		"session":  pending.Session().ID,
		"total":    att.summary.Total,
		"currency": string(display),
	})
	go o.await(context.WithoutCancel(ctx), att)
	return pending.Session(), nil
}

func (o *CheckoutOrchestrator) chargeRequest(att *checkoutAttempt, cmd SubmitCheckout) payments.ChargeRequest {
	items := make([]payments.ChargeItem, 0, len(att.summary.Lines))
	for _, line := range att.summary.Lines {
		items = append(items, payments.ChargeItem{
			ProductID:  line.Item.ProductID,
			Name:       line.Item.Title,
			Quantity:   int64(line.Item.Quantity),
			UnitAmount: line.UnitPrice,
		})
	}
	successURL := strings.TrimSpace(cmd.SuccessURL)
	if successURL == "" {
		successURL = o.successURL
	}
	cancelURL := strings.TrimSpace(cmd.CancelURL)
	if cancelURL == "" {
		cancelURL = o.cancelURL
	}
	return payments.ChargeRequest{
		Email:          att.details.Email,
		Amount:         att.summary.Total,
		Currency:       string(att.summary.Currency),
		Items:          items,
		SuccessURL:     successURL,
		CancelURL:      cancelURL,
		IdempotencyKey: att.id,
		ExpiresAt:      o.now().Add(o.timeout),
		Metadata: map[string]string{
			payments.MetadataSessionKey: o.sessionID,
			payments.MetadataAttemptKey: att.id,
		},
	}
}

func (o *CheckoutOrchestrator) await(ctx context.Context, att *checkoutAttempt) {
	waitCtx, cancel := context.WithTimeout(ctx, o.awaitWindow(att.pending.Session()))
	outcome, err := att.pending.Await(waitCtx)
	cancel()
	timedOut := false
	if err != nil {
		// Cancel loses to any resolution that raced the deadline.
		timedOut = att.pending.Cancel()
		outcome, _ = att.pending.Await(context.Background())
	}

	finishCtx, stop := context.WithTimeout(ctx, finishTimeout)
	defer stop()
	o.finish(finishCtx, att, outcome, timedOut)
}

// awaitWindow is the payment timeout, stretched past the PSP session's expiry when the PSP
// keeps the session payable for longer.
func (o *CheckoutOrchestrator) awaitWindow(session payments.Session) time.Duration {
	window := o.timeout
	if session.ExpiresAt.IsZero() {
		return window
	}
	if untilExpiry := session.ExpiresAt.Sub(o.now()); untilExpiry > window {
		window = untilExpiry + expiryGrace
	}
	return window
}

func (o *CheckoutOrchestrator) finish(ctx context.Context, att *checkoutAttempt, outcome payments.Outcome, timedOut bool) {
	ctx, span := o.tracer.Start(ctx, "checkout.finish", trace.WithAttributes(
		attribute.String("checkout.attempt", att.id),
		attribute.String("payments.outcome", string(outcome.Kind)),
	))
	defer span.End()

	switch outcome.Kind {
	case payments.OutcomeSucceeded:
		orderID, err := o.persist(ctx, att, outcome.Reference)
		if err != nil {
			recErr := &ReconciliationError{Reference: outcome.Reference, Err: err}
			span.RecordError(recErr)
			span.SetStatus(codes.Error, messageOrderNotSaved)
			o.metrics.reconciliationGap(ctx, o.gateway.Name())
			o.logger(ctx, "checkout.reconciliation_gap", map[string]any{
				"severity":         "ERROR",
				"attempt":          att.id,
				"paymentReference": outcome.Reference,
				"total":            att.summary.Total,
				"currency":         string(att.summary.Currency),
				"error":            err.Error(),
			})
			o.mu.Lock()
			o.reference = outcome.Reference
			o.markHandledLocked(outcome.Reference)
			o.mu.Unlock()
			o.settle(ctx, att, CheckoutFailed, "", messageOrderNotSaved, recErr)
			return
		}
		notice := ""
		if err := o.cart.Clear(ctx); err != nil {
			notice = noticeCartNotCleared
			o.logger(ctx, "checkout.cart_clear.failed", map[string]any{"attempt": att.id, "orderId": orderID, "error": err.Error()})
		}
		o.mu.Lock()
		o.orderID = orderID
		o.reference = outcome.Reference
		o.markHandledLocked(outcome.Reference)
		o.mu.Unlock()
		o.logger(ctx, "checkout.succeeded", map[string]any{"attempt": att.id, "orderId": orderID, "paymentReference": outcome.Reference})
		o.settle(ctx, att, CheckoutSucceeded, notice, "", nil)
	case payments.OutcomeCancelled:
		notice := noticePaymentCancelled
		if timedOut {
			notice = noticePaymentTimedOut
		}
		o.logger(ctx, "checkout.cancelled", map[string]any{"attempt": att.id, "timedOut": timedOut})
		o.settle(ctx, att, CheckoutCancelled, notice, "", nil)
	default:
		cause := outcome.Err
		if cause == nil {
			cause = payments.ErrPaymentDeclined
		}
		err := fmt.Errorf("%w: %w", ErrPaymentFailed, cause)
		span.RecordError(err)
		span.SetStatus(codes.Error, messagePaymentFailed)
		o.logger(ctx, "checkout.failed", map[string]any{"attempt": att.id, "error": cause.Error()})
		o.settle(ctx, att, CheckoutFailed, "", messagePaymentFailed, err)
	}
}

func (o *CheckoutOrchestrator) persist(ctx context.Context, att *checkoutAttempt, reference string) (string, error) {
	items := make([]domain.OrderItem, 0, len(att.summary.Lines))
	for _, line := range att.summary.Lines {
		title := line.Item.Title
		price := line.UnitPrice
		item := domain.OrderItem{
			ProductID: line.Item.ProductID,
			Title:     &title,
			Price:     &price,
			Currency:  att.summary.Currency,
			Quantity:  line.Item.Quantity,
		}
		if path := line.Item.ImagePath; path != "" {
			item.ImagePath = &path
		}
		items = append(items, item)
	}
	order := domain.OrderRecord{
		UserDetails:      att.details,
		Items:            items,
		Total:            att.summary.Total,
		Currency:         att.summary.Currency,
		PaymentReference: reference,
		Provider:         o.gateway.Name(),
		SessionID:        o.sessionID,
		CreatedAt:        o.now(),
	}
	if att.userID != "" {
		userID := att.userID
		order.UserID = &userID
	}
	return o.orders.Save(ctx, order)
}

// settle ends att. It always clears the in-flight attempt so the loading flag drops.
func (o *CheckoutOrchestrator) settle(ctx context.Context, att *checkoutAttempt, state CheckoutState, notice, errMsg string, err error) {
	o.mu.Lock()
	if o.attempt == att {
		o.attempt = nil
		o.state = state
		o.notice = notice
		o.errMsg = errMsg
	}
	att.err = err
	close(att.done)
	o.mu.Unlock()
	if state != CheckoutCollectingDetails {
		o.metrics.outcome(ctx, state, o.gateway.Name())
	}
}

// Callback reports a successful payment from the buyer's return redirect and waits until the
// order has been handled. With reference verification enabled the PSP is asked to confirm it.
func (o *CheckoutOrchestrator) Callback(ctx context.Context, reference string) (CheckoutSnapshot, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return o.Snapshot(), &ValidationError{Fields: map[string]string{"reference": "is required"}}
	}
	att, err := o.pendingAttempt("")
	if err != nil {
		if !o.verify {
			return o.Snapshot(), err
		}
		// Only a reference the PSP confirms as captured counts as a lost payment.
		canonical, verr := o.gateway.Verify(ctx, reference)
		if verr != nil {
			return o.Snapshot(), err
		}
		return o.Snapshot(), o.unmatchedCapture(ctx, "", canonical, err)
	}
	if o.verify {
		canonical, err := o.gateway.Verify(ctx, reference)
		if err != nil {
			o.logger(ctx, "checkout.callback.unverified", map[string]any{"attempt": att.id, "reference": reference, "error": err.Error()})
			return o.Snapshot(), fmt.Errorf("%w: %w", ErrPaymentFailed, err)
		}
		reference = canonical
	}
	if !att.pending.Succeed(reference) {
		return o.lostRace(ctx, att, att.id, reference)
	}
	return o.wait(ctx, att)
}

// Resolve settles the in-flight payment with outcome, as reported by a verified PSP webhook.
// A non-empty attemptID must match the in-flight attempt.
func (o *CheckoutOrchestrator) Resolve(ctx context.Context, attemptID string, outcome payments.Outcome) (CheckoutSnapshot, error) {
	att, err := o.pendingAttempt(attemptID)
	if err != nil {
		if outcome.Kind == payments.OutcomeSucceeded {
			return o.Snapshot(), o.unmatchedCapture(ctx, attemptID, outcome.Reference, err)
		}
		return o.Snapshot(), err
	}
	if !att.pending.Resolve(outcome) && outcome.Kind == payments.OutcomeSucceeded {
		return o.lostRace(ctx, att, attemptID, outcome.Reference)
	}
	return o.wait(ctx, att)
}

// lostRace handles a capture that arrived after att was already resolved, typically by the
// payment timeout. Once att settles the capture is reported unless it was the winning outcome.
func (o *CheckoutOrchestrator) lostRace(ctx context.Context, att *checkoutAttempt, attemptID, reference string) (CheckoutSnapshot, error) {
	if _, err := o.wait(ctx, att); ctx.Err() != nil {
		return o.Snapshot(), err
	}
	return o.Snapshot(), o.unmatchedCapture(ctx, attemptID, reference, ErrCheckoutNotPending)
}

// unmatchedCapture reports a payment the PSP captured while no matching attempt was in flight.
// References already handled return cause unchanged, so redelivered events stay quiet.
func (o *CheckoutOrchestrator) unmatchedCapture(ctx context.Context, attemptID, reference string, cause error) error {
	o.mu.Lock()
	_, seen := o.handled[reference]
	if !seen {
		o.markHandledLocked(reference)
	}
	o.mu.Unlock()
	if seen {
		return cause
	}

	recErr := &ReconciliationError{Reference: reference, Err: cause}
	_, span := o.tracer.Start(ctx, "checkout.unmatched_capture", trace.WithAttributes(
		attribute.String("checkout.attempt", attemptID),
		attribute.String("payments.reference", reference),
	))
	span.RecordError(recErr)
	span.SetStatus(codes.Error, messageOrderNotSaved)
	span.End()

	o.metrics.reconciliationGap(ctx, o.gateway.Name())
	o.logger(ctx, "checkout.reconciliation_gap", map[string]any{
		"severity":         "ERROR",
		"attempt":          attemptID,
		"paymentReference": reference,
		"reason":           "no payment in flight",
		"error":            cause.Error(),
	})
	return recErr
}

func (o *CheckoutOrchestrator) markHandledLocked(reference string) {
	if reference != "" {
		o.handled[reference] = struct{}{}
	}
}

// Close dismisses checkout. An in-flight payment resolves as cancelled; the cart is kept.
func (o *CheckoutOrchestrator) Close(ctx context.Context) (CheckoutSnapshot, error) {
	o.mu.Lock()
	att := o.attempt
	if att == nil {
		if o.state == CheckoutCollectingDetails {
			o.resetLocked(CheckoutIdle)
		}
		snap := o.snapshotLocked()
		o.mu.Unlock()
		return snap, nil
	}
	pending := att.pending
	if pending == nil {
		att.cancelled = true
	}
	o.mu.Unlock()

	if pending != nil {
		pending.Cancel()
	}
	return o.wait(ctx, att)
}

// Wait blocks until the in-flight attempt, if any, is settled.
func (o *CheckoutOrchestrator) Wait(ctx context.Context) (CheckoutSnapshot, error) {
	o.mu.Lock()
	att := o.attempt
	o.mu.Unlock()
	if att == nil {
		return o.Snapshot(), nil
	}
	return o.wait(ctx, att)
}

// Submit begins a payment and waits for its outcome.
func (o *CheckoutOrchestrator) Submit(ctx context.Context, cmd SubmitCheckout) (CheckoutSnapshot, error) {
	if _, err := o.Begin(ctx, cmd); err != nil {
		return o.Snapshot(), err
	}
	return o.Wait(ctx)
}

func (o *CheckoutOrchestrator) wait(ctx context.Context, att *checkoutAttempt) (CheckoutSnapshot, error) {
	select {
	case <-att.done:
		return o.Snapshot(), att.err
	case <-ctx.Done():
		return o.Snapshot(), ctx.Err()
	}
}

func (o *CheckoutOrchestrator) pendingAttempt(attemptID string) (*checkoutAttempt, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	att := o.attempt
	if att == nil || att.pending == nil {
		return nil, ErrCheckoutNotPending
	}
	if attemptID != "" && attemptID != att.id {
		return nil, fmt.Errorf("%w: attempt %s is not in flight", ErrCheckoutNotPending, attemptID)
	}
	return att, nil
}

func needsConversion(items []domain.CartLineItem, display domain.CurrencyCode) bool {
	if display != domain.BaseCurrency {
		return true
	}
	for _, item := range items {
		if item.Currency != domain.BaseCurrency && item.Currency != "" {
			return true
		}
	}
	return false
}
