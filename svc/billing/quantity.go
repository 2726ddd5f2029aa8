package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
)

// ChangeQuantityParams identifies the subscription and the requested class
// count. UserID is the acting user; the change is authorized against the
// subscription's organization.
type ChangeQuantityParams struct {
	UserID         uuid.UUID
	OrganizationID uuid.UUID
	SubscriptionID uuid.UUID
	NewQuantity    int
}

// ChangeQuantityResult describes the outcome of a quantity change request.
type ChangeQuantityResult struct {
	PreviousQuantity int
	NewQuantity      int
	IsUpgrade        bool

	// RequiresPayment is true for upgrades with a positive prorated amount.
	// The new quantity is granted immediately either way; the prorated
	// payment settles asynchronously and is confirmed via webhook.
	RequiresPayment bool
	AmountDueCents  int64

	// PaymentID is the processor id of the prorated charge. Empty when the
	// charge could not be initiated; the amount is still owed and the
	// failure is logged for operational follow-up.
	PaymentID string

	// EffectiveDate is now for upgrades and the current period end for
	// downgrades.
	EffectiveDate time.Time
}

// QuantityChanger orchestrates mid-cycle quantity changes: authorization,
// pricing, proration, the external update, and the internal state change.
type QuantityChanger struct {
	subs     SubscriptionStore
	resolver *PricingResolver
	gateway  PaymentGateway
	roles    RoleChecker
	log      *slog.Logger
	now      func() time.Time
}

// QuantityChangerOption configures optional collaborators.
type QuantityChangerOption func(*QuantityChanger)

// WithQuantityClock overrides the time source. Used in tests.
func WithQuantityClock(now func() time.Time) QuantityChangerOption {
	return func(c *QuantityChanger) {
		if now != nil {
			c.now = now
		}
	}
}

// NewQuantityChanger creates the quantity change orchestrator.
// Panics if required collaborators are nil to fail fast during initialization.
func NewQuantityChanger(subs SubscriptionStore, resolver *PricingResolver, gateway PaymentGateway, roles RoleChecker, log *slog.Logger, opts ...QuantityChangerOption) *QuantityChanger {
	if subs == nil {
		panic("billing: SubscriptionStore is required")
	}
	if resolver == nil {
		panic("billing: PricingResolver is required")
	}
	if gateway == nil {
		panic("billing: PaymentGateway is required")
	}
	if roles == nil {
		panic("billing: RoleChecker is required")
	}
	if log == nil {
		log = slog.Default()
	}

	c := &QuantityChanger{
		subs:     subs,
		resolver: resolver,
		gateway:  gateway,
		roles:    roles,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ChangeQuantity changes the billable class count of an active subscription.
//
// Upgrades take effect immediately: the internal quantity is raised before the
// prorated payment settles, so the customer is never blocked on payment
// processing. Downgrades are deferred: the lower count is staged and applied
// at the next renewal, and the external subscription is moved to the new tier
// without proration so the customer keeps what was already paid for.
func (c *QuantityChanger) ChangeQuantity(ctx context.Context, params ChangeQuantityParams) (*ChangeQuantityResult, error) {
	if !ValidQuantity(params.NewQuantity) {
		return nil, ErrInvalidQuantity
	}

	admin, err := c.roles.IsOrganizationAdmin(ctx, params.UserID, params.OrganizationID)
	if err != nil {
		return nil, err
	}
	if !admin {
		return nil, ErrInsufficientPermissions
	}

	sub, err := c.subs.GetByID(ctx, params.SubscriptionID)
	if err != nil {
		return nil, err
	}
	if sub.OrganizationID != params.OrganizationID {
		return nil, ErrOrganizationMismatch
	}
	if !sub.IsActive() {
		return nil, ErrSubscriptionNotActive
	}
	if sub.Quantity == params.NewQuantity {
		return nil, ErrQuantityUnchanged
	}

	currentQuote, err := c.resolver.ResolvePrice(ctx, sub.PlanID, sub.BillingPeriod, sub.Quantity)
	if err != nil {
		return nil, err
	}
	newQuote, err := c.resolver.ResolvePrice(ctx, sub.PlanID, sub.BillingPeriod, params.NewQuantity)
	if err != nil {
		return nil, err
	}
	if newQuote.Tier.ExternalPriceID == "" {
		return nil, ErrTierNotSynced
	}

	if params.NewQuantity > sub.Quantity {
		return c.upgrade(ctx, sub, params.NewQuantity, currentQuote, newQuote)
	}
	return c.downgrade(ctx, sub, params.NewQuantity, newQuote)
}

// upgrade raises the quantity immediately and charges the prorated difference
// for the remainder of the period as a standalone payment.
func (c *QuantityChanger) upgrade(ctx context.Context, sub *Subscription, newQuantity int, currentQuote, newQuote *PriceQuote) (*ChangeQuantityResult, error) {
	now := c.now()
	previousQuantity := sub.Quantity
	amountDue := prorate(newQuote.TotalPriceCents-currentQuote.TotalPriceCents, sub.CurrentPeriodStart, sub.CurrentPeriodEnd, now)

	// Move the external subscription to the new tier first so renewals bill
	// the right amount even if the internal save below fails.
	if sub.ExternalSubscriptionID != "" {
		if err := c.gateway.UpdateSubscriptionQuantity(ctx, sub.ExternalSubscriptionID, newQuote.Tier.ExternalPriceID, newQuantity, ProrationNone); err != nil {
			return nil, errors.Join(ErrGatewayUnavailable, err)
		}
	}

	if err := sub.UpdateQuantityAt(now, newQuantity, true); err != nil {
		return nil, err
	}
	if err := c.subs.Save(ctx, sub); err != nil {
		return nil, err
	}

	result := &ChangeQuantityResult{
		PreviousQuantity: previousQuantity,
		NewQuantity:      newQuantity,
		IsUpgrade:        true,
		RequiresPayment:  amountDue > 0,
		AmountDueCents:   amountDue,
		EffectiveDate:    now,
	}

	if amountDue <= 0 {
		return result, nil
	}
	if sub.ExternalCustomerID == "" {
		c.log.WarnContext(ctx, "prorated upgrade amount owed but subscription has no external customer",
			slog.String("subscription_id", sub.ID.String()),
			slog.Int64("amount_cents", amountDue))
		return result, nil
	}

	currency := newQuote.Tier.Currency
	if currency == "" {
		currency = "USD"
	}

	// The quantity is already granted; the prorated charge settles
	// asynchronously. A failed payment surfaces via webhook and is handled
	// there.
	payment, err := c.gateway.CreatePayment(ctx, CreatePaymentParams{
		ExternalCustomerID: sub.ExternalCustomerID,
		AmountCents:        amountDue,
		Currency:           currency,
		Description:        fmt.Sprintf("Prorated charge for %d additional classes", newQuantity-previousQuantity),
		Metadata:           quantityUpdateMetadata(sub.ID, previousQuantity, newQuantity),
	})
	if err != nil {
		c.log.ErrorContext(ctx, "prorated upgrade payment could not be created",
			slog.String("subscription_id", sub.ID.String()),
			slog.Int("previous_quantity", previousQuantity),
			slog.Int("new_quantity", newQuantity),
			slog.Int64("amount_cents", amountDue),
			slog.String("error", err.Error()))
		return result, nil
	}

	result.PaymentID = payment.ID
	c.log.InfoContext(ctx, "prorated upgrade payment created",
		slog.String("subscription_id", sub.ID.String()),
		slog.String("payment_id", payment.ID),
		slog.Int64("amount_cents", amountDue))
	return result, nil
}

// downgrade stages the lower quantity for the next renewal and moves the
// external subscription to the new tier without proration.
func (c *QuantityChanger) downgrade(ctx context.Context, sub *Subscription, newQuantity int, newQuote *PriceQuote) (*ChangeQuantityResult, error) {
	now := c.now()
	previousQuantity := sub.Quantity

	if sub.ExternalSubscriptionID != "" {
		if err := c.gateway.UpdateSubscriptionQuantity(ctx, sub.ExternalSubscriptionID, newQuote.Tier.ExternalPriceID, newQuantity, ProrationNone); err != nil {
			return nil, errors.Join(ErrGatewayUnavailable, err)
		}
	}

	if err := sub.UpdateQuantityAt(now, newQuantity, false); err != nil {
		return nil, err
	}
	if err := c.subs.Save(ctx, sub); err != nil {
		return nil, err
	}

	effective := now
	if sub.CurrentPeriodEnd != nil {
		effective = *sub.CurrentPeriodEnd
	}

	return &ChangeQuantityResult{
		PreviousQuantity: previousQuantity,
		NewQuantity:      newQuantity,
		EffectiveDate:    effective,
	}, nil
}

// PreviewQuantityChange returns the prorated amount a quantity change would
// cost now, without applying anything. Downgrades always preview as zero.
func (c *QuantityChanger) PreviewQuantityChange(ctx context.Context, subscriptionID uuid.UUID, newQuantity int) (int64, error) {
	if !ValidQuantity(newQuantity) {
		return 0, ErrInvalidQuantity
	}

	sub, err := c.subs.GetByID(ctx, subscriptionID)
	if err != nil {
		return 0, err
	}
	if !sub.IsActive() || newQuantity <= sub.Quantity {
		return 0, nil
	}

	currentQuote, err := c.resolver.ResolvePrice(ctx, sub.PlanID, sub.BillingPeriod, sub.Quantity)
	if err != nil {
		return 0, err
	}
	newQuote, err := c.resolver.ResolvePrice(ctx, sub.PlanID, sub.BillingPeriod, newQuantity)
	if err != nil {
		return 0, err
	}

	return prorate(newQuote.TotalPriceCents-currentQuote.TotalPriceCents, sub.CurrentPeriodStart, sub.CurrentPeriodEnd, c.now()), nil
}

// prorate scales deltaCents by the fraction of the billing period remaining,
// rounded to the nearest cent. When the period boundaries are missing,
// degenerate, or already passed, the full delta is charged rather than
// undercharging on bad data.
func prorate(deltaCents int64, periodStart, periodEnd *time.Time, now time.Time) int64 {
	if deltaCents <= 0 {
		return 0
	}
	if periodStart == nil || periodEnd == nil {
		return deltaCents
	}

	totalDays := periodEnd.Sub(*periodStart).Hours() / 24
	if totalDays <= 0 {
		return deltaCents
	}
	remainingDays := periodEnd.Sub(now).Hours() / 24
	if remainingDays <= 0 {
		return deltaCents
	}
	if remainingDays > totalDays {
		remainingDays = totalDays
	}

	return int64(math.Round(float64(deltaCents) * remainingDays / totalDays))
}
