package billing

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// StartSubscriptionParams describes a new subscription request.
type StartSubscriptionParams struct {
	UserID         uuid.UUID
	OrganizationID uuid.UUID
	PlanID         string
	BillingPeriod  BillingPeriod
	Quantity       int

	// Email and Name identify the purchaser to the payment processor.
	Email string
	Name  string

	// SuccessURL is where the hosted checkout redirects after payment.
	SuccessURL string
}

// StartSubscriptionResult is the outcome of starting a subscription. For free
// and trialing plans the subscription is immediately usable and Checkout is
// nil; for paid plans the purchaser must complete the hosted checkout.
type StartSubscriptionResult struct {
	Subscription *Subscription
	Quote        *PriceQuote
	Checkout     *CheckoutSession
}

// Service orchestrates the subscription lifecycle outside of webhook
// reconciliation: starting subscriptions, scheduling cancellation, and portal
// access.
type Service struct {
	subs     SubscriptionStore
	plans    PlanStore
	resolver *PricingResolver
	gateway  PaymentGateway
	roles    RoleChecker
	log      *slog.Logger
	now      func() time.Time
}

// ServiceOption configures optional collaborators.
type ServiceOption func(*Service)

// WithServiceClock overrides the time source. Used in tests.
func WithServiceClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService creates the subscription lifecycle service.
// Panics if required collaborators are nil to fail fast during initialization.
func NewService(subs SubscriptionStore, plans PlanStore, resolver *PricingResolver, gateway PaymentGateway, roles RoleChecker, log *slog.Logger, opts ...ServiceOption) *Service {
	if subs == nil {
		panic("billing: SubscriptionStore is required")
	}
	if plans == nil {
		panic("billing: PlanStore is required")
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

	s := &Service{
		subs:     subs,
		plans:    plans,
		resolver: resolver,
		gateway:  gateway,
		roles:    roles,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StartSubscription creates a subscription for an organization.
//
// Free plans and plans with a trial period start immediately. Paid plans
// without a trial are created pending and a hosted checkout session is
// returned; the first paid-invoice webhook activates them.
func (s *Service) StartSubscription(ctx context.Context, params StartSubscriptionParams) (*StartSubscriptionResult, error) {
	admin, err := s.roles.IsOrganizationAdmin(ctx, params.UserID, params.OrganizationID)
	if err != nil {
		return nil, err
	}
	if !admin {
		return nil, ErrInsufficientPermissions
	}

	plan, err := s.plans.GetPlan(ctx, params.PlanID)
	if err != nil {
		return nil, err
	}
	if !plan.IsActive {
		return nil, ErrPlanNotActive
	}

	now := s.now()

	if plan.IsFree || plan.TrialPeriodDays > 0 {
		sub, err := NewSubscriptionAt(now, params.UserID, params.OrganizationID, plan.ID, params.BillingPeriod, params.Quantity, plan.TrialPeriodDays)
		if err != nil {
			return nil, err
		}
		if err := s.subs.Save(ctx, sub); err != nil {
			return nil, err
		}
		return &StartSubscriptionResult{Subscription: sub}, nil
	}

	quote, err := s.resolver.ResolvePrice(ctx, plan.ID, params.BillingPeriod, params.Quantity)
	if err != nil {
		return nil, err
	}
	if quote.Tier.ExternalPriceID == "" {
		return nil, ErrTierNotSynced
	}

	customerID, err := s.gateway.CreateCustomer(ctx, CreateCustomerParams{
		Email: params.Email,
		Name:  params.Name,
	})
	if err != nil {
		return nil, errors.Join(ErrGatewayUnavailable, err)
	}

	sub, err := NewPendingSubscriptionAt(now, params.UserID, params.OrganizationID, plan.ID, params.BillingPeriod, params.Quantity)
	if err != nil {
		return nil, err
	}
	sub.ExternalCustomerID = customerID
	if err := s.subs.Save(ctx, sub); err != nil {
		return nil, err
	}

	checkout, err := s.gateway.CreateSubscriptionCheckout(ctx, CreateCheckoutParams{
		ExternalPriceID:    quote.Tier.ExternalPriceID,
		ExternalCustomerID: customerID,
		Quantity:           params.Quantity,
		SubscriptionID:     sub.ID,
		SuccessURL:         params.SuccessURL,
	})
	if err != nil {
		return nil, errors.Join(ErrGatewayUnavailable, err)
	}

	s.log.InfoContext(ctx, "subscription checkout created",
		slog.String("subscription_id", sub.ID.String()),
		slog.String("plan_id", plan.ID),
		slog.Int("quantity", params.Quantity))

	return &StartSubscriptionResult{
		Subscription: sub,
		Quote:        quote,
		Checkout:     checkout,
	}, nil
}

// ScheduleCancellation marks the subscription for termination at the end of
// the current period. The terminating webhook finishes the job when the
// period actually ends.
func (s *Service) ScheduleCancellation(ctx context.Context, userID, organizationID, subscriptionID uuid.UUID) (*Subscription, error) {
	admin, err := s.roles.IsOrganizationAdmin(ctx, userID, organizationID)
	if err != nil {
		return nil, err
	}
	if !admin {
		return nil, ErrInsufficientPermissions
	}

	sub, err := s.subs.GetByID(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	if sub.OrganizationID != organizationID {
		return nil, ErrOrganizationMismatch
	}

	if err := sub.ScheduleCancellationAt(s.now()); err != nil {
		return nil, err
	}
	if err := s.subs.Save(ctx, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// BillingPortalURL returns a pre-authenticated customer portal link where the
// purchaser manages payment methods and cancellation.
func (s *Service) BillingPortalURL(ctx context.Context, subscriptionID uuid.UUID) (string, error) {
	sub, err := s.subs.GetByID(ctx, subscriptionID)
	if err != nil {
		return "", err
	}
	if sub.ExternalCustomerID == "" {
		return "", ErrMissingExternalIDs
	}

	session, err := s.gateway.CreateBillingPortalSession(ctx, sub.ExternalCustomerID)
	if err != nil {
		return "", errors.Join(ErrGatewayUnavailable, err)
	}
	return session.URL, nil
}
