package billing_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/classpulse/svc/billing"
)

// Mock implementations

type mockGateway struct {
	mock.Mock
}

func (m *mockGateway) CreateCustomer(ctx context.Context, params billing.CreateCustomerParams) (string, error) {
	args := m.Called(ctx, params)
	return args.String(0), args.Error(1)
}

func (m *mockGateway) CreateSubscriptionCheckout(ctx context.Context, params billing.CreateCheckoutParams) (*billing.CheckoutSession, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billing.CheckoutSession), args.Error(1)
}

func (m *mockGateway) UpdateSubscriptionQuantity(ctx context.Context, externalSubscriptionID, externalPriceID string, quantity int, mode billing.ProrationMode) error {
	args := m.Called(ctx, externalSubscriptionID, externalPriceID, quantity, mode)
	return args.Error(0)
}

func (m *mockGateway) PreviewQuantityChange(ctx context.Context, externalSubscriptionID, externalPriceID string, quantity int) (int64, error) {
	args := m.Called(ctx, externalSubscriptionID, externalPriceID, quantity)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockGateway) CreatePayment(ctx context.Context, params billing.CreatePaymentParams) (*billing.ExternalPayment, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billing.ExternalPayment), args.Error(1)
}

func (m *mockGateway) GetSubscription(ctx context.Context, externalSubscriptionID string) (*billing.ExternalSubscription, error) {
	args := m.Called(ctx, externalSubscriptionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billing.ExternalSubscription), args.Error(1)
}

func (m *mockGateway) GetInvoice(ctx context.Context, externalInvoiceID string) (*billing.ExternalInvoice, error) {
	args := m.Called(ctx, externalInvoiceID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billing.ExternalInvoice), args.Error(1)
}

func (m *mockGateway) CreateBillingPortalSession(ctx context.Context, externalCustomerID string) (*billing.PortalSession, error) {
	args := m.Called(ctx, externalCustomerID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billing.PortalSession), args.Error(1)
}

type mockRoleChecker struct {
	mock.Mock
}

func (m *mockRoleChecker) IsOrganizationAdmin(ctx context.Context, userID, organizationID uuid.UUID) (bool, error) {
	args := m.Called(ctx, userID, organizationID)
	return args.Bool(0), args.Error(1)
}

// capturingPublisher records every published event.
type capturingPublisher struct {
	events []any
}

func (p *capturingPublisher) Publish(_ context.Context, event any) error {
	p.events = append(p.events, event)
	return nil
}

// stubPlanStore and stubTierStore serve fixed data without catalog validation
// so tests can construct misconfigured tier sets.
type stubPlanStore struct {
	plans map[string]billing.Plan
}

func (s *stubPlanStore) GetPlan(_ context.Context, planID string) (*billing.Plan, error) {
	plan, ok := s.plans[planID]
	if !ok {
		return nil, billing.ErrPlanNotFound
	}
	return &plan, nil
}

type stubTierStore struct {
	tiers map[string]map[billing.BillingPeriod][]billing.PricingTier
}

func (s *stubTierStore) ListTiers(_ context.Context, planID string, period billing.BillingPeriod) ([]billing.PricingTier, error) {
	return s.tiers[planID][period], nil
}

// Test helpers

func fixedNow() time.Time {
	return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
}

func standardPlanStores() (*stubPlanStore, *stubTierStore) {
	plans := &stubPlanStore{plans: map[string]billing.Plan{
		"standard": {ID: "standard", Name: "Standard", IsActive: true, TrialPeriodDays: 14},
		"legacy":   {ID: "legacy", Name: "Legacy", IsActive: false},
	}}
	tiers := &stubTierStore{tiers: map[string]map[billing.BillingPeriod][]billing.PricingTier{
		"standard": {
			billing.PeriodMonthly: {
				{PlanID: "standard", BillingPeriod: billing.PeriodMonthly, MinClasses: 1, MaxClasses: 5, PricePerUnitCents: 1000, Currency: "USD", ExternalPriceID: "pri_m1"},
				{PlanID: "standard", BillingPeriod: billing.PeriodMonthly, MinClasses: 6, MaxClasses: 20, PricePerUnitCents: 800, Currency: "USD", ExternalPriceID: "pri_m2"},
			},
			billing.PeriodAnnual: {
				{PlanID: "standard", BillingPeriod: billing.PeriodAnnual, MinClasses: 1, MaxClasses: 20, PricePerUnitCents: 10000, Currency: "USD", ExternalPriceID: "pri_a1"},
			},
		},
	}}
	return plans, tiers
}

// activeSubscription creates and stores an active subscription with a 30-day
// period starting 15 days before fixedNow, linked to external ids.
func activeSubscription(t *testing.T, store *billing.MemSubscriptionStore, quantity int) *billing.Subscription {
	t.Helper()

	start := fixedNow().AddDate(0, 0, -15)
	sub, err := billing.NewSubscriptionAt(start, uuid.New(), uuid.New(), "standard", billing.PeriodMonthly, quantity, 0)
	require.NoError(t, err)

	end := start.AddDate(0, 0, 30)
	require.NoError(t, sub.ApplyExternalPeriod(start, end))
	require.NoError(t, sub.LinkExternal("sub_ext_1", "ctm_ext_1"))
	require.NoError(t, store.Save(context.Background(), sub))
	return sub
}
