package billing_test

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/classpulse/svc/billing"
)

func TestPricingResolverResolvePrice(t *testing.T) {
	t.Parallel()

	plans, tiers := standardPlanStores()
	resolver := billing.NewPricingResolver(plans, tiers, slog.Default())
	ctx := context.Background()

	t.Run("resolves tier and total for monthly", func(t *testing.T) {
		t.Parallel()

		quote, err := resolver.ResolvePrice(ctx, "standard", billing.PeriodMonthly, 3)
		require.NoError(t, err)
		assert.Equal(t, int64(1000), quote.PricePerUnitCents)
		assert.Equal(t, int64(3000), quote.TotalPriceCents)
		assert.Equal(t, "pri_m1", quote.Tier.ExternalPriceID)
	})

	t.Run("higher quantity hits the volume tier", func(t *testing.T) {
		t.Parallel()

		quote, err := resolver.ResolvePrice(ctx, "standard", billing.PeriodMonthly, 12)
		require.NoError(t, err)
		assert.Equal(t, int64(800), quote.PricePerUnitCents)
		assert.Equal(t, int64(9600), quote.TotalPriceCents)
	})

	t.Run("annual tier price is the full annual rate", func(t *testing.T) {
		t.Parallel()

		quote, err := resolver.ResolvePrice(ctx, "standard", billing.PeriodAnnual, 2)
		require.NoError(t, err)
		assert.Equal(t, int64(20000), quote.TotalPriceCents)
	})

	t.Run("quantity bounds", func(t *testing.T) {
		t.Parallel()

		for _, q := range []int{0, -1, 21} {
			_, err := resolver.ResolvePrice(ctx, "standard", billing.PeriodMonthly, q)
			assert.ErrorIs(t, err, billing.ErrInvalidQuantity, "quantity %d", q)
		}

		_, err := resolver.ResolvePrice(ctx, "standard", billing.PeriodMonthly, 1)
		assert.NoError(t, err)
		_, err = resolver.ResolvePrice(ctx, "standard", billing.PeriodMonthly, 20)
		assert.NoError(t, err)
	})

	t.Run("invalid billing period", func(t *testing.T) {
		t.Parallel()

		_, err := resolver.ResolvePrice(ctx, "standard", billing.BillingPeriod("weekly"), 3)
		assert.ErrorIs(t, err, billing.ErrInvalidBillingPeriod)
	})

	t.Run("unknown plan", func(t *testing.T) {
		t.Parallel()

		_, err := resolver.ResolvePrice(ctx, "nope", billing.PeriodMonthly, 3)
		assert.ErrorIs(t, err, billing.ErrPlanNotFound)
	})

	t.Run("inactive plan", func(t *testing.T) {
		t.Parallel()

		_, err := resolver.ResolvePrice(ctx, "legacy", billing.PeriodMonthly, 3)
		assert.ErrorIs(t, err, billing.ErrPlanNotActive)
	})

	t.Run("no tiers configured for period", func(t *testing.T) {
		t.Parallel()

		gapPlans := &stubPlanStore{plans: map[string]billing.Plan{
			"standard": {ID: "standard", IsActive: true},
		}}
		gapTiers := &stubTierStore{tiers: map[string]map[billing.BillingPeriod][]billing.PricingTier{}}
		r := billing.NewPricingResolver(gapPlans, gapTiers, slog.Default())

		_, err := r.ResolvePrice(ctx, "standard", billing.PeriodMonthly, 3)
		assert.ErrorIs(t, err, billing.ErrNoPricingTiers)
	})

	t.Run("tier gap surfaces as configuration error", func(t *testing.T) {
		t.Parallel()

		gapPlans := &stubPlanStore{plans: map[string]billing.Plan{
			"standard": {ID: "standard", IsActive: true},
		}}
		gapTiers := &stubTierStore{tiers: map[string]map[billing.BillingPeriod][]billing.PricingTier{
			"standard": {
				billing.PeriodMonthly: {
					{PlanID: "standard", BillingPeriod: billing.PeriodMonthly, MinClasses: 1, MaxClasses: 5, PricePerUnitCents: 1000},
				},
			},
		}}
		r := billing.NewPricingResolver(gapPlans, gapTiers, slog.Default())

		_, err := r.ResolvePrice(ctx, "standard", billing.PeriodMonthly, 10)
		assert.ErrorIs(t, err, billing.ErrTierNotFound)
	})
}
