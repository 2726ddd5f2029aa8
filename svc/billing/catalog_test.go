package billing_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/classpulse/svc/billing"
)

const validCatalogYAML = `
plans:
  - id: standard
    name: Standard
    is_active: true
    trial_period_days: 14
    external_product_id: pro_std
    tiers:
      - billing_period: monthly
        min_classes: 1
        max_classes: 5
        price_per_unit_cents: 1000
        currency: USD
        external_price_id: pri_m1
      - billing_period: monthly
        min_classes: 6
        max_classes: 20
        price_per_unit_cents: 800
        currency: USD
        external_price_id: pri_m2
      - billing_period: annual
        min_classes: 1
        max_classes: 20
        price_per_unit_cents: 10000
        currency: USD
        external_price_id: pri_a1
  - id: free
    name: Free
    is_free: true
    is_active: true
`

func TestParseCatalog(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("valid catalog", func(t *testing.T) {
		t.Parallel()

		catalog, err := billing.ParseCatalog([]byte(validCatalogYAML))
		require.NoError(t, err)

		plan, err := catalog.GetPlan(ctx, "standard")
		require.NoError(t, err)
		assert.Equal(t, 14, plan.TrialPeriodDays)
		assert.True(t, plan.IsActive)

		tiers, err := catalog.ListTiers(ctx, "standard", billing.PeriodMonthly)
		require.NoError(t, err)
		require.Len(t, tiers, 2)
		assert.Equal(t, 1, tiers[0].MinClasses)
		assert.Equal(t, int64(800), tiers[1].PricePerUnitCents)

		_, err = catalog.GetPlan(ctx, "nope")
		assert.ErrorIs(t, err, billing.ErrPlanNotFound)
	})

	t.Run("rejects tier gap", func(t *testing.T) {
		t.Parallel()

		_, err := billing.ParseCatalog([]byte(`
plans:
  - id: gappy
    name: Gappy
    is_active: true
    tiers:
      - billing_period: monthly
        min_classes: 1
        max_classes: 5
        price_per_unit_cents: 1000
      - billing_period: monthly
        min_classes: 8
        max_classes: 20
        price_per_unit_cents: 800
`))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "gap")
	})

	t.Run("rejects tier overlap", func(t *testing.T) {
		t.Parallel()

		_, err := billing.ParseCatalog([]byte(`
plans:
  - id: overlappy
    name: Overlappy
    is_active: true
    tiers:
      - billing_period: monthly
        min_classes: 1
        max_classes: 10
        price_per_unit_cents: 1000
      - billing_period: monthly
        min_classes: 5
        max_classes: 20
        price_per_unit_cents: 800
`))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "overlap")
	})

	t.Run("rejects incomplete coverage", func(t *testing.T) {
		t.Parallel()

		_, err := billing.ParseCatalog([]byte(`
plans:
  - id: short
    name: Short
    is_active: true
    tiers:
      - billing_period: monthly
        min_classes: 1
        max_classes: 10
        price_per_unit_cents: 1000
`))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "gap")
	})

	t.Run("rejects paid plan without tiers", func(t *testing.T) {
		t.Parallel()

		_, err := billing.ParseCatalog([]byte(`
plans:
  - id: bare
    name: Bare
    is_active: true
`))
		require.Error(t, err)
	})

	t.Run("rejects invalid billing period", func(t *testing.T) {
		t.Parallel()

		_, err := billing.ParseCatalog([]byte(`
plans:
  - id: weekly
    name: Weekly
    is_active: true
    tiers:
      - billing_period: weekly
        min_classes: 1
        max_classes: 20
        price_per_unit_cents: 100
`))
		require.Error(t, err)
	})

	t.Run("rejects empty catalog", func(t *testing.T) {
		t.Parallel()

		_, err := billing.ParseCatalog([]byte(`plans: []`))
		require.Error(t, err)
	})
}
