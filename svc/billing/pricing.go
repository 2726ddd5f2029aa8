package billing

import (
	"context"
	"log/slog"
)

// PriceQuote is the result of resolving a plan's price for a quantity.
type PriceQuote struct {
	PricePerUnitCents int64
	TotalPriceCents   int64
	Tier              PricingTier
}

// PricingResolver finds the pricing tier matching a quantity and computes the
// total price. Pure over store reads; no side effects.
type PricingResolver struct {
	plans PlanStore
	tiers TierStore
	log   *slog.Logger
}

// NewPricingResolver creates a pricing resolver.
// Panics if required stores are nil to fail fast during initialization.
func NewPricingResolver(plans PlanStore, tiers TierStore, log *slog.Logger) *PricingResolver {
	if plans == nil {
		panic("billing: PlanStore is required")
	}
	if tiers == nil {
		panic("billing: TierStore is required")
	}
	if log == nil {
		log = slog.Default()
	}
	return &PricingResolver{plans: plans, tiers: tiers, log: log}
}

// ResolvePrice returns the tier covering quantity and the resulting total.
//
// A quantity that no configured tier covers is a gap in tier configuration,
// not a user error: it is logged with the full tier list for diagnostics and
// surfaced as ErrTierNotFound.
func (r *PricingResolver) ResolvePrice(ctx context.Context, planID string, period BillingPeriod, quantity int) (*PriceQuote, error) {
	if !ValidQuantity(quantity) {
		return nil, ErrInvalidQuantity
	}
	if !period.Valid() {
		return nil, ErrInvalidBillingPeriod
	}

	plan, err := r.plans.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	if !plan.IsActive {
		return nil, ErrPlanNotActive
	}

	tiers, err := r.tiers.ListTiers(ctx, planID, period)
	if err != nil {
		return nil, err
	}
	if len(tiers) == 0 {
		return nil, ErrNoPricingTiers
	}

	for _, tier := range tiers {
		if tier.Contains(quantity) {
			return &PriceQuote{
				PricePerUnitCents: tier.PricePerUnitCents,
				TotalPriceCents:   tier.PricePerUnitCents * int64(quantity),
				Tier:              tier,
			}, nil
		}
	}

	r.log.ErrorContext(ctx, "pricing tier configuration gap",
		slog.String("plan_id", planID),
		slog.String("billing_period", string(period)),
		slog.Int("quantity", quantity),
		slog.Any("tiers", tiers),
	)
	return nil, ErrTierNotFound
}
