package billing

// Plan describes a subscription plan. Plans are administered outside the
// billing core and read-only from its perspective.
type Plan struct {
	ID                string
	Name              string
	IsFree            bool
	IsActive          bool
	TrialPeriodDays   int
	BasePriceCents    int64
	ExternalProductID string
}

// PricingTier maps a (plan, billing period, class-count range) to a unit
// price. Ranges of the same plan and period never overlap.
//
// PricePerUnitCents is the full price for the tier's billing period: annual
// tiers already store the annual rate, nothing multiplies by twelve at
// resolution time.
type PricingTier struct {
	PlanID            string
	BillingPeriod     BillingPeriod
	MinClasses        int
	MaxClasses        int
	PricePerUnitCents int64
	Currency          string

	// ExternalPriceID is empty until the tier has been synced to the
	// payment processor; gateway operations require it.
	ExternalPriceID string
}

// Contains reports whether quantity falls within the tier's inclusive range.
func (t PricingTier) Contains(quantity int) bool {
	return quantity >= t.MinClasses && quantity <= t.MaxClasses
}
