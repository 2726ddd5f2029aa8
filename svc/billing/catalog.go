package billing

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Catalog file shape:
//
//	plans:
//	  - id: standard
//	    name: Standard
//	    is_active: true
//	    trial_period_days: 14
//	    external_product_id: pro_xxx
//	    tiers:
//	      - billing_period: monthly
//	        min_classes: 1
//	        max_classes: 5
//	        price_per_unit_cents: 1000
//	        currency: USD
//	        external_price_id: pri_xxx
type catalogFile struct {
	Plans []catalogPlan `yaml:"plans"`
}

type catalogPlan struct {
	ID                string        `yaml:"id"`
	Name              string        `yaml:"name"`
	IsFree            bool          `yaml:"is_free"`
	IsActive          bool          `yaml:"is_active"`
	TrialPeriodDays   int           `yaml:"trial_period_days"`
	BasePriceCents    int64         `yaml:"base_price_cents"`
	ExternalProductID string        `yaml:"external_product_id"`
	Tiers             []catalogTier `yaml:"tiers"`
}

type catalogTier struct {
	BillingPeriod     string `yaml:"billing_period"`
	MinClasses        int    `yaml:"min_classes"`
	MaxClasses        int    `yaml:"max_classes"`
	PricePerUnitCents int64  `yaml:"price_per_unit_cents"`
	Currency          string `yaml:"currency"`
	ExternalPriceID   string `yaml:"external_price_id"`
}

// Catalog is a validated, immutable plan and tier catalog. It implements
// PlanStore and TierStore.
type Catalog struct {
	plans map[string]Plan
	tiers map[string]map[BillingPeriod][]PricingTier
}

// LoadCatalog reads and validates a YAML plan catalog file.
func LoadCatalog(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog file: %w", err)
	}
	return ParseCatalog(raw)
}

// ParseCatalog parses and validates YAML catalog content.
//
// Validation rejects catalogs whose paid plans leave any quantity in [1,20]
// uncovered or covered twice for a configured period: tier gaps surface at
// startup instead of as runtime pricing incidents.
func ParseCatalog(raw []byte) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("failed to parse catalog yaml: %w", err)
	}
	if len(file.Plans) == 0 {
		return nil, errors.New("catalog contains no plans")
	}

	c := &Catalog{
		plans: make(map[string]Plan, len(file.Plans)),
		tiers: make(map[string]map[BillingPeriod][]PricingTier),
	}

	for _, cp := range file.Plans {
		if cp.ID == "" {
			return nil, errors.New("catalog plan without id")
		}
		if _, dup := c.plans[cp.ID]; dup {
			return nil, fmt.Errorf("duplicate catalog plan %q", cp.ID)
		}

		c.plans[cp.ID] = Plan{
			ID:                cp.ID,
			Name:              cp.Name,
			IsFree:            cp.IsFree,
			IsActive:          cp.IsActive,
			TrialPeriodDays:   cp.TrialPeriodDays,
			BasePriceCents:    cp.BasePriceCents,
			ExternalProductID: cp.ExternalProductID,
		}

		byPeriod := make(map[BillingPeriod][]PricingTier)
		for _, ct := range cp.Tiers {
			period := BillingPeriod(ct.BillingPeriod)
			if !period.Valid() {
				return nil, fmt.Errorf("plan %q: invalid billing period %q", cp.ID, ct.BillingPeriod)
			}
			if ct.MinClasses > ct.MaxClasses {
				return nil, fmt.Errorf("plan %q: tier range [%d,%d] is inverted", cp.ID, ct.MinClasses, ct.MaxClasses)
			}
			byPeriod[period] = append(byPeriod[period], PricingTier{
				PlanID:            cp.ID,
				BillingPeriod:     period,
				MinClasses:        ct.MinClasses,
				MaxClasses:        ct.MaxClasses,
				PricePerUnitCents: ct.PricePerUnitCents,
				Currency:          ct.Currency,
				ExternalPriceID:   ct.ExternalPriceID,
			})
		}

		for period, tiers := range byPeriod {
			if err := validateTierCoverage(cp.ID, period, tiers); err != nil {
				return nil, err
			}
			byPeriod[period] = tiers
		}

		if !cp.IsFree && len(byPeriod) == 0 {
			return nil, fmt.Errorf("paid plan %q has no pricing tiers", cp.ID)
		}
		c.tiers[cp.ID] = byPeriod
	}

	return c, nil
}

// validateTierCoverage sorts the tiers and requires contiguous coverage of
// [MinQuantity, MaxQuantity] with no overlap.
func validateTierCoverage(planID string, period BillingPeriod, tiers []PricingTier) error {
	sort.Slice(tiers, func(i, j int) bool {
		return tiers[i].MinClasses < tiers[j].MinClasses
	})

	next := MinQuantity
	for _, t := range tiers {
		if t.MinClasses < next {
			return fmt.Errorf("plan %q %s tiers overlap at %d classes", planID, period, t.MinClasses)
		}
		if t.MinClasses > next {
			return fmt.Errorf("plan %q %s tiers leave a gap at %d classes", planID, period, next)
		}
		next = t.MaxClasses + 1
	}
	if next <= MaxQuantity {
		return fmt.Errorf("plan %q %s tiers leave a gap at %d classes", planID, period, next)
	}
	return nil
}

// GetPlan implements PlanStore.
func (c *Catalog) GetPlan(_ context.Context, planID string) (*Plan, error) {
	plan, ok := c.plans[planID]
	if !ok {
		return nil, ErrPlanNotFound
	}
	p := plan
	return &p, nil
}

// ListTiers implements TierStore. The returned slice is a copy sorted by
// MinClasses.
func (c *Catalog) ListTiers(_ context.Context, planID string, period BillingPeriod) ([]PricingTier, error) {
	byPeriod, ok := c.tiers[planID]
	if !ok {
		return nil, ErrPlanNotFound
	}
	tiers := byPeriod[period]
	out := make([]PricingTier, len(tiers))
	copy(out, tiers)
	return out, nil
}
