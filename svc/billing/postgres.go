package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dmitrymomot/classpulse/pkg/pg"
)

const subscriptionColumns = `
	id, organization_id, user_id, plan_id, billing_period, quantity,
	pending_quantity, status, trial_start_date, trial_end_date,
	current_period_start, current_period_end, cancelled_at,
	external_subscription_id, external_customer_id, created_at, updated_at`

// PGSubscriptionStore is the pgx-backed SubscriptionStore.
type PGSubscriptionStore struct {
	pool *pgxpool.Pool
}

// NewPGSubscriptionStore creates a postgres subscription store.
// Panics if the pool is nil to fail fast during initialization.
func NewPGSubscriptionStore(pool *pgxpool.Pool) *PGSubscriptionStore {
	if pool == nil {
		panic("billing: pgx pool is required")
	}
	return &PGSubscriptionStore{pool: pool}
}

func (s *PGSubscriptionStore) GetByID(ctx context.Context, id uuid.UUID) (*Subscription, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT`+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id)
	return scanSubscription(row)
}

func (s *PGSubscriptionStore) GetByExternalID(ctx context.Context, externalSubscriptionID string) (*Subscription, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT`+subscriptionColumns+` FROM subscriptions WHERE external_subscription_id = $1`,
		externalSubscriptionID)
	return scanSubscription(row)
}

func (s *PGSubscriptionStore) Save(ctx context.Context, sub *Subscription) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO subscriptions (
			id, organization_id, user_id, plan_id, billing_period, quantity,
			pending_quantity, status, trial_start_date, trial_end_date,
			current_period_start, current_period_end, cancelled_at,
			external_subscription_id, external_customer_id, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
		ON CONFLICT (id) DO UPDATE SET
			plan_id = EXCLUDED.plan_id,
			billing_period = EXCLUDED.billing_period,
			quantity = EXCLUDED.quantity,
			pending_quantity = EXCLUDED.pending_quantity,
			status = EXCLUDED.status,
			trial_start_date = EXCLUDED.trial_start_date,
			trial_end_date = EXCLUDED.trial_end_date,
			current_period_start = EXCLUDED.current_period_start,
			current_period_end = EXCLUDED.current_period_end,
			cancelled_at = EXCLUDED.cancelled_at,
			external_subscription_id = EXCLUDED.external_subscription_id,
			external_customer_id = EXCLUDED.external_customer_id,
			updated_at = EXCLUDED.updated_at`,
		sub.ID, sub.OrganizationID, sub.UserID, sub.PlanID, sub.BillingPeriod,
		sub.Quantity, sub.PendingQuantity, sub.Status, sub.TrialStartDate,
		sub.TrialEndDate, sub.CurrentPeriodStart, sub.CurrentPeriodEnd,
		sub.CancelledAt, nullableString(sub.ExternalSubscriptionID),
		nullableString(sub.ExternalCustomerID), sub.CreatedAt, sub.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save subscription: %w", err)
	}
	return nil
}

func (s *PGSubscriptionStore) ListPendingQuantityDue(ctx context.Context, before time.Time) ([]*Subscription, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT`+subscriptionColumns+`
		 FROM subscriptions
		 WHERE status = $1 AND pending_quantity IS NOT NULL AND current_period_end <= $2`,
		StatusActive, before)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending quantity subscriptions: %w", err)
	}
	return scanSubscriptions(rows)
}

func (s *PGSubscriptionStore) ListExpiredActive(ctx context.Context, before time.Time) ([]*Subscription, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT`+subscriptionColumns+`
		 FROM subscriptions
		 WHERE status = ANY($1) AND external_subscription_id IS NOT NULL AND current_period_end <= $2`,
		[]string{string(StatusActive), string(StatusTrial)}, before)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired subscriptions: %w", err)
	}
	return scanSubscriptions(rows)
}

func (s *PGSubscriptionStore) ListTrialsEndingBetween(ctx context.Context, from, to time.Time) ([]*Subscription, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT`+subscriptionColumns+`
		 FROM subscriptions
		 WHERE status = $1 AND trial_end_date >= $2 AND trial_end_date <= $3`,
		StatusTrial, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to list ending trials: %w", err)
	}
	return scanSubscriptions(rows)
}

func scanSubscriptions(rows pgx.Rows) ([]*Subscription, error) {
	defer rows.Close()

	var out []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read subscription rows: %w", err)
	}
	return out, nil
}

func scanSubscription(row pgx.Row) (*Subscription, error) {
	var sub Subscription
	var externalSubID, externalCustID *string
	err := row.Scan(
		&sub.ID, &sub.OrganizationID, &sub.UserID, &sub.PlanID,
		&sub.BillingPeriod, &sub.Quantity, &sub.PendingQuantity, &sub.Status,
		&sub.TrialStartDate, &sub.TrialEndDate, &sub.CurrentPeriodStart,
		&sub.CurrentPeriodEnd, &sub.CancelledAt, &externalSubID,
		&externalCustID, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		if pg.IsNotFoundError(err) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("failed to scan subscription: %w", err)
	}
	if externalSubID != nil {
		sub.ExternalSubscriptionID = *externalSubID
	}
	if externalCustID != nil {
		sub.ExternalCustomerID = *externalCustID
	}
	return &sub, nil
}

// PGInvoiceStore is the pgx-backed InvoiceStore. Rows are unique on
// external_invoice_id; Save upserts on that key so concurrent webhook
// deliveries of the same document collapse into one row.
type PGInvoiceStore struct {
	pool *pgxpool.Pool
}

// NewPGInvoiceStore creates a postgres invoice store.
// Panics if the pool is nil to fail fast during initialization.
func NewPGInvoiceStore(pool *pgxpool.Pool) *PGInvoiceStore {
	if pool == nil {
		panic("billing: pgx pool is required")
	}
	return &PGInvoiceStore{pool: pool}
}

func (s *PGInvoiceStore) GetByExternalID(ctx context.Context, externalInvoiceID string) (*Invoice, error) {
	var inv Invoice
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, organization_id, subscription_id,
		       external_invoice_id, external_customer_id, invoice_number,
		       amount_cents, tax_cents, currency, status, pdf_url, hosted_url,
		       issued_at, paid_at, created_at
		FROM invoices WHERE external_invoice_id = $1`, externalInvoiceID).Scan(
		&inv.ID, &inv.UserID, &inv.OrganizationID, &inv.SubscriptionID,
		&inv.ExternalInvoiceID, &inv.ExternalCustomerID, &inv.InvoiceNumber,
		&inv.AmountCents, &inv.TaxCents, &inv.Currency, &inv.Status,
		&inv.PDFURL, &inv.HostedURL, &inv.IssuedAt, &inv.PaidAt, &inv.CreatedAt)
	if err != nil {
		if pg.IsNotFoundError(err) {
			return nil, ErrInvoiceNotFound
		}
		return nil, fmt.Errorf("failed to get invoice: %w", err)
	}
	return &inv, nil
}

func (s *PGInvoiceStore) Save(ctx context.Context, inv *Invoice) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO invoices (
			id, user_id, organization_id, subscription_id,
			external_invoice_id, external_customer_id, invoice_number,
			amount_cents, tax_cents, currency, status, pdf_url, hosted_url,
			issued_at, paid_at, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		ON CONFLICT (external_invoice_id) DO UPDATE SET
			external_customer_id = EXCLUDED.external_customer_id,
			invoice_number = EXCLUDED.invoice_number,
			amount_cents = EXCLUDED.amount_cents,
			tax_cents = EXCLUDED.tax_cents,
			currency = EXCLUDED.currency,
			status = EXCLUDED.status,
			pdf_url = EXCLUDED.pdf_url,
			hosted_url = EXCLUDED.hosted_url,
			issued_at = EXCLUDED.issued_at,
			paid_at = EXCLUDED.paid_at`,
		inv.ID, inv.UserID, inv.OrganizationID, inv.SubscriptionID,
		inv.ExternalInvoiceID, inv.ExternalCustomerID, inv.InvoiceNumber,
		inv.AmountCents, inv.TaxCents, inv.Currency, inv.Status, inv.PDFURL,
		inv.HostedURL, inv.IssuedAt, inv.PaidAt, inv.CreatedAt)
	if err != nil {
		if pg.IsDuplicateKeyError(err) {
			// A concurrent insert raced on a different primary key for the
			// same external id; the other writer's row wins.
			return nil
		}
		return fmt.Errorf("failed to save invoice: %w", err)
	}
	return nil
}

// PGPlanStore reads plans and tiers from postgres. The same tables the
// catalog seeder writes; implements PlanStore and TierStore.
type PGPlanStore struct {
	pool *pgxpool.Pool
}

// NewPGPlanStore creates a postgres plan and tier store.
// Panics if the pool is nil to fail fast during initialization.
func NewPGPlanStore(pool *pgxpool.Pool) *PGPlanStore {
	if pool == nil {
		panic("billing: pgx pool is required")
	}
	return &PGPlanStore{pool: pool}
}

func (s *PGPlanStore) GetPlan(ctx context.Context, planID string) (*Plan, error) {
	var plan Plan
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, is_free, is_active, trial_period_days,
		       base_price_cents, external_product_id
		FROM subscription_plans WHERE id = $1`, planID).Scan(
		&plan.ID, &plan.Name, &plan.IsFree, &plan.IsActive,
		&plan.TrialPeriodDays, &plan.BasePriceCents, &plan.ExternalProductID)
	if err != nil {
		if pg.IsNotFoundError(err) {
			return nil, ErrPlanNotFound
		}
		return nil, fmt.Errorf("failed to get plan: %w", err)
	}
	return &plan, nil
}

func (s *PGPlanStore) ListTiers(ctx context.Context, planID string, period BillingPeriod) ([]PricingTier, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT plan_id, billing_period, min_classes, max_classes,
		       price_per_unit_cents, currency, external_price_id
		FROM pricing_tiers
		WHERE plan_id = $1 AND billing_period = $2
		ORDER BY min_classes`, planID, period)
	if err != nil {
		return nil, fmt.Errorf("failed to list pricing tiers: %w", err)
	}
	defer rows.Close()

	var out []PricingTier
	for rows.Next() {
		var t PricingTier
		if err := rows.Scan(&t.PlanID, &t.BillingPeriod, &t.MinClasses,
			&t.MaxClasses, &t.PricePerUnitCents, &t.Currency, &t.ExternalPriceID); err != nil {
			return nil, fmt.Errorf("failed to scan pricing tier: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read pricing tier rows: %w", err)
	}
	return out, nil
}

// SeedCatalog writes a validated catalog into the plan and tier tables so the
// YAML file stays the source of truth while queries hit postgres.
func (s *PGPlanStore) SeedCatalog(ctx context.Context, catalog *Catalog) error {
	if catalog == nil {
		return errors.New("catalog is required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin catalog seed: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, plan := range catalog.plans {
		if _, err := tx.Exec(ctx, `
			INSERT INTO subscription_plans (
				id, name, is_free, is_active, trial_period_days,
				base_price_cents, external_product_id
			) VALUES ($1,$2,$3,$4,$5,$6,$7)
			ON CONFLICT (id) DO UPDATE SET
				name = EXCLUDED.name,
				is_free = EXCLUDED.is_free,
				is_active = EXCLUDED.is_active,
				trial_period_days = EXCLUDED.trial_period_days,
				base_price_cents = EXCLUDED.base_price_cents,
				external_product_id = EXCLUDED.external_product_id`,
			plan.ID, plan.Name, plan.IsFree, plan.IsActive,
			plan.TrialPeriodDays, plan.BasePriceCents, plan.ExternalProductID); err != nil {
			return fmt.Errorf("failed to seed plan %s: %w", plan.ID, err)
		}

		if _, err := tx.Exec(ctx,
			`DELETE FROM pricing_tiers WHERE plan_id = $1`, plan.ID); err != nil {
			return fmt.Errorf("failed to clear tiers for plan %s: %w", plan.ID, err)
		}
		for _, tiers := range catalog.tiers[plan.ID] {
			for _, t := range tiers {
				if _, err := tx.Exec(ctx, `
					INSERT INTO pricing_tiers (
						plan_id, billing_period, min_classes, max_classes,
						price_per_unit_cents, currency, external_price_id
					) VALUES ($1,$2,$3,$4,$5,$6,$7)`,
					t.PlanID, t.BillingPeriod, t.MinClasses, t.MaxClasses,
					t.PricePerUnitCents, t.Currency, t.ExternalPriceID); err != nil {
					return fmt.Errorf("failed to seed tier for plan %s: %w", plan.ID, err)
				}
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit catalog seed: %w", err)
	}
	return nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
