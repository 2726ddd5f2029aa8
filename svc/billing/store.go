package billing

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// SubscriptionStore persists subscriptions.
// Implementations return ErrSubscriptionNotFound for missing rows.
type SubscriptionStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Subscription, error)
	GetByExternalID(ctx context.Context, externalSubscriptionID string) (*Subscription, error)

	// Save creates or updates a subscription; the row is keyed by ID.
	Save(ctx context.Context, sub *Subscription) error

	// ListPendingQuantityDue returns active subscriptions with a staged
	// downgrade whose period ended at or before the given time.
	ListPendingQuantityDue(ctx context.Context, before time.Time) ([]*Subscription, error)

	// ListExpiredActive returns active or trialing subscriptions whose
	// period ended at or before the given time and that are linked to an
	// external subscription. These missed their terminating webhook.
	ListExpiredActive(ctx context.Context, before time.Time) ([]*Subscription, error)

	// ListTrialsEndingBetween returns trialing subscriptions whose trial
	// ends within the window.
	ListTrialsEndingBetween(ctx context.Context, from, to time.Time) ([]*Subscription, error)
}

// InvoiceStore persists invoices. Rows are unique on ExternalInvoiceID.
type InvoiceStore interface {
	GetByExternalID(ctx context.Context, externalInvoiceID string) (*Invoice, error)

	// Save upserts by ExternalInvoiceID: reconciliation must never create
	// a duplicate row for the same external document.
	Save(ctx context.Context, inv *Invoice) error
}

// PlanStore reads subscription plans.
// Implementations return ErrPlanNotFound for missing plans.
type PlanStore interface {
	GetPlan(ctx context.Context, planID string) (*Plan, error)
}

// TierStore reads pricing tiers.
type TierStore interface {
	ListTiers(ctx context.Context, planID string, period BillingPeriod) ([]PricingTier, error)
}

// DedupeStore remembers processed webhook event ids so duplicate delivery is
// absorbed before any handler runs.
type DedupeStore interface {
	// MarkProcessed records the event id and reports whether it was newly
	// recorded. A false result means the event was already handled.
	MarkProcessed(ctx context.Context, eventID string) (bool, error)
}

// RoleChecker is the external authorization collaborator: it answers whether
// a user administers an organization.
type RoleChecker interface {
	IsOrganizationAdmin(ctx context.Context, userID, organizationID uuid.UUID) (bool, error)
}
