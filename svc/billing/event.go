package billing

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// EventType is the normalized type of a verified processor webhook event.
type EventType string

const (
	EventInvoicePaid         EventType = "invoice.paid"
	EventPaymentSucceeded    EventType = "payment.succeeded"
	EventPaymentFailed       EventType = "payment.failed"
	EventPaymentCanceled     EventType = "payment.canceled"
	EventSubscriptionUpdated EventType = "subscription.updated"
	EventSubscriptionDeleted EventType = "subscription.deleted"
)

// Event is a verified, typed webhook event handed over by the gateway's
// parser. Exactly one of the payload fields is set depending on Type.
type Event struct {
	ID   string
	Type EventType

	Invoice      *ExternalInvoice
	Payment      *ExternalPayment
	Subscription *ExternalSubscription

	// Metadata carries the processor object's custom data, e.g. the
	// internal subscription id embedded at checkout time.
	Metadata map[string]string
}

// WebhookParser verifies a raw webhook payload against its signature and
// returns the typed event. Verification failures are reported as
// ErrWebhookVerificationFailed so the HTTP boundary can reject with 400.
type WebhookParser interface {
	ParseWebhook(ctx context.Context, payload []byte, signature string) (*Event, error)

	// SignatureHeader is the HTTP header the processor uses for the
	// payload signature.
	SignatureHeader() string
}

// EventPublisher receives notification-worthy domain events. Consumers are
// external collaborators (email sender, audit trail); a failing publisher
// never rolls back the billing state change that triggered it.
type EventPublisher interface {
	Publish(ctx context.Context, event any) error
}

// SubscriptionActivated is published when a pending subscription's first
// payment is confirmed.
type SubscriptionActivated struct {
	SubscriptionID uuid.UUID
	OrganizationID uuid.UUID
	UserID         uuid.UUID
	PlanID         string
	Quantity       int
	ActivatedAt    time.Time
}

// SubscriptionUpgraded is published when a quantity upgrade completes,
// either immediately (no payment due) or after the prorated payment
// succeeds.
type SubscriptionUpgraded struct {
	SubscriptionID   uuid.UUID
	OrganizationID   uuid.UUID
	UserID           uuid.UUID
	PreviousQuantity int
	NewQuantity      int
	AmountPaidCents  int64
}

// TrialEnding is published ahead of a trial's end date so the purchaser can
// be reminded to add a payment method.
type TrialEnding struct {
	SubscriptionID uuid.UUID
	OrganizationID uuid.UUID
	UserID         uuid.UUID
	TrialEndDate   time.Time
}

// NopPublisher discards all events. Used when no consumer is wired.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, any) error { return nil }
