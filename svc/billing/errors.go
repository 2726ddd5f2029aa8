package billing

import "errors"

var (
	// Validation errors - rejected synchronously, never retried.
	ErrInvalidQuantity      = errors.New("billing: quantity must be between 1 and 20")
	ErrInvalidBillingPeriod = errors.New("billing: billing period must be monthly or annual")
	ErrMissingExternalIDs   = errors.New("billing: external subscription and customer ids are required")

	// Not-found errors - surfaced to the caller, not retried automatically.
	ErrPlanNotFound         = errors.New("billing: subscription plan not found")
	ErrSubscriptionNotFound = errors.New("billing: subscription not found")
	ErrInvoiceNotFound      = errors.New("billing: invoice not found")

	// State-conflict errors - operation illegal in the current state.
	ErrPlanNotActive           = errors.New("billing: subscription plan is not active")
	ErrInvalidStateTransition  = errors.New("billing: invalid subscription state transition")
	ErrSubscriptionNotActive   = errors.New("billing: subscription is not active")
	ErrOrganizationMismatch    = errors.New("billing: subscription does not belong to organization")
	ErrQuantityUnchanged       = errors.New("billing: new quantity equals current quantity")
	ErrInsufficientPermissions = errors.New("billing: requesting user is not an organization admin")

	// Reconciliation-gap errors - internal and external state disagree in a
	// way that requires operator attention rather than a user-facing error.
	ErrNoPricingTiers        = errors.New("billing: no pricing tiers configured for plan and period")
	ErrTierNotFound          = errors.New("billing: no pricing tier covers the requested quantity")
	ErrTierNotSynced         = errors.New("billing: pricing tier has no external price id")
	ErrSubscriptionIDMissing = errors.New("billing: webhook payload carries no subscription reference")

	// External-system errors.
	ErrGatewayUnavailable        = errors.New("billing: payment gateway call failed")
	ErrWebhookVerificationFailed = errors.New("billing: webhook signature verification failed")
)
