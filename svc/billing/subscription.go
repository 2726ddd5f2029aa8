package billing

import (
	"time"

	"github.com/google/uuid"
)

// SubscriptionStatus represents the lifecycle state of a subscription.
type SubscriptionStatus string

const (
	StatusTrial     SubscriptionStatus = "trial"
	StatusActive    SubscriptionStatus = "active"
	StatusPastDue   SubscriptionStatus = "past_due"
	StatusCancelled SubscriptionStatus = "cancelled"
	StatusExpired   SubscriptionStatus = "expired"
	StatusPending   SubscriptionStatus = "pending"
	StatusFailed    SubscriptionStatus = "failed"
)

// BillingPeriod is the billing cadence of a subscription.
type BillingPeriod string

const (
	PeriodMonthly BillingPeriod = "monthly"
	PeriodAnnual  BillingPeriod = "annual"
)

// Valid reports whether the period is one of the supported cadences.
func (p BillingPeriod) Valid() bool {
	return p == PeriodMonthly || p == PeriodAnnual
}

// advance returns t moved forward by one billing period.
func (p BillingPeriod) advance(t time.Time) time.Time {
	if p == PeriodAnnual {
		return t.AddDate(1, 0, 0)
	}
	return t.AddDate(0, 1, 0)
}

// Quantity bounds for billable classes per organization.
const (
	MinQuantity = 1
	MaxQuantity = 20
)

// ValidQuantity reports whether q is a billable class count.
func ValidQuantity(q int) bool {
	return q >= MinQuantity && q <= MaxQuantity
}

// Subscription is an organization's subscription to a plan. At most one
// subscription per organization is active at a time; terminated rows are kept
// for audit history and never physically deleted.
//
// All mutation goes through the methods below so every transition is
// validated in one place. Callers never write fields directly.
type Subscription struct {
	ID              uuid.UUID
	OrganizationID  uuid.UUID
	UserID          uuid.UUID // purchaser
	PlanID          string
	BillingPeriod   BillingPeriod
	Quantity        int  // current billable class count
	PendingQuantity *int // downgrade staged for next period, nil when none

	Status SubscriptionStatus

	TrialStartDate     *time.Time
	TrialEndDate       *time.Time
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time

	// CancelledAt equal to CurrentPeriodEnd means cancellation is scheduled
	// but not yet effective; with Status == StatusCancelled it records when
	// the subscription actually terminated.
	CancelledAt *time.Time

	ExternalSubscriptionID string
	ExternalCustomerID     string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewSubscription creates a subscription that starts immediately: in trial
// when trialDays > 0, otherwise active with a full billing period.
func NewSubscription(userID, organizationID uuid.UUID, planID string, period BillingPeriod, quantity, trialDays int) (*Subscription, error) {
	return NewSubscriptionAt(time.Now().UTC(), userID, organizationID, planID, period, quantity, trialDays)
}

// NewSubscriptionAt is the fixed-time variant of NewSubscription.
func NewSubscriptionAt(now time.Time, userID, organizationID uuid.UUID, planID string, period BillingPeriod, quantity, trialDays int) (*Subscription, error) {
	s, err := newSubscription(now, userID, organizationID, planID, period, quantity)
	if err != nil {
		return nil, err
	}

	if trialDays > 0 {
		trialEnd := now.AddDate(0, 0, trialDays)
		s.Status = StatusTrial
		s.TrialStartDate = &now
		s.TrialEndDate = &trialEnd
		s.CurrentPeriodStart = &now
		s.CurrentPeriodEnd = &trialEnd
	} else {
		periodEnd := period.advance(now)
		s.Status = StatusActive
		s.CurrentPeriodStart = &now
		s.CurrentPeriodEnd = &periodEnd
	}
	return s, nil
}

// NewPendingSubscription creates a subscription awaiting first external
// payment confirmation. No period is set; activation happens when the paid
// invoice webhook arrives.
func NewPendingSubscription(userID, organizationID uuid.UUID, planID string, period BillingPeriod, quantity int) (*Subscription, error) {
	return NewPendingSubscriptionAt(time.Now().UTC(), userID, organizationID, planID, period, quantity)
}

// NewPendingSubscriptionAt is the fixed-time variant of NewPendingSubscription.
func NewPendingSubscriptionAt(now time.Time, userID, organizationID uuid.UUID, planID string, period BillingPeriod, quantity int) (*Subscription, error) {
	s, err := newSubscription(now, userID, organizationID, planID, period, quantity)
	if err != nil {
		return nil, err
	}
	s.Status = StatusPending
	return s, nil
}

func newSubscription(now time.Time, userID, organizationID uuid.UUID, planID string, period BillingPeriod, quantity int) (*Subscription, error) {
	if !ValidQuantity(quantity) {
		return nil, ErrInvalidQuantity
	}
	if !period.Valid() {
		return nil, ErrInvalidBillingPeriod
	}

	return &Subscription{
		ID:             uuid.New(),
		OrganizationID: organizationID,
		UserID:         userID,
		PlanID:         planID,
		BillingPeriod:  period,
		Quantity:       quantity,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

func (s *Subscription) IsTrialing() bool {
	return s.Status == StatusTrial
}

// IsActive reports whether the subscription currently grants access:
// either fully active or still in trial.
func (s *Subscription) IsActive() bool {
	return s.Status == StatusActive || s.Status == StatusTrial
}

func (s *Subscription) IsCancelled() bool {
	return s.Status == StatusCancelled
}

// IsCancellationScheduled reports whether a future cancellation is recorded
// but not yet effective.
func (s *Subscription) IsCancellationScheduled(now time.Time) bool {
	return s.Status != StatusCancelled && s.CancelledAt != nil && s.CancelledAt.After(now)
}

// PeriodExpired reports whether the current billing period ended before now.
func (s *Subscription) PeriodExpired(now time.Time) bool {
	return s.CurrentPeriodEnd != nil && s.CurrentPeriodEnd.Before(now)
}

// Activate transitions the subscription to active. Legal from pending (first
// payment confirmed) and trial (early conversion); already-active is a no-op.
func (s *Subscription) Activate() error {
	return s.ActivateAt(time.Now().UTC())
}

// ActivateAt is the fixed-time variant of Activate.
//
// Activating a running trial does not extend the paid-for window: the period
// becomes [now, trialEndDate]. When the trial already ended, a full billing
// period starts from now instead, so a late-arriving activation never
// produces an empty period. Activating a pending subscription starts a full
// billing period from now.
func (s *Subscription) ActivateAt(now time.Time) error {
	switch s.Status {
	case StatusActive:
		return nil
	case StatusTrial:
		periodEnd := s.BillingPeriod.advance(now)
		if s.TrialEndDate != nil && s.TrialEndDate.After(now) {
			periodEnd = *s.TrialEndDate
		}
		s.CurrentPeriodStart = &now
		s.CurrentPeriodEnd = &periodEnd
		s.Status = StatusActive
		s.touch(now)
		return nil
	case StatusPending:
		if s.CurrentPeriodStart == nil || s.CurrentPeriodEnd == nil {
			periodEnd := s.BillingPeriod.advance(now)
			s.CurrentPeriodStart = &now
			s.CurrentPeriodEnd = &periodEnd
		}
		s.Status = StatusActive
		s.touch(now)
		return nil
	default:
		return ErrInvalidStateTransition
	}
}

// UpdateQuantity changes the billable class count. Immediate changes
// (upgrades) take effect now and clear any staged downgrade; deferred changes
// (downgrades) are staged in PendingQuantity until the next renewal.
func (s *Subscription) UpdateQuantity(newQuantity int, immediate bool) error {
	return s.UpdateQuantityAt(time.Now().UTC(), newQuantity, immediate)
}

// UpdateQuantityAt is the fixed-time variant of UpdateQuantity.
func (s *Subscription) UpdateQuantityAt(now time.Time, newQuantity int, immediate bool) error {
	if !ValidQuantity(newQuantity) {
		return ErrInvalidQuantity
	}
	if !s.IsActive() {
		return ErrSubscriptionNotActive
	}

	if immediate {
		s.Quantity = newQuantity
		s.PendingQuantity = nil
	} else {
		q := newQuantity
		s.PendingQuantity = &q
	}
	s.touch(now)
	return nil
}

// LinkExternal records the payment processor's subscription and customer ids.
func (s *Subscription) LinkExternal(externalSubscriptionID, externalCustomerID string) error {
	if externalSubscriptionID == "" || externalCustomerID == "" {
		return ErrMissingExternalIDs
	}
	s.ExternalSubscriptionID = externalSubscriptionID
	s.ExternalCustomerID = externalCustomerID
	s.touch(time.Now().UTC())
	return nil
}

// ScheduleCancellation marks the subscription for termination at the end of
// the current period. Already-cancelled subscriptions are a no-op.
func (s *Subscription) ScheduleCancellation() error {
	return s.ScheduleCancellationAt(time.Now().UTC())
}

// ScheduleCancellationAt is the fixed-time variant of ScheduleCancellation.
func (s *Subscription) ScheduleCancellationAt(now time.Time) error {
	if s.IsCancelled() {
		return nil
	}
	if !s.IsActive() {
		return ErrSubscriptionNotActive
	}

	effective := now
	if s.CurrentPeriodEnd != nil {
		effective = *s.CurrentPeriodEnd
	}
	s.CancelledAt = &effective
	s.touch(now)
	return nil
}

// Cancel terminates the subscription immediately. Idempotent: cancelling an
// already-cancelled subscription changes nothing.
func (s *Subscription) Cancel() {
	s.CancelAt(time.Now().UTC())
}

// CancelAt is the fixed-time variant of Cancel.
func (s *Subscription) CancelAt(now time.Time) {
	if s.IsCancelled() {
		return
	}
	s.Status = StatusCancelled
	s.CancelledAt = &now
	s.touch(now)
}

// RenewPeriod advances the billing period by one cadence from now and applies
// any staged downgrade. This is the sole point where PendingQuantity becomes
// the effective quantity.
func (s *Subscription) RenewPeriod() error {
	return s.RenewPeriodAt(time.Now().UTC())
}

// RenewPeriodAt is the fixed-time variant of RenewPeriod.
func (s *Subscription) RenewPeriodAt(now time.Time) error {
	if s.Status != StatusActive {
		return ErrSubscriptionNotActive
	}

	periodEnd := s.BillingPeriod.advance(now)
	s.CurrentPeriodStart = &now
	s.CurrentPeriodEnd = &periodEnd

	if s.PendingQuantity != nil {
		s.Quantity = *s.PendingQuantity
		s.PendingQuantity = nil
	}
	s.touch(now)
	return nil
}

// ApplyExternalPeriod overwrites the period boundaries with the external
// system's authoritative values.
func (s *Subscription) ApplyExternalPeriod(start, end time.Time) error {
	if end.Before(start) {
		return ErrInvalidStateTransition
	}
	s.CurrentPeriodStart = &start
	s.CurrentPeriodEnd = &end
	s.touch(time.Now().UTC())
	return nil
}

// ExternalState is the subset of the payment processor's subscription record
// relevant to reconciliation.
type ExternalState struct {
	Status            string // processor vocabulary: trialing/active/past_due/canceled/unpaid/incomplete
	PeriodStart       time.Time
	PeriodEnd         time.Time
	CancelAtPeriodEnd bool
	Quantity          int // 0 when the payload carried no quantity
}

// SyncFromExternal maps the processor's view of the subscription onto the
// internal record. The external source is authoritative for period
// boundaries and status.
func (s *Subscription) SyncFromExternal(state ExternalState) error {
	return s.SyncFromExternalAt(time.Now().UTC(), state)
}

// SyncFromExternalAt is the fixed-time variant of SyncFromExternal.
func (s *Subscription) SyncFromExternalAt(now time.Time, state ExternalState) error {
	if mapped, ok := mapExternalStatus(state.Status); ok {
		s.Status = mapped
		if mapped == StatusCancelled && s.CancelledAt == nil {
			s.CancelledAt = &now
		}
	}

	if !state.PeriodStart.IsZero() && !state.PeriodEnd.IsZero() {
		if err := s.ApplyExternalPeriod(state.PeriodStart, state.PeriodEnd); err != nil {
			return err
		}
	}

	if state.CancelAtPeriodEnd {
		// Stamp the scheduled cancellation unless a valid future one exists.
		if s.CancelledAt == nil || s.CancelledAt.Before(now) {
			end := state.PeriodEnd
			if end.IsZero() && s.CurrentPeriodEnd != nil {
				end = *s.CurrentPeriodEnd
			}
			if !end.IsZero() {
				s.CancelledAt = &end
			}
		}
	} else if s.CancelledAt != nil && s.CancelledAt.After(now) {
		// The customer un-cancelled externally: clear the scheduled
		// cancellation and repair the status if we already flipped it.
		s.CancelledAt = nil
		if s.Status == StatusCancelled {
			s.Status = StatusActive
		}
	}

	if state.Quantity != 0 && ValidQuantity(state.Quantity) {
		s.Quantity = state.Quantity
	}

	s.touch(now)
	return nil
}

// mapExternalStatus translates the processor's status vocabulary into the
// internal one. Unknown statuses are left unmapped so a provider vocabulary
// change cannot corrupt internal state.
func mapExternalStatus(external string) (SubscriptionStatus, bool) {
	switch external {
	case "trialing":
		return StatusTrial, true
	case "active":
		return StatusActive, true
	case "past_due", "unpaid":
		return StatusPastDue, true
	case "canceled", "cancelled":
		return StatusCancelled, true
	case "incomplete":
		return StatusPending, true
	default:
		return "", false
	}
}

func (s *Subscription) touch(now time.Time) {
	s.UpdatedAt = now
}
