package billing

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// InvoiceArchiver copies a paid invoice's PDF into long-term storage.
// Archival is best effort and never blocks reconciliation.
type InvoiceArchiver interface {
	ArchivePDF(ctx context.Context, inv *Invoice) error
}

// Reconciler applies verified processor webhook events to internal state.
// Handling the same event twice is safe: invoices upsert on their unique
// external id, subscription status is re-derived rather than incremented,
// and an optional dedupe store short-circuits duplicate delivery entirely.
type Reconciler struct {
	subs      SubscriptionStore
	invoices  InvoiceStore
	tiers     TierStore
	gateway   PaymentGateway
	publisher EventPublisher
	dedupe    DedupeStore
	archiver  InvoiceArchiver
	log       *slog.Logger
	now       func() time.Time
}

// ReconcilerOption configures optional reconciler collaborators.
type ReconcilerOption func(*Reconciler)

// WithDedupeStore enables event-id based duplicate suppression.
func WithDedupeStore(store DedupeStore) ReconcilerOption {
	return func(r *Reconciler) { r.dedupe = store }
}

// WithInvoiceArchiver enables best-effort PDF archival of paid invoices.
func WithInvoiceArchiver(archiver InvoiceArchiver) ReconcilerOption {
	return func(r *Reconciler) { r.archiver = archiver }
}

// WithReconcilerClock overrides the time source. Used in tests.
func WithReconcilerClock(now func() time.Time) ReconcilerOption {
	return func(r *Reconciler) {
		if now != nil {
			r.now = now
		}
	}
}

// NewReconciler creates the webhook reconciliation dispatcher.
// Panics if required collaborators are nil to fail fast during initialization.
func NewReconciler(subs SubscriptionStore, invoices InvoiceStore, tiers TierStore, gateway PaymentGateway, publisher EventPublisher, log *slog.Logger, opts ...ReconcilerOption) *Reconciler {
	if subs == nil {
		panic("billing: SubscriptionStore is required")
	}
	if invoices == nil {
		panic("billing: InvoiceStore is required")
	}
	if tiers == nil {
		panic("billing: TierStore is required")
	}
	if gateway == nil {
		panic("billing: PaymentGateway is required")
	}
	if publisher == nil {
		publisher = NopPublisher{}
	}
	if log == nil {
		log = slog.Default()
	}

	r := &Reconciler{
		subs:      subs,
		invoices:  invoices,
		tiers:     tiers,
		gateway:   gateway,
		publisher: publisher,
		log:       log,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Handle dispatches a verified event to its reconciliation path.
//
// Unrecognized event types are acknowledged without error so the sender does
// not retry valid-but-irrelevant events. Each path is independent: a failure
// in one event's handling never touches unrelated subscriptions.
func (r *Reconciler) Handle(ctx context.Context, event *Event) error {
	if event == nil {
		return nil
	}

	if r.dedupe != nil && event.ID != "" {
		first, err := r.dedupe.MarkProcessed(ctx, event.ID)
		if err != nil {
			// Dedupe is an optimization: fall through to the handlers,
			// which are idempotent on their own.
			r.log.WarnContext(ctx, "webhook dedupe store unavailable",
				slog.String("event_id", event.ID),
				slog.String("error", err.Error()))
		} else if !first {
			r.log.DebugContext(ctx, "duplicate webhook event skipped",
				slog.String("event_id", event.ID),
				slog.String("event_type", string(event.Type)))
			return nil
		}
	}

	switch event.Type {
	case EventInvoicePaid:
		return r.handleInvoicePaid(ctx, event)
	case EventPaymentSucceeded:
		return r.handlePaymentSucceeded(ctx, event)
	case EventPaymentFailed, EventPaymentCanceled:
		r.handlePaymentNotCompleted(ctx, event)
		return nil
	case EventSubscriptionUpdated:
		return r.handleSubscriptionUpdated(ctx, event)
	case EventSubscriptionDeleted:
		return r.handleSubscriptionDeleted(ctx, event)
	default:
		r.log.InfoContext(ctx, "unhandled webhook event type acknowledged",
			slog.String("event_id", event.ID),
			slog.String("event_type", string(event.Type)))
		return nil
	}
}

// handleInvoicePaid upserts the invoice row and, when this is the first paid
// invoice of a pending subscription, activates it.
func (r *Reconciler) handleInvoicePaid(ctx context.Context, event *Event) error {
	if event.Invoice == nil {
		return ErrSubscriptionIDMissing
	}

	sub, err := r.resolveSubscription(ctx, event.Metadata, event.Invoice.SubscriptionID)
	if err != nil {
		return err
	}

	now := r.now()
	inv, err := r.invoices.GetByExternalID(ctx, event.Invoice.ID)
	switch {
	case err == nil:
		inv.applyExternal(event.Invoice)
	case errors.Is(err, ErrInvoiceNotFound):
		inv = newInvoiceFromExternal(event.Invoice, sub, now)
	default:
		return err
	}
	if err := r.invoices.Save(ctx, inv); err != nil {
		return err
	}

	// Activation trigger: the sole mechanism by which a first-payment
	// subscription leaves pending. A second delivery finds the
	// subscription already active and Activate is a no-op.
	if inv.Status == InvoicePaid && sub.Status == StatusPending {
		if err := sub.ActivateAt(now); err != nil {
			return err
		}
		if err := r.subs.Save(ctx, sub); err != nil {
			return err
		}

		// Notification delivery never fails the reconciliation.
		if err := r.publisher.Publish(ctx, SubscriptionActivated{
			SubscriptionID: sub.ID,
			OrganizationID: sub.OrganizationID,
			UserID:         sub.UserID,
			PlanID:         sub.PlanID,
			Quantity:       sub.Quantity,
			ActivatedAt:    now,
		}); err != nil {
			r.log.ErrorContext(ctx, "failed to publish activation event",
				slog.String("subscription_id", sub.ID.String()),
				slog.String("error", err.Error()))
		}
	}

	if r.archiver != nil && inv.Status == InvoicePaid && inv.PDFURL != "" {
		if err := r.archiver.ArchivePDF(ctx, inv); err != nil {
			r.log.WarnContext(ctx, "invoice pdf archival failed",
				slog.String("external_invoice_id", inv.ExternalInvoiceID),
				slog.String("error", err.Error()))
		}
	}

	return nil
}

// handlePaymentSucceeded completes a prorated quantity upgrade: the payment
// carried quantity_update metadata, the money has moved, and both the
// external and internal quantity must now reflect the change.
func (r *Reconciler) handlePaymentSucceeded(ctx context.Context, event *Event) error {
	if event.Payment == nil {
		return nil
	}

	meta, ok := parseQuantityUpdateMeta(event.Payment.Metadata)
	if !ok {
		r.log.DebugContext(ctx, "payment succeeded without quantity-update metadata",
			slog.String("payment_id", event.Payment.ID))
		return nil
	}

	// The charge already happened: an invalid quantity here means corrupted
	// metadata, which is logged and skipped rather than thrown.
	if !ValidQuantity(meta.NewQuantity) {
		r.log.ErrorContext(ctx, "quantity-update payment carries invalid quantity",
			slog.String("payment_id", event.Payment.ID),
			slog.String("subscription_id", meta.SubscriptionID.String()),
			slog.Int("new_quantity", meta.NewQuantity))
		return nil
	}

	sub, err := r.subs.GetByID(ctx, meta.SubscriptionID)
	if err != nil {
		r.log.ErrorContext(ctx, "paid quantity update references unknown subscription",
			slog.String("payment_id", event.Payment.ID),
			slog.String("subscription_id", meta.SubscriptionID.String()),
			slog.String("error", err.Error()))
		return err
	}

	tier, err := r.findTier(ctx, sub, meta.NewQuantity)
	if err != nil {
		r.log.ErrorContext(ctx, "paid quantity update cannot resolve pricing tier",
			slog.String("subscription_id", sub.ID.String()),
			slog.Int("new_quantity", meta.NewQuantity),
			slog.String("error", err.Error()))
		return err
	}

	// Proration was already charged via this payment, so the external
	// update must not generate another one.
	if err := r.gateway.UpdateSubscriptionQuantity(ctx, sub.ExternalSubscriptionID, tier.ExternalPriceID, meta.NewQuantity, ProrationNone); err != nil {
		r.log.ErrorContext(ctx, "external quantity update failed after successful payment",
			slog.String("subscription_id", sub.ID.String()),
			slog.String("external_subscription_id", sub.ExternalSubscriptionID),
			slog.Int("new_quantity", meta.NewQuantity),
			slog.Int64("amount_cents", event.Payment.AmountCents),
			slog.String("error", err.Error()))
		return errors.Join(ErrGatewayUnavailable, err)
	}

	now := r.now()
	if err := sub.UpdateQuantityAt(now, meta.NewQuantity, true); err != nil {
		r.logExternalAhead(ctx, sub, meta, err)
		return err
	}
	if err := r.subs.Save(ctx, sub); err != nil {
		r.logExternalAhead(ctx, sub, meta, err)
		return err
	}

	if err := r.publisher.Publish(ctx, SubscriptionUpgraded{
		SubscriptionID:   sub.ID,
		OrganizationID:   sub.OrganizationID,
		UserID:           sub.UserID,
		PreviousQuantity: meta.PreviousQuantity,
		NewQuantity:      meta.NewQuantity,
		AmountPaidCents:  event.Payment.AmountCents,
	}); err != nil {
		r.log.ErrorContext(ctx, "failed to publish upgrade event",
			slog.String("subscription_id", sub.ID.String()),
			slog.String("error", err.Error()))
	}
	return nil
}

// logExternalAhead records that the processor now reflects the new quantity
// while internal state does not. Requires manual follow-up.
func (r *Reconciler) logExternalAhead(ctx context.Context, sub *Subscription, meta QuantityUpdateMeta, err error) {
	r.log.ErrorContext(ctx, "RECONCILIATION GAP: external quantity updated but internal state not persisted",
		slog.String("subscription_id", sub.ID.String()),
		slog.String("external_subscription_id", sub.ExternalSubscriptionID),
		slog.Int("previous_quantity", meta.PreviousQuantity),
		slog.Int("new_quantity", meta.NewQuantity),
		slog.String("error", err.Error()))
}

// handlePaymentNotCompleted covers failed and canceled payments. For a
// quantity upgrade nothing was mutated internally before payment, so the
// attempted upgrade simply never took effect; only observability remains.
func (r *Reconciler) handlePaymentNotCompleted(ctx context.Context, event *Event) {
	if event.Payment == nil {
		return
	}

	if meta, ok := parseQuantityUpdateMeta(event.Payment.Metadata); ok {
		r.log.WarnContext(ctx, "prorated quantity-update payment did not complete",
			slog.String("event_type", string(event.Type)),
			slog.String("payment_id", event.Payment.ID),
			slog.String("subscription_id", meta.SubscriptionID.String()),
			slog.Int("previous_quantity", meta.PreviousQuantity),
			slog.Int("new_quantity", meta.NewQuantity),
			slog.Int64("amount_cents", event.Payment.AmountCents))
		return
	}

	r.log.InfoContext(ctx, "payment did not complete",
		slog.String("event_type", string(event.Type)),
		slog.String("payment_id", event.Payment.ID),
		slog.Int64("amount_cents", event.Payment.AmountCents))
}

// handleSubscriptionUpdated syncs the internal record from the processor's
// authoritative state.
func (r *Reconciler) handleSubscriptionUpdated(ctx context.Context, event *Event) error {
	if event.Subscription == nil {
		return ErrSubscriptionIDMissing
	}

	sub, err := r.lookupByExternal(ctx, event.Subscription.ID, event.Metadata)
	if err != nil {
		return err
	}
	if event.Subscription.CustomerID != "" && sub.ExternalSubscriptionID == "" {
		// First webhook for a checkout-created subscription: link ids.
		if err := sub.LinkExternal(event.Subscription.ID, event.Subscription.CustomerID); err != nil {
			return err
		}
	}

	return r.ReconcileSubscription(ctx, sub, event.Subscription)
}

// handleSubscriptionDeleted terminates the internal record. Idempotent:
// cancelling twice is a no-op.
func (r *Reconciler) handleSubscriptionDeleted(ctx context.Context, event *Event) error {
	if event.Subscription == nil {
		return ErrSubscriptionIDMissing
	}

	sub, err := r.lookupByExternal(ctx, event.Subscription.ID, event.Metadata)
	if err != nil {
		return err
	}

	sub.CancelAt(r.now())
	return r.subs.Save(ctx, sub)
}

// ReconcileSubscription applies the processor's subscription state to the
// internal record and persists it. Shared by the subscription-updated
// webhook path and the expired-period sync job.
func (r *Reconciler) ReconcileSubscription(ctx context.Context, sub *Subscription, ext *ExternalSubscription) error {
	state := ExternalState{
		Status:            ext.Status,
		PeriodStart:       ext.PeriodStart,
		PeriodEnd:         ext.PeriodEnd,
		CancelAtPeriodEnd: ext.CancelAtPeriodEnd,
		Quantity:          ext.Quantity,
	}
	if err := sub.SyncFromExternalAt(r.now(), state); err != nil {
		return err
	}
	return r.subs.Save(ctx, sub)
}

// resolveSubscription finds the subscription an invoice belongs to: first the
// internal id embedded in processor metadata, then the invoice's own
// subscription pointer.
func (r *Reconciler) resolveSubscription(ctx context.Context, meta map[string]string, externalSubscriptionID string) (*Subscription, error) {
	if raw, ok := meta[MetaKeySubscriptionID]; ok && raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, ErrSubscriptionIDMissing
		}
		sub, err := r.subs.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		return sub, nil
	}

	if externalSubscriptionID != "" {
		return r.subs.GetByExternalID(ctx, externalSubscriptionID)
	}

	return nil, ErrSubscriptionIDMissing
}

// lookupByExternal finds a subscription by its external id, falling back to
// the metadata-embedded internal id for subscriptions that have not been
// linked yet.
func (r *Reconciler) lookupByExternal(ctx context.Context, externalSubscriptionID string, meta map[string]string) (*Subscription, error) {
	sub, err := r.subs.GetByExternalID(ctx, externalSubscriptionID)
	if err == nil {
		return sub, nil
	}
	if !errors.Is(err, ErrSubscriptionNotFound) {
		return nil, err
	}

	raw, ok := meta[MetaKeySubscriptionID]
	if !ok || raw == "" {
		return nil, ErrSubscriptionNotFound
	}
	id, parseErr := uuid.Parse(raw)
	if parseErr != nil {
		return nil, ErrSubscriptionNotFound
	}
	return r.subs.GetByID(ctx, id)
}

// findTier resolves the pricing tier covering quantity for the
// subscription's plan and period.
func (r *Reconciler) findTier(ctx context.Context, sub *Subscription, quantity int) (*PricingTier, error) {
	tiers, err := r.tiers.ListTiers(ctx, sub.PlanID, sub.BillingPeriod)
	if err != nil {
		return nil, err
	}
	for _, tier := range tiers {
		if tier.Contains(quantity) {
			if tier.ExternalPriceID == "" {
				return nil, ErrTierNotSynced
			}
			return &tier, nil
		}
	}
	return nil, ErrTierNotFound
}
