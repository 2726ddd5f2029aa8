package billing

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Jobs holds the scheduled reconciliation sweeps. Every sweep isolates
// failures per subscription: one bad row is logged and skipped, the rest of
// the batch proceeds.
type Jobs struct {
	subs       SubscriptionStore
	gateway    PaymentGateway
	reconciler *Reconciler
	publisher  EventPublisher
	log        *slog.Logger
	now        func() time.Time
}

// JobsOption configures optional collaborators.
type JobsOption func(*Jobs)

// WithJobsClock overrides the time source. Used in tests.
func WithJobsClock(now func() time.Time) JobsOption {
	return func(j *Jobs) {
		if now != nil {
			j.now = now
		}
	}
}

// WithTrialEndingPublisher enables trial-ending reminder events.
func WithTrialEndingPublisher(publisher EventPublisher) JobsOption {
	return func(j *Jobs) {
		if publisher != nil {
			j.publisher = publisher
		}
	}
}

// NewJobs creates the scheduled sweep runner.
// Panics if required collaborators are nil to fail fast during initialization.
func NewJobs(subs SubscriptionStore, gateway PaymentGateway, reconciler *Reconciler, log *slog.Logger, opts ...JobsOption) *Jobs {
	if subs == nil {
		panic("billing: SubscriptionStore is required")
	}
	if gateway == nil {
		panic("billing: PaymentGateway is required")
	}
	if reconciler == nil {
		panic("billing: Reconciler is required")
	}
	if log == nil {
		log = slog.Default()
	}

	j := &Jobs{
		subs:       subs,
		gateway:    gateway,
		reconciler: reconciler,
		publisher:  NopPublisher{},
		log:        log,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// SweepPendingQuantities applies staged downgrades whose billing period has
// ended. The renewal both advances the period and promotes PendingQuantity to
// the effective quantity.
func (j *Jobs) SweepPendingQuantities(ctx context.Context) error {
	now := j.now()
	subs, err := j.subs.ListPendingQuantityDue(ctx, now)
	if err != nil {
		return err
	}

	var failed int
	for _, sub := range subs {
		if err := j.applyPendingQuantity(ctx, sub, now); err != nil {
			failed++
			j.log.ErrorContext(ctx, "pending quantity sweep failed for subscription",
				slog.String("subscription_id", sub.ID.String()),
				slog.String("error", err.Error()))
		}
	}

	if len(subs) > 0 {
		j.log.InfoContext(ctx, "pending quantity sweep completed",
			slog.Int("total", len(subs)),
			slog.Int("failed", failed))
	}
	return nil
}

func (j *Jobs) applyPendingQuantity(ctx context.Context, sub *Subscription, now time.Time) error {
	if err := sub.RenewPeriodAt(now); err != nil {
		return err
	}
	return j.subs.Save(ctx, sub)
}

// SyncExpiredPeriods reconciles active subscriptions whose period ended
// without a renewal or termination webhook arriving. The processor's record
// is authoritative; whatever it says now becomes the internal state.
func (j *Jobs) SyncExpiredPeriods(ctx context.Context) error {
	now := j.now()
	subs, err := j.subs.ListExpiredActive(ctx, now)
	if err != nil {
		return err
	}

	var failed int
	for _, sub := range subs {
		if err := j.syncOne(ctx, sub); err != nil {
			failed++
			j.log.ErrorContext(ctx, "expired period sync failed for subscription",
				slog.String("subscription_id", sub.ID.String()),
				slog.String("external_subscription_id", sub.ExternalSubscriptionID),
				slog.String("error", err.Error()))
		}
	}

	if len(subs) > 0 {
		j.log.InfoContext(ctx, "expired period sync completed",
			slog.Int("total", len(subs)),
			slog.Int("failed", failed))
	}
	return nil
}

func (j *Jobs) syncOne(ctx context.Context, sub *Subscription) error {
	if sub.ExternalSubscriptionID == "" {
		return ErrMissingExternalIDs
	}

	ext, err := j.gateway.GetSubscription(ctx, sub.ExternalSubscriptionID)
	if err != nil {
		return errors.Join(ErrGatewayUnavailable, err)
	}
	return j.reconciler.ReconcileSubscription(ctx, sub, ext)
}

// SweepTrialsEnding publishes TrialEnding reminders for trials ending within
// the window. Consumers deduplicate on their side; the sweep itself does not
// track what was already announced.
func (j *Jobs) SweepTrialsEnding(ctx context.Context, within time.Duration) error {
	now := j.now()
	subs, err := j.subs.ListTrialsEndingBetween(ctx, now, now.Add(within))
	if err != nil {
		return err
	}

	for _, sub := range subs {
		if sub.TrialEndDate == nil {
			continue
		}
		if err := j.publisher.Publish(ctx, TrialEnding{
			SubscriptionID: sub.ID,
			OrganizationID: sub.OrganizationID,
			UserID:         sub.UserID,
			TrialEndDate:   *sub.TrialEndDate,
		}); err != nil {
			j.log.ErrorContext(ctx, "failed to publish trial ending event",
				slog.String("subscription_id", sub.ID.String()),
				slog.String("error", err.Error()))
		}
	}
	return nil
}

// Runner drives the sweeps on fixed intervals until the context is cancelled.
// Each sweep also remains callable directly for operational recovery.
type Runner struct {
	jobs     *Jobs
	interval time.Duration
	log      *slog.Logger
}

// NewRunner creates a ticker-driven runner for the sweeps.
func NewRunner(jobs *Jobs, interval time.Duration, log *slog.Logger) *Runner {
	if jobs == nil {
		panic("billing: Jobs is required")
	}
	if interval <= 0 {
		interval = time.Hour
	}
	if log == nil {
		log = slog.Default()
	}
	return &Runner{jobs: jobs, interval: interval, log: log}
}

// Run blocks until ctx is cancelled, executing all sweeps once per interval.
// The first pass runs immediately on start.
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.runOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.runOnce(ctx)
		}
	}
}

func (r *Runner) runOnce(ctx context.Context) {
	if err := r.jobs.SweepPendingQuantities(ctx); err != nil {
		r.log.ErrorContext(ctx, "pending quantity sweep aborted", slog.String("error", err.Error()))
	}
	if err := r.jobs.SyncExpiredPeriods(ctx); err != nil {
		r.log.ErrorContext(ctx, "expired period sync aborted", slog.String("error", err.Error()))
	}
	if err := r.jobs.SweepTrialsEnding(ctx, 3*24*time.Hour); err != nil {
		r.log.ErrorContext(ctx, "trial ending sweep aborted", slog.String("error", err.Error()))
	}
}
