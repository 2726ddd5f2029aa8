package billing_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/classpulse/svc/billing"
)

func newJobsFixture(t *testing.T) (*billing.Jobs, *billing.MemSubscriptionStore, *mockGateway, *capturingPublisher) {
	t.Helper()

	_, tiers := flatTierStores()
	subs := billing.NewMemSubscriptionStore()
	gateway := new(mockGateway)
	publisher := &capturingPublisher{}

	rec := billing.NewReconciler(subs, billing.NewMemInvoiceStore(), tiers, gateway, billing.NopPublisher{}, slog.Default(),
		billing.WithReconcilerClock(fixedNow))
	jobs := billing.NewJobs(subs, gateway, rec, slog.Default(),
		billing.WithJobsClock(fixedNow),
		billing.WithTrialEndingPublisher(publisher))
	return jobs, subs, gateway, publisher
}

func TestSweepPendingQuantities(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	jobs, subs, _, _ := newJobsFixture(t)

	// Period ended yesterday with a staged downgrade to 3.
	expired := activeSubscription(t, subs, 10)
	start := fixedNow().AddDate(0, 0, -31)
	require.NoError(t, expired.ApplyExternalPeriod(start, start.AddDate(0, 0, 30)))
	require.NoError(t, expired.UpdateQuantityAt(start, 3, false))
	require.NoError(t, subs.Save(ctx, expired))

	// Period still running; must be untouched.
	current, err := billing.NewSubscriptionAt(fixedNow().AddDate(0, 0, -5), expired.UserID, expired.OrganizationID, "standard", billing.PeriodMonthly, 8, 0)
	require.NoError(t, err)
	require.NoError(t, current.UpdateQuantityAt(fixedNow().AddDate(0, 0, -1), 2, false))
	require.NoError(t, subs.Save(ctx, current))

	require.NoError(t, jobs.SweepPendingQuantities(ctx))

	swept, err := subs.GetByID(ctx, expired.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, swept.Quantity)
	assert.Nil(t, swept.PendingQuantity)
	assert.Equal(t, fixedNow(), *swept.CurrentPeriodStart)

	untouched, err := subs.GetByID(ctx, current.ID)
	require.NoError(t, err)
	assert.Equal(t, 8, untouched.Quantity)
	require.NotNil(t, untouched.PendingQuantity)
	assert.Equal(t, 2, *untouched.PendingQuantity)
}

func TestSyncExpiredPeriods(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("adopts processor state for expired subscriptions", func(t *testing.T) {
		t.Parallel()

		jobs, subs, gateway, _ := newJobsFixture(t)

		expired := activeSubscription(t, subs, 5)
		start := fixedNow().AddDate(0, 0, -31)
		require.NoError(t, expired.ApplyExternalPeriod(start, start.AddDate(0, 0, 30)))
		require.NoError(t, subs.Save(ctx, expired))

		newStart := fixedNow().AddDate(0, 0, -1)
		gateway.On("GetSubscription", mock.Anything, "sub_ext_1").Return(&billing.ExternalSubscription{
			ID:          "sub_ext_1",
			Status:      "active",
			PeriodStart: newStart,
			PeriodEnd:   newStart.AddDate(0, 1, 0),
			Quantity:    5,
		}, nil)

		require.NoError(t, jobs.SyncExpiredPeriods(ctx))

		synced, err := subs.GetByID(ctx, expired.ID)
		require.NoError(t, err)
		assert.Equal(t, billing.StatusActive, synced.Status)
		assert.Equal(t, newStart.AddDate(0, 1, 0), *synced.CurrentPeriodEnd)
		gateway.AssertExpectations(t)
	})

	t.Run("gateway failure isolates the bad subscription", func(t *testing.T) {
		t.Parallel()

		jobs, subs, gateway, _ := newJobsFixture(t)

		expired := activeSubscription(t, subs, 5)
		start := fixedNow().AddDate(0, 0, -31)
		require.NoError(t, expired.ApplyExternalPeriod(start, start.AddDate(0, 0, 30)))
		require.NoError(t, subs.Save(ctx, expired))

		gateway.On("GetSubscription", mock.Anything, mock.Anything).Return(nil, errors.New("processor down"))

		// The sweep itself succeeds; the failure is per subscription.
		require.NoError(t, jobs.SyncExpiredPeriods(ctx))

		unchanged, err := subs.GetByID(ctx, expired.ID)
		require.NoError(t, err)
		assert.Equal(t, start.AddDate(0, 0, 30), *unchanged.CurrentPeriodEnd)
	})
}

func TestSweepTrialsEnding(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	jobs, subs, _, publisher := newJobsFixture(t)

	ending, err := billing.NewSubscriptionAt(fixedNow().AddDate(0, 0, -12), uuid.New(), uuid.New(), "standard", billing.PeriodMonthly, 3, 14)
	require.NoError(t, err)
	require.NoError(t, subs.Save(ctx, ending))

	farOut, err := billing.NewSubscriptionAt(fixedNow(), uuid.New(), uuid.New(), "standard", billing.PeriodMonthly, 3, 14)
	require.NoError(t, err)
	require.NoError(t, subs.Save(ctx, farOut))

	require.NoError(t, jobs.SweepTrialsEnding(ctx, 3*24*time.Hour))

	require.Len(t, publisher.events, 1)
	reminder, ok := publisher.events[0].(billing.TrialEnding)
	require.True(t, ok)
	assert.Equal(t, ending.ID, reminder.SubscriptionID)
}
