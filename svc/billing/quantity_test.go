package billing_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/classpulse/svc/billing"
)

// flatTierStores covers 1..20 with a single 1000c/unit monthly tier so the
// prorated amounts are easy to verify.
func flatTierStores() (*stubPlanStore, *stubTierStore) {
	plans := &stubPlanStore{plans: map[string]billing.Plan{
		"standard": {ID: "standard", IsActive: true},
	}}
	tiers := &stubTierStore{tiers: map[string]map[billing.BillingPeriod][]billing.PricingTier{
		"standard": {
			billing.PeriodMonthly: {
				{PlanID: "standard", BillingPeriod: billing.PeriodMonthly, MinClasses: 1, MaxClasses: 20, PricePerUnitCents: 1000, Currency: "USD", ExternalPriceID: "pri_flat"},
			},
		},
	}}
	return plans, tiers
}

func newQuantityChanger(t *testing.T, store *billing.MemSubscriptionStore, gateway *mockGateway, roles *mockRoleChecker) *billing.QuantityChanger {
	t.Helper()

	plans, tiers := flatTierStores()
	resolver := billing.NewPricingResolver(plans, tiers, slog.Default())
	return billing.NewQuantityChanger(store, resolver, gateway, roles, slog.Default(),
		billing.WithQuantityClock(fixedNow))
}

func TestChangeQuantityUpgrade(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("charges prorated delta and grants immediately", func(t *testing.T) {
		t.Parallel()

		store := billing.NewMemSubscriptionStore()
		sub := activeSubscription(t, store, 5)

		gateway := new(mockGateway)
		roles := new(mockRoleChecker)
		roles.On("IsOrganizationAdmin", mock.Anything, sub.UserID, sub.OrganizationID).Return(true, nil)
		gateway.On("UpdateSubscriptionQuantity", mock.Anything, "sub_ext_1", "pri_flat", 10, billing.ProrationNone).Return(nil)
		gateway.On("CreatePayment", mock.Anything, mock.MatchedBy(func(p billing.CreatePaymentParams) bool {
			// 5 extra units at 1000c with 15 of 30 days remaining.
			return p.AmountCents == 2500 && p.ExternalCustomerID == "ctm_ext_1"
		})).Return(&billing.ExternalPayment{ID: "txn_1", AmountCents: 2500}, nil)

		changer := newQuantityChanger(t, store, gateway, roles)
		result, err := changer.ChangeQuantity(ctx, billing.ChangeQuantityParams{
			UserID:         sub.UserID,
			OrganizationID: sub.OrganizationID,
			SubscriptionID: sub.ID,
			NewQuantity:    10,
		})
		require.NoError(t, err)

		assert.True(t, result.IsUpgrade)
		assert.True(t, result.RequiresPayment)
		assert.Equal(t, "txn_1", result.PaymentID)
		assert.Equal(t, 5, result.PreviousQuantity)
		assert.Equal(t, 10, result.NewQuantity)
		assert.Equal(t, int64(2500), result.AmountDueCents)
		assert.Equal(t, fixedNow(), result.EffectiveDate)

		stored, err := store.GetByID(ctx, sub.ID)
		require.NoError(t, err)
		assert.Equal(t, 10, stored.Quantity)
		assert.Nil(t, stored.PendingQuantity)

		gateway.AssertExpectations(t)
		roles.AssertExpectations(t)
	})

	t.Run("upgrade survives failed payment creation", func(t *testing.T) {
		t.Parallel()

		store := billing.NewMemSubscriptionStore()
		sub := activeSubscription(t, store, 5)

		gateway := new(mockGateway)
		roles := new(mockRoleChecker)
		roles.On("IsOrganizationAdmin", mock.Anything, mock.Anything, mock.Anything).Return(true, nil)
		gateway.On("UpdateSubscriptionQuantity", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
		gateway.On("CreatePayment", mock.Anything, mock.Anything).Return(nil, errors.New("processor down"))

		changer := newQuantityChanger(t, store, gateway, roles)
		result, err := changer.ChangeQuantity(ctx, billing.ChangeQuantityParams{
			UserID:         sub.UserID,
			OrganizationID: sub.OrganizationID,
			SubscriptionID: sub.ID,
			NewQuantity:    10,
		})
		require.NoError(t, err)

		// The amount is still owed even though the charge could not be
		// initiated; the missing payment id marks it for follow-up.
		assert.True(t, result.RequiresPayment)
		assert.Empty(t, result.PaymentID)
		assert.Equal(t, int64(2500), result.AmountDueCents)

		stored, err := store.GetByID(ctx, sub.ID)
		require.NoError(t, err)
		assert.Equal(t, 10, stored.Quantity)
	})

	t.Run("upgrade without external customer still reports payment owed", func(t *testing.T) {
		t.Parallel()

		store := billing.NewMemSubscriptionStore()
		sub := activeSubscription(t, store, 5)
		sub.ExternalSubscriptionID = ""
		sub.ExternalCustomerID = ""
		require.NoError(t, store.Save(ctx, sub))

		gateway := new(mockGateway)
		roles := new(mockRoleChecker)
		roles.On("IsOrganizationAdmin", mock.Anything, mock.Anything, mock.Anything).Return(true, nil)

		changer := newQuantityChanger(t, store, gateway, roles)
		result, err := changer.ChangeQuantity(ctx, billing.ChangeQuantityParams{
			UserID:         sub.UserID,
			OrganizationID: sub.OrganizationID,
			SubscriptionID: sub.ID,
			NewQuantity:    10,
		})
		require.NoError(t, err)

		assert.True(t, result.RequiresPayment)
		assert.Empty(t, result.PaymentID)
		assert.Equal(t, int64(2500), result.AmountDueCents)

		// No gateway call was possible without external ids.
		gateway.AssertNotCalled(t, "CreatePayment", mock.Anything, mock.Anything)
	})

	t.Run("external update failure aborts before internal change", func(t *testing.T) {
		t.Parallel()

		store := billing.NewMemSubscriptionStore()
		sub := activeSubscription(t, store, 5)

		gateway := new(mockGateway)
		roles := new(mockRoleChecker)
		roles.On("IsOrganizationAdmin", mock.Anything, mock.Anything, mock.Anything).Return(true, nil)
		gateway.On("UpdateSubscriptionQuantity", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(errors.New("processor down"))

		changer := newQuantityChanger(t, store, gateway, roles)
		_, err := changer.ChangeQuantity(ctx, billing.ChangeQuantityParams{
			UserID:         sub.UserID,
			OrganizationID: sub.OrganizationID,
			SubscriptionID: sub.ID,
			NewQuantity:    10,
		})
		require.ErrorIs(t, err, billing.ErrGatewayUnavailable)

		stored, err := store.GetByID(ctx, sub.ID)
		require.NoError(t, err)
		assert.Equal(t, 5, stored.Quantity)
	})
}

func TestChangeQuantityDowngrade(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("stages quantity until period end", func(t *testing.T) {
		t.Parallel()

		store := billing.NewMemSubscriptionStore()
		sub := activeSubscription(t, store, 10)

		gateway := new(mockGateway)
		roles := new(mockRoleChecker)
		roles.On("IsOrganizationAdmin", mock.Anything, mock.Anything, mock.Anything).Return(true, nil)
		gateway.On("UpdateSubscriptionQuantity", mock.Anything, "sub_ext_1", "pri_flat", 5, billing.ProrationNone).Return(nil)

		changer := newQuantityChanger(t, store, gateway, roles)
		result, err := changer.ChangeQuantity(ctx, billing.ChangeQuantityParams{
			UserID:         sub.UserID,
			OrganizationID: sub.OrganizationID,
			SubscriptionID: sub.ID,
			NewQuantity:    5,
		})
		require.NoError(t, err)

		assert.False(t, result.IsUpgrade)
		assert.False(t, result.RequiresPayment)
		assert.Equal(t, *sub.CurrentPeriodEnd, result.EffectiveDate)

		stored, err := store.GetByID(ctx, sub.ID)
		require.NoError(t, err)
		assert.Equal(t, 10, stored.Quantity)
		require.NotNil(t, stored.PendingQuantity)
		assert.Equal(t, 5, *stored.PendingQuantity)

		gateway.AssertExpectations(t)
	})
}

func TestChangeQuantityGuards(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := billing.NewMemSubscriptionStore()
	sub := activeSubscription(t, store, 5)

	t.Run("invalid quantity", func(t *testing.T) {
		t.Parallel()

		changer := newQuantityChanger(t, store, new(mockGateway), new(mockRoleChecker))
		_, err := changer.ChangeQuantity(ctx, billing.ChangeQuantityParams{NewQuantity: 25})
		assert.ErrorIs(t, err, billing.ErrInvalidQuantity)
	})

	t.Run("non-admin rejected", func(t *testing.T) {
		t.Parallel()

		roles := new(mockRoleChecker)
		roles.On("IsOrganizationAdmin", mock.Anything, mock.Anything, mock.Anything).Return(false, nil)

		changer := newQuantityChanger(t, store, new(mockGateway), roles)
		_, err := changer.ChangeQuantity(ctx, billing.ChangeQuantityParams{
			UserID:         sub.UserID,
			OrganizationID: sub.OrganizationID,
			SubscriptionID: sub.ID,
			NewQuantity:    10,
		})
		assert.ErrorIs(t, err, billing.ErrInsufficientPermissions)
	})

	t.Run("organization mismatch", func(t *testing.T) {
		t.Parallel()

		roles := new(mockRoleChecker)
		roles.On("IsOrganizationAdmin", mock.Anything, mock.Anything, mock.Anything).Return(true, nil)

		changer := newQuantityChanger(t, store, new(mockGateway), roles)
		_, err := changer.ChangeQuantity(ctx, billing.ChangeQuantityParams{
			UserID:         sub.UserID,
			OrganizationID: uuid.New(),
			SubscriptionID: sub.ID,
			NewQuantity:    10,
		})
		assert.ErrorIs(t, err, billing.ErrOrganizationMismatch)
	})

	t.Run("unchanged quantity", func(t *testing.T) {
		t.Parallel()

		roles := new(mockRoleChecker)
		roles.On("IsOrganizationAdmin", mock.Anything, mock.Anything, mock.Anything).Return(true, nil)

		changer := newQuantityChanger(t, store, new(mockGateway), roles)
		_, err := changer.ChangeQuantity(ctx, billing.ChangeQuantityParams{
			UserID:         sub.UserID,
			OrganizationID: sub.OrganizationID,
			SubscriptionID: sub.ID,
			NewQuantity:    5,
		})
		assert.ErrorIs(t, err, billing.ErrQuantityUnchanged)
	})
}
