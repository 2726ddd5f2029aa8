package billing

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestProrate(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	start := now.AddDate(0, 0, -15)
	end := start.AddDate(0, 0, 30)

	t.Run("half period remaining charges half the delta", func(t *testing.T) {
		t.Parallel()
		assert.Equal(t, int64(2500), prorate(5000, &start, &end, now))
	})

	t.Run("rounds to the nearest cent", func(t *testing.T) {
		t.Parallel()
		third := now.AddDate(0, 0, -20)
		thirdEnd := third.AddDate(0, 0, 30)
		// 10/30 days remaining of 1000 is 333.33, rounded to 333.
		assert.Equal(t, int64(333), prorate(1000, &third, &thirdEnd, now))
	})

	t.Run("non-positive delta is never charged", func(t *testing.T) {
		t.Parallel()
		assert.Zero(t, prorate(0, &start, &end, now))
		assert.Zero(t, prorate(-5000, &start, &end, now))
	})

	t.Run("missing period falls back to full delta", func(t *testing.T) {
		t.Parallel()
		assert.Equal(t, int64(5000), prorate(5000, nil, nil, now))
		assert.Equal(t, int64(5000), prorate(5000, &start, nil, now))
	})

	t.Run("degenerate period falls back to full delta", func(t *testing.T) {
		t.Parallel()
		assert.Equal(t, int64(5000), prorate(5000, &end, &start, now))
		assert.Equal(t, int64(5000), prorate(5000, &start, &start, now))
	})

	t.Run("ended period falls back to full delta", func(t *testing.T) {
		t.Parallel()
		oldStart := now.AddDate(0, -2, 0)
		oldEnd := oldStart.AddDate(0, 1, 0)
		assert.Equal(t, int64(5000), prorate(5000, &oldStart, &oldEnd, now))
	})
}

func TestMapExternalStatus(t *testing.T) {
	t.Parallel()

	cases := []struct {
		external string
		want     SubscriptionStatus
		mapped   bool
	}{
		{"trialing", StatusTrial, true},
		{"active", StatusActive, true},
		{"past_due", StatusPastDue, true},
		{"unpaid", StatusPastDue, true},
		{"canceled", StatusCancelled, true},
		{"cancelled", StatusCancelled, true},
		{"incomplete", StatusPending, true},
		{"paused", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		got, ok := mapExternalStatus(tc.external)
		assert.Equal(t, tc.mapped, ok, "status %q", tc.external)
		assert.Equal(t, tc.want, got, "status %q", tc.external)
	}
}

func TestParseQuantityUpdateMeta(t *testing.T) {
	t.Parallel()

	t.Run("round trip", func(t *testing.T) {
		t.Parallel()

		sub, err := NewPendingSubscription(uuid.New(), uuid.New(), "standard", PeriodMonthly, 5)
		assert.NoError(t, err)

		meta, ok := parseQuantityUpdateMeta(quantityUpdateMetadata(sub.ID, 5, 10))
		assert.True(t, ok)
		assert.Equal(t, sub.ID, meta.SubscriptionID)
		assert.Equal(t, 5, meta.PreviousQuantity)
		assert.Equal(t, 10, meta.NewQuantity)
	})

	t.Run("wrong type tag", func(t *testing.T) {
		t.Parallel()

		_, ok := parseQuantityUpdateMeta(map[string]string{MetaKeyType: "refund"})
		assert.False(t, ok)
	})

	t.Run("unparseable subscription id", func(t *testing.T) {
		t.Parallel()

		_, ok := parseQuantityUpdateMeta(map[string]string{
			MetaKeyType:           MetaTypeQuantityUpdate,
			MetaKeySubscriptionID: "not-a-uuid",
			MetaKeyNewQuantity:    "10",
		})
		assert.False(t, ok)
	})
}

func TestMapPaddleInvoiceStatus(t *testing.T) {
	t.Parallel()

	assert.Equal(t, string(InvoicePaid), mapPaddleInvoiceStatus("completed"))
	assert.Equal(t, string(InvoiceOpen), mapPaddleInvoiceStatus("billed"))
	assert.Equal(t, string(InvoiceVoid), mapPaddleInvoiceStatus("canceled"))
	assert.Equal(t, string(InvoiceDraft), mapPaddleInvoiceStatus("draft"))
	assert.Equal(t, "mystery", mapPaddleInvoiceStatus("mystery"))
}

func TestParseCents(t *testing.T) {
	t.Parallel()

	assert.Equal(t, int64(2500), parseCents("2500"))
	assert.Zero(t, parseCents(""))
	assert.Zero(t, parseCents("12.50"))
}
