package billing

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// ProrationMode controls whether the payment processor generates its own
// proration line items when a subscription changes mid-cycle.
type ProrationMode string

const (
	// ProrationNone applies the change without any prorated charge. Used
	// whenever this engine already computed and charged the proration itself.
	ProrationNone ProrationMode = "none"
	// ProrationCreate lets the processor compute and bill the proration.
	ProrationCreate ProrationMode = "create_prorations"
)

// ExternalSubscription is the processor's view of a subscription.
type ExternalSubscription struct {
	ID                string
	CustomerID        string
	Status            string // processor vocabulary, mapped by SyncFromExternal
	PeriodStart       time.Time
	PeriodEnd         time.Time
	CancelAtPeriodEnd bool
	Quantity          int
}

// ExternalInvoice is the processor's view of a billing document.
type ExternalInvoice struct {
	ID             string
	CustomerID     string
	SubscriptionID string // processor's subscription id, empty for standalone documents
	Number         string
	Status         string
	AmountCents    int64
	TaxCents       int64
	Currency       string
	PDFURL         string
	HostedURL      string
	IssuedAt       *time.Time
	PaidAt         *time.Time
}

// ExternalPayment is the processor's view of a standalone payment attempt.
type ExternalPayment struct {
	ID          string
	CustomerID  string
	AmountCents int64
	Currency    string
	Status      string
	Metadata    map[string]string
}

// CheckoutSession is a hosted checkout the purchaser completes to start a
// paid subscription.
type CheckoutSession struct {
	TransactionID string
	URL           string
	ExpiresAt     time.Time
}

// PortalSession is a pre-authenticated customer portal link.
type PortalSession struct {
	URL       string
	ExpiresAt time.Time
}

// CreateCustomerParams identifies the purchaser to the processor.
type CreateCustomerParams struct {
	Email string
	Name  string
}

// CreateCheckoutParams describes the subscription to be started through a
// hosted checkout: the tier price, the class count, and enough metadata to
// link the resulting webhooks back to the internal subscription.
type CreateCheckoutParams struct {
	ExternalPriceID    string
	ExternalCustomerID string
	Quantity           int
	TrialDays          int
	SubscriptionID     uuid.UUID // internal id, embedded in processor metadata
	SuccessURL         string
}

// CreatePaymentParams describes a standalone charge, e.g. the prorated
// amount of a mid-cycle upgrade.
type CreatePaymentParams struct {
	ExternalCustomerID string
	AmountCents        int64
	Currency           string
	Description        string
	Metadata           map[string]string
}

// PaymentGateway abstracts the remote subscription/invoice/customer service.
// The reconciliation core calls it but never implements it; the Paddle
// adapter in this package is the production implementation.
type PaymentGateway interface {
	CreateCustomer(ctx context.Context, params CreateCustomerParams) (customerID string, err error)

	// CreateSubscriptionCheckout starts a hosted checkout for a new
	// subscription with the given tier price and quantity.
	CreateSubscriptionCheckout(ctx context.Context, params CreateCheckoutParams) (*CheckoutSession, error)

	// UpdateSubscriptionQuantity moves the external subscription to the
	// given price and quantity. The proration mode must be ProrationNone
	// whenever the caller already charged the proration itself.
	UpdateSubscriptionQuantity(ctx context.Context, externalSubscriptionID, externalPriceID string, quantity int, mode ProrationMode) error

	// PreviewQuantityChange returns the prorated amount the processor
	// would charge for the change, without applying it.
	PreviewQuantityChange(ctx context.Context, externalSubscriptionID, externalPriceID string, quantity int) (amountDueCents int64, err error)

	// CreatePayment charges a standalone amount outside the subscription
	// cycle, tagged with metadata so webhooks can be correlated.
	CreatePayment(ctx context.Context, params CreatePaymentParams) (*ExternalPayment, error)

	GetSubscription(ctx context.Context, externalSubscriptionID string) (*ExternalSubscription, error)
	GetInvoice(ctx context.Context, externalInvoiceID string) (*ExternalInvoice, error)

	CreateBillingPortalSession(ctx context.Context, externalCustomerID string) (*PortalSession, error)
}

// Payment metadata keys and values used to correlate standalone payments
// with the quantity change that created them.
const (
	MetaKeyType             = "type"
	MetaKeySubscriptionID   = "subscription_id"
	MetaKeyPreviousQuantity = "previous_quantity"
	MetaKeyNewQuantity      = "new_quantity"

	MetaTypeQuantityUpdate = "quantity_update"
)

// QuantityUpdateMeta is the parsed form of quantity-change payment metadata.
type QuantityUpdateMeta struct {
	SubscriptionID   uuid.UUID
	PreviousQuantity int
	NewQuantity      int
}

// quantityUpdateMetadata builds the metadata map attached to a prorated
// upgrade payment.
func quantityUpdateMetadata(subscriptionID uuid.UUID, previousQuantity, newQuantity int) map[string]string {
	return map[string]string{
		MetaKeyType:             MetaTypeQuantityUpdate,
		MetaKeySubscriptionID:   subscriptionID.String(),
		MetaKeyPreviousQuantity: strconv.Itoa(previousQuantity),
		MetaKeyNewQuantity:      strconv.Itoa(newQuantity),
	}
}

// parseQuantityUpdateMeta extracts quantity-change metadata from a payment.
// Returns false when the payment is not a quantity update or the metadata is
// unparseable.
func parseQuantityUpdateMeta(meta map[string]string) (QuantityUpdateMeta, bool) {
	if meta[MetaKeyType] != MetaTypeQuantityUpdate {
		return QuantityUpdateMeta{}, false
	}

	subID, err := uuid.Parse(meta[MetaKeySubscriptionID])
	if err != nil {
		return QuantityUpdateMeta{}, false
	}
	newQty, err := strconv.Atoi(meta[MetaKeyNewQuantity])
	if err != nil {
		return QuantityUpdateMeta{}, false
	}
	prevQty, _ := strconv.Atoi(meta[MetaKeyPreviousQuantity])

	return QuantityUpdateMeta{
		SubscriptionID:   subID,
		PreviousQuantity: prevQty,
		NewQuantity:      newQty,
	}, true
}
