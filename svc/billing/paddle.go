package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	paddle "github.com/PaddleHQ/paddle-go-sdk/v4"
)

// PaddleConfig holds configuration for the Paddle payment gateway.
type PaddleConfig struct {
	APIKey        string `env:"PADDLE_API_KEY,required"`
	WebhookSecret string `env:"PADDLE_WEBHOOK_SECRET,required"`
	Environment   string `env:"PADDLE_ENVIRONMENT" envDefault:"production"`
}

// PaddleGateway implements PaymentGateway and WebhookParser against Paddle's
// v4 API.
type PaddleGateway struct {
	client   *paddle.SDK
	verifier *paddle.WebhookVerifier
	config   PaddleConfig
}

// PaddleOption configures optional gateway behavior.
type PaddleOption func(*paddleOptions)

type paddleOptions struct {
	sdkOptions []paddle.Option
}

// WithPaddleBaseURL points the SDK at a different API host, such as a local
// stub server.
func WithPaddleBaseURL(baseURL string) PaddleOption {
	return func(o *paddleOptions) {
		o.sdkOptions = append(o.sdkOptions, paddle.WithBaseURL(baseURL))
	}
}

// NewPaddleGateway creates a Paddle-backed payment gateway.
func NewPaddleGateway(config PaddleConfig, opts ...PaddleOption) (*PaddleGateway, error) {
	if config.APIKey == "" {
		return nil, errors.New("paddle API key is required")
	}
	if config.WebhookSecret == "" {
		return nil, errors.New("paddle webhook secret is required")
	}

	var options paddleOptions
	for _, opt := range opts {
		opt(&options)
	}

	var client *paddle.SDK
	var err error

	switch strings.ToLower(config.Environment) {
	case "sandbox":
		client, err = paddle.NewSandbox(config.APIKey, options.sdkOptions...)
	case "production", "":
		client, err = paddle.New(config.APIKey, options.sdkOptions...)
	default:
		return nil, fmt.Errorf("invalid paddle environment: %s", config.Environment)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create paddle client: %w", err)
	}

	return &PaddleGateway{
		client:   client,
		verifier: paddle.NewWebhookVerifier(config.WebhookSecret),
		config:   config,
	}, nil
}

// CreateCustomer registers the purchaser with Paddle and returns the Paddle
// customer id (ctm_xxx).
func (g *PaddleGateway) CreateCustomer(ctx context.Context, params CreateCustomerParams) (string, error) {
	if params.Email == "" {
		return "", errors.New("customer email is required")
	}

	req := &paddle.CreateCustomerRequest{
		Email: params.Email,
	}
	if params.Name != "" {
		req.Name = paddle.PtrTo(params.Name)
	}

	customer, err := g.client.CustomersClient.CreateCustomer(ctx, req)
	if err != nil {
		return "", fmt.Errorf("failed to create paddle customer: %w", err)
	}
	return customer.ID, nil
}

// CreateSubscriptionCheckout creates a Paddle transaction whose hosted
// checkout starts the subscription. The internal subscription id travels in
// custom data so the resulting webhooks can be linked back.
func (g *PaddleGateway) CreateSubscriptionCheckout(ctx context.Context, params CreateCheckoutParams) (*CheckoutSession, error) {
	if params.ExternalPriceID == "" {
		return nil, errors.New("price ID is required")
	}
	if params.ExternalCustomerID == "" {
		return nil, errors.New("customer ID is required")
	}

	item := paddle.NewCreateTransactionItemsTransactionItemFromCatalog(&paddle.TransactionItemFromCatalog{
		PriceID:  params.ExternalPriceID,
		Quantity: params.Quantity,
	})

	req := &paddle.CreateTransactionRequest{
		Items:      []paddle.CreateTransactionItems{*item},
		CustomerID: paddle.PtrTo(params.ExternalCustomerID),
		CustomData: paddle.CustomData{
			MetaKeySubscriptionID: params.SubscriptionID.String(),
		},
	}
	if params.SuccessURL != "" {
		req.Checkout = &paddle.TransactionCheckout{
			URL: paddle.PtrTo(params.SuccessURL),
		}
	}

	transaction, err := g.client.TransactionsClient.CreateTransaction(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to create paddle transaction: %w", err)
	}

	if transaction.Checkout == nil || transaction.Checkout.URL == nil {
		return nil, errors.New("no checkout URL returned from paddle")
	}

	return &CheckoutSession{
		TransactionID: transaction.ID,
		URL:           *transaction.Checkout.URL,
		ExpiresAt:     time.Now().Add(24 * time.Hour), // Paddle checkout links expire in 24 hours
	}, nil
}

// UpdateSubscriptionQuantity moves the Paddle subscription to the given price
// and quantity.
func (g *PaddleGateway) UpdateSubscriptionQuantity(ctx context.Context, externalSubscriptionID, externalPriceID string, quantity int, mode ProrationMode) error {
	if externalSubscriptionID == "" {
		return errors.New("subscription ID is required")
	}
	if externalPriceID == "" {
		return errors.New("price ID is required")
	}

	item := paddle.NewUpdateSubscriptionItemsSubscriptionUpdateItemFromCatalog(&paddle.SubscriptionUpdateItemFromCatalog{
		PriceID:  externalPriceID,
		Quantity: quantity,
	})

	req := &paddle.UpdateSubscriptionRequest{
		SubscriptionID:       externalSubscriptionID,
		Items:                paddle.NewPatchField([]paddle.UpdateSubscriptionItems{*item}),
		ProrationBillingMode: paddle.NewPatchField(prorationBillingMode(mode)),
	}

	if _, err := g.client.SubscriptionsClient.UpdateSubscription(ctx, req); err != nil {
		return fmt.Errorf("failed to update paddle subscription: %w", err)
	}
	return nil
}

// PreviewQuantityChange previews the prorated amount Paddle would charge for
// the change, without applying it.
func (g *PaddleGateway) PreviewQuantityChange(ctx context.Context, externalSubscriptionID, externalPriceID string, quantity int) (int64, error) {
	item := paddle.NewPreviewSubscriptionUpdateItemsSubscriptionUpdateItemFromCatalog(&paddle.SubscriptionUpdateItemFromCatalog{
		PriceID:  externalPriceID,
		Quantity: quantity,
	})

	req := &paddle.PreviewSubscriptionUpdateRequest{
		SubscriptionID:       externalSubscriptionID,
		Items:                paddle.NewPatchField([]paddle.PreviewSubscriptionUpdateItems{*item}),
		ProrationBillingMode: paddle.NewPatchField(paddle.ProrationBillingModeProratedImmediately),
	}

	preview, err := g.client.SubscriptionsClient.PreviewSubscriptionUpdate(ctx, req)
	if err != nil {
		return 0, fmt.Errorf("failed to preview paddle subscription update: %w", err)
	}

	if preview.UpdateSummary == nil {
		return 0, nil
	}
	return parseCents(preview.UpdateSummary.Result.Amount), nil
}

// CreatePayment charges a one-off amount through a non-catalog product and
// price. Used for the prorated portion of a mid-cycle upgrade.
func (g *PaddleGateway) CreatePayment(ctx context.Context, params CreatePaymentParams) (*ExternalPayment, error) {
	if params.ExternalCustomerID == "" {
		return nil, errors.New("customer ID is required")
	}
	if params.AmountCents <= 0 {
		return nil, errors.New("amount must be positive")
	}

	currency := params.Currency
	if currency == "" {
		currency = "USD"
	}

	item := paddle.NewCreateTransactionItemsTransactionItemCreateWithProduct(&paddle.TransactionItemCreateWithProduct{
		Quantity: 1,
		Price: paddle.TransactionPriceCreateWithProduct{
			Description: params.Description,
			UnitPrice: paddle.Money{
				Amount:       strconv.FormatInt(params.AmountCents, 10),
				CurrencyCode: paddle.CurrencyCode(currency),
			},
			Product: paddle.TransactionSubscriptionProductCreate{
				Name:        "Additional classes",
				TaxCategory: paddle.TaxCategoryStandard,
			},
		},
	})

	customData := paddle.CustomData{}
	for k, v := range params.Metadata {
		customData[k] = v
	}

	req := &paddle.CreateTransactionRequest{
		Items:      []paddle.CreateTransactionItems{*item},
		CustomerID: paddle.PtrTo(params.ExternalCustomerID),
		CustomData: customData,
	}

	transaction, err := g.client.TransactionsClient.CreateTransaction(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to create paddle payment transaction: %w", err)
	}

	return &ExternalPayment{
		ID:          transaction.ID,
		CustomerID:  params.ExternalCustomerID,
		AmountCents: params.AmountCents,
		Currency:    currency,
		Status:      string(transaction.Status),
		Metadata:    params.Metadata,
	}, nil
}

// GetSubscription reads back the Paddle subscription record.
func (g *PaddleGateway) GetSubscription(ctx context.Context, externalSubscriptionID string) (*ExternalSubscription, error) {
	if externalSubscriptionID == "" {
		return nil, errors.New("subscription ID is required")
	}

	sub, err := g.client.SubscriptionsClient.GetSubscription(ctx, &paddle.GetSubscriptionRequest{
		SubscriptionID: externalSubscriptionID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get paddle subscription: %w", err)
	}

	ext := &ExternalSubscription{
		ID:         sub.ID,
		CustomerID: sub.CustomerID,
		Status:     string(sub.Status),
	}
	if sub.CurrentBillingPeriod != nil {
		ext.PeriodStart = parsePaddleTime(sub.CurrentBillingPeriod.StartsAt)
		ext.PeriodEnd = parsePaddleTime(sub.CurrentBillingPeriod.EndsAt)
	}
	if sub.ScheduledChange != nil && sub.ScheduledChange.Action == paddle.ScheduledChangeActionCancel {
		ext.CancelAtPeriodEnd = true
	}
	for _, it := range sub.Items {
		ext.Quantity += it.Quantity
	}
	return ext, nil
}

// GetInvoice reads back a Paddle transaction as an invoice, including the
// invoice PDF link.
func (g *PaddleGateway) GetInvoice(ctx context.Context, externalInvoiceID string) (*ExternalInvoice, error) {
	if externalInvoiceID == "" {
		return nil, errors.New("invoice ID is required")
	}

	transaction, err := g.client.TransactionsClient.GetTransaction(ctx, &paddle.GetTransactionRequest{
		TransactionID: externalInvoiceID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get paddle transaction: %w", err)
	}

	ext := &ExternalInvoice{
		ID:     transaction.ID,
		Status: string(transaction.Status),
	}
	if transaction.CustomerID != nil {
		ext.CustomerID = *transaction.CustomerID
	}
	if transaction.SubscriptionID != nil {
		ext.SubscriptionID = *transaction.SubscriptionID
	}
	if transaction.InvoiceNumber != nil {
		ext.Number = *transaction.InvoiceNumber
	}
	if transaction.CurrencyCode != "" {
		ext.Currency = string(transaction.CurrencyCode)
	}
	ext.AmountCents = parseCents(transaction.Details.Totals.GrandTotal)
	ext.TaxCents = parseCents(transaction.Details.Totals.Tax)
	if transaction.BilledAt != nil {
		if t := parsePaddleTime(*transaction.BilledAt); !t.IsZero() {
			ext.IssuedAt = &t
		}
	}

	invoice, err := g.client.TransactionsClient.GetTransactionInvoice(ctx, &paddle.GetTransactionInvoiceRequest{
		TransactionID: externalInvoiceID,
	})
	if err == nil && invoice != nil {
		ext.PDFURL = invoice.URL
	}
	return ext, nil
}

// CreateBillingPortalSession returns a pre-authenticated Paddle customer
// portal link.
func (g *PaddleGateway) CreateBillingPortalSession(ctx context.Context, externalCustomerID string) (*PortalSession, error) {
	if externalCustomerID == "" {
		return nil, errors.New("customer ID is required")
	}

	session, err := g.client.CustomerPortalSessionsClient.CreateCustomerPortalSession(ctx, &paddle.CreateCustomerPortalSessionRequest{
		CustomerID: externalCustomerID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create paddle customer portal session: %w", err)
	}

	if session.URLs.General.Overview == "" {
		return nil, errors.New("no portal URL returned from paddle")
	}

	return &PortalSession{
		URL:       session.URLs.General.Overview,
		ExpiresAt: time.Now().Add(24 * time.Hour), // Portal links expire in 24 hours
	}, nil
}

// SignatureHeader returns the header Paddle signs webhook payloads with.
func (g *PaddleGateway) SignatureHeader() string {
	return "Paddle-Signature"
}

// paddleEnvelope is the raw webhook payload shape. Verification uses the SDK;
// parsing reads the verified JSON directly so unknown fields and new event
// types degrade gracefully instead of failing.
type paddleEnvelope struct {
	EventID   string            `json:"event_id"`
	EventType string            `json:"event_type"`
	Data      paddleWebhookData `json:"data"`
}

type paddleWebhookData struct {
	ID             string            `json:"id"`
	Status         string            `json:"status"`
	CustomerID     string            `json:"customer_id"`
	SubscriptionID string            `json:"subscription_id"`
	InvoiceNumber  string            `json:"invoice_number"`
	CurrencyCode   string            `json:"currency_code"`
	BilledAt       string            `json:"billed_at"`
	CustomData     map[string]any    `json:"custom_data"`
	Details        *paddleTxnDetails `json:"details"`

	CurrentBillingPeriod *paddleBillingPeriod   `json:"current_billing_period"`
	ScheduledChange      *paddleScheduledChange `json:"scheduled_change"`
	Items                []paddleItem           `json:"items"`
}

type paddleTxnDetails struct {
	Totals *paddleTotals `json:"totals"`
}

type paddleTotals struct {
	Tax        string `json:"tax"`
	GrandTotal string `json:"grand_total"`
}

type paddleBillingPeriod struct {
	StartsAt string `json:"starts_at"`
	EndsAt   string `json:"ends_at"`
}

type paddleScheduledChange struct {
	Action string `json:"action"`
}

type paddleItem struct {
	Quantity int `json:"quantity"`
}

// ParseWebhook verifies the payload signature and maps the Paddle event to a
// typed internal event. Verification failures surface as
// ErrWebhookVerificationFailed so the HTTP boundary rejects with 400.
func (g *PaddleGateway) ParseWebhook(ctx context.Context, payload []byte, signature string) (*Event, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "/webhook", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build verification request: %w", err)
	}
	req.Header.Set(g.SignatureHeader(), signature)

	valid, err := g.verifier.Verify(req)
	if err != nil {
		return nil, errors.Join(ErrWebhookVerificationFailed, err)
	}
	if !valid {
		return nil, ErrWebhookVerificationFailed
	}

	var envelope paddleEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, fmt.Errorf("failed to parse webhook payload: %w", err)
	}

	metadata := stringifyCustomData(envelope.Data.CustomData)
	event := &Event{
		ID:       envelope.EventID,
		Metadata: metadata,
	}

	switch envelope.EventType {
	case "transaction.completed":
		// A completed transaction carrying quantity-update custom data is
		// the settlement of a prorated upgrade charge; any other completed
		// transaction is a paid billing document.
		if metadata[MetaKeyType] == MetaTypeQuantityUpdate {
			event.Type = EventPaymentSucceeded
			event.Payment = paymentFromWebhook(envelope.Data, metadata)
		} else {
			event.Type = EventInvoicePaid
			event.Invoice = invoiceFromWebhook(envelope.Data)
		}
	case "transaction.payment_failed":
		event.Type = EventPaymentFailed
		event.Payment = paymentFromWebhook(envelope.Data, metadata)
	case "transaction.canceled":
		event.Type = EventPaymentCanceled
		event.Payment = paymentFromWebhook(envelope.Data, metadata)
	case "subscription.updated", "subscription.activated", "subscription.trialing",
		"subscription.past_due", "subscription.paused", "subscription.resumed":
		event.Type = EventSubscriptionUpdated
		event.Subscription = subscriptionFromWebhook(envelope.Data)
	case "subscription.canceled":
		event.Type = EventSubscriptionDeleted
		event.Subscription = subscriptionFromWebhook(envelope.Data)
	default:
		// Keep the provider's event type so the dispatcher can log it
		// before acknowledging.
		event.Type = EventType(envelope.EventType)
	}

	return event, nil
}

func invoiceFromWebhook(data paddleWebhookData) *ExternalInvoice {
	inv := &ExternalInvoice{
		ID:             data.ID,
		CustomerID:     data.CustomerID,
		SubscriptionID: data.SubscriptionID,
		Number:         data.InvoiceNumber,
		Currency:       data.CurrencyCode,
		Status:         mapPaddleInvoiceStatus(data.Status),
	}
	if data.Details != nil && data.Details.Totals != nil {
		inv.AmountCents = parseCents(data.Details.Totals.GrandTotal)
		inv.TaxCents = parseCents(data.Details.Totals.Tax)
	}
	if t := parsePaddleTime(data.BilledAt); !t.IsZero() {
		inv.IssuedAt = &t
		if inv.Status == string(InvoicePaid) {
			inv.PaidAt = &t
		}
	}
	return inv
}

func paymentFromWebhook(data paddleWebhookData, metadata map[string]string) *ExternalPayment {
	p := &ExternalPayment{
		ID:         data.ID,
		CustomerID: data.CustomerID,
		Currency:   data.CurrencyCode,
		Status:     data.Status,
		Metadata:   metadata,
	}
	if data.Details != nil && data.Details.Totals != nil {
		p.AmountCents = parseCents(data.Details.Totals.GrandTotal)
	}
	return p
}

func subscriptionFromWebhook(data paddleWebhookData) *ExternalSubscription {
	ext := &ExternalSubscription{
		ID:         data.ID,
		CustomerID: data.CustomerID,
		Status:     data.Status,
	}
	if data.CurrentBillingPeriod != nil {
		ext.PeriodStart = parsePaddleTime(data.CurrentBillingPeriod.StartsAt)
		ext.PeriodEnd = parsePaddleTime(data.CurrentBillingPeriod.EndsAt)
	}
	if data.ScheduledChange != nil && data.ScheduledChange.Action == "cancel" {
		ext.CancelAtPeriodEnd = true
	}
	for _, it := range data.Items {
		ext.Quantity += it.Quantity
	}
	return ext
}

// mapPaddleInvoiceStatus normalizes Paddle transaction statuses into the
// invoice vocabulary.
func mapPaddleInvoiceStatus(status string) string {
	switch status {
	case "completed", "paid":
		return string(InvoicePaid)
	case "billed", "ready":
		return string(InvoiceOpen)
	case "canceled":
		return string(InvoiceVoid)
	case "past_due":
		return string(InvoiceUncollectible)
	case "draft", "created":
		return string(InvoiceDraft)
	default:
		return status
	}
}

// prorationBillingMode translates the internal proration mode into Paddle's.
func prorationBillingMode(mode ProrationMode) paddle.ProrationBillingMode {
	if mode == ProrationCreate {
		return paddle.ProrationBillingModeProratedImmediately
	}
	return paddle.ProrationBillingModeDoNotBill
}

// parseCents parses Paddle's string cent amounts; malformed values become 0.
func parseCents(amount string) int64 {
	v, err := strconv.ParseInt(amount, 10, 64)
	if err != nil {
		return 0
	}
	return v
}

// parsePaddleTime parses Paddle's RFC3339 timestamps; malformed values become
// the zero time.
func parsePaddleTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

// stringifyCustomData flattens Paddle custom data into string metadata.
// Non-string scalars are formatted; nested values are dropped.
func stringifyCustomData(data map[string]any) map[string]string {
	if len(data) == 0 {
		return map[string]string{}
	}
	out := make(map[string]string, len(data))
	for k, v := range data {
		switch val := v.(type) {
		case string:
			out[k] = val
		case float64:
			out[k] = strconv.FormatFloat(val, 'f', -1, 64)
		case bool:
			out[k] = strconv.FormatBool(val)
		}
	}
	return out
}
