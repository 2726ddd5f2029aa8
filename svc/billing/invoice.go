package billing

import (
	"time"

	"github.com/google/uuid"
)

// InvoiceStatus mirrors the external billing document status.
type InvoiceStatus string

const (
	InvoiceDraft         InvoiceStatus = "draft"
	InvoiceOpen          InvoiceStatus = "open"
	InvoicePaid          InvoiceStatus = "paid"
	InvoiceVoid          InvoiceStatus = "void"
	InvoiceUncollectible InvoiceStatus = "uncollectible"
)

// Invoice is the internal record of an external billing document.
// ExternalInvoiceID is unique: reconciliation upserts on it and never creates
// duplicates. Invoices are written only by the webhook reconciler.
type Invoice struct {
	ID                 uuid.UUID
	UserID             uuid.UUID
	OrganizationID     uuid.UUID
	SubscriptionID     *uuid.UUID
	ExternalInvoiceID  string
	ExternalCustomerID string
	InvoiceNumber      string
	AmountCents        int64
	TaxCents           int64
	Currency           string
	Status             InvoiceStatus
	PDFURL             string
	HostedURL          string
	IssuedAt           *time.Time
	PaidAt             *time.Time
	CreatedAt          time.Time
}

// newInvoiceFromExternal builds an internal invoice row for a subscription
// from the external payload.
func newInvoiceFromExternal(ext *ExternalInvoice, sub *Subscription, now time.Time) *Invoice {
	inv := &Invoice{
		ID:                uuid.New(),
		UserID:            sub.UserID,
		OrganizationID:    sub.OrganizationID,
		ExternalInvoiceID: ext.ID,
		CreatedAt:         now,
	}
	subID := sub.ID
	inv.SubscriptionID = &subID
	inv.applyExternal(ext)
	return inv
}

// applyExternal refreshes the mutable fields from the external payload.
// Identity fields (internal ids, external invoice id) never change.
func (i *Invoice) applyExternal(ext *ExternalInvoice) {
	i.ExternalCustomerID = ext.CustomerID
	i.InvoiceNumber = ext.Number
	i.AmountCents = ext.AmountCents
	i.TaxCents = ext.TaxCents
	i.Currency = ext.Currency
	i.Status = InvoiceStatus(ext.Status)
	i.PDFURL = ext.PDFURL
	i.HostedURL = ext.HostedURL
	i.IssuedAt = ext.IssuedAt
	i.PaidAt = ext.PaidAt
}
