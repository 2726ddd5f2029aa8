package billing

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemSubscriptionStore is a mutex-guarded in-memory SubscriptionStore for
// tests and local development. Stored values are copied on the way in and out
// so callers never share mutable state with the store.
type MemSubscriptionStore struct {
	mu   sync.RWMutex
	subs map[uuid.UUID]Subscription
}

// NewMemSubscriptionStore creates an empty in-memory subscription store.
func NewMemSubscriptionStore() *MemSubscriptionStore {
	return &MemSubscriptionStore{subs: make(map[uuid.UUID]Subscription)}
}

func (s *MemSubscriptionStore) GetByID(_ context.Context, id uuid.UUID) (*Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subs[id]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	return copySubscription(sub), nil
}

func (s *MemSubscriptionStore) GetByExternalID(_ context.Context, externalSubscriptionID string) (*Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, sub := range s.subs {
		if sub.ExternalSubscriptionID != "" && sub.ExternalSubscriptionID == externalSubscriptionID {
			return copySubscription(sub), nil
		}
	}
	return nil, ErrSubscriptionNotFound
}

func (s *MemSubscriptionStore) Save(_ context.Context, sub *Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.subs[sub.ID] = *copySubscription(*sub)
	return nil
}

func (s *MemSubscriptionStore) ListPendingQuantityDue(_ context.Context, before time.Time) ([]*Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Subscription
	for _, sub := range s.subs {
		if sub.Status != StatusActive || sub.PendingQuantity == nil {
			continue
		}
		if sub.CurrentPeriodEnd != nil && !sub.CurrentPeriodEnd.After(before) {
			out = append(out, copySubscription(sub))
		}
	}
	return out, nil
}

func (s *MemSubscriptionStore) ListExpiredActive(_ context.Context, before time.Time) ([]*Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Subscription
	for _, sub := range s.subs {
		if sub.Status != StatusActive && sub.Status != StatusTrial {
			continue
		}
		if sub.ExternalSubscriptionID == "" {
			continue
		}
		if sub.CurrentPeriodEnd != nil && !sub.CurrentPeriodEnd.After(before) {
			out = append(out, copySubscription(sub))
		}
	}
	return out, nil
}

func (s *MemSubscriptionStore) ListTrialsEndingBetween(_ context.Context, from, to time.Time) ([]*Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Subscription
	for _, sub := range s.subs {
		if sub.Status != StatusTrial || sub.TrialEndDate == nil {
			continue
		}
		if !sub.TrialEndDate.Before(from) && !sub.TrialEndDate.After(to) {
			out = append(out, copySubscription(sub))
		}
	}
	return out, nil
}

func copySubscription(sub Subscription) *Subscription {
	out := sub
	out.PendingQuantity = copyInt(sub.PendingQuantity)
	out.TrialStartDate = copyTime(sub.TrialStartDate)
	out.TrialEndDate = copyTime(sub.TrialEndDate)
	out.CurrentPeriodStart = copyTime(sub.CurrentPeriodStart)
	out.CurrentPeriodEnd = copyTime(sub.CurrentPeriodEnd)
	out.CancelledAt = copyTime(sub.CancelledAt)
	return &out
}

// MemInvoiceStore is a mutex-guarded in-memory InvoiceStore keyed by external
// invoice id.
type MemInvoiceStore struct {
	mu       sync.RWMutex
	invoices map[string]Invoice
}

// NewMemInvoiceStore creates an empty in-memory invoice store.
func NewMemInvoiceStore() *MemInvoiceStore {
	return &MemInvoiceStore{invoices: make(map[string]Invoice)}
}

func (s *MemInvoiceStore) GetByExternalID(_ context.Context, externalInvoiceID string) (*Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inv, ok := s.invoices[externalInvoiceID]
	if !ok {
		return nil, ErrInvoiceNotFound
	}
	return copyInvoice(inv), nil
}

func (s *MemInvoiceStore) Save(_ context.Context, inv *Invoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.invoices[inv.ExternalInvoiceID] = *copyInvoice(*inv)
	return nil
}

// Len reports the number of stored invoices. Used in tests to assert upsert
// semantics.
func (s *MemInvoiceStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.invoices)
}

func copyInvoice(inv Invoice) *Invoice {
	out := inv
	if inv.SubscriptionID != nil {
		id := *inv.SubscriptionID
		out.SubscriptionID = &id
	}
	out.IssuedAt = copyTime(inv.IssuedAt)
	out.PaidAt = copyTime(inv.PaidAt)
	return &out
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func copyInt(i *int) *int {
	if i == nil {
		return nil
	}
	v := *i
	return &v
}
