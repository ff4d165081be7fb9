// Package ledger provides an in-memory implementation of the invoicing
// backend used when no external billing service is configured. It seeds a
// small demo dataset so the assistant has something to operate on out of
// the box.
package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/avitale/ledgerly/internal/tools"
)

// MemoryLedger is a mutex-guarded in-memory invoicing backend.
type MemoryLedger struct {
	mu       sync.RWMutex
	invoices map[string]*tools.Invoice
	clients  map[string]*tools.Client
	quotes   map[string]*tools.Quote
	archived map[string]bool
	payments []tools.Payment
	emails   []tools.EmailRequest
	seq      int
}

// NewMemory creates a ledger seeded with demo data.
func NewMemory() *MemoryLedger {
	l := NewMemoryEmpty()
	l.seed()
	return l
}

// NewMemoryEmpty creates a ledger with no seeded data.
func NewMemoryEmpty() *MemoryLedger {
	return &MemoryLedger{
		invoices: make(map[string]*tools.Invoice),
		clients:  make(map[string]*tools.Client),
		quotes:   make(map[string]*tools.Quote),
		archived: make(map[string]bool),
	}
}

func (l *MemoryLedger) seed() {
	now := time.Now().UTC()

	acme := l.AddClient(tools.Client{Name: "Acme Corp", Email: "billing@acme.example"})
	globex := l.AddClient(tools.Client{Name: "Globex", Email: "accounts@globex.example"})

	l.AddInvoice(tools.Invoice{
		ClientID: acme.ID,
		Status:   "overdue",
		Total:    1840.00,
		Currency: "EUR",
		DueDate:  now.AddDate(0, -1, 0),
	})
	l.AddInvoice(tools.Invoice{
		ClientID: globex.ID,
		Status:   "sent",
		Total:    620.00,
		Currency: "EUR",
		DueDate:  now.AddDate(0, 0, 20),
	})
	l.AddInvoice(tools.Invoice{
		ClientID: acme.ID,
		Status:   "paid",
		Total:    2400.00,
		Currency: "EUR",
		DueDate:  now.AddDate(0, 0, -40),
	})

	l.AddQuote(tools.Quote{ClientID: acme.ID, Status: "sent", Total: 3200.00})
}

// AddClient inserts a client, assigning an ID.
func (l *MemoryLedger) AddClient(c tools.Client) tools.Client {
	l.mu.Lock()
	defer l.mu.Unlock()
	c.ID = uuid.NewString()
	l.clients[c.ID] = &c
	return c
}

// AddInvoice inserts an invoice, assigning an ID and sequential number.
func (l *MemoryLedger) AddInvoice(inv tools.Invoice) tools.Invoice {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	inv.ID = uuid.NewString()
	inv.Number = l.seq
	l.invoices[inv.ID] = &inv
	return inv
}

// AddQuote inserts a quote, assigning an ID and sequential number.
func (l *MemoryLedger) AddQuote(q tools.Quote) tools.Quote {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	q.ID = uuid.NewString()
	q.Number = l.seq
	l.quotes[q.ID] = &q
	return q
}

func (l *MemoryLedger) ListInvoices(ctx context.Context, userID, status string, overdueOnly bool) ([]tools.Invoice, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]tools.Invoice, 0, len(l.invoices))
	for _, inv := range l.invoices {
		if status != "" && inv.Status != status {
			continue
		}
		if overdueOnly && inv.Status != "overdue" {
			continue
		}
		out = append(out, *inv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number > out[j].Number })
	return out, nil
}

func (l *MemoryLedger) GetInvoice(ctx context.Context, userID, invoiceID string) (*tools.Invoice, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	inv, ok := l.invoices[invoiceID]
	if !ok {
		return nil, tools.NewFailure(tools.FailureNotFound, "get_invoice", fmt.Sprintf("invoice %q not found", invoiceID), nil)
	}
	cp := *inv
	return &cp, nil
}

func (l *MemoryLedger) ListClients(ctx context.Context, userID string) ([]tools.Client, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]tools.Client, 0, len(l.clients))
	for id, c := range l.clients {
		if l.archived[id] {
			continue
		}
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (l *MemoryLedger) GetClient(ctx context.Context, userID, clientID string) (*tools.Client, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	c, ok := l.clients[clientID]
	if !ok {
		return nil, tools.NewFailure(tools.FailureNotFound, "get_client", fmt.Sprintf("client %q not found", clientID), nil)
	}
	cp := *c
	return &cp, nil
}

func (l *MemoryLedger) ListQuotes(ctx context.Context, userID, status string) ([]tools.Quote, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]tools.Quote, 0, len(l.quotes))
	for _, q := range l.quotes {
		if status != "" && q.Status != status {
			continue
		}
		out = append(out, *q)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number > out[j].Number })
	return out, nil
}

func (l *MemoryLedger) Revenue(ctx context.Context, userID, period string) (*tools.RevenueSummary, error) {
	start, end, err := periodWindow(period, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	summary := &tools.RevenueSummary{Period: period}
	for _, inv := range l.invoices {
		if inv.DueDate.Before(start) || !inv.DueDate.Before(end) {
			continue
		}
		switch inv.Status {
		case "paid":
			summary.Paid += inv.Total
		case "overdue":
			summary.Overdue += inv.Total
			summary.Outstanding += inv.Total
		case "sent":
			summary.Outstanding += inv.Total
		}
	}
	return summary, nil
}

// periodWindow resolves a period name to the [start, end) interval
// invoices are bucketed into by due date.
func periodWindow(period string, now time.Time) (start, end time.Time, err error) {
	y, m, _ := now.Date()
	loc := now.Location()
	monthStart := time.Date(y, m, 1, 0, 0, 0, 0, loc)

	switch period {
	case "this_month":
		return monthStart, monthStart.AddDate(0, 1, 0), nil
	case "last_month":
		return monthStart.AddDate(0, -1, 0), monthStart, nil
	case "this_quarter":
		qm := time.Month((int(m)-1)/3*3 + 1)
		qStart := time.Date(y, qm, 1, 0, 0, 0, 0, loc)
		return qStart, qStart.AddDate(0, 3, 0), nil
	case "this_year":
		yStart := time.Date(y, time.January, 1, 0, 0, 0, 0, loc)
		return yStart, yStart.AddDate(1, 0, 0), nil
	case "all_time":
		return time.Time{}, time.Date(9999, time.January, 1, 0, 0, 0, 0, time.UTC), nil
	default:
		return time.Time{}, time.Time{}, tools.NewFailure(tools.FailureInvalidArgs, "revenue_summary",
			fmt.Sprintf("unknown period %q; use this_month, last_month, this_quarter, this_year or all_time", period), nil)
	}
}

func (l *MemoryLedger) CreateInvoice(ctx context.Context, userID string, draft tools.InvoiceDraft) (*tools.Invoice, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.clients[draft.ClientID]; !ok {
		return nil, tools.NewFailure(tools.FailureNotFound, "create_invoice", fmt.Sprintf("client %q not found", draft.ClientID), nil)
	}

	var total float64
	for _, line := range draft.Lines {
		total += line.Quantity * line.UnitPrice
	}
	currency := draft.Currency
	if currency == "" {
		currency = "EUR"
	}
	l.seq++
	inv := &tools.Invoice{
		ID:       uuid.NewString(),
		Number:   l.seq,
		ClientID: draft.ClientID,
		Status:   "draft",
		Total:    total,
		Currency: currency,
		DueDate:  draft.DueDate,
	}
	l.invoices[inv.ID] = inv
	cp := *inv
	return &cp, nil
}

// SendInvoiceEmail records the outgoing email. No real delivery happens;
// a draft invoice moves to sent.
func (l *MemoryLedger) SendInvoiceEmail(ctx context.Context, userID string, req tools.EmailRequest) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	inv, ok := l.invoices[req.InvoiceID]
	if !ok {
		return tools.NewFailure(tools.FailureNotFound, "send_invoice_email", fmt.Sprintf("invoice %q not found", req.InvoiceID), nil)
	}
	if inv.Status == "draft" {
		inv.Status = "sent"
	}
	l.emails = append(l.emails, req)
	return nil
}

// RecordPayment marks the invoice paid when the payment covers the total.
func (l *MemoryLedger) RecordPayment(ctx context.Context, userID string, payment tools.Payment) (*tools.Invoice, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	inv, ok := l.invoices[payment.InvoiceID]
	if !ok {
		return nil, tools.NewFailure(tools.FailureNotFound, "record_payment", fmt.Sprintf("invoice %q not found", payment.InvoiceID), nil)
	}
	l.payments = append(l.payments, payment)
	if payment.Amount >= inv.Total {
		inv.Status = "paid"
	}
	cp := *inv
	return &cp, nil
}

func (l *MemoryLedger) ArchiveClient(ctx context.Context, userID, clientID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.clients[clientID]; !ok {
		return tools.NewFailure(tools.FailureNotFound, "archive_client", fmt.Sprintf("client %q not found", clientID), nil)
	}
	l.archived[clientID] = true
	return nil
}

// SentEmails returns the recorded outgoing emails. Used in tests.
func (l *MemoryLedger) SentEmails() []tools.EmailRequest {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]tools.EmailRequest(nil), l.emails...)
}

// Payments returns the recorded payments. Used in tests.
func (l *MemoryLedger) Payments() []tools.Payment {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]tools.Payment(nil), l.payments...)
}

// Archived reports whether the client has been archived. Used in tests.
func (l *MemoryLedger) Archived(clientID string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.archived[clientID]
}
