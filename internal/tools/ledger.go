package tools

import (
	"context"
	"time"
)

// Invoice is the slice of the billing model the assistant's tools expose.
type Invoice struct {
	ID       string    `json:"id"`
	Number   int       `json:"number"`
	ClientID string    `json:"client_id"`
	Status   string    `json:"status"`
	Total    float64   `json:"total"`
	Currency string    `json:"currency"`
	DueDate  time.Time `json:"due_date"`
}

// Client is a billable customer record.
type Client struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Quote is an unaccepted offer that may become an invoice.
type Quote struct {
	ID       string  `json:"id"`
	Number   int     `json:"number"`
	ClientID string  `json:"client_id"`
	Status   string  `json:"status"`
	Total    float64 `json:"total"`
}

// RevenueSummary aggregates paid and outstanding totals over a period.
type RevenueSummary struct {
	Period      string  `json:"period"`
	Paid        float64 `json:"paid"`
	Outstanding float64 `json:"outstanding"`
	Overdue     float64 `json:"overdue"`
}

// InvoiceDraft is the input for creating an invoice.
type InvoiceDraft struct {
	ClientID string        `json:"client_id"`
	Currency string        `json:"currency"`
	DueDate  time.Time     `json:"due_date"`
	Lines    []InvoiceLine `json:"lines"`
}

// InvoiceLine is one billable line on an invoice draft.
type InvoiceLine struct {
	Description string  `json:"description"`
	Quantity    float64 `json:"quantity"`
	UnitPrice   float64 `json:"unit_price"`
}

// Payment records money received against an invoice.
type Payment struct {
	InvoiceID string    `json:"invoice_id"`
	Amount    float64   `json:"amount"`
	Method    string    `json:"method"`
	Date      time.Time `json:"date"`
}

// EmailRequest asks the billing layer to send an invoice to a recipient.
type EmailRequest struct {
	InvoiceID string `json:"invoice_id"`
	To        string `json:"to"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`
}

// Ledger is the contract the surrounding CRUD application fulfils for the
// assistant's tools. Implementations own their own transactional
// integrity; this layer only guarantees a mutating call runs at most once
// per confirmed message.
type Ledger interface {
	ListInvoices(ctx context.Context, userID, status string, overdueOnly bool) ([]Invoice, error)
	GetInvoice(ctx context.Context, userID, invoiceID string) (*Invoice, error)
	ListClients(ctx context.Context, userID string) ([]Client, error)
	GetClient(ctx context.Context, userID, clientID string) (*Client, error)
	ListQuotes(ctx context.Context, userID, status string) ([]Quote, error)
	Revenue(ctx context.Context, userID, period string) (*RevenueSummary, error)

	CreateInvoice(ctx context.Context, userID string, draft InvoiceDraft) (*Invoice, error)
	SendInvoiceEmail(ctx context.Context, userID string, req EmailRequest) error
	RecordPayment(ctx context.Context, userID string, payment Payment) (*Invoice, error)
	ArchiveClient(ctx context.Context, userID, clientID string) error
}

// ExecContext carries the identity a tool executes on behalf of.
type ExecContext struct {
	UserID string
}
