package tools

import (
	"context"
	"fmt"
	"time"
)

// registerMutating adds the tools that change persisted state. None of
// these run until the user has confirmed the proposed call.
func (r *Registry) registerMutating(ledger Ledger) {
	r.add(&Tool{
		Name:        "send_invoice_email",
		Description: "Email an invoice to a recipient.",
		Mutating:    true,
		Schema: Schema{
			Properties: map[string]any{
				"invoice_id": map[string]any{"type": "string"},
				"to":         map[string]any{"type": "string", "description": "recipient address; defaults to the client's email"},
				"subject":    map[string]any{"type": "string"},
				"body":       map[string]any{"type": "string"},
			},
			Required: []string{"invoice_id"},
		},
		execute: func(ctx context.Context, ec ExecContext, args map[string]any) (any, error) {
			invoiceID, err := requireString("send_invoice_email", args, "invoice_id")
			if err != nil {
				return nil, err
			}
			req := EmailRequest{
				InvoiceID: invoiceID,
				To:        argString(args, "to"),
				Subject:   argString(args, "subject"),
				Body:      argString(args, "body"),
			}
			if err := ledger.SendInvoiceEmail(ctx, ec.UserID, req); err != nil {
				return nil, AsFailure("send_invoice_email", err)
			}
			return map[string]any{"sent": true, "invoice_id": invoiceID}, nil
		},
		summarize: func(args map[string]any) string {
			s := "Email invoice " + argString(args, "invoice_id")
			if to := argString(args, "to"); to != "" {
				s += " to " + to
			}
			return s
		},
	})

	r.add(&Tool{
		Name:        "create_invoice",
		Description: "Create a draft invoice for a client.",
		Mutating:    true,
		Schema: Schema{
			Properties: map[string]any{
				"client_id": map[string]any{"type": "string"},
				"currency":  map[string]any{"type": "string"},
				"due_date":  map[string]any{"type": "string", "description": "RFC 3339 date"},
				"lines": map[string]any{
					"type": "array",
					"items": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"description": map[string]any{"type": "string"},
							"quantity":    map[string]any{"type": "number"},
							"unit_price":  map[string]any{"type": "number"},
						},
					},
				},
			},
			Required: []string{"client_id", "lines"},
		},
		execute: func(ctx context.Context, ec ExecContext, args map[string]any) (any, error) {
			draft, err := invoiceDraftFromArgs(args)
			if err != nil {
				return nil, err
			}
			inv, err := ledger.CreateInvoice(ctx, ec.UserID, draft)
			if err != nil {
				return nil, AsFailure("create_invoice", err)
			}
			return inv, nil
		},
		summarize: func(args map[string]any) string {
			return "Create a draft invoice for client " + argString(args, "client_id")
		},
	})

	r.add(&Tool{
		Name:        "record_payment",
		Description: "Record a payment received against an invoice.",
		Mutating:    true,
		Schema: Schema{
			Properties: map[string]any{
				"invoice_id": map[string]any{"type": "string"},
				"amount":     map[string]any{"type": "number"},
				"method":     map[string]any{"type": "string", "description": "bank_transfer, card, cash"},
			},
			Required: []string{"invoice_id", "amount"},
		},
		execute: func(ctx context.Context, ec ExecContext, args map[string]any) (any, error) {
			invoiceID, err := requireString("record_payment", args, "invoice_id")
			if err != nil {
				return nil, err
			}
			amount := argFloat(args, "amount")
			if amount <= 0 {
				return nil, NewFailure(FailureInvalidArgs, "record_payment", "amount must be positive", nil)
			}
			inv, err := ledger.RecordPayment(ctx, ec.UserID, Payment{
				InvoiceID: invoiceID,
				Amount:    amount,
				Method:    argString(args, "method"),
				Date:      time.Now(),
			})
			if err != nil {
				return nil, AsFailure("record_payment", err)
			}
			return inv, nil
		},
		summarize: func(args map[string]any) string {
			return fmt.Sprintf("Record a payment of %.2f against invoice %s",
				argFloat(args, "amount"), argString(args, "invoice_id"))
		},
	})

	r.add(&Tool{
		Name:        "archive_client",
		Description: "Archive a client so they no longer appear in active lists.",
		Mutating:    true,
		Schema: Schema{
			Properties: map[string]any{
				"client_id": map[string]any{"type": "string"},
			},
			Required: []string{"client_id"},
		},
		execute: func(ctx context.Context, ec ExecContext, args map[string]any) (any, error) {
			clientID, err := requireString("archive_client", args, "client_id")
			if err != nil {
				return nil, err
			}
			if err := ledger.ArchiveClient(ctx, ec.UserID, clientID); err != nil {
				return nil, AsFailure("archive_client", err)
			}
			return map[string]any{"archived": true, "client_id": clientID}, nil
		},
		summarize: func(args map[string]any) string {
			return "Archive client " + argString(args, "client_id")
		},
	})
}

func invoiceDraftFromArgs(args map[string]any) (InvoiceDraft, error) {
	clientID, err := requireString("create_invoice", args, "client_id")
	if err != nil {
		return InvoiceDraft{}, err
	}

	draft := InvoiceDraft{
		ClientID: clientID,
		Currency: argString(args, "currency"),
	}
	if draft.Currency == "" {
		draft.Currency = "USD"
	}

	if due := argString(args, "due_date"); due != "" {
		t, err := time.Parse(time.RFC3339, due)
		if err != nil {
			// Accept bare dates too.
			t, err = time.Parse("2006-01-02", due)
			if err != nil {
				return InvoiceDraft{}, NewFailure(FailureInvalidArgs, "create_invoice", "due_date must be an RFC 3339 date", err)
			}
		}
		draft.DueDate = t
	}

	rawLines, ok := args["lines"].([]any)
	if !ok || len(rawLines) == 0 {
		return InvoiceDraft{}, NewFailure(FailureInvalidArgs, "create_invoice", "at least one line is required", nil)
	}
	for i, raw := range rawLines {
		lineMap, ok := raw.(map[string]any)
		if !ok {
			return InvoiceDraft{}, NewFailure(FailureInvalidArgs, "create_invoice", fmt.Sprintf("line %d is not an object", i), nil)
		}
		line := InvoiceLine{
			Description: argString(lineMap, "description"),
			Quantity:    argFloat(lineMap, "quantity"),
			UnitPrice:   argFloat(lineMap, "unit_price"),
		}
		if line.Quantity == 0 {
			line.Quantity = 1
		}
		draft.Lines = append(draft.Lines, line)
	}

	return draft, nil
}
