package tools

import (
	"context"
	"fmt"
)

// registerReadOnly adds the data-retrieval tools. These execute without
// confirmation and must have no persisted side effects.
func (r *Registry) registerReadOnly(ledger Ledger) {
	r.add(&Tool{
		Name:        "list_invoices",
		Description: "List invoices, optionally filtered by status or overdue-only.",
		Schema: Schema{
			Properties: map[string]any{
				"status":       map[string]any{"type": "string", "description": "draft, sent, paid or void"},
				"overdue_only": map[string]any{"type": "boolean"},
			},
		},
		execute: func(ctx context.Context, ec ExecContext, args map[string]any) (any, error) {
			invoices, err := ledger.ListInvoices(ctx, ec.UserID, argString(args, "status"), argBool(args, "overdue_only"))
			if err != nil {
				return nil, AsFailure("list_invoices", err)
			}
			return invoices, nil
		},
		summarize: func(args map[string]any) string {
			if argBool(args, "overdue_only") {
				return "List overdue invoices"
			}
			if status := argString(args, "status"); status != "" {
				return "List " + status + " invoices"
			}
			return "List invoices"
		},
	})

	r.add(&Tool{
		Name:        "get_invoice",
		Description: "Fetch a single invoice by id.",
		Schema: Schema{
			Properties: map[string]any{
				"invoice_id": map[string]any{"type": "string"},
			},
			Required: []string{"invoice_id"},
		},
		execute: func(ctx context.Context, ec ExecContext, args map[string]any) (any, error) {
			id, err := requireString("get_invoice", args, "invoice_id")
			if err != nil {
				return nil, err
			}
			inv, err := ledger.GetInvoice(ctx, ec.UserID, id)
			if err != nil {
				return nil, AsFailure("get_invoice", err)
			}
			if inv == nil {
				return nil, NewFailure(FailureNotFound, "get_invoice", "invoice "+id+" not found", nil)
			}
			return inv, nil
		},
		summarize: func(args map[string]any) string {
			return "Look up invoice " + argString(args, "invoice_id")
		},
	})

	r.add(&Tool{
		Name:        "list_clients",
		Description: "List the user's clients.",
		Schema:      Schema{Properties: map[string]any{}},
		execute: func(ctx context.Context, ec ExecContext, args map[string]any) (any, error) {
			clients, err := ledger.ListClients(ctx, ec.UserID)
			if err != nil {
				return nil, AsFailure("list_clients", err)
			}
			return clients, nil
		},
		summarize: func(map[string]any) string { return "List clients" },
	})

	r.add(&Tool{
		Name:        "get_client",
		Description: "Fetch a single client by id.",
		Schema: Schema{
			Properties: map[string]any{
				"client_id": map[string]any{"type": "string"},
			},
			Required: []string{"client_id"},
		},
		execute: func(ctx context.Context, ec ExecContext, args map[string]any) (any, error) {
			id, err := requireString("get_client", args, "client_id")
			if err != nil {
				return nil, err
			}
			client, err := ledger.GetClient(ctx, ec.UserID, id)
			if err != nil {
				return nil, AsFailure("get_client", err)
			}
			if client == nil {
				return nil, NewFailure(FailureNotFound, "get_client", "client "+id+" not found", nil)
			}
			return client, nil
		},
		summarize: func(args map[string]any) string {
			return "Look up client " + argString(args, "client_id")
		},
	})

	r.add(&Tool{
		Name:        "list_quotes",
		Description: "List quotes, optionally filtered by status.",
		Schema: Schema{
			Properties: map[string]any{
				"status": map[string]any{"type": "string", "description": "draft, sent, accepted or declined"},
			},
		},
		execute: func(ctx context.Context, ec ExecContext, args map[string]any) (any, error) {
			quotes, err := ledger.ListQuotes(ctx, ec.UserID, argString(args, "status"))
			if err != nil {
				return nil, AsFailure("list_quotes", err)
			}
			return quotes, nil
		},
		summarize: func(args map[string]any) string {
			if status := argString(args, "status"); status != "" {
				return "List " + status + " quotes"
			}
			return "List quotes"
		},
	})

	r.add(&Tool{
		Name:        "revenue_summary",
		Description: "Summarize paid, outstanding and overdue revenue for a period.",
		Schema: Schema{
			Properties: map[string]any{
				"period": map[string]any{"type": "string", "description": "this_month, last_month, this_quarter, this_year or all_time"},
			},
			Required: []string{"period"},
		},
		execute: func(ctx context.Context, ec ExecContext, args map[string]any) (any, error) {
			period, err := requireString("revenue_summary", args, "period")
			if err != nil {
				return nil, err
			}
			summary, err := ledger.Revenue(ctx, ec.UserID, period)
			if err != nil {
				return nil, AsFailure("revenue_summary", err)
			}
			return summary, nil
		},
		summarize: func(args map[string]any) string {
			return fmt.Sprintf("Summarize revenue for %s", argString(args, "period"))
		},
	})
}
