package invoices

import (
	"context"
	"fmt"

	"github.com/lib/pq"

	"github.com/trainerdesk/billing/internal/logging"
	"github.com/trainerdesk/billing/internal/models"
)

// OverdueInvoice pairs a newly overdue invoice with the contact details
// needed to send the reminder.
type OverdueInvoice struct {
	Invoice     models.Invoice
	ClientName  string
	ClientEmail string
	TrainerName string
}

// MarkOverdueInvoices flips sent invoices past their due date to overdue,
// across all workspaces, and returns them for reminder delivery.
func (s *Service) MarkOverdueInvoices(ctx context.Context) ([]OverdueInvoice, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT i.id, i.workspace_id, i.client_id, i.trainer_id, i.amount_cents, i.currency, i.due_date, i.is_prepaid_topup,
		       c.name, c.email, COALESCE(t.name, '')
		FROM billing.invoices i
		JOIN billing.client_profiles c ON c.id = i.client_id AND c.workspace_id = i.workspace_id
		LEFT JOIN billing.trainer_profiles t ON t.id = i.trainer_id AND t.workspace_id = i.workspace_id
		WHERE i.status = 'sent' AND i.due_date < NOW()`)
	if err != nil {
		return nil, fmt.Errorf("query overdue invoices: %w", err)
	}
	defer rows.Close()

	overdue := []OverdueInvoice{}
	ids := []string{}
	for rows.Next() {
		var o OverdueInvoice
		if err := rows.Scan(&o.Invoice.ID, &o.Invoice.WorkspaceID, &o.Invoice.ClientID, &o.Invoice.TrainerID,
			&o.Invoice.AmountCents, &o.Invoice.Currency, &o.Invoice.DueDate, &o.Invoice.IsPrepaidTopUp,
			&o.ClientName, &o.ClientEmail, &o.TrainerName); err != nil {
			return nil, fmt.Errorf("scan overdue invoice: %w", err)
		}
		o.Invoice.Status = models.InvoiceOverdue
		overdue = append(overdue, o)
		ids = append(ids, o.Invoice.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate overdue invoices: %w", err)
	}
	if len(ids) == 0 {
		return overdue, nil
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE billing.invoices
		SET status = 'overdue', updated_at = NOW()
		WHERE id = ANY($1) AND status = 'sent'`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("mark invoices overdue: %w", err)
	}

	s.logger.WithFields(logging.Fields{
		"count": len(ids),
	}).Info("Invoices marked overdue")

	return overdue, nil
}
