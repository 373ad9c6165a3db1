package prepaid

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/trainerdesk/billing/internal/logging"
	"github.com/trainerdesk/billing/internal/models"
)

// VoidResult is the outcome of voiding a top-up invoice and switching the
// client off prepaid billing.
type VoidResult struct {
	Success             bool
	CreditAmountCents   int64
	NewBillingFrequency models.BillingFrequency
}

// SwitchToPerSession moves a client to per-session billing. The prepaid
// balance is left untouched and keeps working as credit against future
// invoices.
func (s *Service) SwitchToPerSession(ctx context.Context, workspaceID, clientID string) error {
	var trainerID string
	err := s.db.QueryRowContext(ctx, `
		SELECT trainer_id FROM billing.client_profiles
		WHERE id = $1 AND workspace_id = $2`, clientID, workspaceID).Scan(&trainerID)
	if err == sql.ErrNoRows {
		return ErrProfileNotFound
	}
	if err != nil {
		return fmt.Errorf("query client profile: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE billing.client_profiles
		SET billing_frequency = 'per_session', updated_at = NOW()
		WHERE id = $1 AND workspace_id = $2`, clientID, workspaceID)
	if err != nil {
		return fmt.Errorf("switch billing frequency: %w", err)
	}

	s.invalidateSummary(ctx, workspaceID, trainerID)

	s.logger.WithFields(logging.Fields{
		"workspace_id": workspaceID,
		"client_id":    clientID,
	}).Info("Client switched to per-session billing")

	return nil
}

// VoidInvoiceAndSwitchBilling cancels an open top-up invoice, marks the
// client's current balance as retained credit, and moves the client to
// newFrequency (per-session or monthly). The balance itself is not changed;
// the retention entry records how much credit survived the switch, and
// later invoices consume it through credit application.
func (s *Service) VoidInvoiceAndSwitchBilling(ctx context.Context, workspaceID, invoiceID string, newFrequency models.BillingFrequency) (*VoidResult, error) {
	if newFrequency != models.FrequencyPerSession && newFrequency != models.FrequencyMonthly {
		return nil, ErrInvalidFrequency
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var clientID, trainerID string
	err = tx.QueryRowContext(ctx, `
		SELECT client_id, trainer_id
		FROM billing.invoices
		WHERE id = $1 AND workspace_id = $2
		  AND is_prepaid_topup = TRUE
		  AND status NOT IN ('cancelled', 'paid')
		FOR UPDATE`, invoiceID, workspaceID).Scan(&clientID, &trainerID)
	if err == sql.ErrNoRows {
		return nil, ErrInvoiceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock invoice: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE billing.invoices
		SET status = 'cancelled', updated_at = NOW()
		WHERE id = $1 AND workspace_id = $2`, invoiceID, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("cancel invoice: %w", err)
	}

	var balance sql.NullInt64
	err = tx.QueryRowContext(ctx, `
		SELECT prepaid_balance_cents
		FROM billing.client_profiles
		WHERE id = $1 AND workspace_id = $2
		FOR UPDATE`, clientID, workspaceID).Scan(&balance)
	if err == sql.ErrNoRows {
		return nil, ErrProfileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock client profile: %w", err)
	}

	creditAmount := int64(0)
	if balance.Valid {
		creditAmount = balance.Int64
	}

	if creditAmount > 0 {
		// Retention marker: records the credit carried across the switch
		// without moving the balance.
		_, err = tx.ExecContext(ctx, `
			INSERT INTO billing.prepaid_transactions
				(id, workspace_id, client_profile_id, type, amount_cents, balance_after_cents, description, created_at)
			VALUES ($1, $2, $3, 'credit', $4, $5, $6, NOW())`,
			uuid.New().String(), workspaceID, clientID, creditAmount, creditAmount,
			fmt.Sprintf("Credit retention on switch to %s billing", newFrequency))
		if err != nil {
			return nil, fmt.Errorf("insert credit retention: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE billing.client_profiles
		SET billing_frequency = $1, updated_at = NOW()
		WHERE id = $2 AND workspace_id = $3`, newFrequency, clientID, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("switch billing frequency: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	s.invalidateSummary(ctx, workspaceID, trainerID)

	s.logger.WithFields(logging.Fields{
		"workspace_id":  workspaceID,
		"invoice_id":    invoiceID,
		"client_id":     clientID,
		"credit_amount": creditAmount,
		"new_frequency": newFrequency,
	}).Info("Top-up invoice voided and billing switched")

	return &VoidResult{
		Success:             true,
		CreditAmountCents:   creditAmount,
		NewBillingFrequency: newFrequency,
	}, nil
}
