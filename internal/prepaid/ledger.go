package prepaid

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/trainerdesk/billing/internal/logging"
	"github.com/trainerdesk/billing/internal/models"
)

// ledgerEntry is one pending mutation of a client's prepaid balance. The
// amount is always positive; Type decides the direction. AppointmentID is
// the idempotency key for deductions and empty for credits.
type ledgerEntry struct {
	Type          string
	AmountCents   int64
	Description   string
	AppointmentID string

	// ClampToBalance caps a deduction at the balance read under the lock
	// instead of failing. With the balance already at zero the entry is
	// skipped entirely.
	ClampToBalance bool
}

// applyLedgerEntry performs one atomic balance mutation inside tx:
// lock the profile row, append the transaction, then write the new balance
// conditionally on the value read under the lock. A deduction whose
// appointment already has a ledger entry inserts zero rows and is reported
// as applied=false with the balance untouched.
func applyLedgerEntry(ctx context.Context, tx *sql.Tx, workspaceID, clientID string, entry ledgerEntry) (previous, updated int64, applied bool, err error) {
	var balance sql.NullInt64
	err = tx.QueryRowContext(ctx, `
		SELECT prepaid_balance_cents
		FROM billing.client_profiles
		WHERE id = $1 AND workspace_id = $2
		FOR UPDATE`, clientID, workspaceID).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, 0, false, ErrProfileNotFound
	}
	if err != nil {
		return 0, 0, false, fmt.Errorf("lock client profile: %w", err)
	}

	previous = 0
	if balance.Valid {
		previous = balance.Int64
	}

	amount := entry.AmountCents
	switch entry.Type {
	case models.TransactionCredit:
		updated = previous + amount
	case models.TransactionDeduction:
		if entry.ClampToBalance {
			if previous <= 0 {
				return previous, previous, false, nil
			}
			amount = min64(amount, previous)
		}
		updated = previous - amount
		if updated < 0 {
			return previous, previous, false, fmt.Errorf("deduction %d exceeds balance %d", amount, previous)
		}
	default:
		return previous, previous, false, fmt.Errorf("unknown transaction type %q", entry.Type)
	}

	var appointmentID sql.NullString
	if entry.AppointmentID != "" {
		appointmentID = sql.NullString{String: entry.AppointmentID, Valid: true}
	}

	// The partial unique index on (appointment_id) WHERE type = 'deduction'
	// makes replayed session deductions a no-op.
	res, err := tx.ExecContext(ctx, `
		INSERT INTO billing.prepaid_transactions
			(id, workspace_id, client_profile_id, type, amount_cents, balance_after_cents, description, appointment_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (appointment_id) WHERE type = 'deduction' DO NOTHING`,
		uuid.New().String(), workspaceID, clientID, entry.Type,
		amount, updated, entry.Description, appointmentID)
	if err != nil {
		return previous, previous, false, fmt.Errorf("insert prepaid transaction: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return previous, previous, false, fmt.Errorf("insert prepaid transaction: %w", err)
	}
	if rows == 0 {
		return previous, previous, false, nil
	}

	res, err = tx.ExecContext(ctx, `
		UPDATE billing.client_profiles
		SET prepaid_balance_cents = $1, updated_at = NOW()
		WHERE id = $2 AND workspace_id = $3
		  AND COALESCE(prepaid_balance_cents, 0) = $4`,
		updated, clientID, workspaceID, previous)
	if err != nil {
		return previous, previous, false, fmt.Errorf("update prepaid balance: %w", err)
	}

	rows, err = res.RowsAffected()
	if err != nil {
		return previous, previous, false, fmt.Errorf("update prepaid balance: %w", err)
	}
	if rows == 0 {
		return previous, previous, false, ErrBalanceConflict
	}

	return previous, updated, true, nil
}

// AddCredit appends a CREDIT transaction and raises the client's balance.
// Crediting a client on another billing frequency force-switches them to
// prepaid, so a returning client starts accruing against the new balance
// immediately.
func (s *Service) AddCredit(ctx context.Context, workspaceID, clientID string, amountCents int64, notes string) (*models.PrepaidTransaction, error) {
	if amountCents <= 0 {
		return nil, ErrInvalidAmount
	}

	description := notes
	if description == "" {
		description = "Prepaid balance credit"
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	previous, updated, applied, err := applyLedgerEntry(ctx, tx, workspaceID, clientID, ledgerEntry{
		Type:        models.TransactionCredit,
		AmountCents: amountCents,
		Description: description,
	})
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, fmt.Errorf("credit was not applied")
	}

	var trainerID string
	var frequency models.BillingFrequency
	err = tx.QueryRowContext(ctx, `
		SELECT trainer_id, billing_frequency
		FROM billing.client_profiles
		WHERE id = $1 AND workspace_id = $2`, clientID, workspaceID).Scan(&trainerID, &frequency)
	if err != nil {
		return nil, fmt.Errorf("read client profile: %w", err)
	}

	if frequency != models.FrequencyPrepaid {
		_, err = tx.ExecContext(ctx, `
			UPDATE billing.client_profiles
			SET billing_frequency = 'prepaid', updated_at = NOW()
			WHERE id = $1 AND workspace_id = $2`, clientID, workspaceID)
		if err != nil {
			return nil, fmt.Errorf("switch billing frequency: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	s.invalidateSummary(ctx, workspaceID, trainerID)

	s.logger.WithFields(logging.Fields{
		"workspace_id":     workspaceID,
		"client_id":        clientID,
		"amount_cents":     amountCents,
		"previous_balance": previous,
		"new_balance":      updated,
	}).Info("Prepaid credit applied")

	return &models.PrepaidTransaction{
		WorkspaceID:       workspaceID,
		ClientProfileID:   clientID,
		Type:              models.TransactionCredit,
		AmountCents:       amountCents,
		BalanceAfterCents: updated,
		Description:       description,
	}, nil
}

// ApplyInvoiceCreditTx consumes up to requestedCents of the client's prepaid
// balance as payment toward an invoice, inside the caller's transaction.
// Returns the amount actually consumed, clamped to the available balance.
func (s *Service) ApplyInvoiceCreditTx(ctx context.Context, tx *sql.Tx, workspaceID, clientID string, requestedCents int64, invoiceID string) (int64, error) {
	if requestedCents <= 0 {
		return 0, nil
	}

	previous, updated, applied, err := applyLedgerEntry(ctx, tx, workspaceID, clientID, ledgerEntry{
		Type:           models.TransactionDeduction,
		AmountCents:    requestedCents,
		Description:    fmt.Sprintf("Credit applied to invoice %s", invoiceID),
		ClampToBalance: true,
	})
	if err != nil {
		return 0, err
	}
	if !applied {
		return 0, nil
	}

	consumed := previous - updated
	s.logger.WithFields(logging.Fields{
		"workspace_id": workspaceID,
		"client_id":    clientID,
		"invoice_id":   invoiceID,
		"consumed":     consumed,
		"new_balance":  updated,
	}).Info("Prepaid credit applied to invoice")

	return consumed, nil
}

// GetTransactions returns a client's ledger newest-first, plus the total
// number of entries for pagination.
func (s *Service) GetTransactions(ctx context.Context, workspaceID, clientID string, limit, offset int) ([]models.PrepaidTransaction, int, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	var total int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM billing.prepaid_transactions
		WHERE client_profile_id = $1 AND workspace_id = $2`,
		clientID, workspaceID).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("count prepaid transactions: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workspace_id, client_profile_id, type, amount_cents, balance_after_cents, description, appointment_id, created_at
		FROM billing.prepaid_transactions
		WHERE client_profile_id = $1 AND workspace_id = $2
		ORDER BY created_at DESC, id DESC
		LIMIT $3 OFFSET $4`,
		clientID, workspaceID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("query prepaid transactions: %w", err)
	}
	defer rows.Close()

	transactions := []models.PrepaidTransaction{}
	for rows.Next() {
		var t models.PrepaidTransaction
		if err := rows.Scan(&t.ID, &t.WorkspaceID, &t.ClientProfileID, &t.Type,
			&t.AmountCents, &t.BalanceAfterCents, &t.Description, &t.AppointmentID, &t.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan prepaid transaction: %w", err)
		}
		transactions = append(transactions, t)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate prepaid transactions: %w", err)
	}

	return transactions, total, nil
}

// GetClientProfile loads the billing profile for one client in a workspace.
func (s *Service) GetClientProfile(ctx context.Context, workspaceID, clientID string) (*models.ClientProfile, error) {
	var c models.ClientProfile
	err := s.db.QueryRowContext(ctx, `
		SELECT id, workspace_id, trainer_id, name, email, billing_frequency,
		       prepaid_balance_cents, prepaid_target_cents, session_rate_cents, group_session_rate_cents,
		       created_at, updated_at
		FROM billing.client_profiles
		WHERE id = $1 AND workspace_id = $2`, clientID, workspaceID).Scan(
		&c.ID, &c.WorkspaceID, &c.TrainerID, &c.Name, &c.Email, &c.BillingFrequency,
		&c.PrepaidBalanceCents, &c.PrepaidTargetCents, &c.SessionRateCents, &c.GroupSessionRateCents,
		&c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrProfileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query client profile: %w", err)
	}
	return &c, nil
}
