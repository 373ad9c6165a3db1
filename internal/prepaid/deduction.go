package prepaid

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/trainerdesk/billing/internal/logging"
	"github.com/trainerdesk/billing/internal/models"
)

// DeductionResult is the business outcome of a session deduction. Business
// failures (missing appointment, empty balance) come back as Success=false;
// only infrastructure failures surface as errors.
type DeductionResult struct {
	Success                  bool
	NewBalanceCents          int64
	AmountDeductedCents      int64
	ShouldGenerateInvoice    bool
	ShouldSwitchToPerSession bool
}

// DeductSession debits a client's prepaid balance for a completed
// appointment. The deduction is clamped to the available balance, recorded
// exactly once per appointment, and accompanied by two downstream signals:
// ShouldGenerateInvoice when the remaining balance cannot cover the next
// scheduled session (or is below target when none is scheduled), and
// ShouldSwitchToPerSession when the balance could not cover the full rate
// and the client has no top-up target to replenish against.
func (s *Service) DeductSession(ctx context.Context, workspaceID, appointmentID string) (*DeductionResult, error) {
	appt, err := s.getAppointment(ctx, workspaceID, appointmentID)
	if err != nil {
		return nil, err
	}
	if appt == nil || appt.Status == models.AppointmentCancelled {
		return &DeductionResult{Success: false}, nil
	}

	client, err := s.GetClientProfile(ctx, workspaceID, appt.ClientID)
	if err == ErrProfileNotFound {
		return &DeductionResult{Success: false}, nil
	}
	if err != nil {
		return nil, err
	}

	// Replays are acknowledged without touching the ledger.
	already, err := s.hasDeductionFor(ctx, workspaceID, appointmentID)
	if err != nil {
		return nil, err
	}
	if already {
		return &DeductionResult{
			Success:         true,
			NewBalanceCents: client.BalanceCents(),
		}, nil
	}

	target := client.TargetCents()

	if client.BalanceCents() == 0 {
		return &DeductionResult{
			Success:               false,
			ShouldGenerateInvoice: true,
		}, nil
	}

	rate, err := s.rates.ResolveRate(ctx, workspaceID, appt, client)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	previous, updated, applied, err := applyLedgerEntry(ctx, tx, workspaceID, appt.ClientID, ledgerEntry{
		Type:           models.TransactionDeduction,
		AmountCents:    rate,
		Description:    fmt.Sprintf("Session on %s", appt.StartTime.Format("2006-01-02")),
		AppointmentID:  appointmentID,
		ClampToBalance: true,
	})
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	if !applied {
		// Lost a race with a concurrent deduction for the same appointment,
		// or the locked balance had dropped to zero in the meantime.
		if previous == 0 {
			return &DeductionResult{
				Success:               false,
				ShouldGenerateInvoice: true,
			}, nil
		}
		return &DeductionResult{
			Success:         true,
			NewBalanceCents: previous,
		}, nil
	}

	deducted := previous - updated

	shouldInvoice, err := s.lowBalanceLookahead(ctx, workspaceID, appt, client, updated, target)
	if err != nil {
		return nil, err
	}

	result := &DeductionResult{
		Success:                  true,
		NewBalanceCents:          updated,
		AmountDeductedCents:      deducted,
		ShouldGenerateInvoice:    shouldInvoice,
		ShouldSwitchToPerSession: deducted < rate && target == 0,
	}

	s.invalidateSummary(ctx, workspaceID, appt.TrainerID)

	s.logger.WithFields(logging.Fields{
		"workspace_id":     workspaceID,
		"appointment_id":   appointmentID,
		"client_id":        appt.ClientID,
		"amount_deducted":  deducted,
		"new_balance":      updated,
		"generate_invoice": result.ShouldGenerateInvoice,
	}).Info("Session deducted from prepaid balance")

	return result, nil
}

// lowBalanceLookahead decides whether the remaining balance warrants a
// top-up invoice: it must cover the next scheduled session at that session's
// own resolved rate, or, with nothing scheduled, sit at or above target.
func (s *Service) lowBalanceLookahead(ctx context.Context, workspaceID string, appt *models.Appointment, client *models.ClientProfile, newBalance, target int64) (bool, error) {
	next, err := s.nextScheduledAppointment(ctx, workspaceID, appt.ClientID, appt.ID)
	if err != nil {
		return false, err
	}
	if next == nil {
		return newBalance < target, nil
	}

	nextCost, err := s.rates.ResolveRate(ctx, workspaceID, next, client)
	if err != nil {
		return false, err
	}
	return newBalance < nextCost, nil
}

func (s *Service) getAppointment(ctx context.Context, workspaceID, appointmentID string) (*models.Appointment, error) {
	var a models.Appointment
	err := s.db.QueryRowContext(ctx, `
		SELECT id, workspace_id, trainer_id, client_id, status, start_time, end_time
		FROM billing.appointments
		WHERE id = $1 AND workspace_id = $2`, appointmentID, workspaceID).Scan(
		&a.ID, &a.WorkspaceID, &a.TrainerID, &a.ClientID, &a.Status, &a.StartTime, &a.EndTime)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query appointment: %w", err)
	}
	return &a, nil
}

func (s *Service) nextScheduledAppointment(ctx context.Context, workspaceID, clientID, afterAppointmentID string) (*models.Appointment, error) {
	var a models.Appointment
	err := s.db.QueryRowContext(ctx, `
		SELECT id, workspace_id, trainer_id, client_id, status, start_time, end_time
		FROM billing.appointments
		WHERE workspace_id = $1 AND client_id = $2
		  AND status = 'scheduled' AND id != $3
		ORDER BY start_time ASC
		LIMIT 1`, workspaceID, clientID, afterAppointmentID).Scan(
		&a.ID, &a.WorkspaceID, &a.TrainerID, &a.ClientID, &a.Status, &a.StartTime, &a.EndTime)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query next appointment: %w", err)
	}
	return &a, nil
}

func (s *Service) hasDeductionFor(ctx context.Context, workspaceID, appointmentID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM billing.prepaid_transactions
			WHERE workspace_id = $1 AND appointment_id = $2 AND type = 'deduction'
		)`, workspaceID, appointmentID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check existing deduction: %w", err)
	}
	return exists, nil
}
