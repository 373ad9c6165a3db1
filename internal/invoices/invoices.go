// Package invoices builds and delivers invoices from ledger state and
// appointment history: prepaid top-ups, per-session bills and monthly
// statements. Generation is idempotent; delivery failures demote the
// invoice to draft but never roll back billing state.
package invoices

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/trainerdesk/billing/internal/logging"
	"github.com/trainerdesk/billing/internal/models"
	"github.com/trainerdesk/billing/internal/money"
	"github.com/trainerdesk/billing/internal/prepaid"
)

const defaultDueDays = 14

var (
	// ErrInvoiceNotFound is returned when the invoice does not exist in the
	// workspace or is already closed.
	ErrInvoiceNotFound = errors.New("invoice not found")

	// ErrAppointmentNotFound is returned when a billed appointment does not
	// exist in the workspace.
	ErrAppointmentNotFound = errors.New("appointment not found")
)

// Service generates, stores and queries invoices.
type Service struct {
	db       *sql.DB
	logger   logging.Logger
	prepaid  *prepaid.Service
	delivery *Delivery
}

// NewService creates an invoice service. delivery may be nil to skip email
// entirely (invoices then stay in draft).
func NewService(db *sql.DB, logger logging.Logger, ledger *prepaid.Service, delivery *Delivery) *Service {
	return &Service{
		db:       db,
		logger:   logger,
		prepaid:  ledger,
		delivery: delivery,
	}
}

// CheckResult is the outcome of a low-balance invoice check.
type CheckResult struct {
	InvoiceGenerated bool
	InvoiceID        string
}

// GenerateTopUpInvoice creates an invoice that brings a prepaid client's
// balance back up to target. Returns nil without error when the client is
// not on prepaid billing, has no target, or already sits at or above it.
// An already outstanding top-up invoice is returned as-is.
func (s *Service) GenerateTopUpInvoice(ctx context.Context, workspaceID, clientID, trainerID string) (*models.Invoice, error) {
	client, err := s.prepaid.GetClientProfile(ctx, workspaceID, clientID)
	if err != nil {
		return nil, err
	}

	balance := client.BalanceCents()
	target := client.TargetCents()
	if client.BillingFrequency != models.FrequencyPrepaid || target <= 0 || balance >= target {
		return nil, nil
	}

	if existingID, ok, err := s.openTopUpInvoiceID(ctx, workspaceID, clientID); err != nil {
		return nil, err
	} else if ok {
		return s.getInvoice(ctx, workspaceID, existingID)
	}

	trainer, err := s.getTrainerProfile(ctx, workspaceID, trainerID)
	if err != nil {
		return nil, err
	}

	amount := target - balance
	now := time.Now()
	invoice := &models.Invoice{
		ID:             uuid.New().String(),
		WorkspaceID:    workspaceID,
		ClientID:       clientID,
		TrainerID:      trainerID,
		AmountCents:    amount,
		Currency:       money.DefaultCurrency(),
		Status:         models.InvoiceSent,
		DueDate:        now.AddDate(0, 0, dueDays(trainer)),
		IsPrepaidTopUp: true,
		Notes:          "Prepaid balance top-up",
	}

	items, err := s.consumptionLineItems(ctx, workspaceID, clientID, invoice.ID)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		items = []models.InvoiceLineItem{{
			ID:             uuid.New().String(),
			InvoiceID:      invoice.ID,
			Description:    "Prepaid balance top-up",
			UnitPriceCents: amount,
			Quantity:       1,
			TotalCents:     amount,
		}}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := insertInvoiceTx(ctx, tx, invoice, items); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	s.logger.WithFields(logging.Fields{
		"workspace_id": workspaceID,
		"client_id":    clientID,
		"invoice_id":   invoice.ID,
		"amount_cents": amount,
	}).Info("Top-up invoice generated")

	s.deliver(ctx, invoice, items, client, trainer)

	return invoice, nil
}

// CheckBalanceAndGenerateInvoiceIfNeeded is the idempotent entry point for
// low-balance handling: an outstanding top-up invoice short-circuits, a
// needed one is generated, and a healthy balance does nothing.
func (s *Service) CheckBalanceAndGenerateInvoiceIfNeeded(ctx context.Context, workspaceID, clientID, trainerID string) (*CheckResult, error) {
	if existingID, ok, err := s.openTopUpInvoiceID(ctx, workspaceID, clientID); err != nil {
		return nil, err
	} else if ok {
		return &CheckResult{InvoiceGenerated: false, InvoiceID: existingID}, nil
	}

	invoice, err := s.GenerateTopUpInvoice(ctx, workspaceID, clientID, trainerID)
	if err != nil {
		return nil, err
	}
	if invoice == nil {
		return &CheckResult{}, nil
	}
	return &CheckResult{InvoiceGenerated: true, InvoiceID: invoice.ID}, nil
}

// GeneratePerSessionInvoice bills a single completed appointment, consuming
// any remaining prepaid balance as credit first. A $0 invoice is still
// persisted so the session has a billing record.
func (s *Service) GeneratePerSessionInvoice(ctx context.Context, workspaceID, appointmentID string) (*models.Invoice, error) {
	appt, err := s.getAppointment(ctx, workspaceID, appointmentID)
	if err != nil {
		return nil, err
	}

	if existingID, ok, err := s.invoiceIDForAppointment(ctx, workspaceID, appointmentID); err != nil {
		return nil, err
	} else if ok {
		return s.getInvoice(ctx, workspaceID, existingID)
	}

	client, err := s.prepaid.GetClientProfile(ctx, workspaceID, appt.ClientID)
	if err != nil {
		return nil, err
	}
	trainer, err := s.getTrainerProfile(ctx, workspaceID, appt.TrainerID)
	if err != nil {
		return nil, err
	}

	rate, err := s.prepaid.Rates().ResolveRate(ctx, workspaceID, appt, client)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	invoice := &models.Invoice{
		ID:          uuid.New().String(),
		WorkspaceID: workspaceID,
		ClientID:    appt.ClientID,
		TrainerID:   appt.TrainerID,
		Currency:    money.DefaultCurrency(),
		Status:      models.InvoiceSent,
		DueDate:     now.AddDate(0, 0, dueDays(trainer)),
	}

	items := []models.InvoiceLineItem{{
		ID:             uuid.New().String(),
		InvoiceID:      invoice.ID,
		Description:    fmt.Sprintf("Training session on %s", appt.StartTime.Format("2006-01-02")),
		UnitPriceCents: rate,
		Quantity:       1,
		TotalCents:     rate,
		AppointmentID:  sql.NullString{String: appt.ID, Valid: true},
	}}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	applied, err := s.prepaid.ApplyInvoiceCreditTx(ctx, tx, workspaceID, appt.ClientID, rate, invoice.ID)
	if err != nil {
		return nil, err
	}
	if applied > 0 {
		items = append(items, models.InvoiceLineItem{
			ID:             uuid.New().String(),
			InvoiceID:      invoice.ID,
			Description:    "Prepaid credit applied",
			UnitPriceCents: -applied,
			Quantity:       1,
			TotalCents:     -applied,
		})
	}
	invoice.AmountCents = rate - applied

	if err := insertInvoiceTx(ctx, tx, invoice, items); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	s.logger.WithFields(logging.Fields{
		"workspace_id":   workspaceID,
		"appointment_id": appointmentID,
		"invoice_id":     invoice.ID,
		"amount_cents":   invoice.AmountCents,
		"credit_applied": applied,
	}).Info("Per-session invoice generated")

	s.deliver(ctx, invoice, items, client, trainer)

	return invoice, nil
}

// GenerateMonthlyInvoice bills all of a client's completed appointments in
// the given month as one invoice, idempotently per client and month.
// Returns nil when the month had no completed sessions.
func (s *Service) GenerateMonthlyInvoice(ctx context.Context, workspaceID, clientID, trainerID string, month time.Time) (*models.Invoice, error) {
	billingMonth := month.Format("2006-01")

	var existingID string
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM billing.invoices
		WHERE workspace_id = $1 AND client_id = $2
		  AND billing_month = $3 AND status != 'cancelled'
		LIMIT 1`, workspaceID, clientID, billingMonth).Scan(&existingID)
	if err == nil {
		return s.getInvoice(ctx, workspaceID, existingID)
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("query monthly invoice: %w", err)
	}

	client, err := s.prepaid.GetClientProfile(ctx, workspaceID, clientID)
	if err != nil {
		return nil, err
	}
	trainer, err := s.getTrainerProfile(ctx, workspaceID, trainerID)
	if err != nil {
		return nil, err
	}

	monthStart := time.Date(month.Year(), month.Month(), 1, 0, 0, 0, 0, time.UTC)
	appointments, err := s.completedAppointments(ctx, workspaceID, clientID, monthStart, monthStart.AddDate(0, 1, 0))
	if err != nil {
		return nil, err
	}
	if len(appointments) == 0 {
		return nil, nil
	}

	now := time.Now()
	invoice := &models.Invoice{
		ID:           uuid.New().String(),
		WorkspaceID:  workspaceID,
		ClientID:     clientID,
		TrainerID:    trainerID,
		Currency:     money.DefaultCurrency(),
		Status:       models.InvoiceSent,
		DueDate:      now.AddDate(0, 0, dueDays(trainer)),
		BillingMonth: sql.NullString{String: billingMonth, Valid: true},
		Notes:        fmt.Sprintf("Training sessions for %s", billingMonth),
	}

	var total int64
	items := make([]models.InvoiceLineItem, 0, len(appointments))
	for _, appt := range appointments {
		rate, err := s.prepaid.Rates().ResolveRate(ctx, workspaceID, &appt, client)
		if err != nil {
			return nil, err
		}
		total += rate
		items = append(items, models.InvoiceLineItem{
			ID:             uuid.New().String(),
			InvoiceID:      invoice.ID,
			Description:    fmt.Sprintf("Training session on %s", appt.StartTime.Format("2006-01-02")),
			UnitPriceCents: rate,
			Quantity:       1,
			TotalCents:     rate,
			AppointmentID:  sql.NullString{String: appt.ID, Valid: true},
		})
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	applied, err := s.prepaid.ApplyInvoiceCreditTx(ctx, tx, workspaceID, clientID, total, invoice.ID)
	if err != nil {
		return nil, err
	}
	if applied > 0 {
		items = append(items, models.InvoiceLineItem{
			ID:             uuid.New().String(),
			InvoiceID:      invoice.ID,
			Description:    "Prepaid credit applied",
			UnitPriceCents: -applied,
			Quantity:       1,
			TotalCents:     -applied,
		})
	}
	invoice.AmountCents = total - applied

	if err := insertInvoiceTx(ctx, tx, invoice, items); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	s.logger.WithFields(logging.Fields{
		"workspace_id":  workspaceID,
		"client_id":     clientID,
		"billing_month": billingMonth,
		"invoice_id":    invoice.ID,
		"amount_cents":  invoice.AmountCents,
		"sessions":      len(appointments),
	}).Info("Monthly invoice generated")

	s.deliver(ctx, invoice, items, client, trainer)

	return invoice, nil
}

func (s *Service) deliver(ctx context.Context, invoice *models.Invoice, items []models.InvoiceLineItem, client *models.ClientProfile, trainer *models.TrainerProfile) {
	if s.delivery == nil {
		return
	}
	trainerName := ""
	if trainer != nil {
		trainerName = trainer.Name
	}
	s.delivery.DeliverInvoice(ctx, invoice, items, client.Name, client.Email, trainerName)
}

func dueDays(trainer *models.TrainerProfile) int {
	if trainer != nil && trainer.DefaultInvoiceDueDays.Valid && trainer.DefaultInvoiceDueDays.Int64 > 0 {
		return int(trainer.DefaultInvoiceDueDays.Int64)
	}
	return defaultDueDays
}

func insertInvoiceTx(ctx context.Context, tx *sql.Tx, invoice *models.Invoice, items []models.InvoiceLineItem) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO billing.invoices
			(id, workspace_id, client_id, trainer_id, amount_cents, currency, status, due_date, is_prepaid_topup, billing_month, notes, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW(), NOW())`,
		invoice.ID, invoice.WorkspaceID, invoice.ClientID, invoice.TrainerID,
		invoice.AmountCents, invoice.Currency, invoice.Status, invoice.DueDate,
		invoice.IsPrepaidTopUp, invoice.BillingMonth, invoice.Notes)
	if err != nil {
		return fmt.Errorf("insert invoice: %w", err)
	}

	for _, item := range items {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO billing.invoice_line_items
				(id, invoice_id, description, unit_price_cents, quantity, total_cents, appointment_id, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())`,
			item.ID, item.InvoiceID, item.Description, item.UnitPriceCents,
			item.Quantity, item.TotalCents, item.AppointmentID)
		if err != nil {
			return fmt.Errorf("insert invoice line item: %w", err)
		}
	}
	return nil
}

// consumptionLineItems builds one line per deduction since the latest
// credit, so the client can see what drained the balance.
func (s *Service) consumptionLineItems(ctx context.Context, workspaceID, clientID, invoiceID string) ([]models.InvoiceLineItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT amount_cents, description, appointment_id
		FROM billing.prepaid_transactions
		WHERE workspace_id = $1 AND client_profile_id = $2 AND type = 'deduction'
		  AND created_at > COALESCE(
		      (SELECT MAX(created_at) FROM billing.prepaid_transactions
		       WHERE workspace_id = $1 AND client_profile_id = $2 AND type = 'credit'),
		      '-infinity'::timestamptz)
		ORDER BY created_at ASC`, workspaceID, clientID)
	if err != nil {
		return nil, fmt.Errorf("query consumed deductions: %w", err)
	}
	defer rows.Close()

	items := []models.InvoiceLineItem{}
	for rows.Next() {
		var amount int64
		var description string
		var appointmentID sql.NullString
		if err := rows.Scan(&amount, &description, &appointmentID); err != nil {
			return nil, fmt.Errorf("scan deduction: %w", err)
		}
		items = append(items, models.InvoiceLineItem{
			ID:             uuid.New().String(),
			InvoiceID:      invoiceID,
			Description:    description,
			UnitPriceCents: amount,
			Quantity:       1,
			TotalCents:     amount,
			AppointmentID:  appointmentID,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deductions: %w", err)
	}
	return items, nil
}

func (s *Service) openTopUpInvoiceID(ctx context.Context, workspaceID, clientID string) (string, bool, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM billing.invoices
		WHERE workspace_id = $1 AND client_id = $2
		  AND is_prepaid_topup = TRUE
		  AND status NOT IN ('cancelled', 'paid')
		LIMIT 1`, workspaceID, clientID).Scan(&id)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("query open top-up invoice: %w", err)
	}
	return id, true, nil
}

func (s *Service) invoiceIDForAppointment(ctx context.Context, workspaceID, appointmentID string) (string, bool, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT i.id
		FROM billing.invoices i
		JOIN billing.invoice_line_items li ON li.invoice_id = i.id
		WHERE i.workspace_id = $1 AND li.appointment_id = $2
		  AND i.is_prepaid_topup = FALSE AND i.status != 'cancelled'
		LIMIT 1`, workspaceID, appointmentID).Scan(&id)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("query invoice for appointment: %w", err)
	}
	return id, true, nil
}

func (s *Service) getAppointment(ctx context.Context, workspaceID, appointmentID string) (*models.Appointment, error) {
	var a models.Appointment
	err := s.db.QueryRowContext(ctx, `
		SELECT id, workspace_id, trainer_id, client_id, status, start_time, end_time
		FROM billing.appointments
		WHERE id = $1 AND workspace_id = $2`, appointmentID, workspaceID).Scan(
		&a.ID, &a.WorkspaceID, &a.TrainerID, &a.ClientID, &a.Status, &a.StartTime, &a.EndTime)
	if err == sql.ErrNoRows {
		return nil, ErrAppointmentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query appointment: %w", err)
	}
	return &a, nil
}

func (s *Service) completedAppointments(ctx context.Context, workspaceID, clientID string, from, to time.Time) ([]models.Appointment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workspace_id, trainer_id, client_id, status, start_time, end_time
		FROM billing.appointments
		WHERE workspace_id = $1 AND client_id = $2
		  AND status = 'completed'
		  AND start_time >= $3 AND start_time < $4
		ORDER BY start_time ASC`, workspaceID, clientID, from, to)
	if err != nil {
		return nil, fmt.Errorf("query completed appointments: %w", err)
	}
	defer rows.Close()

	appointments := []models.Appointment{}
	for rows.Next() {
		var a models.Appointment
		if err := rows.Scan(&a.ID, &a.WorkspaceID, &a.TrainerID, &a.ClientID, &a.Status, &a.StartTime, &a.EndTime); err != nil {
			return nil, fmt.Errorf("scan appointment: %w", err)
		}
		appointments = append(appointments, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate appointments: %w", err)
	}
	return appointments, nil
}

func (s *Service) getTrainerProfile(ctx context.Context, workspaceID, trainerID string) (*models.TrainerProfile, error) {
	var t models.TrainerProfile
	err := s.db.QueryRowContext(ctx, `
		SELECT id, workspace_id, name, email, default_group_rate_cents, default_invoice_due_days, created_at, updated_at
		FROM billing.trainer_profiles
		WHERE id = $1 AND workspace_id = $2`, trainerID, workspaceID).Scan(
		&t.ID, &t.WorkspaceID, &t.Name, &t.Email, &t.DefaultGroupRateCents, &t.DefaultInvoiceDueDays,
		&t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query trainer profile: %w", err)
	}
	return &t, nil
}

func (s *Service) getInvoice(ctx context.Context, workspaceID, invoiceID string) (*models.Invoice, error) {
	var inv models.Invoice
	err := s.db.QueryRowContext(ctx, `
		SELECT id, workspace_id, client_id, trainer_id, amount_cents, currency, status, due_date, is_prepaid_topup, billing_month, notes, created_at, updated_at
		FROM billing.invoices
		WHERE id = $1 AND workspace_id = $2`, invoiceID, workspaceID).Scan(
		&inv.ID, &inv.WorkspaceID, &inv.ClientID, &inv.TrainerID, &inv.AmountCents,
		&inv.Currency, &inv.Status, &inv.DueDate, &inv.IsPrepaidTopUp, &inv.BillingMonth,
		&inv.Notes, &inv.CreatedAt, &inv.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrInvoiceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query invoice: %w", err)
	}
	return &inv, nil
}

// GetInvoice returns one invoice with its line items.
func (s *Service) GetInvoice(ctx context.Context, workspaceID, invoiceID string) (*models.Invoice, []models.InvoiceLineItem, error) {
	invoice, err := s.getInvoice(ctx, workspaceID, invoiceID)
	if err != nil {
		return nil, nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, invoice_id, description, unit_price_cents, quantity, total_cents, appointment_id, created_at
		FROM billing.invoice_line_items
		WHERE invoice_id = $1
		ORDER BY created_at ASC, id ASC`, invoiceID)
	if err != nil {
		return nil, nil, fmt.Errorf("query invoice line items: %w", err)
	}
	defer rows.Close()

	items := []models.InvoiceLineItem{}
	for rows.Next() {
		var item models.InvoiceLineItem
		if err := rows.Scan(&item.ID, &item.InvoiceID, &item.Description, &item.UnitPriceCents,
			&item.Quantity, &item.TotalCents, &item.AppointmentID, &item.CreatedAt); err != nil {
			return nil, nil, fmt.Errorf("scan invoice line item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate invoice line items: %w", err)
	}

	return invoice, items, nil
}

// ListInvoices returns a trainer's invoices newest-first, optionally
// filtered to one client.
func (s *Service) ListInvoices(ctx context.Context, workspaceID, trainerID, clientID string) ([]models.Invoice, error) {
	query := `
		SELECT id, workspace_id, client_id, trainer_id, amount_cents, currency, status, due_date, is_prepaid_topup, billing_month, notes, created_at, updated_at
		FROM billing.invoices
		WHERE workspace_id = $1 AND trainer_id = $2`
	args := []interface{}{workspaceID, trainerID}
	if clientID != "" {
		query += ` AND client_id = $3`
		args = append(args, clientID)
	}
	query += ` ORDER BY created_at DESC LIMIT 200`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query invoices: %w", err)
	}
	defer rows.Close()

	invoices := []models.Invoice{}
	for rows.Next() {
		var inv models.Invoice
		if err := rows.Scan(&inv.ID, &inv.WorkspaceID, &inv.ClientID, &inv.TrainerID, &inv.AmountCents,
			&inv.Currency, &inv.Status, &inv.DueDate, &inv.IsPrepaidTopUp, &inv.BillingMonth,
			&inv.Notes, &inv.CreatedAt, &inv.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan invoice: %w", err)
		}
		invoices = append(invoices, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate invoices: %w", err)
	}
	return invoices, nil
}

// MarkInvoicePaid settles an open invoice.
func (s *Service) MarkInvoicePaid(ctx context.Context, workspaceID, invoiceID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE billing.invoices
		SET status = 'paid', updated_at = NOW()
		WHERE id = $1 AND workspace_id = $2
		  AND status NOT IN ('cancelled', 'paid')`, invoiceID, workspaceID)
	if err != nil {
		return fmt.Errorf("mark invoice paid: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark invoice paid: %w", err)
	}
	if rows == 0 {
		return ErrInvoiceNotFound
	}

	s.logger.WithFields(logging.Fields{
		"workspace_id": workspaceID,
		"invoice_id":   invoiceID,
	}).Info("Invoice marked paid")
	return nil
}
