package handlers

import (
	"context"
	"database/sql"
	"time"

	"github.com/trainerdesk/billing/internal/invoices"
	"github.com/trainerdesk/billing/internal/logging"
	"github.com/trainerdesk/billing/internal/prepaid"
)

// JobManager runs the recurring billing jobs: the nightly low-balance
// sweep, monthly invoice generation and overdue marking with reminders.
type JobManager struct {
	db       *sql.DB
	logger   logging.Logger
	ledger   *prepaid.Service
	invoices *invoices.Service
	delivery *invoices.Delivery
	stopCh   chan struct{}
}

// NewJobManager creates a job manager. delivery may be nil to skip
// reminder emails.
func NewJobManager(database *sql.DB, log logging.Logger, ledgerService *prepaid.Service, invoiceService *invoices.Service, delivery *invoices.Delivery) *JobManager {
	return &JobManager{
		db:       database,
		logger:   log,
		ledger:   ledgerService,
		invoices: invoiceService,
		delivery: delivery,
		stopCh:   make(chan struct{}),
	}
}

// Start begins all background jobs
func (jm *JobManager) Start(ctx context.Context) {
	jm.logger.Info("Starting billing job manager")

	go jm.runLowBalanceSweep(ctx)
	go jm.runMonthlyInvoices(ctx)
	go jm.runOverdueMarking(ctx)
}

// Stop signals all jobs to exit
func (jm *JobManager) Stop() {
	close(jm.stopCh)
}

func (jm *JobManager) runLowBalanceSweep(ctx context.Context) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	jm.logger.Info("Starting low-balance sweep job")

	for {
		select {
		case <-ctx.Done():
			return
		case <-jm.stopCh:
			return
		case <-ticker.C:
			jm.sweepLowBalances(ctx)
		}
	}
}

// sweepLowBalances generates top-up invoices for prepaid clients whose
// balance dropped below a quarter of their target. The per-client check is
// idempotent, so rerunning the sweep never duplicates invoices.
func (jm *JobManager) sweepLowBalances(ctx context.Context) {
	rows, err := jm.db.QueryContext(ctx, `
		SELECT id, workspace_id, trainer_id
		FROM billing.client_profiles
		WHERE billing_frequency = 'prepaid'
		  AND COALESCE(prepaid_target_cents, 0) > 0
		  AND COALESCE(prepaid_balance_cents, 0) * 4 < prepaid_target_cents`)
	if err != nil {
		jm.logger.WithError(err).Error("Low-balance sweep query failed")
		return
	}
	defer rows.Close()

	type candidate struct {
		clientID    string
		workspaceID string
		trainerID   string
	}
	candidates := []candidate{}
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.clientID, &c.workspaceID, &c.trainerID); err != nil {
			jm.logger.WithError(err).Error("Low-balance sweep scan failed")
			return
		}
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		jm.logger.WithError(err).Error("Low-balance sweep iteration failed")
		return
	}

	generated := 0
	for _, c := range candidates {
		result, err := jm.invoices.CheckBalanceAndGenerateInvoiceIfNeeded(ctx, c.workspaceID, c.clientID, c.trainerID)
		if err != nil {
			jm.logger.WithFields(logging.Fields{
				"client_id": c.clientID,
				"error":     err.Error(),
			}).Error("Low-balance check failed")
			continue
		}
		if result.InvoiceGenerated {
			generated++
		}
	}

	jm.logger.WithFields(logging.Fields{
		"candidates": len(candidates),
		"generated":  generated,
	}).Info("Low-balance sweep finished")
}

func (jm *JobManager) runMonthlyInvoices(ctx context.Context) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	jm.logger.Info("Starting monthly invoice job")

	for {
		select {
		case <-ctx.Done():
			return
		case <-jm.stopCh:
			return
		case <-ticker.C:
			jm.generateMonthlyInvoices(ctx, time.Now())
		}
	}
}

// generateMonthlyInvoices bills last month's sessions for every client on
// monthly billing. The job ticks daily but only acts on the first of the
// month; idempotency per client+month makes reruns safe.
func (jm *JobManager) generateMonthlyInvoices(ctx context.Context, now time.Time) {
	if now.Day() != 1 {
		return
	}

	previousMonth := now.AddDate(0, -1, 0)

	rows, err := jm.db.QueryContext(ctx, `
		SELECT id, workspace_id, trainer_id
		FROM billing.client_profiles
		WHERE billing_frequency = 'monthly'`)
	if err != nil {
		jm.logger.WithError(err).Error("Monthly invoice query failed")
		return
	}
	defer rows.Close()

	type candidate struct {
		clientID    string
		workspaceID string
		trainerID   string
	}
	candidates := []candidate{}
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.clientID, &c.workspaceID, &c.trainerID); err != nil {
			jm.logger.WithError(err).Error("Monthly invoice scan failed")
			return
		}
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		jm.logger.WithError(err).Error("Monthly invoice iteration failed")
		return
	}

	generated := 0
	for _, c := range candidates {
		invoice, err := jm.invoices.GenerateMonthlyInvoice(ctx, c.workspaceID, c.clientID, c.trainerID, previousMonth)
		if err != nil {
			jm.logger.WithFields(logging.Fields{
				"client_id": c.clientID,
				"error":     err.Error(),
			}).Error("Monthly invoice generation failed")
			continue
		}
		if invoice != nil {
			generated++
		}
	}

	jm.logger.WithFields(logging.Fields{
		"month":     previousMonth.Format("2006-01"),
		"clients":   len(candidates),
		"generated": generated,
	}).Info("Monthly invoice run finished")
}

func (jm *JobManager) runOverdueMarking(ctx context.Context) {
	ticker := time.NewTicker(12 * time.Hour)
	defer ticker.Stop()

	jm.logger.Info("Starting overdue marking job")

	for {
		select {
		case <-ctx.Done():
			return
		case <-jm.stopCh:
			return
		case <-ticker.C:
			jm.markOverdueAndRemind(ctx)
		}
	}
}

func (jm *JobManager) markOverdueAndRemind(ctx context.Context) {
	overdue, err := jm.invoices.MarkOverdueInvoices(ctx)
	if err != nil {
		jm.logger.WithError(err).Error("Overdue marking failed")
		return
	}
	if jm.delivery == nil {
		return
	}

	for _, o := range overdue {
		if err := jm.delivery.SendOverdueReminder(&o.Invoice, o.ClientName, o.ClientEmail, o.TrainerName); err != nil {
			jm.logger.WithFields(logging.Fields{
				"invoice_id": o.Invoice.ID,
				"error":      err.Error(),
			}).Warn("Overdue reminder failed")
		}
	}
}
