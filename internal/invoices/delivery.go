package invoices

import (
	"context"
	"database/sql"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/trainerdesk/billing/internal/logging"
	"github.com/trainerdesk/billing/internal/mailer"
	"github.com/trainerdesk/billing/internal/models"
	"github.com/trainerdesk/billing/internal/money"
)

// Mailer is the email collaborator the delivery coordinator depends on.
type Mailer interface {
	IsConfigured() bool
	SendInvoiceEmail(clientEmail string, data mailer.EmailData) error
	SendOverdueReminderEmail(clientEmail string, data mailer.EmailData) error
}

// Delivery sends generated invoices by email. Sending is best-effort: a
// failure demotes the invoice from sent back to draft and is logged, while
// the billing state that produced the invoice stays committed.
type Delivery struct {
	db     *sql.DB
	logger logging.Logger
	mailer Mailer

	// Sends counts outbound emails by outcome. Optional.
	Sends *prometheus.CounterVec
}

// NewDelivery creates a delivery coordinator.
func NewDelivery(db *sql.DB, logger logging.Logger, m Mailer) *Delivery {
	return &Delivery{db: db, logger: logger, mailer: m}
}

// DeliverInvoice emails the invoice to the client, demoting it to draft if
// the email cannot go out.
func (d *Delivery) DeliverInvoice(ctx context.Context, invoice *models.Invoice, items []models.InvoiceLineItem, clientName, clientEmail, trainerName string) {
	data := mailer.EmailData{
		ClientName:  clientName,
		TrainerName: trainerName,
		InvoiceID:   invoice.ID,
		Amount:      money.FormatCents(invoice.AmountCents),
		Currency:    invoice.Currency,
		DueDate:     invoice.DueDate,
		IsTopUp:     invoice.IsPrepaidTopUp,
		LineItems:   lineItemViews(items),
	}

	if err := d.mailer.SendInvoiceEmail(clientEmail, data); err != nil {
		d.logger.WithFields(logging.Fields{
			"invoice_id": invoice.ID,
			"client":     clientEmail,
			"error":      err.Error(),
		}).Warn("Invoice email failed, demoting to draft")
		d.count("invoice", "failed")
		d.demoteToDraft(ctx, invoice)
		return
	}

	d.count("invoice", "delivered")
	d.logger.WithField("invoice_id", invoice.ID).Info("Invoice delivered")
}

// SendOverdueReminder emails a payment reminder for an overdue invoice.
func (d *Delivery) SendOverdueReminder(invoice *models.Invoice, clientName, clientEmail, trainerName string) error {
	daysPastDue := int(time.Since(invoice.DueDate).Hours() / 24)
	err := d.mailer.SendOverdueReminderEmail(clientEmail, mailer.EmailData{
		ClientName:  clientName,
		TrainerName: trainerName,
		InvoiceID:   invoice.ID,
		Amount:      money.FormatCents(invoice.AmountCents),
		Currency:    invoice.Currency,
		DueDate:     invoice.DueDate,
		DaysPastDue: daysPastDue,
	})
	if err != nil {
		d.count("reminder", "failed")
		return err
	}
	d.count("reminder", "delivered")
	return nil
}

func (d *Delivery) count(kind, outcome string) {
	if d.Sends != nil {
		d.Sends.WithLabelValues(kind, outcome).Inc()
	}
}

func (d *Delivery) demoteToDraft(ctx context.Context, invoice *models.Invoice) {
	_, err := d.db.ExecContext(ctx, `
		UPDATE billing.invoices
		SET status = 'draft', updated_at = NOW()
		WHERE id = $1 AND workspace_id = $2 AND status = 'sent'`,
		invoice.ID, invoice.WorkspaceID)
	if err != nil {
		d.logger.WithFields(logging.Fields{
			"invoice_id": invoice.ID,
			"error":      err.Error(),
		}).Error("Failed to demote invoice to draft")
		return
	}
	invoice.Status = models.InvoiceDraft
}

func lineItemViews(items []models.InvoiceLineItem) []mailer.LineItemView {
	views := make([]mailer.LineItemView, 0, len(items))
	for _, item := range items {
		views = append(views, mailer.LineItemView{
			Description: item.Description,
			Quantity:    item.Quantity,
			Total:       money.FormatCents(item.TotalCents),
		})
	}
	return views
}
