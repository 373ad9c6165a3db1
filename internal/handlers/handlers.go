package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/trainerdesk/billing/internal/api"
	"github.com/trainerdesk/billing/internal/auth"
	"github.com/trainerdesk/billing/internal/invoices"
	"github.com/trainerdesk/billing/internal/logging"
	"github.com/trainerdesk/billing/internal/middleware"
	"github.com/trainerdesk/billing/internal/prepaid"
)

func workspaceID(c middleware.Context) string {
	return c.GetString(auth.KeyWorkspaceID)
}

func trainerID(c middleware.Context) string {
	return c.GetString(auth.KeyTrainerID)
}

// AddCredit credits a client's prepaid balance and force-switches them to
// prepaid billing.
func AddCredit(c middleware.Context) {
	var req api.AddCreditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, api.ErrorResponse{Error: "Invalid request body"})
		return
	}

	txn, err := ledger.AddCredit(c.Request.Context(), workspaceID(c), c.Param("client_id"), req.AmountCents, req.Notes)
	switch err {
	case nil:
	case prepaid.ErrInvalidAmount:
		c.JSON(http.StatusBadRequest, api.ErrorResponse{Error: "Amount must be positive"})
		return
	case prepaid.ErrProfileNotFound:
		c.JSON(http.StatusNotFound, api.ErrorResponse{Error: "Client not found"})
		return
	case prepaid.ErrBalanceConflict:
		c.JSON(http.StatusConflict, api.ErrorResponse{Error: "Concurrent balance update, retry"})
		return
	default:
		logger.WithError(err).Error("Failed to add credit")
		c.JSON(http.StatusInternalServerError, api.ErrorResponse{Error: "Failed to add credit"})
		return
	}

	if metrics != nil {
		metrics.Credits.WithLabelValues("success").Inc()
	}

	c.JSON(http.StatusOK, api.AddCreditResponse{
		NewBalanceCents: txn.BalanceAfterCents,
		Transaction:     *txn,
	})
}

// DeductSession debits the prepaid balance for a completed appointment.
// Called service-to-service by the scheduling side, which names the
// workspace explicitly.
func DeductSession(c middleware.Context) {
	var req struct {
		WorkspaceID string `json:"workspace_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.WorkspaceID == "" {
		c.JSON(http.StatusBadRequest, api.ErrorResponse{Error: "workspace_id is required"})
		return
	}

	result, err := ledger.DeductSession(c.Request.Context(), req.WorkspaceID, c.Param("appointment_id"))
	if err == prepaid.ErrBalanceConflict {
		c.JSON(http.StatusConflict, api.ErrorResponse{Error: "Concurrent balance update, retry"})
		return
	}
	if err != nil {
		logger.WithError(err).Error("Failed to deduct session")
		c.JSON(http.StatusInternalServerError, api.ErrorResponse{Error: "Failed to deduct session"})
		return
	}

	if metrics != nil {
		outcome := "skipped"
		if result.Success {
			outcome = "success"
		}
		metrics.Deductions.WithLabelValues(outcome).Inc()
	}

	c.JSON(http.StatusOK, api.DeductSessionResponse{
		Success:                  result.Success,
		NewBalanceCents:          result.NewBalanceCents,
		AmountDeductedCents:      result.AmountDeductedCents,
		ShouldGenerateInvoice:    result.ShouldGenerateInvoice,
		ShouldSwitchToPerSession: result.ShouldSwitchToPerSession,
	})
}

// GenerateTopUpInvoice creates a top-up invoice for a prepaid client.
func GenerateTopUpInvoice(c middleware.Context) {
	invoice, err := invoiceSvc.GenerateTopUpInvoice(c.Request.Context(), workspaceID(c), c.Param("client_id"), trainerID(c))
	if err == prepaid.ErrProfileNotFound {
		c.JSON(http.StatusNotFound, api.ErrorResponse{Error: "Client not found"})
		return
	}
	if err != nil {
		logger.WithError(err).Error("Failed to generate top-up invoice")
		c.JSON(http.StatusInternalServerError, api.ErrorResponse{Error: "Failed to generate invoice"})
		return
	}
	if invoice == nil {
		c.JSON(http.StatusOK, api.GenerateInvoiceResponse{})
		return
	}

	if metrics != nil {
		metrics.InvoiceOperations.WithLabelValues("topup", "generated").Inc()
	}

	c.JSON(http.StatusOK, api.GenerateInvoiceResponse{InvoiceID: invoice.ID})
}

// CheckTopUp runs the idempotent low-balance check for a client.
func CheckTopUp(c middleware.Context) {
	result, err := invoiceSvc.CheckBalanceAndGenerateInvoiceIfNeeded(c.Request.Context(), workspaceID(c), c.Param("client_id"), trainerID(c))
	if err == prepaid.ErrProfileNotFound {
		c.JSON(http.StatusNotFound, api.ErrorResponse{Error: "Client not found"})
		return
	}
	if err != nil {
		logger.WithError(err).Error("Failed to run top-up check")
		c.JSON(http.StatusInternalServerError, api.ErrorResponse{Error: "Failed to run top-up check"})
		return
	}

	c.JSON(http.StatusOK, api.TopUpCheckResponse{
		InvoiceGenerated: result.InvoiceGenerated,
		InvoiceID:        result.InvoiceID,
	})
}

// GeneratePerSessionInvoice bills one completed appointment, consuming any
// remaining prepaid balance as credit. Called by the scheduling side for
// clients on per-session billing.
func GeneratePerSessionInvoice(c middleware.Context) {
	var req struct {
		WorkspaceID string `json:"workspace_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.WorkspaceID == "" {
		c.JSON(http.StatusBadRequest, api.ErrorResponse{Error: "workspace_id is required"})
		return
	}

	invoice, err := invoiceSvc.GeneratePerSessionInvoice(c.Request.Context(), req.WorkspaceID, c.Param("appointment_id"))
	switch err {
	case nil:
	case invoices.ErrAppointmentNotFound:
		c.JSON(http.StatusNotFound, api.ErrorResponse{Error: "Appointment not found"})
		return
	case prepaid.ErrProfileNotFound:
		c.JSON(http.StatusNotFound, api.ErrorResponse{Error: "Client not found"})
		return
	default:
		logger.WithError(err).Error("Failed to generate per-session invoice")
		c.JSON(http.StatusInternalServerError, api.ErrorResponse{Error: "Failed to generate invoice"})
		return
	}

	if metrics != nil {
		metrics.InvoiceOperations.WithLabelValues("per_session", "generated").Inc()
	}

	c.JSON(http.StatusOK, api.GenerateInvoiceResponse{InvoiceID: invoice.ID})
}

// SwitchToPerSession moves a client to per-session billing, keeping any
// remaining balance as credit.
func SwitchToPerSession(c middleware.Context) {
	err := ledger.SwitchToPerSession(c.Request.Context(), workspaceID(c), c.Param("client_id"))
	if err == prepaid.ErrProfileNotFound {
		c.JSON(http.StatusNotFound, api.ErrorResponse{Error: "Client not found"})
		return
	}
	if err != nil {
		logger.WithError(err).Error("Failed to switch billing frequency")
		c.JSON(http.StatusInternalServerError, api.ErrorResponse{Error: "Failed to switch billing frequency"})
		return
	}

	c.Status(http.StatusNoContent)
}

// VoidInvoiceAndSwitch cancels a top-up invoice and switches the client to
// a new billing frequency, retaining the balance as credit.
func VoidInvoiceAndSwitch(c middleware.Context) {
	var req api.VoidInvoiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, api.ErrorResponse{Error: "Invalid request body"})
		return
	}

	result, err := ledger.VoidInvoiceAndSwitchBilling(c.Request.Context(), workspaceID(c), c.Param("invoice_id"), req.NewFrequency)
	switch err {
	case nil:
	case prepaid.ErrInvalidFrequency:
		c.JSON(http.StatusBadRequest, api.ErrorResponse{Error: "new_frequency must be per_session or monthly"})
		return
	case prepaid.ErrInvoiceNotFound:
		c.JSON(http.StatusNotFound, api.ErrorResponse{Error: "Open top-up invoice not found"})
		return
	default:
		logger.WithError(err).Error("Failed to void invoice")
		c.JSON(http.StatusInternalServerError, api.ErrorResponse{Error: "Failed to void invoice"})
		return
	}

	if metrics != nil {
		metrics.InvoiceOperations.WithLabelValues("topup", "voided").Inc()
	}

	c.JSON(http.StatusOK, api.VoidInvoiceResponse{
		Success:             result.Success,
		CreditAmountCents:   result.CreditAmountCents,
		NewBillingFrequency: result.NewBillingFrequency,
	})
}

// GetTransactions lists a client's ledger entries newest-first.
func GetTransactions(c middleware.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	transactions, total, err := ledger.GetTransactions(c.Request.Context(), workspaceID(c), c.Param("client_id"), limit, offset)
	if err != nil {
		logger.WithError(err).Error("Failed to fetch transactions")
		c.JSON(http.StatusInternalServerError, api.ErrorResponse{Error: "Failed to fetch transactions"})
		return
	}

	c.JSON(http.StatusOK, api.GetTransactionsResponse{
		Transactions: transactions,
		Total:        total,
	})
}

// GetPrepaidSummary returns the trainer's prepaid client dashboard.
func GetPrepaidSummary(c middleware.Context) {
	summaries, err := ledger.GetPrepaidClientsSummary(c.Request.Context(), workspaceID(c), trainerID(c))
	if err != nil {
		logger.WithError(err).Error("Failed to build prepaid summary")
		c.JSON(http.StatusInternalServerError, api.ErrorResponse{Error: "Failed to build summary"})
		return
	}

	c.JSON(http.StatusOK, api.PrepaidSummaryResponse{
		Clients: summaries,
		Count:   len(summaries),
	})
}

// GetInvoices lists the trainer's invoices, optionally for one client.
func GetInvoices(c middleware.Context) {
	list, err := invoiceSvc.ListInvoices(c.Request.Context(), workspaceID(c), trainerID(c), c.Query("client_id"))
	if err != nil {
		logger.WithError(err).Error("Failed to fetch invoices")
		c.JSON(http.StatusInternalServerError, api.ErrorResponse{Error: "Failed to fetch invoices"})
		return
	}

	c.JSON(http.StatusOK, api.GetInvoicesResponse{
		Invoices: list,
		Count:    len(list),
	})
}

// GetInvoice returns one invoice with line items.
func GetInvoice(c middleware.Context) {
	invoice, items, err := invoiceSvc.GetInvoice(c.Request.Context(), workspaceID(c), c.Param("invoice_id"))
	if err == invoices.ErrInvoiceNotFound {
		c.JSON(http.StatusNotFound, api.ErrorResponse{Error: "Invoice not found"})
		return
	}
	if err != nil {
		logger.WithError(err).Error("Failed to fetch invoice")
		c.JSON(http.StatusInternalServerError, api.ErrorResponse{Error: "Failed to fetch invoice"})
		return
	}

	c.JSON(http.StatusOK, api.GetInvoiceResponse{
		Invoice:   *invoice,
		LineItems: items,
	})
}

// MarkInvoicePaid settles an open invoice after a manual payment.
func MarkInvoicePaid(c middleware.Context) {
	err := invoiceSvc.MarkInvoicePaid(c.Request.Context(), workspaceID(c), c.Param("invoice_id"))
	if err == invoices.ErrInvoiceNotFound {
		c.JSON(http.StatusNotFound, api.ErrorResponse{Error: "Invoice not found"})
		return
	}
	if err != nil {
		logger.WithError(err).Error("Failed to mark invoice paid")
		c.JSON(http.StatusInternalServerError, api.ErrorResponse{Error: "Failed to mark invoice paid"})
		return
	}

	if metrics != nil {
		metrics.InvoiceOperations.WithLabelValues("payment", "paid").Inc()
	}

	logger.WithFields(logging.Fields{
		"invoice_id":   c.Param("invoice_id"),
		"workspace_id": workspaceID(c),
		"paid_at":      time.Now().UTC(),
	}).Info("Invoice settled manually")

	c.Status(http.StatusNoContent)
}
