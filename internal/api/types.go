package api

import "github.com/trainerdesk/billing/internal/models"

// ErrorResponse represents a standard error response from the billing API
type ErrorResponse struct {
	Error string `json:"error"`
}

// AddCreditRequest represents a request to credit a client's prepaid balance
type AddCreditRequest struct {
	AmountCents int64  `json:"amount_cents"`
	Notes       string `json:"notes,omitempty"`
}

// AddCreditResponse returns the ledger state after a credit
type AddCreditResponse struct {
	NewBalanceCents int64                     `json:"new_balance_cents"`
	Transaction     models.PrepaidTransaction `json:"transaction"`
}

// DeductSessionResponse represents the outcome of deducting a completed session
type DeductSessionResponse struct {
	Success                  bool  `json:"success"`
	NewBalanceCents          int64 `json:"new_balance_cents"`
	AmountDeductedCents      int64 `json:"amount_deducted_cents"`
	ShouldGenerateInvoice    bool  `json:"should_generate_invoice"`
	ShouldSwitchToPerSession bool  `json:"should_switch_to_per_session"`
}

// GenerateInvoiceResponse returns the id of a generated invoice
type GenerateInvoiceResponse struct {
	InvoiceID string `json:"invoice_id"`
}

// TopUpCheckResponse represents the outcome of a low-balance check
type TopUpCheckResponse struct {
	InvoiceGenerated bool   `json:"invoice_generated"`
	InvoiceID        string `json:"invoice_id,omitempty"`
}

// VoidInvoiceRequest represents a request to void a top-up invoice and switch billing
type VoidInvoiceRequest struct {
	NewFrequency models.BillingFrequency `json:"new_frequency"`
}

// VoidInvoiceResponse represents the outcome of voiding a top-up invoice
type VoidInvoiceResponse struct {
	Success             bool                    `json:"success"`
	CreditAmountCents   int64                   `json:"credit_amount_cents"`
	NewBillingFrequency models.BillingFrequency `json:"new_billing_frequency"`
}

// GetTransactionsResponse is a newest-first page of ledger transactions
type GetTransactionsResponse struct {
	Transactions []models.PrepaidTransaction `json:"transactions"`
	Total        int                         `json:"total"`
}

// PrepaidSummaryResponse lists the trainer's prepaid clients
type PrepaidSummaryResponse struct {
	Clients []models.ClientSummary `json:"clients"`
	Count   int                    `json:"count"`
}

// GetInvoicesResponse lists a client's or trainer's invoices
type GetInvoicesResponse struct {
	Invoices []models.Invoice `json:"invoices"`
	Count    int              `json:"count"`
}

// GetInvoiceResponse returns one invoice with its line items
type GetInvoiceResponse struct {
	Invoice   models.Invoice           `json:"invoice"`
	LineItems []models.InvoiceLineItem `json:"line_items"`
}
