package models

import (
	"database/sql"
	"time"
)

// BillingFrequency is the closed set of billing models a client can be on.
type BillingFrequency string

const (
	FrequencyPrepaid    BillingFrequency = "prepaid"
	FrequencyPerSession BillingFrequency = "per_session"
	FrequencyMonthly    BillingFrequency = "monthly"
)

// Valid reports whether f is a known billing frequency.
func (f BillingFrequency) Valid() bool {
	switch f {
	case FrequencyPrepaid, FrequencyPerSession, FrequencyMonthly:
		return true
	}
	return false
}

// Transaction types for the prepaid ledger.
const (
	TransactionCredit    = "credit"
	TransactionDeduction = "deduction"
)

// Invoice statuses.
const (
	InvoiceDraft     = "draft"
	InvoiceSent      = "sent"
	InvoicePaid      = "paid"
	InvoiceCancelled = "cancelled"
	InvoiceOverdue   = "overdue"
)

// Appointment statuses. Appointments are owned by the scheduling side and
// read-only here.
const (
	AppointmentScheduled = "scheduled"
	AppointmentCompleted = "completed"
	AppointmentCancelled = "cancelled"
)

// TrainerProfile holds the trainer-level billing defaults.
type TrainerProfile struct {
	ID                    string        `json:"id" db:"id"`
	WorkspaceID           string        `json:"workspace_id" db:"workspace_id"`
	Name                  string        `json:"name" db:"name"`
	Email                 string        `json:"email" db:"email"`
	DefaultGroupRateCents sql.NullInt64 `json:"default_group_rate_cents" db:"default_group_rate_cents"`
	DefaultInvoiceDueDays sql.NullInt64 `json:"default_invoice_due_days" db:"default_invoice_due_days"`
	CreatedAt             time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt             time.Time     `json:"updated_at" db:"updated_at"`
}

// ClientProfile is the billing view of a client. A NULL balance or target
// reads as zero; a NULL target also means "no top-up policy".
type ClientProfile struct {
	ID                    string           `json:"id" db:"id"`
	WorkspaceID           string           `json:"workspace_id" db:"workspace_id"`
	TrainerID             string           `json:"trainer_id" db:"trainer_id"`
	Name                  string           `json:"name" db:"name"`
	Email                 string           `json:"email" db:"email"`
	BillingFrequency      BillingFrequency `json:"billing_frequency" db:"billing_frequency"`
	PrepaidBalanceCents   sql.NullInt64    `json:"prepaid_balance_cents" db:"prepaid_balance_cents"`
	PrepaidTargetCents    sql.NullInt64    `json:"prepaid_target_cents" db:"prepaid_target_cents"`
	SessionRateCents      sql.NullInt64    `json:"session_rate_cents" db:"session_rate_cents"`
	GroupSessionRateCents sql.NullInt64    `json:"group_session_rate_cents" db:"group_session_rate_cents"`
	CreatedAt             time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt             time.Time        `json:"updated_at" db:"updated_at"`
}

// BalanceCents returns the prepaid balance with NULL read as zero.
func (c *ClientProfile) BalanceCents() int64 {
	if c.PrepaidBalanceCents.Valid {
		return c.PrepaidBalanceCents.Int64
	}
	return 0
}

// TargetCents returns the top-up target with NULL read as zero.
func (c *ClientProfile) TargetCents() int64 {
	if c.PrepaidTargetCents.Valid {
		return c.PrepaidTargetCents.Int64
	}
	return 0
}

// PrepaidTransaction is one immutable entry in a client's prepaid ledger.
// Amounts are always positive; Type says which direction the balance moved.
type PrepaidTransaction struct {
	ID                string         `json:"id" db:"id"`
	WorkspaceID       string         `json:"workspace_id" db:"workspace_id"`
	ClientProfileID   string         `json:"client_profile_id" db:"client_profile_id"`
	Type              string         `json:"type" db:"type"`
	AmountCents       int64          `json:"amount_cents" db:"amount_cents"`
	BalanceAfterCents int64          `json:"balance_after_cents" db:"balance_after_cents"`
	Description       string         `json:"description" db:"description"`
	AppointmentID     sql.NullString `json:"appointment_id" db:"appointment_id"`
	CreatedAt         time.Time      `json:"created_at" db:"created_at"`
}

// Invoice is a bill issued to a client. Top-up invoices replenish a prepaid
// balance; per-session and monthly invoices bill appointments.
type Invoice struct {
	ID             string         `json:"id" db:"id"`
	WorkspaceID    string         `json:"workspace_id" db:"workspace_id"`
	ClientID       string         `json:"client_id" db:"client_id"`
	TrainerID      string         `json:"trainer_id" db:"trainer_id"`
	AmountCents    int64          `json:"amount_cents" db:"amount_cents"`
	Currency       string         `json:"currency" db:"currency"`
	Status         string         `json:"status" db:"status"`
	DueDate        time.Time      `json:"due_date" db:"due_date"`
	IsPrepaidTopUp bool           `json:"is_prepaid_topup" db:"is_prepaid_topup"`
	BillingMonth   sql.NullString `json:"billing_month,omitempty" db:"billing_month"`
	Notes          string         `json:"notes" db:"notes"`
	CreatedAt      time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at" db:"updated_at"`
}

// InvoiceLineItem belongs to exactly one invoice.
type InvoiceLineItem struct {
	ID             string         `json:"id" db:"id"`
	InvoiceID      string         `json:"invoice_id" db:"invoice_id"`
	Description    string         `json:"description" db:"description"`
	UnitPriceCents int64          `json:"unit_price_cents" db:"unit_price_cents"`
	Quantity       int            `json:"quantity" db:"quantity"`
	TotalCents     int64          `json:"total_cents" db:"total_cents"`
	AppointmentID  sql.NullString `json:"appointment_id,omitempty" db:"appointment_id"`
	CreatedAt      time.Time      `json:"created_at" db:"created_at"`
}

// Appointment is the read-only scheduling record this service prices and
// deducts against.
type Appointment struct {
	ID          string    `json:"id" db:"id"`
	WorkspaceID string    `json:"workspace_id" db:"workspace_id"`
	TrainerID   string    `json:"trainer_id" db:"trainer_id"`
	ClientID    string    `json:"client_id" db:"client_id"`
	Status      string    `json:"status" db:"status"`
	StartTime   time.Time `json:"start_time" db:"start_time"`
	EndTime     time.Time `json:"end_time" db:"end_time"`
}

// Balance statuses reported by the prepaid summary.
const (
	BalanceHealthy = "healthy"
	BalanceLow     = "low"
	BalanceEmpty   = "empty"
)

// ClientSummary is the trainer-facing dashboard row for one prepaid client.
type ClientSummary struct {
	ClientID                       string     `json:"client_id"`
	ClientName                     string     `json:"client_name"`
	CurrentBalanceCents            int64      `json:"current_balance_cents"`
	TargetBalanceCents             int64      `json:"target_balance_cents"`
	BalanceStatus                  string     `json:"balance_status"`
	SessionsConsumedSinceLastCredit int       `json:"sessions_consumed_since_last_credit"`
	LastTransactionDate            *time.Time `json:"last_transaction_date"`
}
