// Package handlers exposes the billing engine over HTTP and runs the
// background billing jobs.
package handlers

import (
	"database/sql"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/trainerdesk/billing/internal/invoices"
	"github.com/trainerdesk/billing/internal/logging"
	"github.com/trainerdesk/billing/internal/prepaid"
)

var (
	db         *sql.DB
	logger     logging.Logger
	metrics    *BillingMetrics
	ledger     *prepaid.Service
	invoiceSvc *invoices.Service
)

// BillingMetrics holds all Prometheus metrics for the billing service
type BillingMetrics struct {
	Deductions        *prometheus.CounterVec
	Credits           *prometheus.CounterVec
	InvoiceOperations *prometheus.CounterVec
	EmailSends        *prometheus.CounterVec
	DBQueries         *prometheus.CounterVec
	DBDuration        *prometheus.HistogramVec
	DBConnections     *prometheus.GaugeVec
}

// Init initializes the handlers with database, logger, metrics and services
func Init(database *sql.DB, log logging.Logger, billingMetrics *BillingMetrics, ledgerService *prepaid.Service, invoiceService *invoices.Service) {
	db = database
	logger = log
	metrics = billingMetrics
	ledger = ledgerService
	invoiceSvc = invoiceService
}
