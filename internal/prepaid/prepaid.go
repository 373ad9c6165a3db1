// Package prepaid implements the prepaid billing ledger: a per-client
// balance in integer cents backed by an append-only transaction log, plus
// the deduction engine, rate resolution, billing-frequency transitions and
// trainer-facing summaries built on top of it.
package prepaid

import (
	"context"
	"database/sql"
	"errors"

	"github.com/trainerdesk/billing/internal/logging"
	"github.com/trainerdesk/billing/internal/models"
)

var (
	// ErrProfileNotFound is returned when a client profile does not exist in
	// the workspace. DeductSession maps this to a failure result instead.
	ErrProfileNotFound = errors.New("client profile not found")

	// ErrInvoiceNotFound is returned when a referenced invoice does not exist
	// or is not an open top-up invoice.
	ErrInvoiceNotFound = errors.New("invoice not found")

	// ErrBalanceConflict is returned when the conditional balance write lost a
	// race with a concurrent ledger mutation. Callers may retry.
	ErrBalanceConflict = errors.New("concurrent balance update detected")

	// ErrInvalidAmount is returned for zero or negative credit amounts.
	ErrInvalidAmount = errors.New("amount must be positive")

	// ErrInvalidFrequency is returned for transitions to an unknown or
	// disallowed billing frequency.
	ErrInvalidFrequency = errors.New("invalid billing frequency")
)

// SummaryCache caches trainer dashboard summaries. Implementations must be
// safe for concurrent use; a nil cache disables caching.
type SummaryCache interface {
	Get(ctx context.Context, workspaceID, trainerID string) ([]models.ClientSummary, bool)
	Set(ctx context.Context, workspaceID, trainerID string, summaries []models.ClientSummary)
	Invalidate(ctx context.Context, workspaceID, trainerID string)
}

// Service is the prepaid ledger engine. All reads and writes are scoped to
// the workspace id passed on each call; tenancy is never derived internally.
type Service struct {
	db     *sql.DB
	logger logging.Logger
	rates  *RateResolver
	cache  SummaryCache
}

// NewService creates a prepaid ledger service. cache may be nil.
func NewService(db *sql.DB, logger logging.Logger, rates *RateResolver, cache SummaryCache) *Service {
	return &Service{
		db:     db,
		logger: logger,
		rates:  rates,
		cache:  cache,
	}
}

// Rates exposes the rate resolver for collaborators that price sessions.
func (s *Service) Rates() *RateResolver {
	return s.rates
}

func (s *Service) invalidateSummary(ctx context.Context, workspaceID, trainerID string) {
	if s.cache == nil || trainerID == "" {
		return
	}
	s.cache.Invalidate(ctx, workspaceID, trainerID)
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
