package prepaid

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/trainerdesk/billing/internal/logging"
	"github.com/trainerdesk/billing/internal/models"
)

// RateResolver prices a session for a client. A session counts as a group
// session when two or more distinct clients share the exact same time window
// with the same trainer; group pricing then falls back through the client's
// group rate, the trainer's default group rate and finally the client's
// individual rate.
type RateResolver struct {
	db     *sql.DB
	logger logging.Logger
}

// NewRateResolver creates a rate resolver backed by db.
func NewRateResolver(db *sql.DB, logger logging.Logger) *RateResolver {
	return &RateResolver{db: db, logger: logger}
}

// IsGroupSession reports whether the appointment shares its exact time
// window with at least one other client of the same trainer. Cancelled
// appointments do not count toward the group.
func (r *RateResolver) IsGroupSession(ctx context.Context, workspaceID string, appt *models.Appointment) (bool, error) {
	var distinctClients int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT client_id)
		FROM billing.appointments
		WHERE workspace_id = $1 AND trainer_id = $2
		  AND start_time = $3 AND end_time = $4
		  AND status != 'cancelled'`,
		workspaceID, appt.TrainerID, appt.StartTime, appt.EndTime).Scan(&distinctClients)
	if err != nil {
		return false, fmt.Errorf("count concurrent clients: %w", err)
	}
	return distinctClients >= 2, nil
}

// ResolveRate returns the session price in cents for the given appointment
// and client. Unset rates resolve to zero rather than failing; a zero rate
// is a legitimate price.
func (r *RateResolver) ResolveRate(ctx context.Context, workspaceID string, appt *models.Appointment, client *models.ClientProfile) (int64, error) {
	group, err := r.IsGroupSession(ctx, workspaceID, appt)
	if err != nil {
		return 0, err
	}
	return r.resolve(ctx, workspaceID, group, appt.TrainerID, client)
}

func (r *RateResolver) resolve(ctx context.Context, workspaceID string, group bool, trainerID string, client *models.ClientProfile) (int64, error) {
	if !group {
		if client.SessionRateCents.Valid {
			return client.SessionRateCents.Int64, nil
		}
		return 0, nil
	}

	if client.GroupSessionRateCents.Valid {
		return client.GroupSessionRateCents.Int64, nil
	}

	var trainerGroupRate sql.NullInt64
	err := r.db.QueryRowContext(ctx, `
		SELECT default_group_rate_cents
		FROM billing.trainer_profiles
		WHERE id = $1 AND workspace_id = $2`,
		trainerID, workspaceID).Scan(&trainerGroupRate)
	if err != nil && err != sql.ErrNoRows {
		return 0, fmt.Errorf("query trainer group rate: %w", err)
	}
	if trainerGroupRate.Valid {
		return trainerGroupRate.Int64, nil
	}

	if client.SessionRateCents.Valid {
		return client.SessionRateCents.Int64, nil
	}
	return 0, nil
}
