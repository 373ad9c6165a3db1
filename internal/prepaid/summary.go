package prepaid

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/trainerdesk/billing/internal/logging"
	"github.com/trainerdesk/billing/internal/models"
)

// GetPrepaidClientsSummary returns one dashboard row per prepaid client of
// the trainer. Balance status is healthy at or above 25% of target (or with
// no target at all), low below that, and empty at zero.
func (s *Service) GetPrepaidClientsSummary(ctx context.Context, workspaceID, trainerID string) ([]models.ClientSummary, error) {
	if s.cache != nil {
		if cached, ok := s.cache.Get(ctx, workspaceID, trainerID); ok {
			return cached, nil
		}
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.name,
		       COALESCE(c.prepaid_balance_cents, 0),
		       COALESCE(c.prepaid_target_cents, 0),
		       (SELECT COUNT(*) FROM billing.prepaid_transactions t
		        WHERE t.client_profile_id = c.id AND t.type = 'deduction'
		          AND t.created_at > COALESCE(
		              (SELECT MAX(tc.created_at) FROM billing.prepaid_transactions tc
		               WHERE tc.client_profile_id = c.id AND tc.type = 'credit'),
		              '-infinity'::timestamptz)),
		       (SELECT MAX(tl.created_at) FROM billing.prepaid_transactions tl
		        WHERE tl.client_profile_id = c.id)
		FROM billing.client_profiles c
		WHERE c.workspace_id = $1 AND c.trainer_id = $2
		  AND c.billing_frequency = 'prepaid'
		ORDER BY c.name ASC`, workspaceID, trainerID)
	if err != nil {
		return nil, fmt.Errorf("query prepaid clients: %w", err)
	}
	defer rows.Close()

	summaries := []models.ClientSummary{}
	for rows.Next() {
		var sum models.ClientSummary
		var lastTransaction sql.NullTime
		if err := rows.Scan(&sum.ClientID, &sum.ClientName,
			&sum.CurrentBalanceCents, &sum.TargetBalanceCents,
			&sum.SessionsConsumedSinceLastCredit, &lastTransaction); err != nil {
			return nil, fmt.Errorf("scan client summary: %w", err)
		}
		if lastTransaction.Valid {
			ts := lastTransaction.Time
			sum.LastTransactionDate = &ts
		}
		sum.BalanceStatus = balanceStatus(sum.CurrentBalanceCents, sum.TargetBalanceCents)
		summaries = append(summaries, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate client summaries: %w", err)
	}

	if s.cache != nil {
		s.cache.Set(ctx, workspaceID, trainerID, summaries)
	}

	return summaries, nil
}

func balanceStatus(balance, target int64) string {
	if balance == 0 {
		return models.BalanceEmpty
	}
	if target == 0 || balance*4 >= target {
		return models.BalanceHealthy
	}
	return models.BalanceLow
}

const summaryCacheTTL = 60 * time.Second

// RedisSummaryCache caches trainer summaries in Redis with a short TTL.
// Cache failures degrade to a database read and are only logged.
type RedisSummaryCache struct {
	client goredis.UniversalClient
	logger logging.Logger
}

// NewRedisSummaryCache creates a summary cache on top of client.
func NewRedisSummaryCache(client goredis.UniversalClient, logger logging.Logger) *RedisSummaryCache {
	return &RedisSummaryCache{client: client, logger: logger}
}

func summaryCacheKey(workspaceID, trainerID string) string {
	return fmt.Sprintf("billing:summary:%s:%s", workspaceID, trainerID)
}

// Get returns the cached summaries for a trainer, if present.
func (c *RedisSummaryCache) Get(ctx context.Context, workspaceID, trainerID string) ([]models.ClientSummary, bool) {
	payload, err := c.client.Get(ctx, summaryCacheKey(workspaceID, trainerID)).Bytes()
	if err == goredis.Nil {
		return nil, false
	}
	if err != nil {
		c.logger.WithError(err).Warn("Summary cache read failed")
		return nil, false
	}

	var summaries []models.ClientSummary
	if err := json.Unmarshal(payload, &summaries); err != nil {
		c.logger.WithError(err).Warn("Summary cache payload corrupt")
		return nil, false
	}
	return summaries, true
}

// Set stores the summaries for a trainer.
func (c *RedisSummaryCache) Set(ctx context.Context, workspaceID, trainerID string, summaries []models.ClientSummary) {
	payload, err := json.Marshal(summaries)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, summaryCacheKey(workspaceID, trainerID), payload, summaryCacheTTL).Err(); err != nil {
		c.logger.WithError(err).Warn("Summary cache write failed")
	}
}

// Invalidate drops the cached summaries for a trainer after a ledger change.
func (c *RedisSummaryCache) Invalidate(ctx context.Context, workspaceID, trainerID string) {
	if err := c.client.Del(ctx, summaryCacheKey(workspaceID, trainerID)).Err(); err != nil {
		c.logger.WithError(err).Warn("Summary cache invalidation failed")
	}
}
