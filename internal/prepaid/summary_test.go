package prepaid

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"

	"github.com/trainerdesk/billing/internal/models"
)

func TestGetPrepaidClientsSummary_StatusBuckets(t *testing.T) {
	svc, mock, done := newTestService(t)
	defer done()

	workspaceID := uuid.New().String()
	trainerID := uuid.New().String()
	lastTxn := time.Date(2026, 8, 15, 10, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows([]string{"id", "name", "balance", "target", "sessions", "last_transaction"}).
		AddRow("c1", "Avery", int64(50000), int64(50000), 2, lastTxn).
		AddRow("c2", "Blake", int64(5000), int64(50000), 9, lastTxn).
		AddRow("c3", "Casey", int64(0), int64(50000), 5, lastTxn).
		AddRow("c4", "Drew", int64(2000), int64(0), 0, nil)

	mock.ExpectQuery("FROM billing.client_profiles c").
		WithArgs(workspaceID, trainerID).
		WillReturnRows(rows)

	summaries, err := svc.GetPrepaidClientsSummary(context.Background(), workspaceID, trainerID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(summaries) != 4 {
		t.Fatalf("expected 4 summaries, got %d", len(summaries))
	}

	expected := map[string]string{
		"c1": models.BalanceHealthy,
		"c2": models.BalanceLow,
		"c3": models.BalanceEmpty,
		"c4": models.BalanceHealthy,
	}
	for _, sum := range summaries {
		if sum.BalanceStatus != expected[sum.ClientID] {
			t.Fatalf("client %s: expected status %s, got %s", sum.ClientID, expected[sum.ClientID], sum.BalanceStatus)
		}
	}
	if summaries[3].LastTransactionDate != nil {
		t.Fatal("expected nil last transaction date for client without ledger entries")
	}
	if summaries[1].SessionsConsumedSinceLastCredit != 9 {
		t.Fatalf("expected 9 sessions consumed, got %d", summaries[1].SessionsConsumedSinceLastCredit)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestBalanceStatus_QuarterTargetBoundary(t *testing.T) {
	cases := []struct {
		name    string
		balance int64
		target  int64
		want    string
	}{
		{"exactly 25 percent", 12500, 50000, models.BalanceHealthy},
		{"just under 25 percent", 12499, 50000, models.BalanceLow},
		{"no target", 100, 0, models.BalanceHealthy},
		{"empty beats no target", 0, 0, models.BalanceEmpty},
		{"empty with target", 0, 50000, models.BalanceEmpty},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := balanceStatus(tc.balance, tc.target); got != tc.want {
				t.Fatalf("balanceStatus(%d, %d) = %s, want %s", tc.balance, tc.target, got, tc.want)
			}
		})
	}
}
