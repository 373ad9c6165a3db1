package prepaid

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"

	"github.com/trainerdesk/billing/internal/logging"
)

func newTestService(t *testing.T) (*Service, sqlmock.Sqlmock, func()) {
	t.Helper()

	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}

	logger := logging.NewLogger()
	svc := NewService(mockDB, logger, NewRateResolver(mockDB, logger), nil)
	return svc, mock, func() { mockDB.Close() }
}

func TestAddCredit_AppendsTransactionAndRaisesBalance(t *testing.T) {
	svc, mock, done := newTestService(t)
	defer done()

	ctx := context.Background()
	workspaceID := uuid.New().String()
	clientID := uuid.New().String()
	currentBalance := int64(15000)
	amount := int64(5000)
	newBalance := currentBalance + amount

	mock.ExpectBegin()
	mock.ExpectQuery(`(?s)SELECT prepaid_balance_cents.*FOR UPDATE`).
		WithArgs(clientID, workspaceID).
		WillReturnRows(sqlmock.NewRows([]string{"prepaid_balance_cents"}).AddRow(currentBalance))
	mock.ExpectExec("INSERT INTO billing.prepaid_transactions").
		WithArgs(sqlmock.AnyArg(), workspaceID, clientID, "credit", amount, newBalance, "Monthly top-up", nil).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE billing.client_profiles").
		WithArgs(newBalance, clientID, workspaceID, currentBalance).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT trainer_id, billing_frequency").
		WithArgs(clientID, workspaceID).
		WillReturnRows(sqlmock.NewRows([]string{"trainer_id", "billing_frequency"}).AddRow("trainer-1", "prepaid"))
	mock.ExpectCommit()

	txn, err := svc.AddCredit(ctx, workspaceID, clientID, amount, "Monthly top-up")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if txn.BalanceAfterCents != newBalance {
		t.Fatalf("expected balance after %d, got %d", newBalance, txn.BalanceAfterCents)
	}
	if txn.AmountCents != amount {
		t.Fatalf("expected amount %d, got %d", amount, txn.AmountCents)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAddCredit_ForceSwitchesToPrepaid(t *testing.T) {
	svc, mock, done := newTestService(t)
	defer done()

	ctx := context.Background()
	workspaceID := uuid.New().String()
	clientID := uuid.New().String()

	mock.ExpectBegin()
	mock.ExpectQuery(`(?s)SELECT prepaid_balance_cents.*FOR UPDATE`).
		WithArgs(clientID, workspaceID).
		WillReturnRows(sqlmock.NewRows([]string{"prepaid_balance_cents"}).AddRow(nil))
	mock.ExpectExec("INSERT INTO billing.prepaid_transactions").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE billing.client_profiles").
		WithArgs(int64(10000), clientID, workspaceID, int64(0)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT trainer_id, billing_frequency").
		WithArgs(clientID, workspaceID).
		WillReturnRows(sqlmock.NewRows([]string{"trainer_id", "billing_frequency"}).AddRow("trainer-1", "per_session"))
	mock.ExpectExec(`SET billing_frequency = 'prepaid'`).
		WithArgs(clientID, workspaceID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	txn, err := svc.AddCredit(ctx, workspaceID, clientID, 10000, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if txn.BalanceAfterCents != 10000 {
		t.Fatalf("expected null balance to read as zero, got balance after %d", txn.BalanceAfterCents)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAddCredit_RejectsNonPositiveAmount(t *testing.T) {
	svc, _, done := newTestService(t)
	defer done()

	if _, err := svc.AddCredit(context.Background(), "ws", "client", 0, ""); err != ErrInvalidAmount {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if _, err := svc.AddCredit(context.Background(), "ws", "client", -500, ""); err != ErrInvalidAmount {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestAddCredit_ConcurrentUpdateConflict(t *testing.T) {
	svc, mock, done := newTestService(t)
	defer done()

	workspaceID := uuid.New().String()
	clientID := uuid.New().String()

	mock.ExpectBegin()
	mock.ExpectQuery(`(?s)SELECT prepaid_balance_cents.*FOR UPDATE`).
		WithArgs(clientID, workspaceID).
		WillReturnRows(sqlmock.NewRows([]string{"prepaid_balance_cents"}).AddRow(int64(2000)))
	mock.ExpectExec("INSERT INTO billing.prepaid_transactions").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE billing.client_profiles").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, err := svc.AddCredit(context.Background(), workspaceID, clientID, 1000, "")
	if err != ErrBalanceConflict {
		t.Fatalf("expected ErrBalanceConflict, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAddCredit_MissingProfile(t *testing.T) {
	svc, mock, done := newTestService(t)
	defer done()

	mock.ExpectBegin()
	mock.ExpectQuery(`(?s)SELECT prepaid_balance_cents.*FOR UPDATE`).
		WillReturnRows(sqlmock.NewRows([]string{"prepaid_balance_cents"}))
	mock.ExpectRollback()

	_, err := svc.AddCredit(context.Background(), "ws", "nope", 1000, "")
	if err != ErrProfileNotFound {
		t.Fatalf("expected ErrProfileNotFound, got %v", err)
	}
}

// Ten credits of $33.33 must land on exactly $333.30.
func TestAddCredit_CentsSumExactly(t *testing.T) {
	svc, mock, done := newTestService(t)
	defer done()

	ctx := context.Background()
	workspaceID := uuid.New().String()
	clientID := uuid.New().String()
	amount := int64(3333)

	balance := int64(0)
	for i := 0; i < 10; i++ {
		next := balance + amount
		mock.ExpectBegin()
		mock.ExpectQuery(`(?s)SELECT prepaid_balance_cents.*FOR UPDATE`).
			WithArgs(clientID, workspaceID).
			WillReturnRows(sqlmock.NewRows([]string{"prepaid_balance_cents"}).AddRow(balance))
		mock.ExpectExec("INSERT INTO billing.prepaid_transactions").
			WithArgs(sqlmock.AnyArg(), workspaceID, clientID, "credit", amount, next, sqlmock.AnyArg(), nil).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE billing.client_profiles").
			WithArgs(next, clientID, workspaceID, balance).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery("SELECT trainer_id, billing_frequency").
			WillReturnRows(sqlmock.NewRows([]string{"trainer_id", "billing_frequency"}).AddRow("trainer-1", "prepaid"))
		mock.ExpectCommit()
		balance = next
	}

	var last int64
	for i := 0; i < 10; i++ {
		txn, err := svc.AddCredit(ctx, workspaceID, clientID, amount, "")
		if err != nil {
			t.Fatalf("credit %d: unexpected error: %v", i, err)
		}
		last = txn.BalanceAfterCents
	}

	if last != 33330 {
		t.Fatalf("expected final balance 33330 cents, got %d", last)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestApplyInvoiceCreditTx_ClampsToBalance(t *testing.T) {
	svc, mock, done := newTestService(t)
	defer done()

	ctx := context.Background()
	workspaceID := uuid.New().String()
	clientID := uuid.New().String()
	invoiceID := uuid.New().String()

	mock.ExpectBegin()
	mock.ExpectQuery(`(?s)SELECT prepaid_balance_cents.*FOR UPDATE`).
		WithArgs(clientID, workspaceID).
		WillReturnRows(sqlmock.NewRows([]string{"prepaid_balance_cents"}).AddRow(int64(5000)))
	mock.ExpectExec("INSERT INTO billing.prepaid_transactions").
		WithArgs(sqlmock.AnyArg(), workspaceID, clientID, "deduction", int64(5000), int64(0), "Credit applied to invoice "+invoiceID, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE billing.client_profiles").
		WithArgs(int64(0), clientID, workspaceID, int64(5000)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	tx, err := svc.db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}

	consumed, err := svc.ApplyInvoiceCreditTx(ctx, tx, workspaceID, clientID, 8000, invoiceID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if consumed != 5000 {
		t.Fatalf("expected 5000 cents consumed, got %d", consumed)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestApplyInvoiceCreditTx_ZeroBalanceNoEntry(t *testing.T) {
	svc, mock, done := newTestService(t)
	defer done()

	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(`(?s)SELECT prepaid_balance_cents.*FOR UPDATE`).
		WillReturnRows(sqlmock.NewRows([]string{"prepaid_balance_cents"}).AddRow(int64(0)))
	mock.ExpectCommit()

	tx, err := svc.db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}

	consumed, err := svc.ApplyInvoiceCreditTx(ctx, tx, "ws", "client", 8000, "inv-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if consumed != 0 {
		t.Fatalf("expected no credit consumed, got %d", consumed)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestGetTransactions_NewestFirstWithTotal(t *testing.T) {
	svc, mock, done := newTestService(t)
	defer done()

	workspaceID := uuid.New().String()
	clientID := uuid.New().String()

	mock.ExpectQuery(`SELECT COUNT\(\*\)`).
		WithArgs(clientID, workspaceID).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))

	rows := sqlmock.NewRows([]string{
		"id", "workspace_id", "client_profile_id", "type", "amount_cents",
		"balance_after_cents", "description", "appointment_id", "created_at",
	}).
		AddRow("t2", workspaceID, clientID, "deduction", int64(10000), int64(5000), "Session on 2026-08-20", "appt-2", time.Now()).
		AddRow("t1", workspaceID, clientID, "credit", int64(15000), int64(15000), "Prepaid balance credit", nil, time.Now().Add(-time.Hour))

	mock.ExpectQuery("FROM billing.prepaid_transactions").
		WithArgs(clientID, workspaceID, 50, 0).
		WillReturnRows(rows)

	transactions, total, err := svc.GetTransactions(context.Background(), workspaceID, clientID, 0, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 7 {
		t.Fatalf("expected total 7, got %d", total)
	}
	if len(transactions) != 2 {
		t.Fatalf("expected 2 transactions, got %d", len(transactions))
	}
	if transactions[0].Type != "deduction" || transactions[1].Type != "credit" {
		t.Fatalf("unexpected ordering: %s, %s", transactions[0].Type, transactions[1].Type)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
