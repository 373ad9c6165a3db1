package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"

	"github.com/trainerdesk/billing/internal/api"
	"github.com/trainerdesk/billing/internal/auth"
	"github.com/trainerdesk/billing/internal/invoices"
	"github.com/trainerdesk/billing/internal/logging"
	"github.com/trainerdesk/billing/internal/prepaid"
)

func setupHandlerTest(t *testing.T) (sqlmock.Sqlmock, func()) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}

	log := logging.NewLogger()
	ledgerService := prepaid.NewService(mockDB, log, prepaid.NewRateResolver(mockDB, log), nil)
	invoiceService := invoices.NewService(mockDB, log, ledgerService, nil)
	Init(mockDB, log, nil, ledgerService, invoiceService)

	return mock, func() { mockDB.Close() }
}

func testContext(method, path, body string) (*gin.Context, *httptest.ResponseRecorder) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(method, path, strings.NewReader(body))
	c.Request.Header.Set("Content-Type", "application/json")
	c.Set(auth.KeyWorkspaceID, "ws-1")
	c.Set(auth.KeyTrainerID, "trainer-1")
	return c, w
}

func TestAddCredit_RejectsMalformedBody(t *testing.T) {
	_, done := setupHandlerTest(t)
	defer done()

	c, w := testContext("POST", "/clients/c1/credit", "not-json")
	c.Params = gin.Params{{Key: "client_id", Value: "c1"}}

	AddCredit(c)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestAddCredit_RejectsZeroAmount(t *testing.T) {
	_, done := setupHandlerTest(t)
	defer done()

	c, w := testContext("POST", "/clients/c1/credit", `{"amount_cents":0}`)
	c.Params = gin.Params{{Key: "client_id", Value: "c1"}}

	AddCredit(c)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestDeductSession_RequiresWorkspace(t *testing.T) {
	_, done := setupHandlerTest(t)
	defer done()

	c, w := testContext("POST", "/sessions/a1/deduct", `{}`)
	c.Params = gin.Params{{Key: "appointment_id", Value: "a1"}}

	DeductSession(c)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestDeductSession_MissingAppointmentIsBusinessFailure(t *testing.T) {
	mock, done := setupHandlerTest(t)
	defer done()

	mock.ExpectQuery("FROM billing.appointments").
		WillReturnRows(sqlmock.NewRows([]string{"id", "workspace_id", "trainer_id", "client_id", "status", "start_time", "end_time"}))

	c, w := testContext("POST", "/sessions/a1/deduct", `{"workspace_id":"ws-1"}`)
	c.Params = gin.Params{{Key: "appointment_id", Value: "a1"}}

	DeductSession(c)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 with failure result, got %d", w.Code)
	}

	var resp api.DeductSessionResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid response: %v", err)
	}
	if resp.Success {
		t.Fatal("expected success=false for missing appointment")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestVoidInvoiceAndSwitch_RejectsPrepaidFrequency(t *testing.T) {
	_, done := setupHandlerTest(t)
	defer done()

	c, w := testContext("POST", "/invoices/inv-1/void-switch", `{"new_frequency":"prepaid"}`)
	c.Params = gin.Params{{Key: "invoice_id", Value: "inv-1"}}

	VoidInvoiceAndSwitch(c)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestGetPrepaidSummary_ReturnsClients(t *testing.T) {
	mock, done := setupHandlerTest(t)
	defer done()

	mock.ExpectQuery("FROM billing.client_profiles c").
		WithArgs("ws-1", "trainer-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "balance", "target", "sessions", "last_transaction"}).
			AddRow("c1", "Alex", int64(40000), int64(50000), 3, nil))

	c, w := testContext("GET", "/prepaid/summary", "")
	GetPrepaidSummary(c)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var resp api.PrepaidSummaryResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid response: %v", err)
	}
	if resp.Count != 1 || resp.Clients[0].BalanceStatus != "healthy" {
		t.Fatalf("unexpected summary: %+v", resp)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
