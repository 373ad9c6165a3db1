package mailer

import (
	"strings"
	"testing"
	"time"

	"github.com/trainerdesk/billing/internal/logging"
)

func TestIsConfigured(t *testing.T) {
	es := &EmailService{logger: logging.NewLogger()}
	if es.IsConfigured() {
		t.Fatal("expected unconfigured service")
	}

	es.smtpHost = "smtp.example.com"
	es.smtpUser = "user"
	es.smtpPassword = "pass"
	es.fromEmail = "billing@example.com"
	if !es.IsConfigured() {
		t.Fatal("expected configured service")
	}
}

func TestRenderTemplate_TopUpInvoice(t *testing.T) {
	es := &EmailService{logger: logging.NewLogger()}

	body, err := es.renderTemplate("topup_invoice", EmailData{
		ClientName:  "Alex",
		TrainerName: "Jordan",
		InvoiceID:   "inv-1",
		Amount:      "350.00",
		Currency:    "USD",
		DueDate:     time.Date(2026, 9, 12, 0, 0, 0, 0, time.UTC),
		IsTopUp:     true,
		LineItems: []LineItemView{
			{Description: "Session on 2026-08-20", Quantity: 1, Total: "100.00"},
		},
	})
	if err != nil {
		t.Fatalf("render failed: %v", err)
	}

	for _, want := range []string{"Alex", "Jordan", "350.00", "September 12, 2026", "Session on 2026-08-20"} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected body to contain %q", want)
		}
	}
}

func TestRenderTemplate_UnknownTemplate(t *testing.T) {
	es := &EmailService{logger: logging.NewLogger()}
	if _, err := es.renderTemplate("nope", EmailData{}); err == nil {
		t.Fatal("expected error for unknown template")
	}
}

func TestSanitizeHeader(t *testing.T) {
	got := sanitizeHeader("evil\r\nBcc: attacker@example.com")
	if strings.ContainsAny(got, "\r\n") {
		t.Fatalf("expected CR/LF stripped, got %q", got)
	}
}

func TestSendInvoiceEmail_Unconfigured(t *testing.T) {
	es := &EmailService{logger: logging.NewLogger()}
	if err := es.SendInvoiceEmail("alex@example.com", EmailData{}); err == nil {
		t.Fatal("expected error when service is not configured")
	}
}
