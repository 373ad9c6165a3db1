package mailer

import (
	"bytes"
	"fmt"
	"html/template"
	"net/smtp"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/trainerdesk/billing/internal/logging"
)

// EmailService sends billing notifications over SMTP.
type EmailService struct {
	smtpHost     string
	smtpPort     int
	smtpUser     string
	smtpPassword string
	fromEmail    string
	fromName     string
	logger       logging.Logger
}

// LineItemView is the template-facing shape of one invoice line.
type LineItemView struct {
	Description string
	Quantity    int
	Total       string
}

// EmailData represents data for email templates
type EmailData struct {
	ClientName  string
	TrainerName string
	InvoiceID   string
	Amount      string
	Currency    string
	DueDate     time.Time
	DaysPastDue int
	IsTopUp     bool
	LineItems   []LineItemView
}

// NewEmailService creates a new email service instance
func NewEmailService(logger logging.Logger) *EmailService {
	port, _ := strconv.Atoi(os.Getenv("SMTP_PORT"))
	if port == 0 {
		port = 587 // Default SMTP port
	}

	return &EmailService{
		smtpHost:     os.Getenv("SMTP_HOST"),
		smtpPort:     port,
		smtpUser:     os.Getenv("SMTP_USER"),
		smtpPassword: os.Getenv("SMTP_PASSWORD"),
		fromEmail:    os.Getenv("FROM_EMAIL"),
		fromName:     os.Getenv("FROM_NAME"),
		logger:       logger,
	}
}

// IsConfigured checks if email service is properly configured
func (es *EmailService) IsConfigured() bool {
	return es.smtpHost != "" && es.smtpUser != "" && es.smtpPassword != "" && es.fromEmail != ""
}

// SendInvoiceEmail sends an invoice to a client. Top-up invoices get a
// replenishment framing; session invoices list the billed appointments.
func (es *EmailService) SendInvoiceEmail(clientEmail string, data EmailData) error {
	if !es.IsConfigured() {
		return fmt.Errorf("email service not configured")
	}

	subject := fmt.Sprintf("Invoice %s from %s", data.InvoiceID, data.TrainerName)
	if data.IsTopUp {
		subject = fmt.Sprintf("Session balance top-up invoice from %s", data.TrainerName)
	}

	templateName := "invoice_created"
	if data.IsTopUp {
		templateName = "topup_invoice"
	}

	body, err := es.renderTemplate(templateName, data)
	if err != nil {
		return fmt.Errorf("failed to render %s template: %w", templateName, err)
	}

	return es.sendEmail(clientEmail, subject, body)
}

// SendOverdueReminderEmail sends a reminder for an overdue invoice
func (es *EmailService) SendOverdueReminderEmail(clientEmail string, data EmailData) error {
	if !es.IsConfigured() {
		es.logger.Warn("Email service not configured, skipping overdue reminder email")
		return nil
	}

	subject := fmt.Sprintf("Payment Reminder - Invoice %s (%d days overdue)", data.InvoiceID, data.DaysPastDue)

	body, err := es.renderTemplate("overdue_reminder", data)
	if err != nil {
		return fmt.Errorf("failed to render overdue reminder template: %w", err)
	}

	return es.sendEmail(clientEmail, subject, body)
}

// sendEmail sends an email via SMTP
func (es *EmailService) sendEmail(to, subject, body string) error {
	auth := smtp.PlainAuth("", es.smtpUser, es.smtpPassword, es.smtpHost)

	fromHeader := es.fromEmail
	if es.fromName != "" {
		fromHeader = fmt.Sprintf("%s <%s>", es.fromName, es.fromEmail)
	}

	fromHeader = sanitizeHeader(fromHeader)
	to = sanitizeHeader(to)
	subject = sanitizeHeader(subject)

	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nMIME-Version: 1.0\r\nContent-Type: text/html; charset=UTF-8\r\n\r\n%s",
		fromHeader, to, subject, body)

	addr := fmt.Sprintf("%s:%d", es.smtpHost, es.smtpPort)
	err := smtp.SendMail(addr, auth, es.fromEmail, []string{to}, []byte(msg))

	if err != nil {
		es.logger.WithFields(logging.Fields{
			"error":   err.Error(),
			"to":      to,
			"subject": subject,
		}).Error("Failed to send email")
		return err
	}

	es.logger.WithFields(logging.Fields{
		"to":      to,
		"subject": subject,
	}).Info("Email sent successfully")

	return nil
}

// Header injection guard: strip CR/LF from anything placed in a header line.
func sanitizeHeader(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", "")
	return s
}

// renderTemplate renders an email template with data
func (es *EmailService) renderTemplate(templateName string, data EmailData) (string, error) {
	tmplContent, exists := templates[templateName]
	if !exists {
		return "", fmt.Errorf("template %s not found", templateName)
	}

	tmpl, err := template.New(templateName).Parse(tmplContent)
	if err != nil {
		return "", fmt.Errorf("failed to parse template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to execute template: %w", err)
	}

	return buf.String(), nil
}

var templates = map[string]string{
	"invoice_created": `
<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>New Invoice</title>
</head>
<body style="font-family: Arial, sans-serif; line-height: 1.6; color: #333;">
    <div style="max-width: 600px; margin: 0 auto; padding: 20px;">
        <h2 style="color: #2c3e50;">Invoice from {{.TrainerName}}</h2>

        <p>Hello {{.ClientName}},</p>

        <p>A new invoice has been issued for your training sessions:</p>

        <div style="background-color: #f8f9fa; padding: 20px; border-radius: 5px; margin: 20px 0;">
            <p><strong>Invoice ID:</strong> {{.InvoiceID}}</p>
            <p><strong>Amount:</strong> {{.Amount}} {{.Currency}}</p>
            <p><strong>Due Date:</strong> {{.DueDate.Format "January 2, 2006"}}</p>
        </div>

        {{if .LineItems}}
        <table style="width: 100%; border-collapse: collapse; margin: 20px 0;">
            <tr style="border-bottom: 1px solid #ddd;">
                <th style="text-align: left; padding: 8px;">Description</th>
                <th style="text-align: right; padding: 8px;">Qty</th>
                <th style="text-align: right; padding: 8px;">Total</th>
            </tr>
            {{range .LineItems}}
            <tr style="border-bottom: 1px solid #eee;">
                <td style="padding: 8px;">{{.Description}}</td>
                <td style="text-align: right; padding: 8px;">{{.Quantity}}</td>
                <td style="text-align: right; padding: 8px;">{{.Total}}</td>
            </tr>
            {{end}}
        </table>
        {{end}}

        <p>If you have any questions, please reply to this email.</p>

        <p>Best regards,<br>{{.TrainerName}}</p>
    </div>
</body>
</html>`,

	"topup_invoice": `
<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Balance Top-Up</title>
</head>
<body style="font-family: Arial, sans-serif; line-height: 1.6; color: #333;">
    <div style="max-width: 600px; margin: 0 auto; padding: 20px;">
        <h2 style="color: #2c3e50;">Session Balance Top-Up</h2>

        <p>Hello {{.ClientName}},</p>

        <p>Your prepaid session balance is running low. To keep your sessions
        going, please top up your balance:</p>

        <div style="background-color: #f8f9fa; padding: 20px; border-radius: 5px; margin: 20px 0;">
            <p><strong>Invoice ID:</strong> {{.InvoiceID}}</p>
            <p><strong>Top-Up Amount:</strong> {{.Amount}} {{.Currency}}</p>
            <p><strong>Due Date:</strong> {{.DueDate.Format "January 2, 2006"}}</p>
        </div>

        {{if .LineItems}}
        <p>Sessions consumed since your last top-up:</p>
        <table style="width: 100%; border-collapse: collapse; margin: 20px 0;">
            <tr style="border-bottom: 1px solid #ddd;">
                <th style="text-align: left; padding: 8px;">Description</th>
                <th style="text-align: right; padding: 8px;">Total</th>
            </tr>
            {{range .LineItems}}
            <tr style="border-bottom: 1px solid #eee;">
                <td style="padding: 8px;">{{.Description}}</td>
                <td style="text-align: right; padding: 8px;">{{.Total}}</td>
            </tr>
            {{end}}
        </table>
        {{end}}

        <p>Best regards,<br>{{.TrainerName}}</p>
    </div>
</body>
</html>`,

	"overdue_reminder": `
<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Payment Reminder</title>
</head>
<body style="font-family: Arial, sans-serif; line-height: 1.6; color: #333;">
    <div style="max-width: 600px; margin: 0 auto; padding: 20px;">
        <h2 style="color: #f39c12;">Payment Reminder</h2>

        <p>Hello {{.ClientName}},</p>

        <p>This is a friendly reminder that the following invoice is now overdue:</p>

        <div style="background-color: #fff3cd; padding: 20px; border-radius: 5px; margin: 20px 0; border-left: 4px solid #f39c12;">
            <p><strong>Invoice ID:</strong> {{.InvoiceID}}</p>
            <p><strong>Amount Due:</strong> {{.Amount}} {{.Currency}}</p>
            <p><strong>Days Overdue:</strong> {{.DaysPastDue}} days</p>
        </div>

        <p>Please make payment as soon as possible.</p>

        <p>Best regards,<br>{{.TrainerName}}</p>
    </div>
</body>
</html>`,
}
