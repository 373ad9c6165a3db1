package money

import (
	"fmt"

	"github.com/trainerdesk/billing/internal/config"
)

const (
	defaultCurrencyEnv      = "BILLING_CURRENCY"
	defaultCurrencyFallback = "USD"
)

// DefaultCurrency returns the ledger currency used when no currency is specified.
func DefaultCurrency() string {
	return config.GetEnv(defaultCurrencyEnv, defaultCurrencyFallback)
}

// FormatCents renders an integer-cents amount as a decimal string, e.g. 50000 -> "500.00".
// Amounts are stored in cents so arithmetic stays exact; formatting happens at the edge.
func FormatCents(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s%d.%02d", sign, cents/100, cents%100)
}
