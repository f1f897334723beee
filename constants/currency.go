package constants

import "strings"

// Currency is an ISO 4217 code.
type Currency string

const (
	USD Currency = "USD"
	EUR Currency = "EUR"
	GBP Currency = "GBP"
	CAD Currency = "CAD"
	AUD Currency = "AUD"
	JPY Currency = "JPY"
	CNY Currency = "CNY"
	INR Currency = "INR"
)

// DefaultCurrency is assumed when an extraction omits the currency.
const DefaultCurrency = USD

var knownCurrencies = []Currency{USD, EUR, GBP, CAD, AUD, JPY, CNY, INR}

// KnownCurrencies returns the currencies accepted without a warning.
func KnownCurrencies() []string {
	result := make([]string, len(knownCurrencies))
	for i, c := range knownCurrencies {
		result[i] = string(c)
	}
	return result
}

// IsKnownCurrency reports whether code is on the allow-list (case-insensitive).
func IsKnownCurrency(code string) bool {
	_, ok := Canonicalize(code)
	return ok
}

// Canonicalize maps common symbols and lowercase codes onto an allow-listed currency.
func Canonicalize(input string) (Currency, bool) {
	normalized := strings.ToUpper(strings.TrimSpace(input))
	if normalized == "" {
		return "", false
	}

	symbols := map[string]Currency{
		"$":   USD,
		"US$": USD,
		"€":   EUR,
		"£":   GBP,
		"C$":  CAD,
		"A$":  AUD,
		"¥":   JPY,
		"₹":   INR,
		"RMB": CNY,
	}
	if c, ok := symbols[normalized]; ok {
		return c, true
	}

	for _, c := range knownCurrencies {
		if normalized == string(c) {
			return c, true
		}
	}
	return Currency(normalized), false
}
