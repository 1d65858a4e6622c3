package domain

import (
	"fmt"
	"strconv"
	"strings"
)

var zeroDecimalCurrencies = map[string]struct{}{
	"JPY": {}, "KRW": {}, "HUF": {}, "TWD": {}, "VND": {}, "CLP": {}, "ISK": {},
}

// CurrencyExponent is the number of minor-unit digits for an ISO currency.
func CurrencyExponent(currency string) int {
	if _, ok := zeroDecimalCurrencies[strings.ToUpper(strings.TrimSpace(currency))]; ok {
		return 0
	}
	return 2
}

// FormatMinor renders minor units as a decimal string, e.g. 1999 USD -> "19.99".
func FormatMinor(amount int64, currency string) string {
	exp := CurrencyExponent(currency)
	if exp == 0 {
		return strconv.FormatInt(amount, 10)
	}
	sign := ""
	if amount < 0 {
		sign = "-"
		amount = -amount
	}
	return fmt.Sprintf("%s%d.%02d", sign, amount/100, amount%100)
}

// ParseMinor converts a decimal string into minor units without floating point.
func ParseMinor(value, currency string) (int64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, fmt.Errorf("parse amount: empty")
	}
	exp := CurrencyExponent(currency)

	negative := strings.HasPrefix(value, "-")
	value = strings.TrimPrefix(value, "-")
	whole, frac, _ := strings.Cut(value, ".")
	if len(frac) > exp {
		return 0, fmt.Errorf("parse amount %q: too many decimals", value)
	}
	frac += strings.Repeat("0", exp-len(frac))

	units, err := strconv.ParseInt(whole+frac, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", value, err)
	}
	if negative {
		units = -units
	}
	return units, nil
}
