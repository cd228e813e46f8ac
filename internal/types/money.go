package types

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Money is a decimal amount held in minor units (two fraction digits).
type Money struct {
	Minor    int64  `json:"minor"`
	Currency string `json:"currency"`
}

// ParseMoney parses a decimal string such as "200.00" or "1,250.5".
// Negative amounts and more than two fraction digits are rejected.
func ParseMoney(amount, currency string) (Money, error) {
	s := strings.ReplaceAll(strings.TrimSpace(amount), ",", "")
	s = strings.TrimPrefix(s, "$")
	if s == "" {
		return Money{}, fmt.Errorf("empty amount")
	}
	if strings.HasPrefix(s, "-") {
		return Money{}, fmt.Errorf("negative amount %q", amount)
	}

	whole, frac, _ := strings.Cut(s, ".")
	if len(frac) > 2 {
		return Money{}, fmt.Errorf("amount %q has more than two fraction digits", amount)
	}
	for len(frac) < 2 {
		frac += "0"
	}
	if whole == "" {
		whole = "0"
	}

	units, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return Money{}, fmt.Errorf("parse amount %q: %w", amount, err)
	}
	cents, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return Money{}, fmt.Errorf("parse amount %q: %w", amount, err)
	}
	if units > (math.MaxInt64-cents)/100 {
		return Money{}, fmt.Errorf("amount %q overflows", amount)
	}

	return Money{Minor: units*100 + cents, Currency: normalizeCurrency(currency)}, nil
}

// MoneyFromFloat rounds f to the nearest minor unit.
func MoneyFromFloat(f float64, currency string) (Money, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
		return Money{}, fmt.Errorf("invalid amount %v", f)
	}
	return Money{Minor: int64(math.Round(f * 100)), Currency: normalizeCurrency(currency)}, nil
}

func normalizeCurrency(c string) string {
	c = strings.ToUpper(strings.TrimSpace(c))
	if c == "" {
		return "USD"
	}
	return c
}

// Float returns the amount in major units. Used as the queue score.
func (m Money) Float() float64 {
	return float64(m.Minor) / 100
}

// Less reports whether m is numerically smaller than o. Currencies are not converted.
func (m Money) Less(o Money) bool {
	return m.Minor < o.Minor
}

// Meets reports whether m satisfies the minimum. A zero minimum accepts any
// currency; otherwise the currencies must match since amounts are never
// converted.
func (m Money) Meets(minimum Money) bool {
	if minimum.Minor <= 0 {
		return true
	}
	if m.Currency != minimum.Currency {
		return false
	}
	return !m.Less(minimum)
}

func (m Money) String() string {
	return fmt.Sprintf("%d.%02d %s", m.Minor/100, m.Minor%100, m.Currency)
}
