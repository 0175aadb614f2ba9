// README: Common money value object used across modules (minor units, 2 decimal places).
package types

import (
	"encoding/json"
	"fmt"
	"math"
)

const DefaultCurrency = "PHP"

// Money is an amount in minor units (centavos).
type Money struct {
	Amount   int64
	Currency string
}

// Centavos builds a Money value in the default currency.
func Centavos(n int64) Money {
	return Money{Amount: n, Currency: DefaultCurrency}
}

// FromMajor converts a major-unit value, rounding half-up to two decimals.
func FromMajor(v float64) Money {
	return Centavos(RoundHalfUp(v * 100))
}

// RoundHalfUp rounds a non-negative minor-unit quantity to the nearest integer, halves away from zero.
// The epsilon absorbs binary representation error such as 2.675*100 = 267.49999.
func RoundHalfUp(v float64) int64 {
	if v < 0 {
		return -RoundHalfUp(-v)
	}
	return int64(math.Floor(v + 0.5 + 1e-9))
}

func (m Money) Add(o Money) Money { return Money{Amount: m.Amount + o.Amount, Currency: m.currency()} }

func (m Money) Sub(o Money) Money { return Money{Amount: m.Amount - o.Amount, Currency: m.currency()} }

// Percent returns pct percent of m, rounded half-up to a centavo.
func (m Money) Percent(pct int64) Money {
	return Money{Amount: RoundHalfUp(float64(m.Amount*pct) / 100), Currency: m.currency()}
}

func (m Money) Max(o Money) Money {
	if o.Amount > m.Amount {
		return Money{Amount: o.Amount, Currency: m.currency()}
	}
	return m
}

// Major returns the amount in major units.
func (m Money) Major() float64 {
	return float64(m.Amount) / 100
}

func (m Money) String() string {
	sign := ""
	n := m.Amount
	if n < 0 {
		sign = "-"
		n = -n
	}
	return fmt.Sprintf("%s%d.%02d", sign, n/100, n%100)
}

func (m Money) currency() string {
	if m.Currency == "" {
		return DefaultCurrency
	}
	return m.Currency
}

type moneyJSON struct {
	Amount   json.Number `json:"amount"`
	Currency string      `json:"currency"`
}

func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(moneyJSON{Amount: json.Number(m.String()), Currency: m.currency()})
}

func (m *Money) UnmarshalJSON(b []byte) error {
	var v moneyJSON
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	f, err := v.Amount.Float64()
	if err != nil {
		return err
	}
	*m = FromMajor(f)
	if v.Currency != "" {
		m.Currency = v.Currency
	}
	return nil
}
