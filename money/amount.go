// Package money defines the fixed-point Amount type used for every monetary
// value in the platform. Balances carry 8 fractional digits; conversion to and
// from wei-scale integers happens only at the chain boundary, always truncating
// toward zero.
package money

import (
	"database/sql/driver"
	"fmt"
	"math/big"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// Token decimals on BSC.
const (
	USDTDecimals   = 18
	PLEXDecimals   = 9
	NativeDecimals = 18
)

// balanceScale is the number of fractional digits kept on off-chain balances.
const balanceScale = 8

// Amount is a non-float fixed-point monetary value.
type Amount struct {
	d decimal.Decimal
}

// Zero returns the zero amount.
func Zero() Amount {
	return Amount{}
}

// FromString parses a decimal string into an Amount.
func FromString(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, errors.Wrapf(err, "invalid amount %q", s)
	}
	return Amount{d: d}, nil
}

// RequireFromString parses s or panics. Intended for constants and tests.
func RequireFromString(s string) Amount {
	return Amount{d: decimal.RequireFromString(s)}
}

// FromInt returns an Amount holding the given whole number.
func FromInt(i int64) Amount {
	return Amount{d: decimal.NewFromInt(i)}
}

// Add returns a + b.
func (a Amount) Add(b Amount) Amount {
	return Amount{d: a.d.Add(b.d)}
}

// Sub returns a - b.
func (a Amount) Sub(b Amount) Amount {
	return Amount{d: a.d.Sub(b.d)}
}

// MulInt returns a × n.
func (a Amount) MulInt(n int64) Amount {
	return Amount{d: a.d.Mul(decimal.NewFromInt(n))}
}

// Percent returns a × p / 100, truncated to the balance scale.
func (a Amount) Percent(p Amount) Amount {
	return Amount{d: a.d.Mul(p.d).Div(decimal.NewFromInt(100)).Truncate(balanceScale)}
}

// Div returns a / n, truncated to the balance scale.
func (a Amount) Div(n int64) Amount {
	return Amount{d: a.d.Div(decimal.NewFromInt(n)).Truncate(balanceScale)}
}

// Cmp compares a and b: -1 if a < b, 0 if equal, +1 if a > b.
func (a Amount) Cmp(b Amount) int {
	return a.d.Cmp(b.d)
}

// Equal reports whether a and b represent the same value.
func (a Amount) Equal(b Amount) bool {
	return a.d.Equal(b.d)
}

// LessThan reports a < b.
func (a Amount) LessThan(b Amount) bool {
	return a.d.LessThan(b.d)
}

// GreaterThanOrEqual reports a ≥ b.
func (a Amount) GreaterThanOrEqual(b Amount) bool {
	return a.d.GreaterThanOrEqual(b.d)
}

// IsZero reports whether a is exactly zero.
func (a Amount) IsZero() bool {
	return a.d.IsZero()
}

// IsNegative reports whether a < 0.
func (a Amount) IsNegative() bool {
	return a.d.IsNegative()
}

// IsPositive reports whether a > 0.
func (a Amount) IsPositive() bool {
	return a.d.IsPositive()
}

// Min returns the smaller of a and b.
func Min(a, b Amount) Amount {
	if a.LessThan(b) {
		return a
	}
	return b
}

func (a Amount) String() string {
	return a.d.String()
}

// ToWei converts a to its integer chain representation, a × 10^decimals,
// truncating toward zero. The fractional remainder below one wei is dropped,
// never rounded up.
func (a Amount) ToWei(decimals int32) *big.Int {
	shifted := a.d.Shift(decimals).Truncate(0)
	return shifted.BigInt()
}

// FromWei converts an integer chain value back into an Amount.
func FromWei(w *big.Int, decimals int32) Amount {
	if w == nil {
		return Amount{}
	}
	return Amount{d: decimal.NewFromBigInt(w, -decimals)}
}

// Value implements driver.Valuer so amounts round-trip through NUMERIC columns.
func (a Amount) Value() (driver.Value, error) {
	return a.d.String(), nil
}

// Scan implements sql.Scanner.
func (a *Amount) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*a = Amount{}
		return nil
	case []byte:
		d, err := decimal.NewFromString(string(v))
		if err != nil {
			return err
		}
		a.d = d
		return nil
	case string:
		d, err := decimal.NewFromString(v)
		if err != nil {
			return err
		}
		a.d = d
		return nil
	case int64:
		a.d = decimal.NewFromInt(v)
		return nil
	case float64:
		a.d = decimal.NewFromFloat(v)
		return nil
	default:
		return fmt.Errorf("cannot scan %T into money.Amount", src)
	}
}
