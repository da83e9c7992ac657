// Package money implements fixed-point amounts used for every balance,
// price and quantity in the exchange.
//
// An Amount is an int64 count of 10^-8 units. Multiplication and division
// go through 128-bit intermediates and truncate toward zero; any result that
// does not fit in int64 is reported as ErrOverflow instead of wrapping.
package money

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/bits"

	"github.com/shopspring/decimal"
)

// Scale is the number of fractional decimal digits an Amount carries.
const Scale = 8

const unit int64 = 100_000_000

var (
	ErrOverflow      = errors.New("money: arithmetic overflow")
	ErrDivideByZero  = errors.New("money: division by zero")
	ErrPrecision     = errors.New("money: too many decimal places")
	ErrInvalidAmount = errors.New("money: invalid amount")
)

// Amount is a signed fixed-point number with Scale fractional digits.
type Amount int64

const (
	Zero Amount = 0
	One  Amount = Amount(unit)
)

// New returns n whole units.
func New(n int64) Amount {
	return Amount(n * unit)
}

// FromDecimal converts d, rejecting values with more than Scale fractional
// digits or outside the representable range.
func FromDecimal(d decimal.Decimal) (Amount, error) {
	shifted := d.Shift(Scale)
	if !shifted.IsInteger() {
		return 0, fmt.Errorf("%w: %s", ErrPrecision, d.String())
	}
	bi := shifted.BigInt()
	if !bi.IsInt64() {
		return 0, fmt.Errorf("%w: %s", ErrOverflow, d.String())
	}
	return Amount(bi.Int64()), nil
}

// Parse reads a decimal string such as "0.015".
func Parse(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return FromDecimal(d)
}

// MustParse is Parse for constants and tests.
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

func (a Amount) Decimal() decimal.Decimal {
	return decimal.New(int64(a), -Scale)
}

func (a Amount) String() string {
	return a.Decimal().String()
}

// Units returns the raw scaled integer.
func (a Amount) Units() int64 { return int64(a) }

func (a Amount) IsZero() bool     { return a == 0 }
func (a Amount) IsPositive() bool { return a > 0 }
func (a Amount) IsNegative() bool { return a < 0 }

// Cmp returns -1, 0 or +1.
func (a Amount) Cmp(b Amount) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// FitsPrecision reports whether a has at most digits fractional digits.
func (a Amount) FitsPrecision(digits int) bool {
	if digits >= Scale {
		return true
	}
	if digits < 0 {
		return false
	}
	step := int64(1)
	for i := 0; i < Scale-digits; i++ {
		step *= 10
	}
	return int64(a)%step == 0
}

func Min(a, b Amount) Amount {
	if a < b {
		return a
	}
	return b
}

func Max(a, b Amount) Amount {
	if a > b {
		return a
	}
	return b
}

// Add returns a+b.
func Add(a, b Amount) (Amount, error) {
	s := a + b
	if (b > 0 && s < a) || (b < 0 && s > a) {
		return 0, ErrOverflow
	}
	return s, nil
}

// Sub returns a-b.
func Sub(a, b Amount) (Amount, error) {
	d := a - b
	if (b > 0 && d > a) || (b < 0 && d < a) {
		return 0, ErrOverflow
	}
	return d, nil
}

// Mul returns a*b truncated toward zero.
func Mul(a, b Amount) (Amount, error) {
	ua, na := abs(a)
	ub, nb := abs(b)
	hi, lo := bits.Mul64(ua, ub)
	if hi >= uint64(unit) {
		return 0, ErrOverflow
	}
	q, _ := bits.Div64(hi, lo, uint64(unit))
	return signed(q, na != nb)
}

// Div returns a/b truncated toward zero.
func Div(a, b Amount) (Amount, error) {
	if b == 0 {
		return 0, ErrDivideByZero
	}
	ua, na := abs(a)
	ub, nb := abs(b)
	hi, lo := bits.Mul64(ua, uint64(unit))
	if hi >= ub {
		return 0, ErrOverflow
	}
	q, _ := bits.Div64(hi, lo, ub)
	return signed(q, na != nb)
}

// Percent converts a percentage (0.1 meaning 0.1%) to a fraction.
func Percent(p Amount) (Amount, error) {
	return Div(p, New(100))
}

// WeightedAverage returns (avg*qty + price*add) / (qty+add), the running
// mean of fill prices after adding a fill of size add at price.
func WeightedAverage(avg, qty, price, add Amount) (Amount, error) {
	total, err := Add(qty, add)
	if err != nil {
		return 0, err
	}
	if total == 0 {
		return 0, nil
	}
	prev, err := Mul(avg, qty)
	if err != nil {
		return 0, err
	}
	cur, err := Mul(price, add)
	if err != nil {
		return 0, err
	}
	sum, err := Add(prev, cur)
	if err != nil {
		return 0, err
	}
	return Div(sum, total)
}

func abs(a Amount) (uint64, bool) {
	if a < 0 {
		return uint64(-(int64(a) + 1)) + 1, true
	}
	return uint64(a), false
}

func signed(q uint64, neg bool) (Amount, error) {
	if neg {
		if q > uint64(math.MaxInt64)+1 {
			return 0, ErrOverflow
		}
		return Amount(-int64(q - 1) - 1), nil
	}
	if q > math.MaxInt64 {
		return 0, ErrOverflow
	}
	return Amount(q), nil
}

// MarshalJSON encodes the amount as a decimal string.
func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON accepts a decimal string or a JSON number.
func (a *Amount) UnmarshalJSON(data []byte) error {
	var d decimal.Decimal
	if err := d.UnmarshalJSON(data); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, string(data))
	}
	v, err := FromDecimal(d)
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// Value stores the scaled integer.
func (a Amount) Value() (driver.Value, error) {
	return int64(a), nil
}

// Scan reads a scaled integer column.
func (a *Amount) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*a = 0
	case int64:
		*a = Amount(v)
	case int32:
		*a = Amount(v)
	case int:
		*a = Amount(v)
	case []byte:
		return a.scanString(string(v))
	case string:
		return a.scanString(v)
	default:
		return fmt.Errorf("money: cannot scan %T", src)
	}
	return nil
}

func (a *Amount) scanString(s string) error {
	var n int64
	if _, err := fmt.Sscan(s, &n); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	*a = Amount(n)
	return nil
}
