// Package money implements BaseUnits, the exact non-negative integer
// currency primitive of spec.md §4.1. Floating point never touches a
// value that reaches the ledger; the only float in this codebase is
// the display/timing multiplier computed by internal/round, which is
// converted to an integer payout ratio before it reaches BaseUnits
// arithmetic (see Ratio/MulByRatio below).
package money

import (
	"errors"
	"fmt"
	"math/big"
)

// MaxFractionalDigits bounds the decimal strings this package parses
// and formats, per spec.md §4.1 ("up to 18 fractional digits").
const MaxFractionalDigits = 18

var (
	// ErrNegative is returned by any operation that would produce a
	// negative BaseUnits value.
	ErrNegative = errors.New("money: negative result")
	// ErrInvalidDecimal is returned by Parse for malformed input.
	ErrInvalidDecimal = errors.New("money: invalid decimal string")
	// ErrTooManyFractionalDigits is returned by Parse when the input
	// carries more than MaxFractionalDigits digits after the point.
	ErrTooManyFractionalDigits = errors.New("money: too many fractional digits")
)

// BaseUnits is an arbitrary-precision non-negative integer amount of
// the smallest token subunit. The zero value is zero.
type BaseUnits struct {
	v *big.Int
}

// Zero is the additive identity.
func Zero() BaseUnits { return BaseUnits{v: big.NewInt(0)} }

// FromInt64 builds a BaseUnits from a non-negative int64, for tests and
// constants; it panics on a negative input since that can never be a
// valid monetary amount.
func FromInt64(n int64) BaseUnits {
	if n < 0 {
		panic("money: FromInt64 with negative value")
	}
	return BaseUnits{v: big.NewInt(n)}
}

// Parse reads an exact decimal string (e.g. "12.500000000000000000" or
// "12") with up to MaxFractionalDigits fractional digits into base
// units, where one whole unit equals 10^decimals base units.
func Parse(s string, decimals int) (BaseUnits, error) {
	if s == "" {
		return BaseUnits{}, ErrInvalidDecimal
	}
	neg := false
	if s[0] == '-' {
		neg = true
		s = s[1:]
	}
	whole := s
	frac := ""
	if i := indexByte(s, '.'); i >= 0 {
		whole, frac = s[:i], s[i+1:]
	}
	if whole == "" {
		whole = "0"
	}
	if len(frac) > MaxFractionalDigits {
		return BaseUnits{}, ErrTooManyFractionalDigits
	}
	if !isDigits(whole) || !isDigits(frac) {
		return BaseUnits{}, ErrInvalidDecimal
	}
	if neg {
		return BaseUnits{}, ErrNegative
	}

	// Pad/truncate the fractional part to exactly `decimals` digits.
	for len(frac) < decimals {
		frac += "0"
	}
	if len(frac) > decimals {
		// Any nonzero digit beyond `decimals` would lose precision
		// silently; reject rather than round.
		for _, c := range frac[decimals:] {
			if c != '0' {
				return BaseUnits{}, ErrTooManyFractionalDigits
			}
		}
		frac = frac[:decimals]
	}

	combined := whole + frac
	i, ok := new(big.Int).SetString(combined, 10)
	if !ok {
		return BaseUnits{}, ErrInvalidDecimal
	}
	return BaseUnits{v: i}, nil
}

// Format renders the BaseUnits as an exact decimal string with the
// given number of implied fractional digits, trimming trailing zeros
// but always leaving at least one digit before the point.
func Format(b BaseUnits, decimals int) string {
	i := b.bigOrZero()
	s := i.String()
	neg := false
	if s[0] == '-' {
		neg = true
		s = s[1:]
	}
	for len(s) <= decimals {
		s = "0" + s
	}
	whole, frac := s[:len(s)-decimals], s[len(s)-decimals:]
	frac = trimTrailingZeros(frac)
	out := whole
	if frac != "" {
		out += "." + frac
	}
	if neg {
		out = "-" + out
	}
	return out
}

func (b BaseUnits) String() string { return b.bigOrZero().String() }

// Int64 returns the value as an int64 when it fits, for logging and
// wire fields that are known to stay small (e.g. test fixtures); it is
// never used on the ledger write path.
func (b BaseUnits) Int64() (int64, bool) {
	i := b.bigOrZero()
	if !i.IsInt64() {
		return 0, false
	}
	return i.Int64(), true
}

// IsZero reports whether b is exactly zero.
func (b BaseUnits) IsZero() bool { return b.bigOrZero().Sign() == 0 }

// Cmp compares two BaseUnits, returning -1, 0 or 1.
func (b BaseUnits) Cmp(other BaseUnits) int {
	return b.bigOrZero().Cmp(other.bigOrZero())
}

// Add returns a + b. The sum of two non-negative values is always
// non-negative, so Add never fails.
func Add(a, b BaseUnits) BaseUnits {
	return BaseUnits{v: new(big.Int).Add(a.bigOrZero(), b.bigOrZero())}
}

// Sub returns a - b, or ErrNegative if the result would be negative.
func Sub(a, b BaseUnits) (BaseUnits, error) {
	r := new(big.Int).Sub(a.bigOrZero(), b.bigOrZero())
	if r.Sign() < 0 {
		return BaseUnits{}, ErrNegative
	}
	return BaseUnits{v: r}, nil
}

// Ratio is an exact non-negative rational num/den used to express a
// payout multiplier without ever involving a float in the arithmetic
// itself. Callers derive num/den from a float multiplier once, at the
// transport boundary, via RatioFromFloat.
type Ratio struct {
	Num, Den int64
}

// RatioFromFloat converts a display multiplier (e.g. 1.50) into an
// exact integer ratio with the given number of decimal places of
// precision, e.g. RatioFromFloat(1.5, 2) -> {150, 100}. This is the
// only place a float is allowed to touch money, and only to build an
// integer ratio that all subsequent arithmetic uses exactly.
func RatioFromFloat(m float64, precision int) Ratio {
	den := int64(1)
	for i := 0; i < precision; i++ {
		den *= 10
	}
	num := int64(m*float64(den) + 0.5) // nearest-integer numerator; MulByRatio still floors the final payout
	return Ratio{Num: num, Den: den}
}

// MulByRatio computes floor(amount * num / den), the exact integer
// payout computation spec.md §4.1 and §4.6 require
// (payout = round_down(stake * m(now))).
func MulByRatio(amount BaseUnits, r Ratio) (BaseUnits, error) {
	if r.Den <= 0 {
		return BaseUnits{}, fmt.Errorf("money: invalid ratio denominator %d", r.Den)
	}
	if r.Num < 0 {
		return BaseUnits{}, ErrNegative
	}
	num := new(big.Int).Mul(amount.bigOrZero(), big.NewInt(r.Num))
	q := new(big.Int).Quo(num, big.NewInt(r.Den)) // truncates toward zero == floor for non-negatives
	return BaseUnits{v: q}, nil
}

func (b BaseUnits) bigOrZero() *big.Int {
	if b.v == nil {
		return big.NewInt(0)
	}
	return b.v
}

func indexByte(s string, c byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == c {
			return i
		}
	}
	return -1
}

func isDigits(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func trimTrailingZeros(s string) string {
	i := len(s)
	for i > 0 && s[i-1] == '0' {
		i--
	}
	return s[:i]
}
