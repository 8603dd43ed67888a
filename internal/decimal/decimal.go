// Package decimal implements the 18-decimal fixed-point arithmetic used by the
// protocol contracts. Decimal is an unsigned 256-bit value; Signed is its
// signed counterpart. Every division truncates toward zero, which is what
// produces the small residuals in on-chain values such as 99999999999964800.
//
// Arithmetic that would overflow 256 bits or go below zero panics, the same
// contract sdkmath.Int offers. Callers validate inputs before doing math.
package decimal

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/holiman/uint256"
)

// Precision is the number of fractional digits carried by a Decimal.
const Precision = 18

var (
	// ErrOverflow is the panic value for results that do not fit in 256 bits.
	ErrOverflow = errors.New("decimal: overflow")
	// ErrUnderflow is the panic value for unsigned subtraction below zero.
	ErrUnderflow = errors.New("decimal: subtraction underflow")
	// ErrDivByZero is the panic value for division by zero.
	ErrDivByZero = errors.New("decimal: division by zero")
	// ErrInvalid is returned by Parse for malformed input.
	ErrInvalid = errors.New("decimal: invalid number")
)

var unit = uint256.NewInt(1_000_000_000_000_000_000)

// Decimal is an unsigned fixed-point number with 18 decimals. The zero value
// is 0 and ready to use. Decimals are immutable values.
type Decimal struct {
	v uint256.Int
}

// Zero returns 0.
func Zero() Decimal { return Decimal{} }

// One returns 1.0.
func One() Decimal { return Decimal{v: *unit} }

// New returns n as a whole number (n * 1e18).
func New(n uint64) Decimal {
	var d Decimal
	if _, overflow := d.v.MulOverflow(uint256.NewInt(n), unit); overflow {
		panic(ErrOverflow)
	}
	return d
}

// FromRaw wraps an already-scaled value: FromRaw(1) is 1e-18.
func FromRaw(raw uint64) Decimal {
	var d Decimal
	d.v.SetUint64(raw)
	return d
}

// FromUint256 wraps an already-scaled 256-bit value.
func FromUint256(x *uint256.Int) Decimal {
	var d Decimal
	d.v.Set(x)
	return d
}

// FromBig wraps an already-scaled big integer. Negative or oversized values
// are rejected.
func FromBig(x *big.Int) (Decimal, error) {
	if x == nil {
		return Decimal{}, nil
	}
	if x.Sign() < 0 {
		return Decimal{}, fmt.Errorf("%w: negative value %s", ErrInvalid, x)
	}
	v, overflow := uint256.FromBig(x)
	if overflow {
		return Decimal{}, ErrOverflow
	}
	return Decimal{v: *v}, nil
}

// MustFromBig is FromBig that panics on error.
func MustFromBig(x *big.Int) Decimal {
	d, err := FromBig(x)
	if err != nil {
		panic(err)
	}
	return d
}

// Parse reads a human-readable decimal such as "0.1", "10000" or "1.25".
// At most 18 fractional digits are accepted.
func Parse(s string) (Decimal, error) {
	s = strings.TrimSpace(strings.ReplaceAll(s, "_", ""))
	if s == "" {
		return Decimal{}, ErrInvalid
	}
	whole, frac, _ := strings.Cut(s, ".")
	if whole == "" {
		whole = "0"
	}
	if len(frac) > Precision {
		return Decimal{}, fmt.Errorf("%w: %q has more than %d fractional digits", ErrInvalid, s, Precision)
	}
	digits := whole + frac + strings.Repeat("0", Precision-len(frac))
	for _, r := range digits {
		if r < '0' || r > '9' {
			return Decimal{}, fmt.Errorf("%w: %q", ErrInvalid, s)
		}
	}
	digits = strings.TrimLeft(digits, "0")
	if digits == "" {
		return Decimal{}, nil
	}
	v, err := uint256.FromDecimal(digits)
	if err != nil {
		return Decimal{}, fmt.Errorf("%w: %q: %v", ErrInvalid, s, err)
	}
	return Decimal{v: *v}, nil
}

// MustParse is Parse that panics on error. Intended for constants.
func MustParse(s string) Decimal {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

// ParseRaw reads a base-10 integer that is already scaled by 1e18.
func ParseRaw(s string) (Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "0" {
		return Decimal{}, nil
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return Decimal{}, fmt.Errorf("%w: %q: %v", ErrInvalid, s, err)
	}
	return Decimal{v: *v}, nil
}

// FromUnits converts a token amount in its native units into a Decimal.
// USDC with 6 decimals maps 1_000_000 units to 1.0.
func FromUnits(units *big.Int, tokenDecimals uint8) (Decimal, error) {
	d, err := FromBig(units)
	if err != nil {
		return Decimal{}, err
	}
	return FromNativeUnits(&d.v, tokenDecimals), nil
}

// FromNativeUnits is FromUnits for a 256-bit amount. It panics if scaling up
// to 18 decimals overflows.
func FromNativeUnits(units *uint256.Int, tokenDecimals uint8) Decimal {
	d := FromUint256(units)
	switch {
	case tokenDecimals == Precision:
		return d
	case tokenDecimals < Precision:
		return d.mulPow10(Precision - int(tokenDecimals))
	default:
		return d.divPow10(int(tokenDecimals) - Precision)
	}
}

// ToUnits converts the value into native token units, truncating digits the
// token cannot represent.
func (d Decimal) ToUnits(tokenDecimals uint8) *big.Int {
	return d.NativeUnits(tokenDecimals).ToBig()
}

// NativeUnits is ToUnits as a 256-bit value.
func (d Decimal) NativeUnits(tokenDecimals uint8) *uint256.Int {
	switch {
	case tokenDecimals == Precision:
		return d.Raw()
	case tokenDecimals < Precision:
		return d.divPow10(Precision - int(tokenDecimals)).Raw()
	default:
		return d.mulPow10(int(tokenDecimals) - Precision).Raw()
	}
}

func pow10(n int) *uint256.Int {
	return new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(uint64(n)))
}

func (d Decimal) mulPow10(n int) Decimal {
	var out Decimal
	if _, overflow := out.v.MulOverflow(&d.v, pow10(n)); overflow {
		panic(ErrOverflow)
	}
	return out
}

func (d Decimal) divPow10(n int) Decimal {
	var out Decimal
	out.v.Div(&d.v, pow10(n))
	return out
}

// Raw returns a copy of the scaled 256-bit value.
func (d Decimal) Raw() *uint256.Int { return d.v.Clone() }

// Big returns the scaled value as a big integer.
func (d Decimal) Big() *big.Int { return d.v.ToBig() }

// IsZero reports whether d == 0.
func (d Decimal) IsZero() bool { return d.v.IsZero() }

// Cmp compares d and x and returns -1, 0 or +1.
func (d Decimal) Cmp(x Decimal) int { return d.v.Cmp(&x.v) }

// Equal reports whether d == x.
func (d Decimal) Equal(x Decimal) bool { return d.v.Eq(&x.v) }

// LT reports whether d < x.
func (d Decimal) LT(x Decimal) bool { return d.v.Lt(&x.v) }

// GT reports whether d > x.
func (d Decimal) GT(x Decimal) bool { return d.v.Gt(&x.v) }

// Add returns d + x.
func (d Decimal) Add(x Decimal) Decimal {
	var out Decimal
	if _, overflow := out.v.AddOverflow(&d.v, &x.v); overflow {
		panic(ErrOverflow)
	}
	return out
}

// Sub returns d - x and panics if x > d.
func (d Decimal) Sub(x Decimal) Decimal {
	var out Decimal
	if _, underflow := out.v.SubOverflow(&d.v, &x.v); underflow {
		panic(ErrUnderflow)
	}
	return out
}

// MulD returns d * x / 1e18.
func (d Decimal) MulD(x Decimal) Decimal {
	var out Decimal
	if _, overflow := out.v.MulDivOverflow(&d.v, &x.v, unit); overflow {
		panic(ErrOverflow)
	}
	return out
}

// DivD returns d * 1e18 / x.
func (d Decimal) DivD(x Decimal) Decimal {
	if x.IsZero() {
		panic(ErrDivByZero)
	}
	var out Decimal
	if _, overflow := out.v.MulDivOverflow(&d.v, unit, &x.v); overflow {
		panic(ErrOverflow)
	}
	return out
}

// ModD returns (d * 1e18) mod x, the remainder discarded by DivD.
func (d Decimal) ModD(x Decimal) Decimal {
	if x.IsZero() {
		panic(ErrDivByZero)
	}
	var out Decimal
	out.v.MulMod(&d.v, unit, &x.v)
	return out
}

// MulScalar returns d * n without rescaling.
func (d Decimal) MulScalar(n uint64) Decimal {
	var out Decimal
	if _, overflow := out.v.MulOverflow(&d.v, uint256.NewInt(n)); overflow {
		panic(ErrOverflow)
	}
	return out
}

// DivScalar returns d / n without rescaling.
func (d Decimal) DivScalar(n uint64) Decimal {
	if n == 0 {
		panic(ErrDivByZero)
	}
	var out Decimal
	out.v.Div(&d.v, uint256.NewInt(n))
	return out
}

// Min returns the smaller of a and b.
func Min(a, b Decimal) Decimal {
	if a.LT(b) {
		return a
	}
	return b
}

// Max returns the larger of a and b.
func Max(a, b Decimal) Decimal {
	if a.GT(b) {
		return a
	}
	return b
}

// String returns the scaled integer in base 10, e.g. "100000000000000000"
// for 0.1. This is the form stored and exchanged over the wire.
func (d Decimal) String() string { return d.v.Dec() }

// Format renders the value with its decimal point, trimming trailing zeros:
// "0.1", "10000", "1.25".
func (d Decimal) Format() string {
	return formatScaled(d.v.Dec(), false)
}

func formatScaled(digits string, negative bool) string {
	if len(digits) <= Precision {
		digits = strings.Repeat("0", Precision-len(digits)+1) + digits
	}
	whole := digits[:len(digits)-Precision]
	frac := strings.TrimRight(digits[len(digits)-Precision:], "0")
	out := whole
	if frac != "" {
		out += "." + frac
	}
	if negative && out != "0" {
		out = "-" + out
	}
	return out
}

// MarshalText encodes the scaled integer in base 10.
func (d Decimal) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

// UnmarshalText decodes a base-10 scaled integer.
func (d *Decimal) UnmarshalText(text []byte) error {
	v, err := ParseRaw(string(text))
	if err != nil {
		return err
	}
	*d = v
	return nil
}
