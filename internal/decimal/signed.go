package decimal

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/holiman/uint256"
)

// signBit is 2^255, the magnitude of the smallest int256.
var signBit = new(uint256.Int).Lsh(uint256.NewInt(1), 255)

// Signed is a signed 18-decimal fixed-point number held as a two's-complement
// int256. The zero value is 0. Position sizes, PnL and funding fractions are
// Signed. Results outside the int256 range panic with ErrOverflow.
type Signed struct {
	v uint256.Int
}

// SignedFrom lifts an unsigned Decimal. Values at or above 2^255 panic.
func SignedFrom(d Decimal) Signed {
	return fromMagnitude(&d.v, false)
}

// NewSigned returns n as a whole number.
func NewSigned(n int64) Signed {
	return fromMagnitude(new(uint256.Int).Mul(magnitude64(n), unit), n < 0)
}

// SignedFromBig wraps an already-scaled big integer.
func SignedFromBig(x *big.Int) Signed {
	if x == nil {
		return Signed{}
	}
	mag, overflow := uint256.FromBig(new(big.Int).Abs(x))
	if overflow {
		panic(ErrOverflow)
	}
	return fromMagnitude(mag, x.Sign() < 0)
}

// ParseSigned reads a human-readable signed decimal such as "-0.5".
func ParseSigned(s string) (Signed, error) {
	s = strings.TrimSpace(s)
	neg := strings.HasPrefix(s, "-")
	d, err := Parse(strings.TrimPrefix(s, "-"))
	if err != nil {
		return Signed{}, err
	}
	return checkedMagnitude(&d.v, neg)
}

// fromMagnitude applies a sign to an absolute value, panicking when the
// result does not fit in int256.
func fromMagnitude(mag *uint256.Int, negative bool) Signed {
	s, err := checkedMagnitude(mag, negative)
	if err != nil {
		panic(err)
	}
	return s
}

func checkedMagnitude(mag *uint256.Int, negative bool) (Signed, error) {
	var s Signed
	if negative {
		if mag.Gt(signBit) {
			return Signed{}, ErrOverflow
		}
		s.v.Neg(mag)
		return s, nil
	}
	if !mag.Lt(signBit) {
		return Signed{}, ErrOverflow
	}
	s.v.Set(mag)
	return s, nil
}

func magnitude64(n int64) *uint256.Int {
	if n < 0 {
		// -n overflows for MinInt64, the uint64 conversion does not.
		return uint256.NewInt(uint64(^n) + 1)
	}
	return uint256.NewInt(uint64(n))
}

// magnitude returns |s| as an unsigned 256-bit value. |MinInt256| is 2^255.
func (s Signed) magnitude() *uint256.Int { return new(uint256.Int).Abs(&s.v) }

// Big returns the scaled value as a big integer.
func (s Signed) Big() *big.Int {
	b := s.magnitude().ToBig()
	if s.IsNegative() {
		b.Neg(b)
	}
	return b
}

// Sign returns -1, 0 or +1.
func (s Signed) Sign() int { return s.v.Sign() }

// IsZero reports whether s == 0.
func (s Signed) IsZero() bool { return s.v.IsZero() }

// IsNegative reports whether s < 0.
func (s Signed) IsNegative() bool { return s.v.Sign() < 0 }

// Cmp compares s and x.
func (s Signed) Cmp(x Signed) int {
	switch {
	case s.v.Slt(&x.v):
		return -1
	case s.v.Sgt(&x.v):
		return 1
	default:
		return 0
	}
}

// Add returns s + x.
func (s Signed) Add(x Signed) Signed {
	var out Signed
	out.v.Add(&s.v, &x.v)
	// Same-signed operands whose sum flips sign wrapped around.
	if s.IsNegative() == x.IsNegative() && out.IsNegative() != s.IsNegative() {
		panic(ErrOverflow)
	}
	return out
}

// Sub returns s - x.
func (s Signed) Sub(x Signed) Signed {
	var out Signed
	out.v.Sub(&s.v, &x.v)
	if s.IsNegative() != x.IsNegative() && out.IsNegative() != s.IsNegative() {
		panic(ErrOverflow)
	}
	return out
}

// AddD returns s + x for an unsigned x.
func (s Signed) AddD(x Decimal) Signed { return s.Add(SignedFrom(x)) }

// SubD returns s - x for an unsigned x.
func (s Signed) SubD(x Decimal) Signed { return s.Sub(SignedFrom(x)) }

// Neg returns -s. Negating the smallest int256 panics.
func (s Signed) Neg() Signed {
	if s.v.Eq(signBit) {
		panic(ErrOverflow)
	}
	var out Signed
	out.v.Neg(&s.v)
	return out
}

// Abs returns |s| as an unsigned Decimal.
func (s Signed) Abs() Decimal { return Decimal{v: *s.magnitude()} }

// MulD returns s * x / 1e18, truncated toward zero.
func (s Signed) MulD(x Signed) Signed {
	mag, overflow := new(uint256.Int).MulDivOverflow(s.magnitude(), x.magnitude(), unit)
	if overflow {
		panic(ErrOverflow)
	}
	return fromMagnitude(mag, s.IsNegative() != x.IsNegative())
}

// DivD returns s * 1e18 / x, truncated toward zero.
func (s Signed) DivD(x Signed) Signed {
	if x.IsZero() {
		panic(ErrDivByZero)
	}
	mag, overflow := new(uint256.Int).MulDivOverflow(s.magnitude(), unit, x.magnitude())
	if overflow {
		panic(ErrOverflow)
	}
	return fromMagnitude(mag, s.IsNegative() != x.IsNegative())
}

// MulScalar returns s * n without rescaling.
func (s Signed) MulScalar(n int64) Signed {
	mag, overflow := new(uint256.Int).MulOverflow(s.magnitude(), magnitude64(n))
	if overflow {
		panic(ErrOverflow)
	}
	return fromMagnitude(mag, s.IsNegative() != (n < 0))
}

// DivScalar returns s / n without rescaling, truncated toward zero.
func (s Signed) DivScalar(n int64) Signed {
	if n == 0 {
		panic(ErrDivByZero)
	}
	if n == -1 {
		return s.Neg()
	}
	d := magnitude64(n)
	if n < 0 {
		d.Neg(d)
	}
	var out Signed
	out.v.SDiv(&s.v, d)
	return out
}

// Decimal converts a non-negative value to Decimal. It panics on negatives.
func (s Signed) Decimal() Decimal {
	if s.IsNegative() {
		panic(ErrUnderflow)
	}
	return Decimal{v: s.v}
}

// String returns the scaled integer in base 10.
func (s Signed) String() string {
	if s.IsNegative() {
		return "-" + s.magnitude().Dec()
	}
	return s.v.Dec()
}

// Format renders the value with a decimal point, e.g. "-0.5".
func (s Signed) Format() string {
	return formatScaled(s.magnitude().Dec(), s.IsNegative())
}

// MarshalText encodes the scaled integer in base 10.
func (s Signed) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText decodes a base-10 scaled integer.
func (s *Signed) UnmarshalText(text []byte) error {
	str := strings.TrimSpace(string(text))
	neg := strings.HasPrefix(str, "-")
	str = strings.TrimPrefix(str, "-")
	mag := new(uint256.Int)
	if str != "0" {
		v, err := uint256.FromDecimal(str)
		if err != nil {
			return fmt.Errorf("%w: %q", ErrInvalid, text)
		}
		mag = v
	}
	out, err := checkedMagnitude(mag, neg)
	if err != nil {
		return fmt.Errorf("%w: %q", err, text)
	}
	*s = out
	return nil
}
