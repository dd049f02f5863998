package ray

import (
	"fmt"
	"math/big"
)

// Ray is a 27-fractional-digit fixed-point number backed by big.Int.
// All market indices and rate fractions use this representation.
// Values are immutable: every operation returns a fresh Ray.
type Ray struct {
	v *big.Int
}

// Unit is 10^27, the scale factor of one ray.
var unitInt = new(big.Int).Exp(big.NewInt(10), big.NewInt(27), nil)

var (
	Zero = Ray{v: big.NewInt(0)}
	Unit = Ray{v: new(big.Int).Set(unitInt)}
)

// FromBig wraps an existing big.Int as a Ray. The input is copied.
func FromBig(v *big.Int) Ray {
	return Ray{v: new(big.Int).Set(v)}
}

// FromInt64 builds a ray-scaled value from a raw (already scaled) int64.
func FromInt64(v int64) Ray {
	return Ray{v: big.NewInt(v)}
}

// FromUnits builds the ray representation of the integer n (n * 10^27).
func FromUnits(n int64) Ray {
	return Ray{v: new(big.Int).Mul(big.NewInt(n), unitInt)}
}

// FromFraction builds num/den as a ray, flooring toward zero.
// Panics on a zero denominator: fraction parameters are validated at the
// administrative boundary before they reach arithmetic.
func FromFraction(num, den int64) Ray {
	if den == 0 {
		panic("ray: FromFraction zero denominator")
	}
	r := new(big.Int).Mul(big.NewInt(num), unitInt)
	return Ray{v: r.Quo(r, big.NewInt(den))}
}

// MustParse parses a decimal string like "1.02" into a Ray.
// Intended for tests and configuration defaults; panics on malformed input.
func MustParse(s string) Ray {
	r, ok := parseDecimal(s)
	if !ok {
		panic(fmt.Sprintf("ray: malformed decimal %q", s))
	}
	return r
}

// Parse parses a decimal string into a Ray, for untrusted inputs such as
// administrative events.
func Parse(s string) (Ray, error) {
	r, ok := parseDecimal(s)
	if !ok {
		return Ray{}, fmt.Errorf("ray: malformed decimal %q", s)
	}
	return r, nil
}

func parseDecimal(s string) (Ray, bool) {
	intPart := s
	fracPart := ""
	for i := 0; i < len(s); i++ {
		if s[i] == '.' {
			intPart = s[:i]
			fracPart = s[i+1:]
			break
		}
	}
	if len(fracPart) > 27 {
		fracPart = fracPart[:27]
	}
	// Right-pad the fractional part to 27 digits.
	for len(fracPart) < 27 {
		fracPart += "0"
	}
	whole, ok := new(big.Int).SetString(intPart, 10)
	if !ok {
		return Ray{}, false
	}
	frac, ok := new(big.Int).SetString(fracPart, 10)
	if !ok {
		return Ray{}, false
	}
	v := new(big.Int).Mul(whole, unitInt)
	if whole.Sign() < 0 {
		v.Sub(v, frac)
	} else {
		v.Add(v, frac)
	}
	return Ray{v: v}, true
}

// Big returns a copy of the underlying ray-scaled integer.
func (r Ray) Big() *big.Int {
	if r.v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(r.v)
}

func (r Ray) raw() *big.Int {
	if r.v == nil {
		return big.NewInt(0)
	}
	return r.v
}

// Mul returns floor(r * o / 10^27).
func (r Ray) Mul(o Ray) Ray {
	p := new(big.Int).Mul(r.raw(), o.raw())
	return Ray{v: p.Quo(p, unitInt)}
}

// Div returns floor(r * 10^27 / o).
// Panics on a zero divisor: indices are validated non-zero before any
// conversion, so a zero here is a programming error, not an input error.
func (r Ray) Div(o Ray) Ray {
	if o.raw().Sign() == 0 {
		panic("ray: division by zero")
	}
	p := new(big.Int).Mul(r.raw(), unitInt)
	return Ray{v: p.Quo(p, o.raw())}
}

func (r Ray) Add(o Ray) Ray {
	return Ray{v: new(big.Int).Add(r.raw(), o.raw())}
}

func (r Ray) Sub(o Ray) Ray {
	return Ray{v: new(big.Int).Sub(r.raw(), o.raw())}
}

// Cmp returns -1, 0, or +1 comparing r to o.
func (r Ray) Cmp(o Ray) int {
	return r.raw().Cmp(o.raw())
}

func (r Ray) Sign() int {
	return r.raw().Sign()
}

func (r Ray) IsZero() bool {
	return r.raw().Sign() == 0
}

// Min returns the smaller of r and o.
func (r Ray) Min(o Ray) Ray {
	if r.Cmp(o) <= 0 {
		return r
	}
	return o
}

// Complement returns 1 - r (for fractions in [0, 1]).
func (r Ray) Complement() Ray {
	return Ray{v: new(big.Int).Sub(unitInt, r.raw())}
}

// IsFraction reports whether r lies in [0, 1].
func (r Ray) IsFraction() bool {
	return r.raw().Sign() >= 0 && r.raw().Cmp(unitInt) <= 0
}

// MulInt returns floor(a * r / 10^27): converts a scaled balance to
// underlying-asset units against the index r.
func (r Ray) MulInt(a *big.Int) *big.Int {
	p := new(big.Int).Mul(a, r.raw())
	return p.Quo(p, unitInt)
}

// DivInt returns floor(a * 10^27 / r): converts an underlying-asset amount
// to scaled units against the index r. Panics on a zero index.
func (r Ray) DivInt(a *big.Int) *big.Int {
	if r.raw().Sign() == 0 {
		panic("ray: DivInt by zero index")
	}
	p := new(big.Int).Mul(a, unitInt)
	return p.Quo(p, r.raw())
}

// Float64 returns an approximate float value. Metrics only; never used in
// accounting arithmetic.
func (r Ray) Float64() float64 {
	f, _ := new(big.Float).Quo(
		new(big.Float).SetInt(r.raw()),
		new(big.Float).SetInt(unitInt),
	).Float64()
	return f
}

// String renders the ray as a decimal with up to 27 fractional digits,
// trailing zeros trimmed.
func (r Ray) String() string {
	v := r.raw()
	neg := v.Sign() < 0
	abs := new(big.Int).Abs(v)
	whole, frac := new(big.Int).QuoRem(abs, unitInt, new(big.Int))

	s := whole.String()
	if frac.Sign() != 0 {
		fs := fmt.Sprintf("%027s", frac.String())
		// Trim trailing zeros.
		end := len(fs)
		for end > 0 && fs[end-1] == '0' {
			end--
		}
		s = s + "." + fs[:end]
	}
	if neg {
		s = "-" + s
	}
	return s
}
