// Package perps implements a perpetual-futures risk and settlement engine:
// margin accounting, AMM inventory rebalancing, funding, trade execution,
// liquidation and emergency settlement for pools of perpetual contracts.
package perps

import (
	"fmt"
	"math"
	"math/big"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// Dec64 is a signed 64.64 fixed-point number. All engine math runs on this
// type; float64 appears only in test oracles and display helpers. The value
// is kept sign-extended in a 256-bit two's-complement word so that products
// and shifted quotients never truncate intermediate bits.
type Dec64 struct {
	v uint256.Int
}

const dec64FracBits = 64

var (
	dec64One  = DecFromInt(1)
	dec64Two  = DecFromInt(2)
	dec64Half = DecFromRatio(1, 2)
	dec64Zero = Dec64{}

	// ln(2) and log2(e) as 64.64 words (hex expansions of the constants).
	dec64Ln2   = decFromRaw(0xB17217F7D1CF79AB, false)
	dec64Log2E = decFromRawHiLo(1, 0x71547652B82FE177, false)

	// 2^(2^-(k+1)) in Q128, k = 0..63, built by repeated integer sqrt.
	exp2Chain [64]*uint256.Int
)

func init() {
	// c[0] = sqrt(2)*2^128, c[k+1] = sqrt(c[k]*2^128).
	c := new(big.Int).Lsh(big.NewInt(1), 257) // 2 * 2^256
	for k := 0; k < 64; k++ {
		c.Sqrt(c)
		u, overflow := uint256.FromBig(c)
		if overflow {
			panic("perps: exp2 chain overflow")
		}
		exp2Chain[k] = u
		c.Lsh(c, 128)
	}
}

func decFromRaw(lo uint64, neg bool) Dec64 {
	var d Dec64
	d.v.SetUint64(lo)
	if neg {
		d.v.Neg(&d.v)
	}
	return d
}

func decFromRawHiLo(hi, lo uint64, neg bool) Dec64 {
	var d Dec64
	d.v.SetUint64(hi)
	d.v.Lsh(&d.v, 64)
	var l uint256.Int
	l.SetUint64(lo)
	d.v.Or(&d.v, &l)
	if neg {
		d.v.Neg(&d.v)
	}
	return d
}

// DecFromInt converts an integer to 64.64.
func DecFromInt(n int64) Dec64 {
	var d Dec64
	neg := n < 0
	if neg {
		n = -n
	}
	d.v.SetUint64(uint64(n))
	d.v.Lsh(&d.v, dec64FracBits)
	if neg {
		d.v.Neg(&d.v)
	}
	return d
}

// DecFromRatio converts the rational num/den to 64.64, truncating toward zero.
func DecFromRatio(num, den int64) Dec64 {
	return DecFromInt(num).Div(DecFromInt(den))
}

// DecFromDecimal converts a decimal amount to 64.64, truncating sub-2^-64
// digits. This is the deterministic constructor used for configuration and
// ledger-boundary values.
func DecFromDecimal(d decimal.Decimal) Dec64 {
	scale := new(big.Int).Lsh(big.NewInt(1), dec64FracBits)
	scaled := decimal.NewFromBigInt(scale, 0)
	raw := d.Mul(scaled).BigInt()
	neg := raw.Sign() < 0
	if neg {
		raw.Neg(raw)
	}
	u, overflow := uint256.FromBig(raw)
	if overflow {
		panic("perps: decimal out of 64.64 range")
	}
	var out Dec64
	out.v.Set(u)
	if neg {
		out.v.Neg(&out.v)
	}
	return out
}

// MustDec parses a decimal literal ("0.0001") to 64.64, panicking on bad
// input. Intended for parameter tables and test fixtures.
func MustDec(s string) Dec64 {
	return DecFromDecimal(decimal.RequireFromString(s))
}

// DecFromFloat converts a float64 to 64.64. Test-oracle use only.
func DecFromFloat(f float64) Dec64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		panic("perps: non-finite float")
	}
	bf := new(big.Float).SetPrec(128).SetFloat64(f)
	bf.Mul(bf, new(big.Float).SetPrec(128).SetInt(new(big.Int).Lsh(big.NewInt(1), dec64FracBits)))
	raw, _ := bf.Int(nil)
	neg := raw.Sign() < 0
	if neg {
		raw.Neg(raw)
	}
	u, overflow := uint256.FromBig(raw)
	if overflow {
		panic("perps: float out of 64.64 range")
	}
	var out Dec64
	out.v.Set(u)
	if neg {
		out.v.Neg(&out.v)
	}
	return out
}

// Float64 converts to float64 for test oracles and logging.
func (d Dec64) Float64() float64 {
	var abs uint256.Int
	abs.Abs(&d.v)
	bf := new(big.Float).SetPrec(128).SetInt(abs.ToBig())
	bf.Quo(bf, new(big.Float).SetPrec(128).SetInt(new(big.Int).Lsh(big.NewInt(1), dec64FracBits)))
	f, _ := bf.Float64()
	if d.v.Sign() < 0 {
		return -f
	}
	return f
}

// Decimal converts to a shopspring decimal for the ledger boundary.
func (d Dec64) Decimal() decimal.Decimal {
	var abs uint256.Int
	abs.Abs(&d.v)
	num := decimal.NewFromBigInt(abs.ToBig(), 0)
	den := decimal.NewFromBigInt(new(big.Int).Lsh(big.NewInt(1), dec64FracBits), 0)
	out := num.DivRound(den, 24)
	if d.v.Sign() < 0 {
		out = out.Neg()
	}
	return out
}

func (d Dec64) String() string {
	return d.Decimal().String()
}

// MarshalJSON encodes the value as a decimal string.
func (d Dec64) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

// UnmarshalJSON decodes a decimal string.
func (d *Dec64) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' {
		s = s[1 : len(s)-1]
	}
	dec, err := decimal.NewFromString(s)
	if err != nil {
		return fmt.Errorf("parse 64.64 value: %w", err)
	}
	*d = DecFromDecimal(dec)
	return nil
}

// Sign returns -1, 0 or +1.
func (d Dec64) Sign() int { return d.v.Sign() }

// IsZero reports whether the value is exactly zero.
func (d Dec64) IsZero() bool { return d.v.IsZero() }

// Neg returns -d.
func (d Dec64) Neg() Dec64 {
	var out Dec64
	out.v.Neg(&d.v)
	return out
}

// Abs returns |d|.
func (d Dec64) Abs() Dec64 {
	var out Dec64
	out.v.Abs(&d.v)
	return out
}

// Add returns d + o.
func (d Dec64) Add(o Dec64) Dec64 {
	var out Dec64
	out.v.Add(&d.v, &o.v)
	checkRange(&out.v)
	return out
}

// Sub returns d - o.
func (d Dec64) Sub(o Dec64) Dec64 {
	var out Dec64
	out.v.Sub(&d.v, &o.v)
	checkRange(&out.v)
	return out
}

// Mul returns d * o, truncating toward zero.
func (d Dec64) Mul(o Dec64) Dec64 {
	neg := (d.v.Sign() < 0) != (o.v.Sign() < 0)
	var a, b, p uint256.Int
	a.Abs(&d.v)
	b.Abs(&o.v)
	p.Mul(&a, &b)
	p.Rsh(&p, dec64FracBits)
	return signed(&p, neg)
}

// Div returns d / o, truncating toward zero. Panics on zero divisor.
func (d Dec64) Div(o Dec64) Dec64 {
	if o.v.IsZero() {
		panic("perps: division by zero")
	}
	neg := (d.v.Sign() < 0) != (o.v.Sign() < 0)
	var a, b, q uint256.Int
	a.Abs(&d.v)
	a.Lsh(&a, dec64FracBits)
	b.Abs(&o.v)
	q.Div(&a, &b)
	return signed(&q, neg)
}

// Cmp returns -1, 0 or +1 comparing d against o.
func (d Dec64) Cmp(o Dec64) int {
	if d.v.Eq(&o.v) {
		return 0
	}
	if d.v.Slt(&o.v) {
		return -1
	}
	return 1
}

// Lt reports d < o.
func (d Dec64) Lt(o Dec64) bool { return d.v.Slt(&o.v) }

// Gt reports d > o.
func (d Dec64) Gt(o Dec64) bool { return d.v.Sgt(&o.v) }

// Lte reports d <= o.
func (d Dec64) Lte(o Dec64) bool { return !d.v.Sgt(&o.v) }

// Gte reports d >= o.
func (d Dec64) Gte(o Dec64) bool { return !d.v.Slt(&o.v) }

// Min returns the smaller of d and o.
func (d Dec64) Min(o Dec64) Dec64 {
	if d.Lt(o) {
		return d
	}
	return o
}

// Max returns the larger of d and o.
func (d Dec64) Max(o Dec64) Dec64 {
	if d.Gt(o) {
		return d
	}
	return o
}

// IntPart returns the integer part, truncated toward zero.
func (d Dec64) IntPart() int64 {
	var abs uint256.Int
	abs.Abs(&d.v)
	abs.Rsh(&abs, dec64FracBits)
	n := int64(abs.Uint64())
	if d.v.Sign() < 0 {
		return -n
	}
	return n
}

func signed(mag *uint256.Int, neg bool) Dec64 {
	magnitudeCheck(mag)
	var out Dec64
	out.v.Set(mag)
	if neg && !mag.IsZero() {
		out.v.Neg(&out.v)
	}
	return out
}

func magnitudeCheck(mag *uint256.Int) *uint256.Int {
	if mag.BitLen() > 127 {
		panic("perps: 64.64 overflow")
	}
	return mag
}

func checkRange(v *uint256.Int) {
	var abs uint256.Int
	abs.Abs(v)
	if abs.BitLen() > 127 {
		panic("perps: 64.64 overflow")
	}
}

// Sqrt returns the square root of a non-negative value.
func (d Dec64) Sqrt() Dec64 {
	if d.v.Sign() < 0 {
		panic("perps: sqrt of negative value")
	}
	var x uint256.Int
	x.Lsh(&d.v, dec64FracBits)
	var out Dec64
	out.v.Sqrt(&x)
	return out
}

// Log2 returns the binary logarithm of a positive value.
func (d Dec64) Log2() Dec64 {
	if d.v.Sign() <= 0 {
		panic("perps: log of non-positive value")
	}
	msb := d.v.BitLen() - 1
	intPart := int64(msb - dec64FracBits)

	// Normalize the mantissa to [2^127, 2^128) and extract one fractional
	// bit per squaring, the ABDK binary-log iteration.
	var ux uint256.Int
	if shift := 127 - msb; shift >= 0 {
		ux.Lsh(&d.v, uint(shift))
	} else {
		ux.Rsh(&d.v, uint(-shift))
	}
	var frac uint64
	for bit := uint64(1) << 63; bit > 0; bit >>= 1 {
		ux.Mul(&ux, &ux)
		if ux.BitLen() == 256 {
			ux.Rsh(&ux, 128)
			frac |= bit
		} else {
			ux.Rsh(&ux, 127)
		}
	}
	return DecFromInt(intPart).Add(decFromRaw(frac, false))
}

// Ln returns the natural logarithm of a positive value.
func (d Dec64) Ln() Dec64 {
	return d.Log2().Mul(dec64Ln2)
}

// Exp2 returns 2^d. Values below -64 underflow to zero; values at or above
// 64 overflow the representable range and panic.
func (d Dec64) Exp2() Dec64 {
	if d.Lt(DecFromInt(-64)) {
		return Dec64{}
	}
	if d.Gte(DecFromInt(64)) {
		panic("perps: exp2 overflow")
	}
	// Split into integer and fractional bits (floor semantics).
	var w uint256.Int
	w.SRsh(&d.v, dec64FracBits)
	intPart := int64(w.Uint64()) // sign-extended above, fits in int8 range here
	if w.Sign() < 0 {
		var abs uint256.Int
		abs.Abs(&w)
		intPart = -int64(abs.Uint64())
	}
	var fracWord uint256.Int
	fracWord.Lsh(&w, dec64FracBits)
	fracWord.Sub(&d.v, &fracWord)
	frac := fracWord.Uint64()

	// Multiply the Q127 seed by 2^(2^-k) for every set fractional bit.
	result := new(uint256.Int).Lsh(uint256.NewInt(1), 127)
	for k := 0; k < 64; k++ {
		if frac&(uint64(1)<<(63-k)) != 0 {
			result.Mul(result, exp2Chain[k])
			result.Rsh(result, 128)
		}
	}
	shift := 63 - intPart
	if shift < 0 {
		panic("perps: exp2 overflow")
	}
	result.Rsh(result, uint(shift))
	var out Dec64
	out.v.Set(magnitudeCheck(result))
	return out
}

// Exp returns e^d.
func (d Dec64) Exp() Dec64 {
	return d.Mul(dec64Log2E).Exp2()
}

// RoundToLot rounds to the nearest multiple of lot, half away from zero.
// The sign of the value is preserved.
func (d Dec64) RoundToLot(lot Dec64) Dec64 {
	if lot.Sign() <= 0 {
		panic("perps: non-positive lot size")
	}
	neg := d.Sign() < 0
	q := d.Abs().Div(lot)
	rounded := DecFromInt(q.Add(dec64Half).IntPart()).Mul(lot)
	if neg {
		return rounded.Neg()
	}
	return rounded
}

// GrowToLot rounds the magnitude up to the next multiple of lot, preserving
// sign. Used for liquidation amounts, which must never under-close.
func (d Dec64) GrowToLot(lot Dec64) Dec64 {
	if lot.Sign() <= 0 {
		panic("perps: non-positive lot size")
	}
	neg := d.Sign() < 0
	q := d.Abs().Div(lot)
	n := q.IntPart()
	if !DecFromInt(n).Mul(lot).Gte(d.Abs()) {
		n++
	}
	out := DecFromInt(n).Mul(lot)
	if neg {
		return out.Neg()
	}
	return out
}

// normCDF is the standard normal CDF in 64.64, evaluated with the
// Abramowitz-Stegun 26.2.17 polynomial (absolute error below 1e-7, the
// tolerance the settlement math was calibrated against).
var (
	cdfP  = MustDec("0.2316419")
	cdfB1 = MustDec("0.319381530")
	cdfB2 = MustDec("-0.356563782")
	cdfB3 = MustDec("1.781477937")
	cdfB4 = MustDec("-1.821255978")
	cdfB5 = MustDec("1.330274429")
	// 1/sqrt(2*pi)
	cdfInvSqrt2Pi = MustDec("0.3989422804014327")
	cdfCut        = DecFromInt(6)
)

func normCDF(x Dec64) Dec64 {
	if x.Lt(cdfCut.Neg()) {
		return Dec64{}
	}
	if x.Gt(cdfCut) {
		return dec64One
	}
	ax := x.Abs()
	t := dec64One.Div(dec64One.Add(cdfP.Mul(ax)))
	// Horner over b5..b1.
	poly := cdfB5
	poly = poly.Mul(t).Add(cdfB4)
	poly = poly.Mul(t).Add(cdfB3)
	poly = poly.Mul(t).Add(cdfB2)
	poly = poly.Mul(t).Add(cdfB1)
	poly = poly.Mul(t)
	pdf := cdfInvSqrt2Pi.Mul(ax.Mul(ax).Div(dec64Two).Neg().Exp())
	tail := pdf.Mul(poly)
	if x.Sign() < 0 {
		return tail
	}
	return dec64One.Sub(tail)
}
