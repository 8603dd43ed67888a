package decimal

import (
	"encoding/json"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"0.1", "100000000000000000"},
		{"10000", "10000000000000000000000"},
		{"1.25", "1250000000000000000"},
		{".5", "500000000000000000"},
		{"0", "0"},
		{"1_000", "1000000000000000000000"},
	}
	for _, tt := range tests {
		d, err := Parse(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, d.String(), tt.in)
	}

	for _, bad := range []string{"", "-1", "1.0000000000000000001", "1e18", "abc"} {
		_, err := Parse(bad)
		assert.ErrorIs(t, err, ErrInvalid, bad)
	}
}

func TestMulDivTruncate(t *testing.T) {
	rate := One()
	supply := New(10 * 86400)

	perToken := rate.DivD(supply)
	assert.Equal(t, "1157407407407", perToken.String())
	assert.Equal(t, "24999999999991200", perToken.MulScalar(86400/4).String())

	assert.Equal(t, "2", New(4).MulD(MustParse("0.5")).Format())
	assert.False(t, New(1).ModD(New(3)).IsZero())
}

func TestDivDUsesFullPrecision(t *testing.T) {
	huge := MustFromBig(new(big.Int).Exp(big.NewInt(10), big.NewInt(60), nil))
	got := huge.DivD(New(1))
	assert.Equal(t, huge.String(), got.String())
}

func TestSubUnderflowPanics(t *testing.T) {
	assert.PanicsWithValue(t, ErrUnderflow, func() { New(1).Sub(New(2)) })
	assert.PanicsWithValue(t, ErrDivByZero, func() { New(1).DivD(Zero()) })
}

func TestUnits(t *testing.T) {
	d := MustParse("97.959183673469388145")
	assert.Equal(t, "97959183", d.ToUnits(6).String())

	back, err := FromUnits(big.NewInt(600_000_000), 6)
	require.NoError(t, err)
	assert.Equal(t, "600", back.Format())
}

func TestSignedTruncatesTowardZero(t *testing.T) {
	a := NewSigned(-10)
	got := a.DivD(NewSigned(3))
	assert.Equal(t, "-3333333333333333333", got.String())
	assert.Equal(t, "-3.333333333333333333", got.Format())
	assert.Equal(t, "10", a.Abs().Format())

	m := SignedFromBig(big.NewInt(-7)).MulD(SignedFrom(MustParse("0.5")))
	assert.Equal(t, "-3", m.String())
}

func TestSignedStaysInsideInt256(t *testing.T) {
	maxBig := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 255), big.NewInt(1))
	minBig := new(big.Int).Neg(new(big.Int).Lsh(big.NewInt(1), 255))
	maxS, minS := SignedFromBig(maxBig), SignedFromBig(minBig)
	tiny := SignedFromBig(big.NewInt(1))

	assert.Equal(t, maxBig.String(), maxS.String())
	assert.Equal(t, minBig.String(), minS.String())
	assert.Equal(t, 0, minBig.Cmp(minS.Big()))
	assert.Equal(t, -1, minS.Cmp(maxS))
	assert.Equal(t, 1, tiny.Cmp(tiny.Neg()))
	assert.Equal(t, maxBig.String(), maxS.Decimal().String())
	assert.Equal(t, new(big.Int).Neg(minBig).String(), minS.Abs().String())

	assert.Equal(t, "-1", minS.Add(maxS).String())
	assert.PanicsWithValue(t, ErrOverflow, func() { maxS.Add(tiny) })
	assert.PanicsWithValue(t, ErrOverflow, func() { minS.Sub(tiny) })
	assert.PanicsWithValue(t, ErrOverflow, func() { minS.Add(tiny.Neg()) })
	assert.PanicsWithValue(t, ErrOverflow, func() { maxS.Sub(tiny.Neg()) })
	assert.PanicsWithValue(t, ErrOverflow, func() { minS.Neg() })
	assert.PanicsWithValue(t, ErrOverflow, func() { minS.DivScalar(-1) })
	assert.PanicsWithValue(t, ErrOverflow, func() { maxS.MulScalar(2) })
	assert.PanicsWithValue(t, ErrOverflow, func() { maxS.MulD(NewSigned(2)) })
	assert.PanicsWithValue(t, ErrOverflow, func() { SignedFrom(MustFromBig(new(big.Int).Neg(minBig))) })
	assert.PanicsWithValue(t, ErrUnderflow, func() { tiny.Neg().Decimal() })
	assert.Equal(t, minBig.String(), maxS.Neg().Sub(tiny).String())

	var s Signed
	require.ErrorIs(t, s.UnmarshalText([]byte(new(big.Int).Neg(minBig).String())), ErrOverflow)
	require.NoError(t, s.UnmarshalText([]byte(minBig.String())))
	assert.Equal(t, 0, s.Cmp(minS))
	require.ErrorIs(t, s.UnmarshalText([]byte("12x")), ErrInvalid)
}

func TestSignedScalarsTruncateTowardZero(t *testing.T) {
	seven := SignedFromBig(big.NewInt(7))
	tests := []struct {
		name string
		got  Signed
		want string
	}{
		{"positive by positive", seven.DivScalar(2), "3"},
		{"negative by positive", seven.Neg().DivScalar(2), "-3"},
		{"positive by negative", seven.DivScalar(-2), "-3"},
		{"negative by negative", seven.Neg().DivScalar(-2), "3"},
		{"scale negative", seven.MulScalar(-3), "-21"},
		{"mul mixed signs", NewSigned(-3).MulD(NewSigned(2)), "-6000000000000000000"},
		{"div mixed signs", NewSigned(1).DivD(NewSigned(-3)), "-333333333333333333"},
		{"parse", mustParseSigned(t, "-0.5"), "-500000000000000000"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.got.String())
		})
	}
	assert.Equal(t, "-0.5", mustParseSigned(t, "-0.5").Format())
	assert.Equal(t, "0", mustParseSigned(t, "-0").Format())
}

func mustParseSigned(t *testing.T, s string) Signed {
	t.Helper()
	v, err := ParseSigned(s)
	require.NoError(t, err)
	return v
}

func TestJSONRoundTrip(t *testing.T) {
	type payload struct {
		A Decimal `json:"a"`
		B Signed  `json:"b"`
	}
	in := payload{A: MustParse("1.5"), B: NewSigned(-2)}
	raw, err := json.Marshal(in)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":"1500000000000000000","b":"-2000000000000000000"}`, string(raw))

	var out payload
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.True(t, in.A.Equal(out.A))
	assert.Equal(t, 0, in.B.Cmp(out.B))
}
