package wad_test

import (
	"math/big"
	"testing"

	"DefiLedger/internal/wad"
)

// ============================================================================
// Test: MulDiv / Mul / Div
// ============================================================================

func TestMulDiv_Floors(t *testing.T) {
	// 7*3/2 = 10.5 -> 10
	got := wad.MulDiv(big.NewInt(7), big.NewInt(3), big.NewInt(2))
	if got.Cmp(big.NewInt(10)) != 0 {
		t.Errorf("got %s, want 10", got)
	}
}

func TestMulDiv_LargeIntermediate(t *testing.T) {
	// 1e18 * 1e18 overflows int64 and uint64; big.Int must carry it.
	a := new(big.Int).Set(wad.Scale)
	got := wad.MulDiv(a, wad.Scale, wad.Scale)
	if got.Cmp(wad.Scale) != 0 {
		t.Errorf("got %s, want %s", got, wad.Scale)
	}
}

func TestMulDiv_NonPositiveDenominatorPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for zero denominator")
		}
	}()
	wad.MulDiv(big.NewInt(1), big.NewInt(1), big.NewInt(0))
}

func TestDiv_ScalesUp(t *testing.T) {
	// 1/2 in WAD = 5e17
	got := wad.Div(big.NewInt(1), big.NewInt(2))
	want, _ := new(big.Int).SetString("500000000000000000", 10)
	if got.Cmp(want) != 0 {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestMul_RoundTripsWithDiv(t *testing.T) {
	x := big.NewInt(123_456_789)
	scaled := wad.Div(x, big.NewInt(1))
	back := wad.Mul(scaled, big.NewInt(1))
	if back.Cmp(x) != 0 {
		t.Errorf("got %s, want %s", back, x)
	}
}

// ============================================================================
// Test: Fee
// ============================================================================

func TestFee_OnePercentConvention(t *testing.T) {
	// fee of 1e18 over a 1e20 denominator is 1%: 100 -> 1
	fee := wad.Fee(big.NewInt(100), wad.Scale)
	if fee.Cmp(big.NewInt(1)) != 0 {
		t.Errorf("got %s, want 1", fee)
	}
}

func TestFee_FloorsFractionalUnits(t *testing.T) {
	// 1% of 99 is 0.99, floors to 0
	fee := wad.Fee(big.NewInt(99), wad.Scale)
	if fee.Sign() != 0 {
		t.Errorf("got %s, want 0", fee)
	}
}

func TestFee_ZeroFee(t *testing.T) {
	fee := wad.Fee(big.NewInt(1_000_000), big.NewInt(0))
	if fee.Sign() != 0 {
		t.Errorf("got %s, want 0", fee)
	}
}

// ============================================================================
// Test: Sqrt
// ============================================================================

func TestSqrt_PerfectSquare(t *testing.T) {
	got := wad.Sqrt(big.NewInt(1_000_000))
	if got.Cmp(big.NewInt(1000)) != 0 {
		t.Errorf("got %s, want 1000", got)
	}
}

func TestSqrt_Floors(t *testing.T) {
	got := wad.Sqrt(big.NewInt(999_999))
	if got.Cmp(big.NewInt(999)) != 0 {
		t.Errorf("got %s, want 999", got)
	}
}

func TestSqrt_Zero(t *testing.T) {
	if got := wad.Sqrt(big.NewInt(0)); got.Sign() != 0 {
		t.Errorf("got %s, want 0", got)
	}
}

func TestSqrt_NegativePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for negative input")
		}
	}()
	wad.Sqrt(big.NewInt(-1))
}

// ============================================================================
// Test: FloorToQuantum
// ============================================================================

func TestFloorToQuantum_Boundaries(t *testing.T) {
	cases := []struct {
		in   int64
		want int64
	}{
		{0, 0},
		{19, 0},
		{20, 20},
		{39, 20},
		{40, 40},
		{3599, 3580},
		{-5, 0},
	}
	for _, c := range cases {
		if got := wad.FloorToQuantum(c.in); got != c.want {
			t.Errorf("FloorToQuantum(%d): got %d, want %d", c.in, got, c.want)
		}
	}
}

// ============================================================================
// Test: Clone / IsZeroOrNil
// ============================================================================

func TestClone_Defensive(t *testing.T) {
	orig := big.NewInt(42)
	cp := wad.Clone(orig)
	cp.SetInt64(7)
	if orig.Cmp(big.NewInt(42)) != 0 {
		t.Error("mutating clone changed the original")
	}
}

func TestClone_NilIsZero(t *testing.T) {
	if got := wad.Clone(nil); got == nil || got.Sign() != 0 {
		t.Errorf("got %v, want zero", got)
	}
}

func TestIsZeroOrNil(t *testing.T) {
	if !wad.IsZeroOrNil(nil) {
		t.Error("nil should be zero")
	}
	if !wad.IsZeroOrNil(big.NewInt(0)) {
		t.Error("zero should be zero")
	}
	if wad.IsZeroOrNil(big.NewInt(1)) {
		t.Error("one is not zero")
	}
}
