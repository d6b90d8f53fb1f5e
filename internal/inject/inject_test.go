package inject

import (
	"math"
	"testing"

	"github.com/lazypower/radguard/internal/hybrid"
	"github.com/lazypower/radguard/internal/tmr"
)

func TestZeroRateInjectsNothing(t *testing.T) {
	e := tmr.NewEnhanced(tmr.Uint32, 42)
	inj := New(0, 1)

	for k := 0; k < 100; k++ {
		if c := inj.Strike(e); c.Flips != 0 {
			t.Fatalf("strike %d flipped %d bits at rate 0", k, c.Flips)
		}
	}
	if e.Copies() != [3]uint32{42, 42, 42} {
		t.Errorf("copies = %v, want untouched", e.Copies())
	}
}

func TestWholeRateIsExact(t *testing.T) {
	e := tmr.NewEnhanced(tmr.Uint64, 0)
	inj := New(3, 7)

	c := inj.Strike(e)
	if c.Flips != 3 {
		t.Errorf("Flips = %d, want 3", c.Flips)
	}
	if got := inj.Totals(); got.Flips != 3 {
		t.Errorf("Totals = %+v, want 3 flips", got)
	}
}

func TestSameSeedSameFaults(t *testing.T) {
	a := tmr.NewEnhanced(tmr.Uint32, 0)
	b := tmr.NewEnhanced(tmr.Uint32, 0)
	ia := New(2.5, 99)
	ib := New(2.5, 99)

	for k := 0; k < 20; k++ {
		ia.Strike(a)
		ib.Strike(b)
	}
	if a.Copies() != b.Copies() {
		t.Errorf("copies diverged: %v vs %v", a.Copies(), b.Copies())
	}
}

func TestFractionalRateAverages(t *testing.T) {
	e := tmr.NewEnhanced(tmr.Uint32, 0)
	inj := New(0.5, 3)

	const strikes = 2000
	for k := 0; k < strikes; k++ {
		inj.Strike(e)
	}
	flips := inj.Totals().Flips
	if flips < strikes/2-200 || flips > strikes/2+200 {
		t.Errorf("flips = %d over %d strikes at rate 0.5", flips, strikes)
	}
}

func TestPinBitsForcesCopy(t *testing.T) {
	e := tmr.NewEnhanced(tmr.Uint32, 0x12345678)
	inj := New(0, 1)
	inj.PinBits(&Stuck{Copy: 1, Mask: 0x00010001, Value: 0})

	c := inj.Strike(e)
	if c.Stuck != 1 {
		t.Errorf("Stuck = %d, want 1", c.Stuck)
	}
	if got := e.Copies()[1]; got != 0x12345678&^0x00010001 {
		t.Errorf("copy 1 = %#x, want pinned bits cleared", got)
	}

	inj.PinBits(nil)
	if c := inj.Strike(e); c.Stuck != 0 {
		t.Error("PinBits(nil) did not clear the pin")
	}
}

func TestSingleUpsetIsOutvoted(t *testing.T) {
	v, err := hybrid.New(tmr.Uint32, 0xCAFE)
	if err != nil {
		t.Fatalf("hybrid.New: %v", err)
	}
	inj := New(1, 11)

	v.WithTMR(func(e *tmr.Enhanced[uint32]) {
		inj.Strike(e)
		vote := e.Vote()
		if vote.Outcome != tmr.Corrected || vote.Value != 0xCAFE {
			t.Errorf("vote = %+v, want corrected 0xcafe", vote)
		}
	})
}

func TestRateIsClamped(t *testing.T) {
	tests := []struct {
		rate float64
		want float64
	}{
		{math.NaN(), 0},
		{-3, 0},
		{1e19, MaxRate},
		{math.Inf(1), MaxRate},
		{2.5, 2.5},
	}
	for _, tt := range tests {
		inj := New(tt.rate, 1)
		if got := inj.Rate(); got != tt.want {
			t.Errorf("New(%v).Rate() = %v, want %v", tt.rate, got, tt.want)
		}
		c := inj.Strike(tmr.NewEnhanced(tmr.Uint32, 7))
		if float64(c.Flips) > MaxRate {
			t.Errorf("rate %v: Flips = %d, want <= %d", tt.rate, c.Flips, MaxRate)
		}

		inj = New(0, 1)
		inj.SetRate(tt.rate)
		if got := inj.Rate(); got != tt.want {
			t.Errorf("SetRate(%v): Rate() = %v, want %v", tt.rate, got, tt.want)
		}
	}
}
