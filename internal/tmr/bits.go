package tmr

import (
	"math"
	"math/bits"
	"strings"
)

// MaxWidth is the widest value the bit-level machinery can track.
const MaxWidth = 64

// Pattern exposes the raw bit layout of T so copies can be voted and
// repaired bit by bit. Floating-point types are handled through their
// IEEE-754 representation.
type Pattern[T any] interface {
	Width() int
	Bits(v T) uint64
	FromBits(b uint64) T
}

type uint8Pattern struct{}

func (uint8Pattern) Width() int              { return 8 }
func (uint8Pattern) Bits(v uint8) uint64     { return uint64(v) }
func (uint8Pattern) FromBits(b uint64) uint8 { return uint8(b) }

type uint16Pattern struct{}

func (uint16Pattern) Width() int               { return 16 }
func (uint16Pattern) Bits(v uint16) uint64     { return uint64(v) }
func (uint16Pattern) FromBits(b uint64) uint16 { return uint16(b) }

type uint32Pattern struct{}

func (uint32Pattern) Width() int               { return 32 }
func (uint32Pattern) Bits(v uint32) uint64     { return uint64(v) }
func (uint32Pattern) FromBits(b uint64) uint32 { return uint32(b) }

type uint64Pattern struct{}

func (uint64Pattern) Width() int               { return 64 }
func (uint64Pattern) Bits(v uint64) uint64     { return v }
func (uint64Pattern) FromBits(b uint64) uint64 { return b }

type float32Pattern struct{}

func (float32Pattern) Width() int                { return 32 }
func (float32Pattern) Bits(v float32) uint64     { return uint64(math.Float32bits(v)) }
func (float32Pattern) FromBits(b uint64) float32 { return math.Float32frombits(uint32(b)) }

type float64Pattern struct{}

func (float64Pattern) Width() int                { return 64 }
func (float64Pattern) Bits(v float64) uint64     { return math.Float64bits(v) }
func (float64Pattern) FromBits(b uint64) float64 { return math.Float64frombits(b) }

// Patterns for the supported fixed-width types.
var (
	Uint8   Pattern[uint8]   = uint8Pattern{}
	Uint16  Pattern[uint16]  = uint16Pattern{}
	Uint32  Pattern[uint32]  = uint32Pattern{}
	Uint64  Pattern[uint64]  = uint64Pattern{}
	Float32 Pattern[float32] = float32Pattern{}
	Float64 Pattern[float64] = float64Pattern{}
)

// widthMask returns a mask with the low width bits set.
func widthMask(width int) uint64 {
	if width >= MaxWidth {
		return math.MaxUint64
	}
	return (uint64(1) << uint(width)) - 1
}

// Mask is a bitset over the bit positions of a protected value.
type Mask uint64

// Test reports whether bit is set.
func (m Mask) Test(bit int) bool {
	return m&(1<<uint(bit)) != 0
}

// With returns m with bit set to on.
func (m Mask) With(bit int, on bool) Mask {
	if on {
		return m | (1 << uint(bit))
	}
	return m &^ (1 << uint(bit))
}

// Any reports whether at least one bit is set.
func (m Mask) Any() bool { return m != 0 }

// Count returns the number of set bits.
func (m Mask) Count() int { return bits.OnesCount64(uint64(m)) }

// Positions lists the set bit positions in ascending order.
func (m Mask) Positions() []int {
	var out []int
	for v := uint64(m); v != 0; v &= v - 1 {
		out = append(out, bits.TrailingZeros64(v))
	}
	return out
}

// Format renders the mask most-significant bit first, padded to width.
func (m Mask) Format(width int) string {
	var b strings.Builder
	b.Grow(width)
	for bit := width - 1; bit >= 0; bit-- {
		if m.Test(bit) {
			b.WriteByte('1')
		} else {
			b.WriteByte('0')
		}
	}
	return b.String()
}
