package tmr

// StuckThreshold is the number of consistent mismatches at one bit position
// before the bit is treated as permanently stuck.
const StuckThreshold = 3

// StuckBitTracker learns which bit positions are pinned. Counters are kept
// per bit position; the polarity a copy was last seen stuck at is kept per
// copy.
type StuckBitTracker struct {
	width    int
	counters [MaxWidth]uint8
	stuck    Mask
	// perCopy[i] marks bits that have mismatched in copy i.
	perCopy [3]Mask
	// polarity[i] holds the value those pinned bits read in copy i.
	polarity [3]Mask
}

// NewStuckBitTracker creates a tracker for values of the given bit width.
func NewStuckBitTracker(width int) *StuckBitTracker {
	if width > MaxWidth {
		width = MaxWidth
	}
	return &StuckBitTracker{width: width}
}

// Observe compares every copy against the voted value and returns the bits
// that became stuck during this observation.
func (t *StuckBitTracker) Observe(copies [3]uint64, voted uint64) Mask {
	before := t.stuck
	for i, c := range copies {
		diff := (c ^ voted) & widthMask(t.width)
		if diff == 0 {
			continue
		}
		for _, bit := range Mask(diff).Positions() {
			if t.counters[bit] < 255 {
				t.counters[bit]++
			}
			t.perCopy[i] = t.perCopy[i].With(bit, true)
			t.polarity[i] = t.polarity[i].With(bit, c&(1<<uint(bit)) != 0)
			if t.counters[bit] >= StuckThreshold {
				t.stuck = t.stuck.With(bit, true)
			}
		}
	}
	return t.stuck &^ before
}

// Reset forgets everything learned so far.
func (t *StuckBitTracker) Reset() {
	t.counters = [MaxWidth]uint8{}
	t.stuck = 0
	t.perCopy = [3]Mask{}
	t.polarity = [3]Mask{}
}

// Mask returns the global stuck-bit mask.
func (t *StuckBitTracker) Mask() Mask { return t.stuck }

// CopyMask returns the bits that have mismatched in copy i since the last
// reset.
func (t *StuckBitTracker) CopyMask(i int) Mask { return t.perCopy[i] }

// Pinned returns the stuck bits that are attributed to copy i.
func (t *StuckBitTracker) Pinned(i int) Mask { return t.stuck & t.perCopy[i] }

// Polarity returns the last observed value of the pinned bits in copy i.
func (t *StuckBitTracker) Polarity(i int) Mask { return t.polarity[i] & t.perCopy[i] }

// Counter returns the consistency counter for bit.
func (t *StuckBitTracker) Counter(bit int) uint8 { return t.counters[bit] }

// OnlyStuckDiffer reports whether every bit where got and want differ is
// pinned in copy i.
func (t *StuckBitTracker) OnlyStuckDiffer(i int, got, want uint64) bool {
	diff := Mask((got ^ want) & widthMask(t.width))
	return diff&^t.Pinned(i) == 0
}
