package state

import "math"

const (
	lcgMultiplier uint32 = 1664525
	lcgIncrement  uint32 = 1013904223
	lcgModulus           = 4294967296.0

	// MaxPlacementAttempts bounds the rejection sampling in PickEmptyCell.
	MaxPlacementAttempts = 200
)

// NextRandom advances the LCG and returns a sample in [0,1) with the new state.
// Arithmetic wraps mod 2^32.
func NextRandom(state uint32) (float64, uint32) {
	next := state*lcgMultiplier + lcgIncrement
	return float64(next) / lcgModulus, next
}

// PickEmptyCell samples cells until one is not in occupied. It returns
// ok=false and the untouched input state when every attempt collides.
func PickEmptyCell(width, height int, occupied map[Cell]struct{}, rng uint32) (Cell, uint32, bool) {
	st := rng
	for attempt := 0; attempt < MaxPlacementAttempts; attempt++ {
		var r float64
		r, st = NextRandom(st)
		x := int(math.Floor(r * float64(width)))
		r, st = NextRandom(st)
		y := int(math.Floor(r * float64(height)))

		c := Cell{X: x, Y: y}
		if _, taken := occupied[c]; !taken {
			return c, st, true
		}
	}
	return Cell{}, rng, false
}
