package nidaq

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// BlockTiming reconstructs the time axis of consecutive fixed-size blocks.
type BlockTiming struct {
	Dt            float64 // seconds between samples
	NFrames       int     // samples per block
	BlockDuration float64 // seconds spanned by one block
}

// Next computes the time vector of the block that follows prev, the time
// vector of the previous block as stored (nil or empty for the first block
// of a session). Stored times carry the store's offset, which is removed
// so the new block starts exactly Dt after the previous one ended.
func (bt BlockTiming) Next(prev []float64, offset float64) ([]float64, error) {
	t0 := 0.0
	if len(prev) > 0 {
		last := prev[len(prev)-1]
		if math.IsNaN(last) || math.IsInf(last, 0) || math.IsNaN(offset) || math.IsInf(offset, 0) {
			return nil, fmt.Errorf("%w: previous time %v, offset %v", ErrNonFinite, last, offset)
		}
		t0 = last + bt.Dt - offset
	}
	return BlockTime(t0, bt.Dt, bt.NFrames, bt.BlockDuration)
}

// BlockTime returns nFrames evenly spaced times from t0 to
// t0 + blockDuration - dt inclusive. Each value is computed from t0, never
// by accumulation, so long sessions do not drift.
func BlockTime(t0, dt float64, nFrames int, blockDuration float64) ([]float64, error) {
	if nFrames <= 0 {
		return nil, fmt.Errorf("%w: %d frames per block", ErrInvalidConfiguration, nFrames)
	}
	for _, x := range []float64{t0, dt, blockDuration} {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return nil, fmt.Errorf("%w: t0=%v dt=%v duration=%v", ErrNonFinite, t0, dt, blockDuration)
		}
	}
	t := make([]float64, nFrames)
	if nFrames == 1 {
		t[0] = t0
		return t, nil
	}
	return floats.Span(t, t0, t0+blockDuration-dt), nil
}
