// Package datastore holds the in-memory time series collected during one
// recording session: an append-only, ordered sequence of timestamped blocks.
//
// A Store is not safe for concurrent use. The owner (normally a
// nidaq.Device) serializes access, and hands out copies to anyone else.
package datastore

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Store is an append-only sequence of (time vector, sample matrix) blocks.
// Each sample matrix has one row per channel and one column per sample.
// Stored timestamps are the appended (session-relative) times shifted by
// the store's T0Offset.
type Store struct {
	t0Offset float64
	nchan    int
	times    [][]float64
	samples  []*mat.Dense
	nsamples int
}

// New returns an empty Store whose zero reference is t=0.
func New() *Store {
	return new(Store)
}

// NewWithOffset returns an empty Store whose stored timestamps are shifted
// by offset seconds.
func NewWithOffset(offset float64) *Store {
	return &Store{t0Offset: offset}
}

// T0Offset is the offset (seconds) added to every appended timestamp, so
// stored = appended + T0Offset. A session's first block is appended
// starting at t=0 and so is stored starting at +T0Offset. Callers that
// rebuild the next block's times from a stored one subtract T0Offset
// first (see nidaq.BlockTiming.Next). To put the first sample at a time
// t0 before the store's zero, use an offset of -t0.
func (s *Store) T0Offset() float64 {
	return s.t0Offset
}

// Add appends one block. The time vector length must equal the number of
// columns of samples, and all blocks must have the same number of channels.
// Both arguments are copied.
func (s *Store) Add(t []float64, samples mat.Matrix) error {
	if samples == nil {
		return fmt.Errorf("datastore: nil sample matrix")
	}
	nrow, ncol := samples.Dims()
	if len(t) != ncol {
		return fmt.Errorf("datastore: time vector has %d entries but block has %d samples", len(t), ncol)
	}
	if len(s.samples) > 0 && nrow != s.nchan {
		return fmt.Errorf("datastore: block has %d channels, store has %d", nrow, s.nchan)
	}
	tcopy := make([]float64, len(t))
	for i, v := range t {
		tcopy[i] = v + s.t0Offset
	}
	s.nchan = nrow
	s.times = append(s.times, tcopy)
	s.samples = append(s.samples, mat.DenseCopyOf(samples))
	s.nsamples += ncol
	return nil
}

// SampleBlock returns block number index. Negative values count from the
// end, so -1 is the most recent block. When the index is out of range,
// both return values are nil.
//
// With unsafe false the results are copies. With unsafe true they alias the
// store's own memory and must not be modified or retained past the next
// call that mutates the store.
func (s *Store) SampleBlock(index int, unsafe bool) ([]float64, *mat.Dense) {
	n := len(s.times)
	if index < 0 {
		index += n
	}
	if index < 0 || index >= n {
		return nil, nil
	}
	if unsafe {
		return s.times[index], s.samples[index]
	}
	t := make([]float64, len(s.times[index]))
	copy(t, s.times[index])
	return t, mat.DenseCopyOf(s.samples[index])
}

// NumBlocks is the number of blocks appended so far.
func (s *Store) NumBlocks() int {
	return len(s.times)
}

// NumSamples is the number of samples per channel appended so far.
func (s *Store) NumSamples() int {
	return s.nsamples
}

// NumChannels is the channel count of the stored blocks, or 0 when empty.
func (s *Store) NumChannels() int {
	return s.nchan
}

// IsEmpty tells whether no block has been appended.
func (s *Store) IsEmpty() bool {
	return len(s.times) == 0
}

// Time returns all stored timestamps concatenated in block order.
func (s *Store) Time() []float64 {
	t := make([]float64, 0, s.nsamples)
	for _, block := range s.times {
		t = append(t, block...)
	}
	return t
}

// Samples returns all stored samples concatenated in block order, as a
// (channels x total samples) matrix, or nil when the store is empty.
func (s *Store) Samples() *mat.Dense {
	if s.IsEmpty() {
		return nil
	}
	all := mat.NewDense(s.nchan, s.nsamples, nil)
	col := 0
	for _, block := range s.samples {
		_, c := block.Dims()
		all.Slice(0, s.nchan, col, col+c).(*mat.Dense).Copy(block)
		col += c
	}
	return all
}

// Copy returns a deep copy that shares no memory with s.
func (s *Store) Copy() *Store {
	c := &Store{
		t0Offset: s.t0Offset,
		nchan:    s.nchan,
		times:    make([][]float64, len(s.times)),
		samples:  make([]*mat.Dense, len(s.samples)),
		nsamples: s.nsamples,
	}
	for i := range s.times {
		c.times[i] = make([]float64, len(s.times[i]))
		copy(c.times[i], s.times[i])
		c.samples[i] = mat.DenseCopyOf(s.samples[i])
	}
	return c
}
