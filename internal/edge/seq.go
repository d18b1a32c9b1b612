package edge

import "sync/atomic"

// sequence is an atomic counter shared by the goroutines that send on one
// channel or connection. The first Next returns 0. Overflow wraps.
type sequence struct {
	val atomic.Int32
}

// Next returns the value to stamp on the frame being sent and advances.
func (s *sequence) Next() int32 {
	return s.val.Add(1) - 1
}

// Current returns the value the next call to Next will return.
func (s *sequence) Current() int32 {
	return s.val.Load()
}

// ControlSequence numbers the Hello and Connect frames of one channel.
type ControlSequence struct{ sequence }

// DataSequence numbers the Data and StateClosed frames of one connection.
type DataSequence struct{ sequence }
