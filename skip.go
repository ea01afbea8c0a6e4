package mve

import (
	"encoding/binary"
)

// skipStream interprets the skip map as alternating run lengths over the
// raster-ordered blocks: a skip count first, then a take count, repeating.
// Format 10 restarts it once per pass.
type skipStream struct {
	data      []byte
	pos       int
	remaining int
	skipping  bool
}

// reset rewinds to the first run.
func (s *skipStream) reset() {
	s.pos = 0
	s.remaining = 0
	s.skipping = false
}

// skip consumes one block position and reports whether it falls in a skip
// run. Zero-length runs are legal and yield directly to the next run. Once
// the map is exhausted every remaining block counts as taken.
func (s *skipStream) skip() bool {
	for s.remaining == 0 {
		if s.pos+2 > len(s.data) {
			return false
		}

		s.remaining = int(binary.LittleEndian.Uint16(s.data[s.pos:]))
		s.pos += 2
		s.skipping = !s.skipping
	}

	s.remaining--

	return s.skipping
}
