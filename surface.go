package mve

// Surface is an 8-bit palette-indexed pixel surface. Pitch is the byte
// distance between rows and may exceed Width.
type Surface struct {
	Width  int
	Height int
	Pitch  int
	Data   []byte
}

func newSurface(width, height int) *Surface {
	return &Surface{
		Width:  width,
		Height: height,
		Pitch:  width,
		Data:   make([]byte, width*height),
	}
}

// offset returns the index of the pixel at x, y.
func (s *Surface) offset(x, y int) int {
	return y*s.Pitch + x
}

// copyFrom snapshots src into s. Both surfaces share the session geometry.
func (s *Surface) copyFrom(src *Surface) {
	if s.Pitch == src.Pitch {
		copy(s.Data, src.Data)

		return
	}

	for y := 0; y < s.Height; y++ {
		copy(s.Data[y*s.Pitch:y*s.Pitch+s.Width], src.Data[y*src.Pitch:y*src.Pitch+src.Width])
	}
}
