package mve

import (
	"encoding/binary"
	"image"
	"image/color"
	"unsafe"
)

// Frame formats selected by the video data opcodes.
const (
	formatNone = 0x00
	format6    = 0x06
	format10   = 0x10
)

// frameDataHeader is the fixed header at the start of every video data
// payload, skipped before the decoding map (format 6) or the tile stream.
const frameDataHeader = 14

// Frame represents a decoded video frame.
// Data holds 8-bit palette indices in row-major order with Pitch bytes per
// row; it is a view into the decoder's output surface and stays valid until
// the next decode call. Palette holds 256 RGB triples; DirtyPalette reports
// whether the palette changed since the previous yielded frame.
type Frame struct {
	Index int
	Time  float64

	Width  int
	Height int
	Pitch  int

	Data    []byte
	Palette []byte

	DirtyPalette bool

	imRGBA image.RGBA
}

// Paletted returns the frame as image.Paletted sharing the frame's pixel data.
func (f *Frame) Paletted() *image.Paletted {
	pal := make(color.Palette, 256)
	for i := range pal {
		pal[i] = color.RGBA{f.Palette[3*i+0], f.Palette[3*i+1], f.Palette[3*i+2], 0xff}
	}

	return &image.Paletted{
		Pix:     f.Data,
		Stride:  f.Pitch,
		Rect:    image.Rect(0, 0, f.Width, f.Height),
		Palette: pal,
	}
}

// RGBA returns the frame converted through the palette.
func (f *Frame) RGBA() *image.RGBA {
	if f.imRGBA.Pix == nil {
		f.imRGBA = *image.NewRGBA(image.Rect(0, 0, f.Width, f.Height))
	}

	for y := 0; y < f.Height; y++ {
		si := y * f.Pitch
		di := y * f.imRGBA.Stride

		for x := 0; x < f.Width; x++ {
			c := int(f.Data[si+x])
			f.imRGBA.Pix[di+0] = f.Palette[3*c+0]
			f.imRGBA.Pix[di+1] = f.Palette[3*c+1]
			f.imRGBA.Pix[di+2] = f.Palette[3*c+2]
			f.imRGBA.Pix[di+3] = 0xff
			di += 4
		}
	}

	return &f.imRGBA
}

// Pixels returns frame as slice of color.RGBA.
func (f *Frame) Pixels() []color.RGBA {
	img := f.RGBA()
	return unsafe.Slice((*color.RGBA)(unsafe.Pointer(&img.Pix[0])), len(img.Pix)/4)
}

// memReader reads little-endian values from an opcode payload held in memory.
type memReader struct {
	data []byte
	pos  int
}

func (r *memReader) seek(pos int) {
	r.pos = pos
}

func (r *memReader) readUint16LE() (uint16, bool) {
	if r.pos+2 > len(r.data) {
		return 0, false
	}

	value := binary.LittleEndian.Uint16(r.data[r.pos:])
	r.pos += 2

	return value, true
}

// copyBlockData fills the 8x8 block at raster index block of dst with the
// next 64 bytes of the raw tile stream.
func (m *MVE) copyBlockData(dst *Surface, tiles *memReader, block int) error {
	if tiles.pos+64 > len(tiles.data) {
		return ErrTruncatedStream
	}

	x := (block % m.widthInBlocks) * 8
	y := (block / m.widthInBlocks) * 8

	di := dst.offset(x, y)
	for i := 0; i != 8; i++ {
		copy(dst.Data[di:di+8], tiles.data[tiles.pos:tiles.pos+8])
		tiles.pos += 8
		di += dst.Pitch
	}

	return nil
}

// copyBlock copies the 8x8 block at raster index block from src into dst.
// The offset is a linear pixel displacement applied to the source address,
// decomposed against the frame width, so the vertical component can reach
// rows above or below the block.
func (m *MVE) copyBlock(dst, src *Surface, block, offset int) error {
	dx := (block % m.widthInBlocks) * 8
	dy := (block / m.widthInBlocks) * 8

	sx := dx + offset%m.width
	sy := dy + offset/m.width

	if sx < 0 || sy < 0 || sx+8 > src.Width || sy+8 > src.Height {
		return ErrInvalidMap
	}

	// Row-forward copy. When src and dst are the same surface the copy must
	// observe rows already rewritten earlier in the pass.
	di := dst.offset(dx, dy)
	si := src.offset(sx, sy)
	for i := 0; i != 8; i++ {
		copy(dst.Data[di:di+8], src.Data[si:si+8])
		di += dst.Pitch
		si += src.Pitch
	}

	return nil
}

// decodeFormat6 reconstructs the frame in two passes. The decoding map is
// embedded in the frame data payload right after the fixed header, one
// 16-bit entry per block, with the raw tile stream following it.
func (m *MVE) decodeFormat6() error {
	blocks := m.widthInBlocks * m.heightInBlocks
	mapSize := blocks * 2

	if len(m.frameData) < frameDataHeader+mapSize {
		return ErrInvalidMap
	}

	if m.frameNumber > 1 {
		m.decodeSurface1.copyFrom(m.decodeSurface0)
	}
	if m.frameNumber > 0 {
		m.decodeSurface0.copyFrom(m.frameSurface)
	}

	ops := memReader{data: m.frameData[frameDataHeader : frameDataHeader+mapSize]}
	tiles := memReader{data: m.frameData[frameDataHeader+mapSize:]}

	// Pass 1: zero entries consume one raw tile each; everything else is
	// seeded from the older reference once two frames exist.
	for b := 0; b != blocks; b++ {
		op, _ := ops.readUint16LE()

		if op == 0 {
			if err := m.copyBlockData(m.frameSurface, &tiles, b); err != nil {
				return err
			}
		} else if m.frameNumber > 1 {
			if err := m.copyBlock(m.frameSurface, m.decodeSurface1, b, 0); err != nil {
				return err
			}
		}
	}

	// Pass 2: motion compensation. The high bit selects the newer reference;
	// otherwise the block pulls from the frame itself, which may include
	// blocks rewritten earlier in this same pass, so raster order is part of
	// the format.
	ops.seek(0)
	for b := 0; b != blocks; b++ {
		op, _ := ops.readUint16LE()

		offset := int(op&0x7fff) - 0x4000
		if op&0x8000 != 0 {
			if m.frameNumber > 0 {
				if err := m.copyBlock(m.frameSurface, m.decodeSurface0, b, offset); err != nil {
					return err
				}
			}
		} else if op != 0 {
			if err := m.copyBlock(m.frameSurface, m.frameSurface, b, offset); err != nil {
				return err
			}
		}
	}

	return nil
}

// decodeFormat10 reconstructs the frame in three skip-masked passes over the
// working reference, then composes the output and exchanges the two
// reference surfaces. Map entries are consumed for non-skipped blocks only.
func (m *MVE) decodeFormat10() error {
	blocks := m.widthInBlocks * m.heightInBlocks

	if m.decodingMap == nil || m.skipMap == nil {
		return ErrInvalidMap
	}
	if len(m.frameData) < frameDataHeader {
		return ErrTruncatedStream
	}

	skips := skipStream{data: m.skipMap}
	ops := memReader{data: m.decodingMap}
	tiles := memReader{data: m.frameData[frameDataHeader:]}

	// Pass 1: new tiles land in the working reference.
	skips.reset()
	for b := 0; b != blocks; b++ {
		if skips.skip() {
			continue
		}

		op, ok := ops.readUint16LE()
		if !ok {
			return ErrInvalidMap
		}

		if op == 0 {
			if err := m.copyBlockData(m.decodeSurface0, &tiles, b); err != nil {
				return err
			}
		}
	}

	// Pass 2: displaced copies, sourced from the older reference when the
	// high bit is set, from the working reference otherwise.
	ops.seek(0)
	skips.reset()
	for b := 0; b != blocks; b++ {
		if skips.skip() {
			continue
		}

		op, ok := ops.readUint16LE()
		if !ok {
			return ErrInvalidMap
		}

		if op != 0 {
			src := m.decodeSurface0
			if op&0x8000 != 0 {
				src = m.decodeSurface1
			}

			offset := int(op&0x7fff) - 0x4000
			if err := m.copyBlock(m.decodeSurface0, src, b, offset); err != nil {
				return err
			}
		}
	}

	// Pass 3: compose non-skipped blocks into the output frame. Skipped
	// blocks keep whatever the previous frame left there.
	skips.reset()
	for b := 0; b != blocks; b++ {
		if skips.skip() {
			continue
		}

		if err := m.copyBlock(m.frameSurface, m.decodeSurface0, b, 0); err != nil {
			return err
		}
	}

	m.decodeSurface0, m.decodeSurface1 = m.decodeSurface1, m.decodeSurface0

	return nil
}
