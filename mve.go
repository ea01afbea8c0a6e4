// Package mve implements an Interplay MVE decoder.
//
// MVE is a chunked, opcode-driven container carrying palette-indexed video
// with inter-frame block deltas and raw unsigned 8-bit mono PCM audio. The
// decoder is pull-based: the host asks for the next video frame or audio
// buffer, and opcodes are consumed from the stream until one is available or
// the terminal opcode is reached.
//
//	m, err := mve.New(file)
//	...
//	for {
//	    frame, err := m.DecodeVideo()
//	    if err != nil || frame == nil {
//	        break
//	    }
//	    // blit frame, then drain audio
//	    for {
//	        samples, err := m.DecodeAudio()
//	        if err != nil || samples == nil {
//	            break
//	        }
//	        // queue samples
//	    }
//	}
//
// Video frames are 8-bit palette-indexed surfaces; Frame provides Paletted(),
// RGBA() and Pixels() conversions for hosts that want image types. The
// decoder does no pacing or A/V synchronization - the frame rate from the
// stream is exposed and timing is up to the host.
//
// All decode failures are fatal for the session: the stream is deterministic
// and self-consistent, so any violation means corrupt or unsupported input.
// The first error is sticky and returned from every later call.
package mve

import (
	"bytes"
	"errors"
	"io"
)

// Decode errors. Any of these abandons the session.
var (
	// ErrInvalidSignature is returned when the stream does not start with
	// the MVE magic and version words.
	ErrInvalidSignature = errors.New("mve: invalid MVE signature")

	// ErrTruncatedStream is returned when the stream ends inside a chunk or
	// opcode, or an opcode length contradicts its payload.
	ErrTruncatedStream = errors.New("mve: truncated stream")

	// ErrUnsupportedAudio is returned for stereo or 16-bit audio flags; the
	// format only defines unsigned 8-bit mono here.
	ErrUnsupportedAudio = errors.New("mve: unsupported audio configuration")

	// ErrUnknownOpcode is returned for opcode kinds outside the format.
	// The payload shape of an unknown opcode is unknown too, so it cannot
	// be skipped safely.
	ErrUnknownOpcode = errors.New("mve: unknown opcode")

	// ErrInvalidMap is returned when a decoding or skip map does not agree
	// with the session geometry or encodes an out-of-range displacement.
	ErrInvalidMap = errors.New("mve: inconsistent decoding map")

	// ErrMissingGeometry is returned when a video or audio payload opcode
	// arrives before the matching init opcode.
	ErrMissingGeometry = errors.New("mve: payload opcode before init")

	// ErrDuplicateInit is returned for a second init video opcode; the
	// geometry is fixed for the whole session.
	ErrDuplicateInit = errors.New("mve: duplicate video init opcode")
)

var signature = []byte("Interplay MVE File\x1a\x00")

// Chunk kinds. Advisory except for terminal handling; New pre-rolls through
// everything before the first video chunk.
const (
	chunkInitAudio = 0
	chunkAudio     = 1
	chunkInitVideo = 2
	chunkVideo     = 3
	chunkShutdown  = 4
	chunkEnd       = 5
)

// Opcode kinds. The kind field is stored big-endian while every payload
// field is little-endian; the asymmetry is a property of the format.
const (
	opEndOfStream    = 0x0000
	opEndOfChunk     = 0x0100
	opCreateTimer    = 0x0200
	opInitAudio      = 0x0300
	opSendAudio      = 0x0400
	opInitVideo      = 0x0502
	opVideoData6     = 0x0600
	opSendVideo      = 0x0701
	opAudioData      = 0x0800
	opAudioSilence   = 0x0900
	opSetVideoMode   = 0x0a00
	opSetPalette     = 0x0c00
	opSetSkipMap     = 0x0e00
	opSetDecodingMap = 0x0f00
	opVideoData10    = 0x1000
)

// MVE decodes an Interplay MVE stream into video frames and audio buffers.
type MVE struct {
	buf *Buffer

	done bool
	err  error

	chunkLen  int
	chunkKind int

	frameRateNum int
	frameRateDen int

	hasVideo       bool
	widthInBlocks  int
	heightInBlocks int
	width          int
	height         int

	frameFormat int
	frameNumber int
	frameData   []byte
	decodingMap []byte
	skipMap     []byte

	palette      [768]byte
	dirtyPalette bool

	frameSurface   *Surface
	decodeSurface0 *Surface
	decodeSurface1 *Surface

	frame      Frame
	frameReady bool

	hasAudio   bool
	samplerate int
	audioQueue []Samples
}

// New creates a decoder for the MVE stream read from r. The signature and
// version words are verified and the leading init chunks are processed, so
// geometry, frame rate and audio parameters are available immediately.
func New(r io.Reader) (*MVE, error) {
	m := &MVE{}
	m.frameNumber = -1

	buf, err := NewBuffer(r)
	if err != nil {
		return nil, err
	}

	buf.SetLoadCallback(buf.LoadReaderCallback)
	m.buf = buf

	if !buf.has(len(signature) + 6) {
		return nil, ErrInvalidSignature
	}
	if !bytes.Equal(buf.readBytes(len(signature)), signature) {
		return nil, ErrInvalidSignature
	}
	if buf.readUint16LE() != 0x001a || buf.readUint16LE() != 0x0100 || buf.readUint16LE() != 0x1133 {
		return nil, ErrInvalidSignature
	}

	if err := m.readChunkHeader(); err != nil {
		return nil, err
	}

	// Run through the init chunks so the track parameters are known before
	// the first decode call.
	for !m.done && m.chunkKind < chunkVideo {
		if err := m.processOpcode(); err != nil {
			m.err = err
			return nil, err
		}
	}

	return m, nil
}

// Buffer returns the underlying buffer.
func (m *MVE) Buffer() *Buffer {
	return m.buf
}

// HasVideo reports whether the stream declared a video track.
func (m *MVE) HasVideo() bool {
	return m.hasVideo
}

// HasAudio reports whether the stream declared an audio track.
func (m *MVE) HasAudio() bool {
	return m.hasAudio
}

// Width returns the display width of the video track in pixels.
func (m *MVE) Width() int {
	return m.width
}

// Height returns the display height of the video track in pixels.
func (m *MVE) Height() int {
	return m.height
}

// Framerate returns the frame rate in frames per second.
func (m *MVE) Framerate() float64 {
	if m.frameRateNum == 0 || m.frameRateDen == 0 {
		return 0
	}

	return float64(m.frameRateNum) / float64(m.frameRateDen)
}

// FramerateRational returns the frame rate as the exact rational carried by
// the stream's timer opcode.
func (m *MVE) FramerateRational() (num, den int) {
	return m.frameRateNum, m.frameRateDen
}

// Samplerate returns the samplerate of the audio track in samples per second.
func (m *MVE) Samplerate() int {
	return m.samplerate
}

// Channels returns the number of audio channels. The format only defines
// mono audio here.
func (m *MVE) Channels() int {
	if !m.hasAudio {
		return 0
	}

	return 1
}

// Palette returns the current 256-entry RGB palette as 768 bytes.
func (m *MVE) Palette() []byte {
	return m.palette[:]
}

// HasEnded reports whether the terminal opcode has been reached.
func (m *MVE) HasEnded() bool {
	return m.done
}

// DecodeVideo decodes opcodes until one complete video frame is composed and
// returns it. Audio met along the way is queued for DecodeAudio. Returns
// nil, nil at the end of the stream. The frame is a view into decoder state
// and stays valid until the next decode call.
func (m *MVE) DecodeVideo() (*Frame, error) {
	if m.err != nil {
		return nil, m.err
	}

	for !m.frameReady {
		if m.done {
			return nil, nil
		}

		if err := m.processOpcode(); err != nil {
			m.err = err
			return nil, err
		}
	}

	m.frameReady = false

	return m.yieldFrame(), nil
}

// DecodeAudio returns the next queued audio buffer, decoding more of the
// stream when the queue is empty. It stops short of consuming a composed
// video frame: when a frame becomes ready before any audio arrives, nil is
// returned and the frame is left pending for DecodeVideo. Returns nil, nil
// at the end of the stream.
func (m *MVE) DecodeAudio() (*Samples, error) {
	if m.err != nil {
		return nil, m.err
	}

	for len(m.audioQueue) == 0 {
		if m.done || m.frameReady {
			return nil, nil
		}

		if err := m.processOpcode(); err != nil {
			m.err = err
			return nil, err
		}
	}

	samples := m.audioQueue[0]
	m.audioQueue = m.audioQueue[1:]

	return &samples, nil
}

func (m *MVE) yieldFrame() *Frame {
	m.frame.Index = m.frameNumber
	m.frame.Width = m.width
	m.frame.Height = m.height
	m.frame.Pitch = m.frameSurface.Pitch
	m.frame.Data = m.frameSurface.Data
	m.frame.Palette = m.palette[:]

	if m.frameRateNum > 0 {
		m.frame.Time = float64(m.frameNumber) * float64(m.frameRateDen) / float64(m.frameRateNum)
	}

	m.frame.DirtyPalette = m.dirtyPalette
	m.dirtyPalette = false

	return &m.frame
}

func (m *MVE) readChunkHeader() error {
	if !m.buf.has(4) {
		return ErrTruncatedStream
	}

	m.chunkLen = int(m.buf.readUint16LE())
	m.chunkKind = int(m.buf.readUint16LE())

	return nil
}

// processOpcode reads and executes a single opcode.
func (m *MVE) processOpcode() error {
	if !m.buf.has(4) {
		return ErrTruncatedStream
	}

	opLen := int(m.buf.readUint16LE())
	opKind := int(m.buf.readUint16BE())

	if !m.buf.has(opLen) {
		return ErrTruncatedStream
	}

	switch opKind {
	case opEndOfStream:
		if opLen != 0 {
			return ErrTruncatedStream
		}
		m.done = true

	case opEndOfChunk:
		if opLen != 0 {
			return ErrTruncatedStream
		}
		return m.readChunkHeader()

	case opCreateTimer:
		if opLen != 6 {
			return ErrTruncatedStream
		}
		rate := m.buf.readUint32LE()
		subdivision := m.buf.readUint16LE()

		// rate * subdivision is the frame duration in microseconds.
		m.frameRateNum = 1000000
		m.frameRateDen = int(rate) * int(subdivision)

	case opInitAudio:
		if opLen != 8 {
			return ErrTruncatedStream
		}
		m.buf.skip(2)
		flags := m.buf.readUint16LE()
		samplerate := m.buf.readUint16LE()
		m.buf.skip(2) // buffer length

		if flags&0x01 != 0 || flags&0x02 != 0 {
			return ErrUnsupportedAudio
		}

		m.hasAudio = true
		m.samplerate = int(samplerate)

	case opSendAudio:
		if opLen != 0 {
			return ErrTruncatedStream
		}

	case opInitVideo:
		if opLen != 8 {
			return ErrTruncatedStream
		}
		if m.hasVideo {
			return ErrDuplicateInit
		}

		widthInBlocks := int(m.buf.readUint16LE())
		heightInBlocks := int(m.buf.readUint16LE())
		m.buf.skip(2) // buffer count
		m.buf.skip(2) // true color flag

		m.widthInBlocks = widthInBlocks
		m.heightInBlocks = heightInBlocks
		m.width = 8 * widthInBlocks
		m.height = 8 * heightInBlocks

		m.frameSurface = newSurface(m.width, m.height)
		m.decodeSurface0 = newSurface(m.width, m.height)
		m.decodeSurface1 = newSurface(m.width, m.height)

		m.hasVideo = true

	case opVideoData6:
		m.frameFormat = format6
		m.frameData = m.buf.readBytes(opLen)

	case opVideoData10:
		m.frameFormat = format10
		m.frameData = m.buf.readBytes(opLen)

	case opSendVideo:
		if opLen != 6 {
			return ErrTruncatedStream
		}
		if !m.hasVideo {
			return ErrMissingGeometry
		}

		m.buf.skip(2) // palette start
		m.buf.skip(2) // palette count
		m.buf.skip(2)

		m.frameNumber++

		switch m.frameFormat {
		case format6:
			if err := m.decodeFormat6(); err != nil {
				return err
			}
			m.frameReady = true
		case format10:
			if err := m.decodeFormat10(); err != nil {
				return err
			}
			m.frameReady = true
		}

	case opAudioData:
		if opLen < 6 {
			return ErrTruncatedStream
		}

		seq := m.buf.readUint16LE()
		m.buf.skip(2) // stream mask
		length := int(m.buf.readUint16LE())

		if opLen != length+6 {
			return ErrTruncatedStream
		}
		if !m.hasAudio {
			return ErrMissingGeometry
		}

		m.audioQueue = append(m.audioQueue, Samples{
			Seq:    int(seq),
			Data:   m.buf.readBytes(length),
			Length: length,
		})

	case opAudioSilence:
		if opLen != 6 {
			return ErrTruncatedStream
		}

		seq := m.buf.readUint16LE()
		m.buf.skip(2) // stream mask
		length := int(m.buf.readUint16LE())

		if !m.hasAudio {
			return ErrMissingGeometry
		}

		m.audioQueue = append(m.audioQueue, Samples{
			Seq:    int(seq),
			Length: length,
			Silent: true,
		})

	case opSetVideoMode:
		if opLen != 6 {
			return ErrTruncatedStream
		}
		m.buf.skip(6) // advisory width, height, flags

	case opSetPalette:
		if opLen < 4 {
			return ErrTruncatedStream
		}

		start := int(m.buf.readUint16LE())
		count := int(m.buf.readUint16LE())

		if opLen < 3*count+2 {
			return ErrTruncatedStream
		}
		if start+count > 256 {
			return ErrTruncatedStream
		}

		for i := start; i < start+count; i++ {
			r := m.buf.readByte()
			g := m.buf.readByte()
			b := m.buf.readByte()

			// Components are 6-bit; widen by folding the value back into
			// the low bits, not by shifting alone.
			m.palette[3*i+0] = r<<2 | r
			m.palette[3*i+1] = g<<2 | g
			m.palette[3*i+2] = b<<2 | b
		}

		consumed := 4 + 3*count
		if count&1 != 0 {
			m.buf.skip(1)
			consumed++
		}
		if opLen > consumed {
			m.buf.skip(opLen - consumed)
		}

		m.dirtyPalette = true

	case opSetSkipMap:
		if !m.hasVideo {
			return ErrMissingGeometry
		}
		m.skipMap = m.buf.readBytes(opLen)

	case opSetDecodingMap:
		if !m.hasVideo {
			return ErrMissingGeometry
		}
		m.decodingMap = m.buf.readBytes(opLen)

	default:
		return ErrUnknownOpcode
	}

	return nil
}
