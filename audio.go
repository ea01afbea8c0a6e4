package mve

// Samples represents one decoded audio buffer of unsigned 8-bit mono PCM.
// A silent buffer has Silent set and carries no data; Length still reports
// the span in bytes so the host can synthesize the gap if it wants to.
type Samples struct {
	Seq    int
	Data   []byte
	Length int
	Silent bool
}
