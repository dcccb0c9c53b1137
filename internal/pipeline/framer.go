package pipeline

import "github.com/voicewire/voicewire/pkg/audio"

// framePCMBytes is the PCM16 size of one 20 ms telephony frame at 8 kHz:
// 160 samples × 2 bytes. It μ-law-encodes to the 160 bytes the media stream
// requires.
const framePCMBytes = 320

// frameAssembler slices an incoming 8 kHz PCM16 byte stream into exact
// 20 ms μ-law frames. It keeps a list of chunks and peels bytes off the
// head — concatenating buffers per chunk would be quadratic in stream
// length. Exactly one 320-byte scratch frame is allocated per output frame.
type frameAssembler struct {
	chunks [][]byte
	head   int // consumed bytes of chunks[0]
	total  int
}

// push appends a chunk to the pending list. The assembler takes ownership.
func (f *frameAssembler) push(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	f.chunks = append(f.chunks, chunk)
	f.total += len(chunk)
}

// nextFrame returns the next complete μ-law frame (160 bytes), or nil when
// fewer than 320 PCM bytes are buffered.
func (f *frameAssembler) nextFrame() []byte {
	if f.total < framePCMBytes {
		return nil
	}
	return audio.EncodeMulaw(f.take(framePCMBytes))
}

// flush μ-law-encodes whatever remains (dropping a trailing odd byte).
// Returns nil when less than one sample is left.
func (f *frameAssembler) flush() []byte {
	n := f.total - f.total%2
	if n < 2 {
		f.chunks, f.head, f.total = nil, 0, 0
		return nil
	}
	return audio.EncodeMulaw(f.take(n))
}

// take removes exactly n buffered bytes from the head of the chunk list.
func (f *frameAssembler) take(n int) []byte {
	out := make([]byte, n)
	filled := 0
	for filled < n {
		chunk := f.chunks[0]
		avail := len(chunk) - f.head
		need := n - filled
		if avail > need {
			copy(out[filled:], chunk[f.head:f.head+need])
			f.head += need
			filled += need
		} else {
			copy(out[filled:], chunk[f.head:])
			filled += avail
			f.chunks = f.chunks[1:]
			f.head = 0
		}
	}
	f.total -= n
	return out
}
