package audio

import (
	"encoding/base64"
	"encoding/binary"
)

// wavHeaderSize is the size of the canonical RIFF/WAVE/fmt/data header.
const wavHeaderSize = 44

// WAVBase64 wraps mono little-endian PCM16 in a canonical 44-byte WAV
// header at the given sample rate and returns the whole file base64-encoded.
// This is the wire format the GPU inference endpoints accept.
func WAVBase64(pcm []byte, sampleRate int) string {
	buf := make([]byte, wavHeaderSize+len(pcm))

	byteRate := sampleRate * 2 // mono, 16-bit

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+len(pcm)))
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16) // fmt chunk size
	binary.LittleEndian.PutUint16(buf[20:22], 1)  // PCM
	binary.LittleEndian.PutUint16(buf[22:24], 1)  // mono
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], 2)  // block align
	binary.LittleEndian.PutUint16(buf[34:36], 16) // bits per sample
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(len(pcm)))
	copy(buf[wavHeaderSize:], pcm)

	return base64.StdEncoding.EncodeToString(buf)
}

// PCMFromWAVBase64 extracts raw PCM16 from a base64-encoded WAV file.
//
// When the RIFF magic is present the chunk list is walked (respecting the
// even-byte padding rule) to locate the data chunk rather than assuming it
// sits at offset 44. A RIFF file with no findable data chunk falls back to
// offset 44 for compatibility with senders that write sloppy headers.
// Input without the RIFF magic is returned as-is (already raw PCM).
// Undecodable base64 yields nil.
func PCMFromWAVBase64(encoded string) []byte {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil
	}
	return PCMFromWAV(raw)
}

// PCMFromWAV is the raw-byte variant of [PCMFromWAVBase64].
func PCMFromWAV(raw []byte) []byte {
	if len(raw) < 12 || string(raw[0:4]) != "RIFF" || string(raw[8:12]) != "WAVE" {
		return raw
	}

	off := 12
	for off+8 <= len(raw) {
		id := string(raw[off : off+4])
		size := int(binary.LittleEndian.Uint32(raw[off+4 : off+8]))
		body := off + 8

		if id == "data" {
			end := body + size
			if end > len(raw) {
				end = len(raw)
			}
			return raw[body:end]
		}

		// Chunks are padded to even length.
		off = body + size
		if size%2 == 1 {
			off++
		}
	}

	// No data chunk found: fall back to the canonical offset.
	if len(raw) > wavHeaderSize {
		return raw[wavHeaderSize:]
	}
	return nil
}
