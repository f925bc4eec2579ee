// Package audio implements the Audio Framer: pure, side-effect-free
// validation and chunking of raw PCM16 byte streams into base64 chunks sized
// for the upstream realtime protocol's input_audio_buffer.append frames.
package audio

import (
	"encoding/base64"

	"github.com/sonju-kr/sonju-voice-broker/pkg/broker/brokererr"
)

// DefaultChunkSize is the chunk size used when chunking is unconfigured,
// matching the upstream realtime protocol's preferred append-frame size.
const DefaultChunkSize = 12288

// LooksLikePCM16 reports whether b has a length consistent with 16-bit
// sample alignment: non-empty and an even number of bytes.
func LooksLikePCM16(b []byte) bool {
	return len(b) >= 2 && len(b)%2 == 0
}

// Chunk splits b into contiguous, in-order chunks of exactly size bytes,
// except the final chunk which may be shorter. An empty buffer yields an
// empty (non-nil) slice of chunks. A non-empty buffer whose length is odd,
// or shorter than two bytes, is rejected with InvalidAudio.
func Chunk(b []byte, size int) ([][]byte, error) {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if len(b) == 0 {
		return [][]byte{}, nil
	}
	if len(b) < 2 || len(b)%2 != 0 {
		return nil, brokererr.InvalidAudio("pcm16 buffer must be a non-empty, even-length byte sequence")
	}

	chunks := make([][]byte, 0, (len(b)+size-1)/size)
	for offset := 0; offset < len(b); offset += size {
		end := offset + size
		if end > len(b) {
			end = len(b)
		}
		chunk := make([]byte, end-offset)
		copy(chunk, b[offset:end])
		chunks = append(chunks, chunk)
	}
	return chunks, nil
}

// ToBase64Chunks chunks b at size and base64-encodes each chunk
// independently, in order.
func ToBase64Chunks(b []byte, size int) ([]string, error) {
	chunks, err := Chunk(b, size)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(chunks))
	for i, c := range chunks {
		out[i] = base64.StdEncoding.EncodeToString(c)
	}
	return out, nil
}
