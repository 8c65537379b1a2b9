// Package audio holds PCM helpers shared by the capture, playback, and
// relay paths. All wire audio is 16-bit little-endian mono at 24 kHz.
package audio

import (
	"encoding/base64"
	"encoding/binary"
	"time"
)

const (
	SampleRate    = 24000
	BytesPerFrame = 2 // mono PCM16
)

// Float32ToPCM16 converts floating point samples in [-1, 1] to int16 with
// clamping. Out-of-range input saturates instead of wrapping, so a hot mic
// clips audibly rather than producing garbage.
func Float32ToPCM16(in []float32) []int16 {
	out := make([]int16, len(in))
	for i, s := range in {
		v := s * 32767
		switch {
		case v > 32767:
			out[i] = 32767
		case v < -32768:
			out[i] = -32768
		default:
			out[i] = int16(v)
		}
	}
	return out
}

// PCM16ToBytes serializes samples as little-endian bytes.
func PCM16ToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*BytesPerFrame)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// BytesToPCM16 parses little-endian PCM16 bytes. A trailing odd byte is
// dropped.
func BytesToPCM16(raw []byte) []int16 {
	n := len(raw) / BytesPerFrame
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16(binary.LittleEndian.Uint16(raw[i*2:]))
	}
	return out
}

// EncodeBase64 wraps PCM bytes for transport.
func EncodeBase64(pcm []byte) string {
	return base64.StdEncoding.EncodeToString(pcm)
}

// DecodeBase64 unwraps transported PCM bytes.
func DecodeBase64(audio string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(audio)
}

// Duration reports how long the given PCM16 byte payload plays for at the
// wire sample rate.
func Duration(pcmBytes int) time.Duration {
	samples := pcmBytes / BytesPerFrame
	return time.Duration(samples) * time.Second / SampleRate
}

// BytesForDuration is the inverse of Duration.
func BytesForDuration(d time.Duration) int {
	samples := int(d * SampleRate / time.Second)
	return samples * BytesPerFrame
}
