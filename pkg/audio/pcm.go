// Package audio provides PCM decoding and conversion helpers for the
// kikitori ingest path. The canonical internal format is 16 kHz mono
// little-endian signed 16-bit PCM; everything arriving over the wire is
// converted into that format before it reaches the transcription buffer.
package audio

import "time"

const (
	// SampleRate is the canonical internal sample rate in Hz.
	SampleRate = 16000

	// Channels is the canonical internal channel count.
	Channels = 1

	// BytesPerSample is the width of one s16le sample.
	BytesPerSample = 2

	// BytesPerSecond is the byte rate of the canonical format.
	BytesPerSecond = SampleRate * Channels * BytesPerSample
)

// Duration returns the play time of canonical-format PCM data.
func Duration(pcm []byte) time.Duration {
	return time.Duration(len(pcm)) * time.Second / BytesPerSecond
}

// Int16sToBytes converts a slice of int16 PCM samples to little-endian bytes.
func Int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

// BytesToInt16s converts little-endian bytes to a slice of int16 PCM samples.
func BytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}

// ToFloat32 converts canonical mono s16le PCM into normalised float32 samples
// in [-1, 1], the input format expected by whisper.cpp.
func ToFloat32(pcm []byte) []float32 {
	samples := make([]float32, len(pcm)/2)
	for i := range samples {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		samples[i] = float32(s) / 32768
	}
	return samples
}
