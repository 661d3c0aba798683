package audio

import (
	"fmt"
	"log/slog"
	"sync"
)

// Format describes the sample rate and channel count of incoming audio.
type Format struct {
	SampleRate int
	Channels   int
}

// Converter normalises incoming PCM into the canonical 16 kHz mono format.
// It logs a warning on the first format mismatch and validates sample
// alignment. Create one per stream; not designed for shared use across
// goroutines.
type Converter struct {
	Source         Format
	warnedMismatch sync.Once
	warnedCorrupt  sync.Once
}

// Normalize converts pcm from the configured source format to 16 kHz mono.
// If the source already matches, pcm is returned unchanged (zero allocation).
// Conversion order: downmix first, then resample, so multi-channel audio is
// never resampled per channel.
func (c *Converter) Normalize(pcm []byte) ([]byte, error) {
	if len(pcm)%2 != 0 {
		c.warnedCorrupt.Do(func() {
			slog.Warn("audio converter: odd byte count in PCM data",
				"bytes", len(pcm),
				"source", formatString(c.Source.SampleRate, c.Source.Channels),
			)
		})
		return nil, fmt.Errorf("audio: pcm length %d is not sample-aligned", len(pcm))
	}

	rate := c.Source.SampleRate
	if rate <= 0 {
		rate = SampleRate
	}
	channels := c.Source.Channels
	if channels <= 0 {
		channels = 1
	}

	if rate == SampleRate && channels == 1 {
		return pcm, nil
	}

	c.warnedMismatch.Do(func() {
		slog.Warn("audio format mismatch: converting",
			"from", formatString(rate, channels),
			"to", formatString(SampleRate, 1),
		)
	})

	if channels == 2 {
		pcm = StereoToMono(pcm)
	} else if channels != 1 {
		return nil, fmt.Errorf("audio: unsupported channel count %d", channels)
	}
	return ResampleMono16(pcm, rate, SampleRate), nil
}

// StereoToMono averages L+R per stereo frame (4 bytes) to produce mono output.
// Uses int32 arithmetic to prevent overflow and clamps to int16 range.
func StereoToMono(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		lSample := int32(int16(pcm[i*4]) | int16(pcm[i*4+1])<<8)
		rSample := int32(int16(pcm[i*4+2]) | int16(pcm[i*4+3])<<8)
		avg := (lSample + rSample) / 2

		if avg > 32767 {
			avg = 32767
		} else if avg < -32768 {
			avg = -32768
		}

		out[i*2] = byte(avg)
		out[i*2+1] = byte(avg >> 8)
	}
	return out
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using
// linear interpolation. The input must be little-endian int16 samples. If
// srcRate == dstRate, the input is returned unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := int16(pcm[srcIdx*2]) | int16(pcm[srcIdx*2+1])<<8
		var s1 int16
		if srcIdx+1 < srcSamples {
			s1 = int16(pcm[(srcIdx+1)*2]) | int16(pcm[(srcIdx+1)*2+1])<<8
		} else {
			s1 = s0
		}

		interpolated := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(interpolated)
		out[i*2+1] = byte(interpolated >> 8)
	}
	return out
}

// formatString returns a human-readable string for a sample rate and channel
// count, e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
