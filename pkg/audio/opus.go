package audio

import (
	"fmt"

	"layeh.com/gopus"
)

// Opus ingest uses 48 kHz stereo at 20 ms frame size, the format produced by
// browser WebRTC stacks and most voice clients.
const (
	opusSampleRate  = 48000
	opusChannels    = 2
	opusFrameSizeMs = 20
	// opusFrameSize is the number of samples per channel per 20 ms frame.
	opusFrameSize = opusSampleRate * opusFrameSizeMs / 1000 // 960
)

// OpusDecoder decodes a stream of Opus packets into canonical 16 kHz mono
// PCM. One decoder per connection; decoder state must persist across
// consecutive frames of the same stream.
type OpusDecoder struct {
	dec *gopus.Decoder
}

// NewOpusDecoder creates a decoder for the standard 48 kHz stereo voice
// configuration.
func NewOpusDecoder() (*OpusDecoder, error) {
	dec, err := gopus.NewDecoder(opusSampleRate, opusChannels)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus decoder: %w", err)
	}
	return &OpusDecoder{dec: dec}, nil
}

// Decode decodes one Opus packet and converts the result to 16 kHz mono
// s16le PCM.
func (d *OpusDecoder) Decode(packet []byte) ([]byte, error) {
	pcm, err := d.dec.Decode(packet, opusFrameSize, false)
	if err != nil {
		return nil, fmt.Errorf("audio: opus decode: %w", err)
	}
	mono := StereoToMono(Int16sToBytes(pcm))
	return ResampleMono16(mono, opusSampleRate, SampleRate), nil
}
