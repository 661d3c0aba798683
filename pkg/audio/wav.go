package audio

import (
	"encoding/binary"
	"fmt"
)

// wavHeaderLen is the length of a canonical PCM WAV header (RIFF + fmt + data
// chunk headers). Payloads shorter than this cannot be valid WAV files.
const wavHeaderLen = 44

const pcmFormatTag = 1

// IsWAV reports whether b starts with a RIFF/WAVE container header. Browser
// MediaRecorder clients typically send WAV-wrapped PCM, while native clients
// send raw frames, so the ingest path sniffs each binary message.
func IsWAV(b []byte) bool {
	return len(b) >= 12 &&
		string(b[0:4]) == "RIFF" &&
		string(b[8:12]) == "WAVE"
}

// DecodeWAV extracts the PCM payload and its format from a WAV container.
// Only uncompressed 16-bit PCM is accepted. The chunk list is walked rather
// than assuming the canonical 44-byte layout, since some encoders insert
// LIST/INFO chunks before the data chunk.
func DecodeWAV(b []byte) ([]byte, Format, error) {
	if len(b) < wavHeaderLen {
		return nil, Format{}, fmt.Errorf("audio: wav payload too short (%d bytes)", len(b))
	}
	if !IsWAV(b) {
		return nil, Format{}, fmt.Errorf("audio: missing RIFF/WAVE header")
	}

	var (
		format  Format
		sawFmt  bool
		pcm     []byte
		sawData bool
	)

	off := 12
	for off+8 <= len(b) {
		id := string(b[off : off+4])
		size := int(binary.LittleEndian.Uint32(b[off+4 : off+8]))
		body := off + 8
		if size < 0 || body+size > len(b) {
			// Truncated chunk; tolerate a short final data chunk, some
			// streaming encoders write a placeholder size.
			if id == "data" {
				size = len(b) - body
			} else {
				return nil, Format{}, fmt.Errorf("audio: wav chunk %q overruns payload", id)
			}
		}

		switch id {
		case "fmt ":
			if size < 16 {
				return nil, Format{}, fmt.Errorf("audio: wav fmt chunk too short (%d bytes)", size)
			}
			tag := binary.LittleEndian.Uint16(b[body : body+2])
			if tag != pcmFormatTag {
				return nil, Format{}, fmt.Errorf("audio: unsupported wav format tag %d (want PCM)", tag)
			}
			format.Channels = int(binary.LittleEndian.Uint16(b[body+2 : body+4]))
			format.SampleRate = int(binary.LittleEndian.Uint32(b[body+4 : body+8]))
			bits := binary.LittleEndian.Uint16(b[body+14 : body+16])
			if bits != 16 {
				return nil, Format{}, fmt.Errorf("audio: unsupported wav bit depth %d (want 16)", bits)
			}
			sawFmt = true
		case "data":
			pcm = b[body : body+size]
			sawData = true
		}

		// Chunks are word-aligned.
		off = body + size
		if size%2 == 1 {
			off++
		}
	}

	if !sawFmt {
		return nil, Format{}, fmt.Errorf("audio: wav fmt chunk not found")
	}
	if !sawData {
		return nil, Format{}, fmt.Errorf("audio: wav data chunk not found")
	}
	return pcm, format, nil
}
