package audio

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/cwbudde/wav"
)

// DecodeWAV decodes WAV bytes into float32 PCM samples and reports the
// container's sample rate. Only mono 16-bit PCM is accepted, which is
// what every engine here emits.
func DecodeWAV(data []byte) ([]float32, int, error) {
	if len(data) == 0 {
		return nil, 0, errors.New("empty WAV input")
	}

	r := bytes.NewReader(data)
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, 0, errors.New("invalid WAV file")
	}

	if dec.NumChans != channels {
		return nil, 0, fmt.Errorf("channels %d, want %d", dec.NumChans, channels)
	}
	if dec.BitDepth != bitDepth {
		return nil, 0, fmt.Errorf("bit depth %d, want %d", dec.BitDepth, bitDepth)
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, fmt.Errorf("reading PCM data: %w", err)
	}

	return buf.Data, int(dec.SampleRate), nil
}
