package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// WrapPCM16 puts a WAV container around raw little-endian 16-bit mono
// PCM. Engines that stream raw samples on stdout get wrapped with this
// before the bytes leave the server.
func WrapPCM16(raw []byte, sampleRate int) ([]byte, error) {
	if sampleRate < 1 {
		return nil, fmt.Errorf("invalid sample rate: %d", sampleRate)
	}
	if len(raw)%2 != 0 {
		return nil, fmt.Errorf("raw PCM length %d is not sample-aligned", len(raw))
	}

	byteRate := sampleRate * channels * bitDepth / 8
	blockAlign := channels * bitDepth / 8
	riffSize := 4 + (8 + 16) + (8 + len(raw))

	buf := &bytes.Buffer{}
	buf.Grow(44 + len(raw))
	buf.WriteString("RIFF")
	_ = binary.Write(buf, binary.LittleEndian, uint32(riffSize))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	_ = binary.Write(buf, binary.LittleEndian, uint32(16))
	_ = binary.Write(buf, binary.LittleEndian, uint16(1)) // PCM
	_ = binary.Write(buf, binary.LittleEndian, uint16(channels))
	_ = binary.Write(buf, binary.LittleEndian, uint32(sampleRate))
	_ = binary.Write(buf, binary.LittleEndian, uint32(byteRate))
	_ = binary.Write(buf, binary.LittleEndian, uint16(blockAlign))
	_ = binary.Write(buf, binary.LittleEndian, uint16(bitDepth))
	buf.WriteString("data")
	_ = binary.Write(buf, binary.LittleEndian, uint32(len(raw)))
	buf.Write(raw)

	return buf.Bytes(), nil
}
