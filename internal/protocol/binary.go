package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
)

// BinaryAudioMarker is the first byte of a binary audio frame.
const BinaryAudioMarker byte = 0x01

// binaryHeaderLen is marker + uint16 sample count.
const binaryHeaderLen = 3

// MaxBinarySamples is the largest sample count a binary frame can declare.
const MaxBinarySamples = math.MaxUint16

// EncodeBinaryAudio packs 16-bit samples as
//
//	0x01 | uint16 LE sample count | int16 LE samples
//
// Values outside the int16 range are clamped.
func EncodeBinaryAudio(samples []int) ([]byte, error) {
	if len(samples) > MaxBinarySamples {
		return nil, fmt.Errorf("%w: %d", ErrTooManySamples, len(samples))
	}
	buf := make([]byte, binaryHeaderLen+2*len(samples))
	buf[0] = BinaryAudioMarker
	binary.LittleEndian.PutUint16(buf[1:3], uint16(len(samples)))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[binaryHeaderLen+2*i:], uint16(clampInt16(s)))
	}
	return buf, nil
}

// DecodeBinaryAudio unpacks a frame built by EncodeBinaryAudio. Trailing
// bytes past the declared sample count are ignored.
func DecodeBinaryAudio(data []byte) ([]int, error) {
	if len(data) < binaryHeaderLen {
		return nil, ErrFrameTooShort
	}
	if data[0] != BinaryAudioMarker {
		return nil, fmt.Errorf("%w: 0x%02x", ErrFrameMarker, data[0])
	}
	count := int(binary.LittleEndian.Uint16(data[1:3]))
	if len(data) < binaryHeaderLen+2*count {
		return nil, fmt.Errorf("%w: want %d sample bytes, have %d", ErrFrameTooShort, 2*count, len(data)-binaryHeaderLen)
	}
	samples := make([]int, count)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(data[binaryHeaderLen+2*i:])))
	}
	return samples, nil
}

func clampInt16(v int) int16 {
	switch {
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	}
	return int16(v)
}
