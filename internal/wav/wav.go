// Package wav reads 16-bit PCM WAV files into sample values.
package wav

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const formatPCM = 1

var (
	ErrNotWAV      = errors.New("wav: not a RIFF/WAVE file")
	ErrUnsupported = errors.New("wav: unsupported format")
	ErrNoData      = errors.New("wav: no data chunk")
)

// Format describes the PCM stream.
type Format struct {
	Channels      int
	SampleRate    int
	BitsPerSample int
}

// Audio is a decoded file. Multi-channel input keeps only the first channel.
type Audio struct {
	Format  Format
	Samples []int
}

// DurationMs returns the length in milliseconds.
func (a Audio) DurationMs() int64 {
	if a.Format.SampleRate == 0 {
		return 0
	}
	return int64(len(a.Samples)) * 1000 / int64(a.Format.SampleRate)
}

// Read decodes r. Chunks other than fmt and data are skipped.
func Read(r io.Reader) (Audio, error) {
	var header [12]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Audio{}, fmt.Errorf("%w: %v", ErrNotWAV, err)
	}
	if string(header[0:4]) != "RIFF" || string(header[8:12]) != "WAVE" {
		return Audio{}, ErrNotWAV
	}

	var format *Format
	for {
		var ch [8]byte
		if _, err := io.ReadFull(r, ch[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return Audio{}, ErrNoData
			}
			return Audio{}, fmt.Errorf("wav: read chunk header: %w", err)
		}
		id := string(ch[0:4])
		size := int64(binary.LittleEndian.Uint32(ch[4:8]))

		switch id {
		case "fmt ":
			f, err := readFormat(r, size)
			if err != nil {
				return Audio{}, err
			}
			format = &f
		case "data":
			if format == nil {
				return Audio{}, fmt.Errorf("%w: data before fmt", ErrUnsupported)
			}
			samples, err := readSamples(r, size, *format)
			if err != nil {
				return Audio{}, err
			}
			return Audio{Format: *format, Samples: samples}, nil
		default:
			if _, err := io.CopyN(io.Discard, r, size+size%2); err != nil {
				return Audio{}, fmt.Errorf("wav: skip %q chunk: %w", id, err)
			}
		}
	}
}

func readFormat(r io.Reader, size int64) (Format, error) {
	if size < 16 {
		return Format{}, fmt.Errorf("%w: fmt chunk of %d bytes", ErrUnsupported, size)
	}
	buf := make([]byte, size+size%2)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Format{}, fmt.Errorf("wav: read fmt chunk: %w", err)
	}
	audioFormat := binary.LittleEndian.Uint16(buf[0:2])
	f := Format{
		Channels:      int(binary.LittleEndian.Uint16(buf[2:4])),
		SampleRate:    int(binary.LittleEndian.Uint32(buf[4:8])),
		BitsPerSample: int(binary.LittleEndian.Uint16(buf[14:16])),
	}
	if audioFormat != formatPCM {
		return Format{}, fmt.Errorf("%w: audio format %d, only PCM", ErrUnsupported, audioFormat)
	}
	if f.BitsPerSample != 16 {
		return Format{}, fmt.Errorf("%w: %d bits per sample, only 16", ErrUnsupported, f.BitsPerSample)
	}
	if f.Channels < 1 {
		return Format{}, fmt.Errorf("%w: %d channels", ErrUnsupported, f.Channels)
	}
	return f, nil
}

func readSamples(r io.Reader, size int64, f Format) ([]int, error) {
	data := make([]byte, size)
	n, err := io.ReadFull(r, data)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, fmt.Errorf("wav: read data chunk: %w", err)
	}
	// a truncated data chunk keeps what was read
	data = data[:n]

	frame := 2 * f.Channels
	samples := make([]int, 0, len(data)/frame)
	for off := 0; off+frame <= len(data); off += frame {
		samples = append(samples, int(int16(binary.LittleEndian.Uint16(data[off:off+2]))))
	}
	return samples, nil
}
