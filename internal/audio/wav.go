package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

const (
	wavFormatPCM        = 1
	wavFormatFloat      = 3
	wavFormatExtensible = 0xFFFE
)

// PCM is decoded audio as per-channel float samples in [-1, 1].
type PCM struct {
	SampleRate int
	Channels   [][]float32
}

// Frames returns the number of samples per channel.
func (p *PCM) Frames() int {
	if len(p.Channels) == 0 {
		return 0
	}
	return len(p.Channels[0])
}

type wavFormat struct {
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
}

// DecodeWAV decodes a RIFF/WAVE buffer with 16-bit PCM or 32-bit float
// samples and any channel count. Unknown chunks such as LIST are skipped.
func DecodeWAV(data []byte) (*PCM, error) {
	if len(data) < 12 {
		return nil, fmt.Errorf("WAV data too short: %d bytes", len(data))
	}
	if string(data[0:4]) != "RIFF" {
		return nil, fmt.Errorf("invalid WAV file: missing RIFF header")
	}
	if string(data[8:12]) != "WAVE" {
		return nil, fmt.Errorf("invalid WAV file: missing WAVE format")
	}

	var format *wavFormat
	var samples []byte

	for off := 12; off+8 <= len(data); {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		body := off + 8
		end := body + size
		if end > len(data) {
			// recorders that never rewrite the header leave the size open
			end = len(data)
		}

		switch id {
		case "fmt ":
			if end-body < 16 {
				return nil, fmt.Errorf("invalid WAV file: fmt chunk is %d bytes", end-body)
			}
			f := &wavFormat{}
			if err := binary.Read(bytes.NewReader(data[body:body+16]), binary.LittleEndian, f); err != nil {
				return nil, fmt.Errorf("failed to read fmt chunk: %w", err)
			}
			if f.AudioFormat == wavFormatExtensible && end-body >= 26 {
				// the sub-format GUID starts with the real format code
				f.AudioFormat = binary.LittleEndian.Uint16(data[body+24 : body+26])
			}
			format = f
		case "data":
			samples = data[body:end]
		}

		// chunks are word aligned
		off = body + size + size%2
	}

	if format == nil {
		return nil, fmt.Errorf("invalid WAV file: missing fmt chunk")
	}
	if samples == nil {
		return nil, fmt.Errorf("invalid WAV file: missing data chunk")
	}
	if format.NumChannels == 0 {
		return nil, fmt.Errorf("invalid WAV file: zero channels")
	}
	if format.SampleRate == 0 {
		return nil, fmt.Errorf("invalid sample rate: 0")
	}

	var width int
	switch {
	case format.AudioFormat == wavFormatPCM && format.BitsPerSample == 16:
		width = 2
	case format.AudioFormat == wavFormatFloat && format.BitsPerSample == 32:
		width = 4
	default:
		return nil, fmt.Errorf("unsupported WAV encoding: format %d, %d bits", format.AudioFormat, format.BitsPerSample)
	}

	channels := int(format.NumChannels)
	frameSize := width * channels
	frames := len(samples) / frameSize
	if frames == 0 {
		return nil, fmt.Errorf("no audio data found")
	}

	pcm := &PCM{SampleRate: int(format.SampleRate), Channels: make([][]float32, channels)}
	for c := range pcm.Channels {
		pcm.Channels[c] = make([]float32, frames)
	}

	for i := 0; i < frames; i++ {
		frame := samples[i*frameSize:]
		for c := 0; c < channels; c++ {
			b := frame[c*width:]
			if width == 2 {
				pcm.Channels[c][i] = int16ToFloat(int16(binary.LittleEndian.Uint16(b)))
			} else {
				pcm.Channels[c][i] = math.Float32frombits(binary.LittleEndian.Uint32(b))
			}
		}
	}
	return pcm, nil
}

// EncodeWAV encodes interleaved 16-bit PCM samples into a WAV buffer.
func EncodeWAV(samples []int16, sampleRate, channels int) ([]byte, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("cannot encode empty audio samples")
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}
	if channels <= 0 {
		return nil, fmt.Errorf("channel count must be positive, got %d", channels)
	}

	dataSize := uint32(len(samples) * 2)
	buf := bytes.NewBuffer(make([]byte, 0, 44+len(samples)*2))
	buf.WriteString("RIFF")
	binary.Write(buf, binary.LittleEndian, 36+dataSize)
	buf.WriteString("WAVEfmt ")
	binary.Write(buf, binary.LittleEndian, uint32(16))
	binary.Write(buf, binary.LittleEndian, wavFormat{
		AudioFormat:   wavFormatPCM,
		NumChannels:   uint16(channels),
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate * channels * 2),
		BlockAlign:    uint16(channels * 2),
		BitsPerSample: 16,
	})
	buf.WriteString("data")
	binary.Write(buf, binary.LittleEndian, dataSize)
	if err := binary.Write(buf, binary.LittleEndian, samples); err != nil {
		return nil, fmt.Errorf("failed to write audio data: %w", err)
	}
	return buf.Bytes(), nil
}

func int16ToFloat(s int16) float32 {
	if s < 0 {
		return float32(s) / 0x8000
	}
	return float32(s) / 0x7FFF
}
