package audio

import (
	"bytes"
	"fmt"
	"math"

	"github.com/braheezy/shine-mp3/pkg/mp3"
	"github.com/gabriel-vasile/mimetype"

	"github.com/sociapp/fieldsync/internal/models"
)

// Target encoding of every transcoded artifact.
const (
	TargetMIMEType    = "audio/mpeg"
	TargetBitrateKbps = 128
	TargetChannels    = 1
	SampleBlock       = 1152
)

// Transcoder turns a raw capture buffer into the target mono MP3 encoding.
type Transcoder struct {
	sampleBlock int
}

// NewTranscoder creates a Transcoder. A non-positive sampleBlock uses SampleBlock.
func NewTranscoder(sampleBlock int) *Transcoder {
	if sampleBlock <= 0 {
		sampleBlock = SampleBlock
	}
	return &Transcoder{sampleBlock: sampleBlock}
}

// DetectMIME returns the container type of raw, preferring the sniffed type
// over declared when the content is recognised.
func DetectMIME(raw []byte, declared string) string {
	detected := mimetype.Detect(raw)
	if detected.Is("application/octet-stream") && declared != "" {
		return declared
	}
	return detected.String()
}

// Transcode decodes raw and re-encodes it as mono MP3. It never returns a
// partial artifact: either the whole buffer is encoded or err is set.
func (t *Transcoder) Transcode(raw []byte, declaredMIME string) (*models.Artifact, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty audio buffer")
	}

	pcm, err := t.decode(raw, declaredMIME)
	if err != nil {
		return nil, err
	}

	samples := ToInt16(Downmix(pcm.Channels))
	encoded, err := t.encode(samples, pcm.SampleRate)
	if err != nil {
		return nil, err
	}

	return &models.Artifact{
		Data:       encoded,
		MIMEType:   TargetMIMEType,
		Transcoded: true,
	}, nil
}

// TranscodeOrKeep transcodes raw and falls back to the untouched buffer,
// tagged with its detected type and Transcoded unset, when transcoding fails.
// The returned artifact is non-nil for any non-empty raw; err reports the
// transcode failure that caused a fallback.
func (t *Transcoder) TranscodeOrKeep(raw []byte, declaredMIME string) (*models.Artifact, error) {
	sourceMIME := DetectMIME(raw, declaredMIME)
	artifact, err := t.Transcode(raw, sourceMIME)
	if err == nil {
		return artifact, nil
	}
	if len(raw) == 0 {
		return nil, err
	}
	return &models.Artifact{Data: raw, MIMEType: sourceMIME, Transcoded: false}, err
}

func (t *Transcoder) decode(raw []byte, declaredMIME string) (*PCM, error) {
	mime := mimetype.Detect(raw)
	switch {
	case mime.Is("audio/wav"):
		return DecodeWAV(raw)
	default:
		return nil, fmt.Errorf("no decoder for %s (declared %q)", mime.String(), declaredMIME)
	}
}

// encode pads samples to whole encoder blocks and runs the MP3 encoder.
func (t *Transcoder) encode(samples []int16, sampleRate int) (out []byte, err error) {
	if rem := len(samples) % t.sampleBlock; rem != 0 {
		samples = append(samples, make([]int16, t.sampleBlock-rem)...)
	}

	// the encoder panics on sample rates it has no table for
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, fmt.Errorf("mp3 encoder failed at %d Hz: %v", sampleRate, r)
		}
	}()

	var buf bytes.Buffer
	enc := mp3.NewEncoder(sampleRate, TargetChannels)
	if err := enc.Write(&buf, samples); err != nil {
		return nil, fmt.Errorf("mp3 encode: %w", err)
	}
	if buf.Len() == 0 {
		return nil, fmt.Errorf("mp3 encoder produced no output")
	}
	return buf.Bytes(), nil
}

// Downmix averages all channels into one. A single channel is returned as is.
func Downmix(channels [][]float32) []float32 {
	switch len(channels) {
	case 0:
		return nil
	case 1:
		return channels[0]
	}

	n := len(channels[0])
	for _, c := range channels[1:] {
		if len(c) < n {
			n = len(c)
		}
	}

	mono := make([]float32, n)
	scale := 1 / float64(len(channels))
	for i := 0; i < n; i++ {
		var sum float64
		for _, c := range channels {
			sum += float64(c[i])
		}
		mono[i] = float32(sum * scale)
	}
	return mono
}

// ToInt16 clamps samples to [-1, 1] and scales them to the signed 16-bit range.
func ToInt16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		v := math.Max(-1, math.Min(1, float64(s)))
		if v < 0 {
			out[i] = int16(math.Round(v * 0x8000))
		} else {
			out[i] = int16(math.Round(v * 0x7FFF))
		}
	}
	return out
}
