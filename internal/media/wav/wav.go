// Package wav writes float32 audio chunks as 16-bit PCM WAV segments.
package wav

import (
	"fmt"
	"math"
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/GriffinCanCode/good-listener/backend/capture/internal/pipeline"
)

const (
	bitDepth  = 16
	pcmFormat = 1
	maxInt16  = math.MaxInt16
)

// Writer encodes mono audio segments.
type Writer struct {
	Channels int
}

// NewWriter creates a mono WAV writer.
func NewWriter() *Writer { return &Writer{Channels: 1} }

// Ext implements pipeline.SegmentWriter.
func (w *Writer) Ext() string { return ".wav" }

// Write encodes chunks at the given sample rate to path.
func (w *Writer) Write(path string, chunks [][]float32, rate float64) (pipeline.WriteInfo, error) {
	sampleRate := int(math.Round(rate))
	if sampleRate <= 0 {
		return pipeline.WriteInfo{}, fmt.Errorf("wav: invalid sample rate %v", rate)
	}

	f, err := os.Create(path)
	if err != nil {
		return pipeline.WriteInfo{}, err
	}
	enc := wav.NewEncoder(f, sampleRate, bitDepth, w.Channels, pcmFormat)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: w.Channels, SampleRate: sampleRate},
		Data:           ToPCM16(chunks),
		SourceBitDepth: bitDepth,
	}
	if err := enc.Write(buf); err != nil {
		f.Close()
		return pipeline.WriteInfo{}, fmt.Errorf("wav: encode: %w", err)
	}
	if err := enc.Close(); err != nil {
		f.Close()
		return pipeline.WriteInfo{}, fmt.Errorf("wav: finalize: %w", err)
	}
	return pipeline.WriteInfo{}, f.Close()
}

// ToPCM16 flattens float32 chunks in [-1, 1] into clamped 16-bit samples.
func ToPCM16(chunks [][]float32) []int {
	n := 0
	for _, c := range chunks {
		n += len(c)
	}
	out := make([]int, 0, n)
	for _, c := range chunks {
		for _, s := range c {
			v := float64(s)
			if v > 1 {
				v = 1
			} else if v < -1 {
				v = -1
			}
			out = append(out, int(math.Round(v*maxInt16)))
		}
	}
	return out
}
