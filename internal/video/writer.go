package video

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"

	"github.com/GriffinCanCode/good-listener/backend/capture/internal/media/fingerprint"
	"github.com/GriffinCanCode/good-listener/backend/capture/internal/pipeline"
)

const codec = "mp4v"

// Writer encodes JPEG frames into an MP4 file.
type Writer struct{}

// NewWriter creates an MP4 segment writer.
func NewWriter() *Writer { return &Writer{} }

// Ext implements pipeline.SegmentWriter.
func (*Writer) Ext() string { return ".mp4" }

// Write encodes frames at rate fps and fingerprints the middle frame.
func (*Writer) Write(path string, frames [][]byte, rate float64) (pipeline.WriteInfo, error) {
	if len(frames) == 0 {
		return pipeline.WriteInfo{}, fmt.Errorf("video: no frames for %s", path)
	}
	if rate <= 0 {
		return pipeline.WriteInfo{}, fmt.Errorf("video: invalid frame rate %v", rate)
	}

	first, err := gocv.IMDecode(frames[0], gocv.IMReadColor)
	if err != nil {
		return pipeline.WriteInfo{}, fmt.Errorf("video: decode first frame: %w", err)
	}
	width, height := first.Cols(), first.Rows()
	_ = first.Close()

	w, err := gocv.VideoWriterFile(path, codec, rate, width, height, true)
	if err != nil {
		return pipeline.WriteInfo{}, fmt.Errorf("video: open writer: %w", err)
	}
	for i, data := range frames {
		if err := writeFrame(w, data, width, height); err != nil {
			_ = w.Close()
			return pipeline.WriteInfo{}, fmt.Errorf("video: frame %d: %w", i, err)
		}
	}
	if err := w.Close(); err != nil {
		return pipeline.WriteInfo{}, fmt.Errorf("video: close writer: %w", err)
	}

	var info pipeline.WriteInfo
	if fp, err := fingerprint.Of(frames[middle(len(frames))]); err == nil {
		info = pipeline.WriteInfo{Fingerprint: fp, HasFingerprint: true}
	}
	return info, nil
}

func writeFrame(w *gocv.VideoWriter, data []byte, width, height int) error {
	img, err := gocv.IMDecode(data, gocv.IMReadColor)
	if err != nil {
		return err
	}
	defer img.Close()
	if img.Cols() != width || img.Rows() != height {
		resized := gocv.NewMat()
		defer resized.Close()
		gocv.Resize(img, &resized, image.Pt(width, height), 0, 0, gocv.InterpolationLinear)
		if resized.Empty() {
			return fmt.Errorf("resize to %dx%d failed", width, height)
		}
		return w.Write(resized)
	}
	return w.Write(img)
}

func middle(n int) int { return n / 2 }
