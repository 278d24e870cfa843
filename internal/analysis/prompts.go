package analysis

import "github.com/GriffinCanCode/good-listener/backend/capture/internal/pipeline"

const (
	audioPrompt = `Transcribe the speech in this audio segment and assess how it was delivered.
Reply with JSON only: {"transcript": "<verbatim speech>", "audio_analysis": {"tone": "...", "pace": "...", "confidence": "..."}}.
Use an empty transcript if nobody speaks.`

	videoPrompt = `Watch this interview clip and describe the candidate's body language, facial expression and apparent emotional state in about three sentences.
Reply with JSON only: {"video_analysis": "<description>"}.`
)

// DefaultPrompt returns the analysis instruction for a modality.
func DefaultPrompt(m pipeline.Modality) string {
	if m == pipeline.Video {
		return videoPrompt
	}
	return audioPrompt
}
