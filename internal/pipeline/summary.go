package pipeline

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// AudioSummarizer expects payloads shaped like
// {"transcript": "...", "audio_analysis": ...}.
type AudioSummarizer struct{}

// Text returns the transcript of a payload.
func (AudioSummarizer) Text(payload any) string {
	switch p := payload.(type) {
	case map[string]any:
		return stringField(p, "transcript")
	case string:
		if m, ok := decodeObject(p); ok {
			return stringField(m, "transcript")
		}
		return strings.TrimSpace(p)
	default:
		return ""
	}
}

// Summarize renders "Transcript: ...\nAnalysis: ...".
func (s AudioSummarizer) Summarize(results []Result) string {
	var transcripts, analyses []string
	for _, r := range results {
		if r.Failed {
			analyses = append(analyses, fmt.Sprintf("segment %d failed: %s", r.Index, r.Error))
			continue
		}
		if t := strings.TrimSpace(r.Text); t != "" {
			transcripts = append(transcripts, t)
		}
		if a := audioAnalysis(r.Payload); a != "" {
			analyses = append(analyses, a)
		}
	}
	analysis := "none"
	if len(analyses) > 0 {
		analysis = strings.Join(analyses, "; ")
	}
	return fmt.Sprintf("Transcript: %s\nAnalysis: %s", strings.Join(transcripts, " "), analysis)
}

func audioAnalysis(payload any) string {
	m, ok := payload.(map[string]any)
	if !ok {
		if s, isStr := payload.(string); isStr {
			m, ok = decodeObject(s)
		}
		if !ok {
			return ""
		}
	}
	return flatten(m["audio_analysis"])
}

// VideoSummarizer expects payloads carrying a "video_analysis" description.
type VideoSummarizer struct{}

// Text returns the description of a payload.
func (VideoSummarizer) Text(payload any) string {
	switch p := payload.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(p)
	case map[string]any:
		for _, k := range []string{"video_analysis", "description", "text"} {
			if s := stringField(p, k); s != "" {
				return s
			}
		}
	}
	return flatten(payload)
}

// Summarize renders one "<path>: <text>" line per segment.
func (VideoSummarizer) Summarize(results []Result) string {
	lines := make([]string, 0, len(results))
	for _, r := range results {
		if r.Failed {
			lines = append(lines, fmt.Sprintf("%s: analysis failed: %s", r.Path, r.Error))
			continue
		}
		lines = append(lines, fmt.Sprintf("%s: %s", r.Path, r.Text))
	}
	return strings.Join(lines, "\n")
}

// SummarizerFor returns the default summarizer of a modality.
func SummarizerFor(m Modality) Summarizer {
	if m == Video {
		return VideoSummarizer{}
	}
	return AudioSummarizer{}
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return strings.TrimSpace(s)
}

func decodeObject(s string) (map[string]any, bool) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "{") {
		return nil, false
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, false
	}
	return m, true
}

// flatten renders a payload value as one line; maps become "k:v" pairs in
// key order.
func flatten(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(x)
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, k+":"+flatten(x[k]))
		}
		return strings.Join(parts, ", ")
	case []any:
		parts := make([]string, 0, len(x))
		for _, e := range x {
			if s := flatten(e); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, ", ")
	default:
		return fmt.Sprint(x)
	}
}
