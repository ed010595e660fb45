// Package analysis holds the tagged results produced by the visual and
// transcription adapters. The policy engine consumes these instead of vendor
// payloads.
package analysis

import "github.com/dharsanguruparan/MediaGate/internal/failure"

// State tags a channel result. The zero value is StateMissing, which the
// policy engine treats the same as StateFailed.
type State uint8

const (
	StateMissing State = iota
	StateSucceeded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	default:
		return "missing"
	}
}

// Detection is one visual category with the analyzer's score in [0,1].
type Detection struct {
	Category string  `json:"category"`
	Score    float64 `json:"score"`
}

// Visual is the outcome of the visual channel.
type Visual struct {
	State      State
	ErrorKind  failure.Kind
	Detections []Detection
	PoseFlags  []string
}

// Succeeded reports whether the channel produced a usable result.
func (v Visual) Succeeded() bool { return v.State == StateSucceeded }

// Categories returns the detected category names in analyzer order.
func (v Visual) Categories() []string {
	out := make([]string, 0, len(v.Detections))
	for _, d := range v.Detections {
		out = append(out, d.Category)
	}
	return out
}

// VisualSucceeded builds a successful visual result.
func VisualSucceeded(detections []Detection, poseFlags []string) Visual {
	return Visual{State: StateSucceeded, Detections: detections, PoseFlags: poseFlags}
}

// VisualFailed builds a failed visual result.
func VisualFailed(kind failure.Kind) Visual {
	return Visual{State: StateFailed, ErrorKind: kind}
}

// Transcript is the outcome of the transcription channel.
type Transcript struct {
	State              State
	ErrorKind          failure.Kind
	Text               string
	Language           string
	LanguageConfidence float64
}

// Succeeded reports whether the channel produced a usable result.
func (t Transcript) Succeeded() bool { return t.State == StateSucceeded }

// TranscriptSucceeded builds a successful transcript. Empty text is valid.
func TranscriptSucceeded(text, language string, confidence float64) Transcript {
	return Transcript{State: StateSucceeded, Text: text, Language: language, LanguageConfidence: confidence}
}

// TranscriptFailed builds a failed transcript.
func TranscriptFailed(kind failure.Kind) Transcript {
	return Transcript{State: StateFailed, ErrorKind: kind}
}

// FailureKind maps an adapter error to the kind recorded on a failed channel.
func FailureKind(err error) failure.Kind {
	kind := failure.KindOf(err)
	if kind == "" {
		return failure.TransientServiceError
	}
	return kind
}
