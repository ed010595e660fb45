// Package policy turns analysis results into a publication verdict. It performs
// no I/O.
package policy

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dharsanguruparan/MediaGate/internal/analysis"
	"github.com/dharsanguruparan/MediaGate/internal/failure"
	"github.com/dharsanguruparan/MediaGate/internal/model"
	"github.com/dharsanguruparan/MediaGate/internal/textscreen"
)

// Verdict is the engine's decision for one analysis attempt.
type Verdict struct {
	Outcome    model.DecisionOutcome
	Reason     string
	Reasoning  string
	Categories []string
	Confidence float64
}

// Rejected reports whether the verdict blocks publication.
func (v Verdict) Rejected() bool { return v.Outcome != model.OutcomeApproved }

// DefaultCategoryThresholds are the per-category visual score limits.
func DefaultCategoryThresholds() map[string]float64 {
	return map[string]float64{
		"nudity":      0.70,
		"sexual":      0.70,
		"violence":    0.80,
		"gore":        0.60,
		"weapon":      0.85,
		"self_harm":   0.50,
		"hate_symbol": 0.70,
		"drugs":       0.80,
	}
}

// DefaultPoseFlags are pose/gesture detections that always reject.
func DefaultPoseFlags() []string {
	return []string{"obscene_gesture", "sexual_pose"}
}

// Engine holds thresholds. The zero value rejects nothing visually, so build
// it with New.
type Engine struct {
	thresholds map[string]float64
	poseFlags  map[string]struct{}
}

// New builds an engine. Nil arguments fall back to the defaults.
func New(thresholds map[string]float64, poseFlags []string) *Engine {
	if thresholds == nil {
		thresholds = DefaultCategoryThresholds()
	}
	if poseFlags == nil {
		poseFlags = DefaultPoseFlags()
	}
	e := &Engine{
		thresholds: make(map[string]float64, len(thresholds)),
		poseFlags:  make(map[string]struct{}, len(poseFlags)),
	}
	for name, limit := range thresholds {
		e.thresholds[normalize(name)] = limit
	}
	for _, flag := range poseFlags {
		e.poseFlags[normalize(flag)] = struct{}{}
	}
	return e
}

// Decide applies the rules in priority order: incomplete analysis, visual
// categories, pose flags, text screening, approval. text is ignored unless the
// transcript succeeded.
func (e *Engine) Decide(visual analysis.Visual, transcript analysis.Transcript, text textscreen.Verdict) Verdict {
	if !visual.Succeeded() || !transcript.Succeeded() {
		return Verdict{
			Outcome:    model.OutcomeRejected,
			Reason:     string(failure.AnalysisIncomplete),
			Reasoning:  incompleteReasoning(visual, transcript),
			Categories: visual.Categories(),
		}
	}

	categories := visual.Categories()
	if hit, ok := e.worstCategory(visual.Detections); ok {
		return Verdict{
			Outcome:    model.OutcomeRejected,
			Reason:     hit.Category,
			Reasoning:  fmt.Sprintf("visual category %s scored %.2f (limit %.2f)", hit.Category, hit.Score, e.thresholds[normalize(hit.Category)]),
			Categories: categories,
			Confidence: hit.Score,
		}
	}
	for _, flag := range visual.PoseFlags {
		if _, banned := e.poseFlags[normalize(flag)]; banned {
			return Verdict{
				Outcome:    model.OutcomeRejected,
				Reason:     flag,
				Reasoning:  "disallowed pose detected: " + flag,
				Categories: append(categories, flag),
				Confidence: 1,
			}
		}
	}
	if text.Flagged {
		reason := text.Reason
		if reason == "" {
			reason = string(failure.PolicyViolation)
		}
		return Verdict{
			Outcome:    model.OutcomeRejected,
			Reason:     reason,
			Reasoning:  fmt.Sprintf("transcript flagged (score %.2f): %s", text.Score, strings.Join(text.Matches, ", ")),
			Categories: append(categories, reason),
			Confidence: text.Score,
		}
	}

	confidence := 1 - e.maxRisk(visual.Detections)
	if textConfidence := 1 - text.Score; textConfidence < confidence {
		confidence = textConfidence
	}
	return Verdict{
		Outcome:    model.OutcomeApproved,
		Reasoning:  "all analysis channels clean",
		Categories: categories,
		Confidence: confidence,
	}
}

// worstCategory returns the detection that exceeds its threshold by the widest
// margin, so the reported reason is deterministic when several categories trip.
func (e *Engine) worstCategory(detections []analysis.Detection) (analysis.Detection, bool) {
	var tripped []analysis.Detection
	for _, d := range detections {
		limit, ok := e.thresholds[normalize(d.Category)]
		if !ok {
			continue
		}
		if d.Score > limit {
			tripped = append(tripped, d)
		}
	}
	if len(tripped) == 0 {
		return analysis.Detection{}, false
	}
	sort.SliceStable(tripped, func(i, j int) bool {
		mi := tripped[i].Score - e.thresholds[normalize(tripped[i].Category)]
		mj := tripped[j].Score - e.thresholds[normalize(tripped[j].Category)]
		return mi > mj
	})
	return tripped[0], true
}

func incompleteReasoning(visual analysis.Visual, transcript analysis.Transcript) string {
	parts := make([]string, 0, 2)
	if !visual.Succeeded() {
		parts = append(parts, "visual "+channelDetail(visual.State, visual.ErrorKind))
	}
	if !transcript.Succeeded() {
		parts = append(parts, "transcription "+channelDetail(transcript.State, transcript.ErrorKind))
	}
	return "analysis incomplete: " + strings.Join(parts, "; ")
}

func channelDetail(state analysis.State, kind failure.Kind) string {
	if kind == "" {
		return state.String()
	}
	return state.String() + " (" + string(kind) + ")"
}

// maxRisk is the highest score among categories the engine has a limit for.
func (e *Engine) maxRisk(detections []analysis.Detection) float64 {
	var max float64
	for _, d := range detections {
		if _, ok := e.thresholds[normalize(d.Category)]; !ok {
			continue
		}
		if d.Score > max {
			max = d.Score
		}
	}
	return max
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
