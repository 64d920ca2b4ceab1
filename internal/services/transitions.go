package services

import (
	"fmt"
	"strings"
)

// Transition is an xfade transition name. The set is closed: anything outside
// it resolves to TransitionFade through ParseTransition.
type Transition string

const (
	TransitionFade        Transition = "fade"
	TransitionFadeBlack   Transition = "fadeblack"
	TransitionFadeWhite   Transition = "fadewhite"
	TransitionDissolve    Transition = "dissolve"
	TransitionWipeLeft    Transition = "wipeleft"
	TransitionWipeRight   Transition = "wiperight"
	TransitionWipeUp      Transition = "wipeup"
	TransitionWipeDown    Transition = "wipedown"
	TransitionSlideLeft   Transition = "slideleft"
	TransitionSlideRight  Transition = "slideright"
	TransitionSlideUp     Transition = "slideup"
	TransitionSlideDown   Transition = "slidedown"
	TransitionCircleOpen  Transition = "circleopen"
	TransitionCircleClose Transition = "circleclose"
	TransitionRadial      Transition = "radial"
	TransitionSmoothLeft  Transition = "smoothleft"
	TransitionSmoothRight Transition = "smoothright"
	TransitionPixelize    Transition = "pixelize"
	TransitionZoomIn      Transition = "zoomin"
	TransitionDistance    Transition = "distance"
)

const DefaultTransitionMs = 500

var supportedTransitions = map[Transition]bool{
	TransitionFade:        true,
	TransitionFadeBlack:   true,
	TransitionFadeWhite:   true,
	TransitionDissolve:    true,
	TransitionWipeLeft:    true,
	TransitionWipeRight:   true,
	TransitionWipeUp:      true,
	TransitionWipeDown:    true,
	TransitionSlideLeft:   true,
	TransitionSlideRight:  true,
	TransitionSlideUp:     true,
	TransitionSlideDown:   true,
	TransitionCircleOpen:  true,
	TransitionCircleClose: true,
	TransitionRadial:      true,
	TransitionSmoothLeft:  true,
	TransitionSmoothRight: true,
	TransitionPixelize:    true,
	TransitionZoomIn:      true,
	TransitionDistance:    true,
}

// Storyboard vocabulary that maps onto an xfade transition.
var transitionAliases = map[string]Transition{
	"crossfade":      TransitionFade,
	"cross_fade":     TransitionFade,
	"cross_dissolve": TransitionDissolve,
	"fade_to_black":  TransitionFadeBlack,
	"fade_to_white":  TransitionFadeWhite,
	"wipe":           TransitionWipeLeft,
	"slide":          TransitionSlideLeft,
	"zoom":           TransitionZoomIn,
	"circle":         TransitionCircleOpen,
}

// ParseTransition resolves a caller-supplied effect name. Unknown names,
// including "cut" and the empty string, fall back to a plain fade.
func ParseTransition(name string) Transition {
	n := strings.ToLower(strings.TrimSpace(name))
	n = strings.NewReplacer("-", "_", " ", "_").Replace(n)

	if t := Transition(n); supportedTransitions[t] {
		return t
	}
	if t, ok := transitionAliases[n]; ok {
		return t
	}
	return TransitionFade
}

// ComputeOffsets returns the xfade offset of each of the len(durations)-1
// transitions. Offsets are relative to the start of the chained output: the
// transition into clip k+1 starts t seconds before the running stream ends,
// so offset_k = offset_{k-1} + d_k - t, clamped to >= 0.
func ComputeOffsets(durations []float64, t float64) []float64 {
	if len(durations) < 2 {
		return nil
	}
	offsets := make([]float64, len(durations)-1)
	streamLen := durations[0]
	for k := 0; k < len(durations)-1; k++ {
		offset := streamLen - t
		if offset < 0 {
			offset = 0
		}
		offsets[k] = offset
		streamLen = offset + durations[k+1]
	}
	return offsets
}

// BuildTransitionGraph builds the filter_complex graph chaining xfade between
// every adjacent pair. effects[k] is the transition out of clip k. Audio, when
// requested, is a straight sequential concat. Returns the graph and its output
// labels (video first).
func BuildTransitionGraph(effects []Transition, durations []float64, t float64, withAudio bool) (string, []string) {
	n := len(durations)
	var parts []string

	for i := 0; i < n; i++ {
		parts = append(parts, fmt.Sprintf("[%d:v]fps=%d,settb=AVTB,format=yuv420p[v%d]", i, videoFPS, i))
	}

	offsets := ComputeOffsets(durations, t)
	prev := "v0"
	for k, offset := range offsets {
		effect := TransitionFade
		if k < len(effects) && effects[k] != "" {
			effect = effects[k]
		}
		out := fmt.Sprintf("x%d", k+1)
		if k == len(offsets)-1 {
			out = "vout"
		}
		parts = append(parts, fmt.Sprintf("[%s][v%d]xfade=transition=%s:duration=%.3f:offset=%.3f[%s]",
			prev, k+1, effect, t, offset, out))
		prev = out
	}

	labels := []string{"vout"}
	if withAudio {
		var in strings.Builder
		for i := 0; i < n; i++ {
			fmt.Fprintf(&in, "[%d:a]", i)
		}
		parts = append(parts, fmt.Sprintf("%sconcat=n=%d:v=0:a=1[aout]", in.String(), n))
		labels = append(labels, "aout")
	}

	return strings.Join(parts, ";"), labels
}
