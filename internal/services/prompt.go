package services

import (
	"fmt"
	"math"
	"strings"

	"github.com/bobarin/adreel/internal/models"
)

// sceneTypeDirection gives each storyboard beat a default cinematic intent.
var sceneTypeDirection = map[models.SceneType]string{
	models.SceneTypeHook:       "Open with an arresting, high-energy shot that grabs attention in the first second.",
	models.SceneTypeProblem:    "Show the frustration or pain point clearly and relatably.",
	models.SceneTypeSolution:   "Reveal the product as the answer, with a confident, satisfying moment.",
	models.SceneTypeBenefit:    "Show the positive outcome in a warm, aspirational way.",
	models.SceneTypeCTA:        "Close on a clean, uncluttered frame that leaves room for a call to action.",
	models.SceneTypeIntro:      "Establish the setting and mood with a steady opening shot.",
	models.SceneTypeOutro:      "Wind down calmly with a memorable final image.",
	models.SceneTypeTransition: "Bridge smoothly between ideas with gentle camera motion.",
	models.SceneTypeFeature:    "Highlight the product feature in close detail with clear, focused motion.",
}

// BuildScenePrompt converts a scene's structured metadata into a single
// instruction for the video provider.
func BuildScenePrompt(scene models.Scene) string {
	var b strings.Builder

	b.WriteString(strings.TrimSpace(scene.Description))

	if dir, ok := sceneTypeDirection[scene.SceneType]; ok {
		b.WriteString("\n\n")
		b.WriteString(dir)
	}

	if v := optString(scene.VisualDirection); v != "" {
		b.WriteString("\n\nVisual direction: ")
		b.WriteString(v)
	}

	if n := optString(scene.NarrationScript); n != "" {
		// Narration sets the pacing only; it is voiced over later, not rendered.
		fmt.Fprintf(&b, "\n\nThe shot accompanies this narration (do not render it as on-screen text): %q", n)
	}

	if t := optString(scene.TransitionEffect); t != "" && !strings.EqualFold(t, "cut") {
		fmt.Fprintf(&b, "\n\nEnd the shot in a way that suits a %s transition into the next scene.", t)
	}

	if scene.DurationSeconds > 0 {
		fmt.Fprintf(&b, "\n\nTarget length: about %d seconds.", int(math.Round(scene.DurationSeconds)))
	}

	b.WriteString("\n\nCinematic commercial quality, consistent lighting, no on-screen text or watermarks.")
	return b.String()
}

// BuildExtensionPrompt is the prompt for one extension hop: continue the
// existing footage into the next scene without a visible cut.
func BuildExtensionPrompt(scene models.Scene) string {
	return "Continue the existing footage seamlessly, keeping the same subjects, lighting and camera style, without a visible cut.\n\n" +
		BuildScenePrompt(scene)
}

func optString(s *string) string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(*s)
}
