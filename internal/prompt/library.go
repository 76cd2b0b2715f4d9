package prompt

import "github.com/nikhilbhutani/lessonreel/internal/models"

var strategyRules = map[models.Strategy]string{
	models.StrategyStrictSummary: `Use only facts stated in the source material. Do not add examples,
figures or claims that are not in it. Condense; never embellish.`,
	models.StrategyHybrid: `Stay faithful to the source material, but you may add short
clarifying examples and analogies where they help a learner.`,
	models.StrategyCreativeExpansion: `Treat the topic and any source material as a starting point.
Expand freely with stories, analogies and vivid examples while keeping every
fact accurate.`,
}

// StrategyRules returns the writing rules for s, defaulting to hybrid.
func StrategyRules(s models.Strategy) string {
	if r, ok := strategyRules[s]; ok {
		return r
	}
	return strategyRules[models.StrategyHybrid]
}

// Script asks for a single block of narration.
//
// Variables: strategy_rules, topic, words, instructions, source.
var Script = Template{
	Name: "script",
	System: `You write narration scripts for short educational videos.
{{strategy_rules}}
Write in a warm, conversational voice meant to be read aloud.`,
	User: `Topic: {{topic}}
Target length: about {{words}} words.

{{instructions}}

{{source}}

Return only the narration text. No title, headings, bullet points, speaker
labels, stage directions or markdown.`,
}

// Storyboard asks for a JSON scene list that partitions the narration.
//
// Variables: scene_count, seconds, style, visual_instructions, narration.
var Storyboard = Template{
	Name: "storyboard",
	System: `You are a storyboard artist for narrated educational videos.
You respond with a single JSON object and nothing else.`,
	User: `Split the narration below into about {{scene_count}} consecutive scenes of
roughly {{seconds}} seconds of speech each.

Rules:
- Every word of the narration appears in exactly one scene, in the original
  order, unchanged. Do not summarise, reorder or skip text.
- "text" is the exact narration slice for the scene.
- "visual" describes one still illustration for the scene in a single
  sentence. No text, letters or logos in the image.
- "caption" is a short on-screen caption of at most eight words.

Visual style: {{style}}

{{visual_instructions}}

Respond as {"scenes":[{"text":"...","visual":"...","caption":"..."}]}

Narration:
{{narration}}`,
}
