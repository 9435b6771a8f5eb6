package vision

import (
	"encoding/json"
	"fmt"
	"strings"
)

const assessmentPrompt = `You are a produce quality inspector. Examine the photo of the fruit and respond with ONLY a JSON object, no prose, with these fields:
  "ripeness": one of "unripe", "turning", "ripe", "overripe", "spoiled"
  "confidence": integer 0-100, how sure you are about the ripeness call
  "sweetness": integer 1-10, estimated sweetness
  "variety": the fruit and, if identifiable, its cultivar (for example "banana cavendish")
  "surface_quality": short description of skin condition (bruising, blemishes, mold, none)
  "rationale": one or two sentences explaining the visual cues you used
If the photo does not show fruit, use ripeness "spoiled", confidence 0 and explain in rationale.`

// ParseAssessment extracts an Assessment from a model's text reply. It
// tolerates markdown code fences and prose around the JSON object.
func ParseAssessment(text string) (Assessment, error) {
	body := strings.TrimSpace(text)
	if strings.HasPrefix(body, "```") {
		body = strings.TrimPrefix(body, "```json")
		body = strings.TrimPrefix(body, "```")
		body = strings.TrimSuffix(strings.TrimSpace(body), "```")
	}
	start := strings.Index(body, "{")
	end := strings.LastIndex(body, "}")
	if start < 0 || end <= start {
		return Assessment{}, fmt.Errorf("no JSON object in provider reply")
	}

	var a Assessment
	if err := json.Unmarshal([]byte(body[start:end+1]), &a); err != nil {
		return Assessment{}, fmt.Errorf("decoding assessment: %w", err)
	}
	if err := a.Validate(); err != nil {
		return Assessment{}, fmt.Errorf("invalid assessment: %w", err)
	}
	return a, nil
}
