package anthropic

import (
	"math"
	"strings"

	"github.com/tidwall/gjson"
)

// anthropicRequest is the Anthropic Messages API request body for a single
// user-turn completion call (this gateway carries no conversation state).
type anthropicRequest struct {
	Model       string         `json:"model"`
	MaxTokens   int            `json:"max_tokens"`
	Messages    []anthropicMsg `json:"messages"`
	Temperature float64        `json:"temperature,omitempty"`
}

// hostedRequest is the Vertex/Bedrock variant: anthropic_version moves into
// the body and model is carried in the URL instead.
type hostedRequest struct {
	AnthropicVersion string         `json:"anthropic_version"`
	MaxTokens        int            `json:"max_tokens"`
	Messages         []anthropicMsg `json:"messages"`
	Temperature      float64        `json:"temperature,omitempty"`
}

type anthropicMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// translateResponse extracts the completion text and token counts from an
// Anthropic Messages API response, falling back to the ceil(len/4)
// estimator when usage is absent.
func translateResponse(data []byte, prompt string) (string, int, int, error) {
	result := gjson.ParseBytes(data)

	var text strings.Builder
	result.Get("content").ForEach(func(_, block gjson.Result) bool {
		if block.Get("type").String() == "text" {
			text.WriteString(block.Get("text").String())
		}
		return true
	})

	promptTokens := int(result.Get("usage.input_tokens").Int())
	completionTokens := int(result.Get("usage.output_tokens").Int())
	if promptTokens == 0 && completionTokens == 0 {
		promptTokens = estimateTokens(prompt)
		completionTokens = estimateTokens(text.String())
	}
	return text.String(), promptTokens, completionTokens, nil
}

func estimateTokens(s string) int {
	return int(math.Ceil(float64(len(s)) / 4))
}
