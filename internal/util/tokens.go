package util

import "strings"

// Token estimation for quota admission. These are deliberately cheap
// heuristics: the quota ledger only needs a consistent estimate, and exact
// counts arrive in the backend's usage block for the non-streaming path.

const (
	tokensPerMessage      = 4 // role/content framing overhead per message
	replyPrimingTokens    = 3
	charsPerToken         = 4
	maxCompletionEstimate = 4096
	defaultCompletion     = 512
)

// ChatMessage is the subset of an OpenAI chat message the estimator needs.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// EstimateChatTokens approximates the prompt tokens of a chat request.
func EstimateChatTokens(messages []ChatMessage) int {
	total := 0
	for _, m := range messages {
		total += tokensPerMessage
		total += len(m.Role) / charsPerToken
		total += len(m.Content) / charsPerToken
		if m.Name != "" {
			total += 1 + len(m.Name)/charsPerToken
		}
	}
	if total > 0 {
		total += replyPrimingTokens
	}
	return total
}

// EstimatePromptTokens approximates the tokens of a plain completion prompt.
func EstimatePromptTokens(prompt string) int {
	if prompt == "" {
		return 0
	}
	return len(strings.Fields(prompt)) * 2
}

// EstimateCompletionTokens caps the requested completion budget, falling back
// to a fixed default when the request does not specify max_tokens.
func EstimateCompletionTokens(maxTokens int) int {
	if maxTokens > 0 {
		if maxTokens > maxCompletionEstimate {
			return maxCompletionEstimate
		}
		return maxTokens
	}
	return defaultCompletion
}
