package proxy

// SSE chunk scrubbing: backend-specific fields are stripped at every level
// they appear so downstream OpenAI/OpenRouter parsers never see them, and
// error payloads are normalised to the {error: {message, type, code}} shape.

var strippedFields = []string{
	"prompt_token_ids", "prompt_logprobs", "token_ids",
	"reasoning_content", "stop_reason", "kv_transfer_params",
}

// CleanChunk removes backend-specific fields from a streaming chunk, at the
// top level, per choice, and inside each choice's delta and message.
func CleanChunk(chunk map[string]any) map[string]any {
	stripFields(chunk)

	choices, ok := chunk["choices"].([]any)
	if !ok {
		return chunk
	}
	for _, c := range choices {
		choice, ok := c.(map[string]any)
		if !ok {
			continue
		}
		stripFields(choice)
		if delta, ok := choice["delta"].(map[string]any); ok {
			stripFields(delta)
		}
		if message, ok := choice["message"].(map[string]any); ok {
			stripFields(message)
		}
	}
	return chunk
}

func stripFields(m map[string]any) {
	for _, f := range strippedFields {
		delete(m, f)
	}
}

// NormalizeErrorChunk converts a bare string error into the object form;
// object errors pass through untouched.
func NormalizeErrorChunk(chunk map[string]any) map[string]any {
	if msg, ok := chunk["error"].(string); ok {
		return map[string]any{
			"error": map[string]any{
				"message": msg,
				"type":    "api_error",
				"code":    nil,
			},
		}
	}
	return chunk
}
