package app

import (
	"net/http"
	"strings"
	"time"
)

const canonicalChatModel = "Qwen/Qwen2.5-14B-Instruct-AWQ"

// modelAliases maps OpenRouter-style names (lowercased) to the HuggingFace
// names the backends expect. Legacy 7B and text2sql names all land on the
// consolidated 14B AWQ deployment.
var modelAliases = map[string]string{
	"qwen/qwen-2.5-14b-instruct":      canonicalChatModel,
	"qwen/qwen-2.5-14b-instruct-awq":  canonicalChatModel,
	"qwen-2.5-14b-instruct":           canonicalChatModel,
	"qwen-2.5-14b":                    canonicalChatModel,
	"qwen/qwen-2.5-7b-instruct":       canonicalChatModel,
	"qwen-2.5-7b-instruct":            canonicalChatModel,
	"snowflake/arctic-text2sql-r1-7b": canonicalChatModel,
	"arctic-text2sql-7b":              canonicalChatModel,
	"arctic-text2sql-r1-7b":           canonicalChatModel,
}

// resolveModel maps an alias to its canonical name; unknown names pass
// through untouched.
func resolveModel(model string) string {
	if canonical, ok := modelAliases[strings.ToLower(model)]; ok {
		return canonical
	}
	return model
}

// modelCatalogue is the static /v1/models listing, in combined
// OpenAI + OpenRouter schema so either kind of client can consume it.
func modelCatalogue() []map[string]any {
	created := time.Now().Unix()

	permission := func(id string) []map[string]any {
		return []map[string]any{{
			"id":                   id,
			"object":               "model_permission",
			"created":              created,
			"allow_create_engine":  false,
			"allow_sampling":       true,
			"allow_logprobs":       true,
			"allow_search_indices": false,
			"allow_view":           true,
			"allow_fine_tuning":    false,
			"organization":         "*",
			"group":                nil,
			"is_blocking":          false,
		}}
	}

	return []map[string]any{
		{
			"id":             "qwen/qwen-2.5-14b-instruct",
			"object":         "model",
			"created":        created,
			"owned_by":       "caravel",
			"permission":     permission("modelperm-qwen"),
			"root":           "qwen/qwen-2.5-14b-instruct",
			"parent":         nil,
			"canonical_slug": "qwen/qwen-2.5-14b-instruct",
			"name":           "Qwen 2.5 14B Instruct AWQ",
			"description":    "Qwen 2.5 14B Instruct AWQ with extended context. Handles chat and text2SQL.",
			"context_length": 97280,
			"architecture": map[string]any{
				"input_modalities":  []string{"text"},
				"output_modalities": []string{"text"},
				"tokenizer":         "Qwen",
				"instruct_type":     "chat",
			},
			"pricing": map[string]string{"prompt": "0", "completion": "0", "request": "0"},
			"top_provider": map[string]any{
				"context_length":        97280,
				"max_completion_tokens": 8192,
				"is_moderated":          false,
			},
			"supported_parameters": []string{
				"temperature", "top_p", "max_tokens", "stream", "stop",
				"frequency_penalty", "presence_penalty", "tools", "tool_choice",
			},
		},
		{
			"id":             "snowflake/arctic-text2sql-r1-7b",
			"object":         "model",
			"created":        created,
			"owned_by":       "caravel",
			"permission":     permission("modelperm-text2sql"),
			"root":           "snowflake/arctic-text2sql-r1-7b",
			"parent":         nil,
			"canonical_slug": "snowflake/arctic-text2sql-r1-7b",
			"name":           "Text2SQL (Legacy - uses Qwen 14B)",
			"description":    "Legacy alias for SQL generation; redirects to Qwen 2.5 14B Instruct.",
			"context_length": 131072,
			"architecture": map[string]any{
				"input_modalities":  []string{"text"},
				"output_modalities": []string{"text"},
				"tokenizer":         "Qwen",
				"instruct_type":     "chat",
			},
			"pricing": map[string]string{"prompt": "0", "completion": "0", "request": "0"},
			"top_provider": map[string]any{
				"context_length":        131072,
				"max_completion_tokens": 8192,
				"is_moderated":          false,
			},
			"supported_parameters": []string{
				"temperature", "top_p", "max_tokens", "stream", "stop",
				"tools", "tool_choice",
			},
		},
	}
}

func (g *Gateway) handleModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"object": "list",
		"data":   modelCatalogue(),
	})
}

// handleModelsOpenRouter serves the same catalogue under the path many
// OpenRouter-compatible tools use; that schema omits the list wrapper.
func (g *Gateway) handleModelsOpenRouter(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"data": modelCatalogue(),
	})
}
