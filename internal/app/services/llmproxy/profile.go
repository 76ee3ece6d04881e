package llmproxy

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/PaesslerAG/jsonpath"
	"github.com/tidwall/gjson"
)

// ProviderProfile describes how to reach an upstream chat-completion API and
// where usage numbers live in its responses. Token and model paths are gjson
// dotted paths; a path starting with "$" is evaluated as a JSONPath
// expression instead, which is how custom providers configure extraction.
type ProviderProfile struct {
	Name             string
	BaseURL          string
	ChatPath         string
	AuthHeader       string
	AuthScheme       string
	ExtraHeaders     map[string]string
	InputTokensPath  string
	OutputTokensPath string
	ModelPath        string
}

func openAIProfile() ProviderProfile {
	return ProviderProfile{
		Name:             "openai",
		BaseURL:          "https://api.openai.com",
		ChatPath:         "/v1/chat/completions",
		AuthHeader:       "Authorization",
		AuthScheme:       "Bearer",
		InputTokensPath:  "usage.prompt_tokens",
		OutputTokensPath: "usage.completion_tokens",
		ModelPath:        "model",
	}
}

func anthropicProfile() ProviderProfile {
	return ProviderProfile{
		Name:       "anthropic",
		BaseURL:    "https://api.anthropic.com",
		ChatPath:   "/v1/messages",
		AuthHeader: "x-api-key",
		ExtraHeaders: map[string]string{
			"anthropic-version": "2023-06-01",
		},
		InputTokensPath:  "usage.input_tokens",
		OutputTokensPath: "usage.output_tokens",
		ModelPath:        "model",
	}
}

// customProfile is the default shape for self-hosted openai-compatible
// endpoints. The base URL always comes from the stored key.
func customProfile() ProviderProfile {
	return ProviderProfile{
		Name:             "custom",
		ChatPath:         "/chat/completions",
		AuthHeader:       "Authorization",
		AuthScheme:       "Bearer",
		InputTokensPath:  "$.usage.prompt_tokens",
		OutputTokensPath: "$.usage.completion_tokens",
		ModelPath:        "$.model",
	}
}

// usage pulls token counts and the model name out of a response body.
func (p ProviderProfile) usage(body []byte) (in, out int64, model string) {
	return extractInt(body, p.InputTokensPath), extractInt(body, p.OutputTokensPath), extractString(body, p.ModelPath)
}

func extractInt(body []byte, path string) int64 {
	if path == "" {
		return 0
	}
	if strings.HasPrefix(path, "$") {
		v, err := jsonPathValue(body, path)
		if err != nil {
			return 0
		}
		switch n := v.(type) {
		case float64:
			return int64(n)
		case string:
			i, _ := strconv.ParseInt(n, 10, 64)
			return i
		}
		return 0
	}
	return gjson.GetBytes(body, path).Int()
}

func extractString(body []byte, path string) string {
	if path == "" {
		return ""
	}
	if strings.HasPrefix(path, "$") {
		v, err := jsonPathValue(body, path)
		if err != nil {
			return ""
		}
		s, _ := v.(string)
		return s
	}
	return gjson.GetBytes(body, path).String()
}

func jsonPathValue(body []byte, path string) (interface{}, error) {
	var doc interface{}
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, err
	}
	return jsonpath.Get(path, doc)
}
