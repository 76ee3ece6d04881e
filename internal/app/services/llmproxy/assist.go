package llmproxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/tidwall/gjson"

	"github.com/daygent/daygent/internal/app/domain/providerkey"
	"github.com/daygent/daygent/internal/app/metrics"
)

const (
	assistMaxTokens       = 1024
	defaultAnthropicModel = "claude-3-5-haiku-latest"
	defaultOpenAIModel    = "gpt-4o-mini"
)

const assistInstructions = "You draft issue reports for a software project tracker. " +
	"Given a problem description, respond with ONLY a raw JSON object " +
	`{"title": "...", "description": "..."}. ` +
	"Keep the title under 80 characters. Write the description as markdown " +
	"with reproduction steps or acceptance criteria where they can be " +
	"inferred. Do not wrap the JSON in markdown code fences."

// AssistRequest asks for a drafted issue from a short problem description.
type AssistRequest struct {
	WorkspaceID string
	Prompt      string
	Model       string
	MaxTokens   int64
}

// AssistResult carries the drafted issue fields and what the draft cost.
type AssistResult struct {
	Title        string `json:"title"`
	Description  string `json:"description"`
	Model        string `json:"model"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
}

// Assist drafts an issue title and description server-side using the
// workspace's provider key, preferring anthropic when one is configured.
func (s *Service) Assist(ctx context.Context, req AssistRequest) (*AssistResult, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, &ServiceError{Status: http.StatusBadRequest, Code: "INVALID_INPUT", Message: "prompt is required"}
	}
	if err := s.checkBudget(ctx, req.WorkspaceID); err != nil {
		return nil, err
	}

	key, secret, err := s.resolveAssistKey(ctx, req.WorkspaceID)
	if err != nil {
		return nil, err
	}

	if key.Provider == providerkey.ProviderAnthropic {
		return s.assistAnthropic(ctx, key, secret, req)
	}
	return s.assistProfile(ctx, key, secret, req)
}

func (s *Service) resolveAssistKey(ctx context.Context, workspaceID string) (providerkey.Key, string, error) {
	for _, p := range []providerkey.Provider{providerkey.ProviderAnthropic, providerkey.ProviderOpenAI, providerkey.ProviderCustom} {
		key, secret, err := s.keys.RevealByProvider(ctx, workspaceID, p)
		if err == nil {
			return key, secret, nil
		}
	}
	return providerkey.Key{}, "", &ServiceError{
		Status:  http.StatusBadRequest,
		Code:    "NO_PROVIDER_KEY",
		Message: "no provider key configured for this workspace",
	}
}

// assistAnthropic drafts through the anthropic SDK.
func (s *Service) assistAnthropic(ctx context.Context, key providerkey.Key, secret string, req AssistRequest) (*AssistResult, error) {
	opts := []option.RequestOption{option.WithAPIKey(secret)}
	if key.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(key.BaseURL))
	}
	client := anthropic.NewClient(opts...)

	model := req.Model
	if model == "" {
		model = defaultAnthropicModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = assistMaxTokens
	}

	start := time.Now()
	msg, err := client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(assistInstructions + "\n\n" + req.Prompt)),
		},
	})
	if err != nil {
		metrics.RecordProxyRequest(string(key.Provider), "error", time.Since(start))
		return nil, &ServiceError{Status: http.StatusBadGateway, Code: "UPSTREAM_ERROR", Message: fmt.Sprintf("draft request failed: %v", err)}
	}
	metrics.RecordProxyRequest(string(key.Provider), "200", time.Since(start))

	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}

	result := parseDraft(text)
	result.Model = string(msg.Model)
	result.InputTokens = msg.Usage.InputTokens
	result.OutputTokens = msg.Usage.OutputTokens
	s.record(ctx, key, result.Model, result.InputTokens, result.OutputTokens)
	return result, nil
}

// assistProfile drafts through the raw openai-compatible chat endpoint.
func (s *Service) assistProfile(ctx context.Context, key providerkey.Key, secret string, req AssistRequest) (*AssistResult, error) {
	profile := s.profileFor(key)

	model := req.Model
	if model == "" {
		model = defaultOpenAIModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = assistMaxTokens
	}

	payload, err := json.Marshal(map[string]interface{}{
		"model":      model,
		"max_tokens": maxTokens,
		"messages": []map[string]string{
			{"role": "system", "content": assistInstructions},
			{"role": "user", "content": req.Prompt},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal draft payload: %w", err)
	}

	start := time.Now()
	resp, err := s.send(ctx, profile, secret, payload)
	if err != nil {
		metrics.RecordProxyRequest(profile.Name, "error", time.Since(start))
		return nil, &ServiceError{Status: http.StatusBadGateway, Code: "UPSTREAM_ERROR", Message: fmt.Sprintf("draft request failed: %v", err)}
	}
	defer resp.Body.Close()
	metrics.RecordProxyRequest(profile.Name, strconv.Itoa(resp.StatusCode), time.Since(start))

	limit := int64(responseBodyLimit)
	if resp.StatusCode >= http.StatusBadRequest {
		limit = errorBodyLimit
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return nil, &ServiceError{Status: http.StatusBadGateway, Code: "UPSTREAM_ERROR", Message: fmt.Sprintf("read draft response: %v", err)}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &ServiceError{Status: http.StatusBadGateway, Code: "UPSTREAM_ERROR", Message: fmt.Sprintf("upstream returned status %d", resp.StatusCode)}
	}

	text := gjson.GetBytes(body, "choices.0.message.content").String()
	in, out, respModel := profile.usage(body)
	if respModel == "" {
		respModel = model
	}

	result := parseDraft(text)
	result.Model = respModel
	result.InputTokens = in
	result.OutputTokens = out
	s.record(ctx, key, respModel, in, out)
	return result, nil
}

// parseDraft reads the model's JSON draft, tolerating markdown fences. When
// the output is not parseable JSON the first line becomes the title.
func parseDraft(text string) *AssistResult {
	cleaned := strings.TrimSpace(text)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)

	var draft struct {
		Title       string `json:"title"`
		Description string `json:"description"`
	}
	if err := json.Unmarshal([]byte(cleaned), &draft); err == nil && draft.Title != "" {
		return &AssistResult{Title: draft.Title, Description: draft.Description}
	}

	title, description, _ := strings.Cut(cleaned, "\n")
	return &AssistResult{Title: strings.TrimSpace(title), Description: strings.TrimSpace(description)}
}
