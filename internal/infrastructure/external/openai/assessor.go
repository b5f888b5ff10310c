// Package openai implements the ai_assessment service task on the OpenAI chat API.
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/garyjia/workflow-engine/internal/application/port"
)

// Config holds OpenAI client configuration
type Config struct {
	APIKey string
	Model  string
	// BaseURL points at an OpenAI-compatible endpoint; empty uses api.openai.com
	BaseURL string
}

// Assessor implements port.Assessor
type Assessor struct {
	client  *openai.Client
	model   string
	prompts *PromptConfig
	logger  *zap.Logger
}

// NewAssessor creates an assessor. prompts may be nil to use the built-in prompt.
func NewAssessor(cfg Config, prompts *PromptConfig, logger *zap.Logger) *Assessor {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	if prompts == nil {
		prompts = DefaultPrompts()
	}
	model := cfg.Model
	if model == "" {
		model = openai.GPT4o
	}

	return &Assessor{
		client:  openai.NewClientWithConfig(clientCfg),
		model:   model,
		prompts: prompts,
		logger:  logger,
	}
}

// assessmentResponse is the JSON the model is asked to return
type assessmentResponse struct {
	Decision   string   `json:"decision"`
	Confidence float64  `json:"confidence"`
	Reasons    []string `json:"reasons"`
}

// Assess asks the model to judge data against instruction
func (a *Assessor) Assess(ctx context.Context, instruction string, data map[string]any) (*port.Assessment, error) {
	dataJSON, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode instance data: %w", err)
	}

	prompt, err := renderTemplate(a.prompts.Assessment.UserTemplate, map[string]any{
		"Instruction": instruction,
		"Data":        string(dataJSON),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to render prompt: %w", err)
	}

	resp, err := a.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       a.model,
		Temperature: a.prompts.Assessment.Temperature,
		MaxTokens:   a.prompts.Assessment.MaxTokens,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: a.prompts.Assessment.System},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		a.logger.Error("OpenAI API call failed", zap.Error(err))
		return nil, fmt.Errorf("OpenAI API call failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no response from OpenAI")
	}

	content := resp.Choices[0].Message.Content

	var result assessmentResponse
	if err := json.Unmarshal([]byte(content), &result); err != nil {
		// Some models wrap the object in prose or a code fence
		jsonStr := extractJSON(content)
		if jsonStr == "" || json.Unmarshal([]byte(jsonStr), &result) != nil {
			a.logger.Error("Failed to parse OpenAI response",
				zap.Error(err),
				zap.String("content", content))
			return nil, fmt.Errorf("failed to parse response: %w", err)
		}
	}

	decision := strings.ToLower(strings.TrimSpace(result.Decision))
	switch decision {
	case "approve", "reject", "review":
	default:
		return nil, fmt.Errorf("model returned unknown decision %q", result.Decision)
	}

	a.logger.Info("Assessment completed",
		zap.String("decision", decision),
		zap.Float64("confidence", result.Confidence),
		zap.String("model", resp.Model))

	return &port.Assessment{
		Decision:   decision,
		Confidence: clamp(result.Confidence),
		Reasons:    result.Reasons,
		Model:      resp.Model,
	}, nil
}

func clamp(c float64) float64 {
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

// extractJSON returns the first balanced JSON object in content
func extractJSON(content string) string {
	start := strings.IndexByte(content, '{')
	if start < 0 {
		return ""
	}
	end := findJSONEnd(content, start)
	if end <= start {
		return ""
	}
	return content[start:end]
}

// findJSONEnd finds the end of JSON content starting at a given position
func findJSONEnd(content string, start int) int {
	if start < 0 || start >= len(content) || content[start] != '{' {
		return -1
	}

	braceCount := 0
	inString := false
	escapeNext := false

	for i := start; i < len(content); i++ {
		char := content[i]

		if escapeNext {
			escapeNext = false
			continue
		}
		if char == '\\' {
			escapeNext = true
			continue
		}
		if char == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}

		switch char {
		case '{':
			braceCount++
		case '}':
			braceCount--
			if braceCount == 0 {
				return i + 1
			}
		}
	}
	return -1
}

var _ port.Assessor = (*Assessor)(nil)
