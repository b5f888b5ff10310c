package openai

import (
	"bytes"
	"fmt"
	"os"
	"text/template"

	"gopkg.in/yaml.v3"
)

// PromptSpec is one prompt with its model parameters
type PromptSpec struct {
	Temperature  float32 `yaml:"temperature"`
	MaxTokens    int     `yaml:"max_tokens"`
	System       string  `yaml:"system"`
	UserTemplate string  `yaml:"user_template"`
}

// PromptConfig holds the prompts used by the assessor
type PromptConfig struct {
	Assessment PromptSpec `yaml:"assessment"`
}

// DefaultPrompts returns the built-in assessment prompt
func DefaultPrompts() *PromptConfig {
	return &PromptConfig{
		Assessment: PromptSpec{
			Temperature: 0.2,
			MaxTokens:   800,
			System: "You review business requests that move through an approval workflow. " +
				"Answer only with a JSON object.",
			UserTemplate: `{{.Instruction}}

Request data:
{{.Data}}

Respond with a JSON object of this exact shape:
{
  "decision": "approve" | "reject" | "review",
  "confidence": number between 0.0 and 1.0,
  "reasons": [string]
}`,
		},
	}
}

// LoadPrompts loads prompt configuration from a YAML file.
// Sections missing from the file keep their defaults.
func LoadPrompts(promptsPath string) (*PromptConfig, error) {
	data, err := os.ReadFile(promptsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read prompts file: %w", err)
	}

	prompts := DefaultPrompts()
	if err := yaml.Unmarshal(data, prompts); err != nil {
		return nil, fmt.Errorf("failed to unmarshal prompts: %w", err)
	}
	if _, err := template.New("check").Parse(prompts.Assessment.UserTemplate); err != nil {
		return nil, fmt.Errorf("invalid assessment user_template: %w", err)
	}
	return prompts, nil
}

// renderTemplate renders a template with provided data
func renderTemplate(templateStr string, data any) (string, error) {
	tmpl, err := template.New("prompt").Parse(templateStr)
	if err != nil {
		return "", fmt.Errorf("failed to parse template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to execute template: %w", err)
	}
	return buf.String(), nil
}
