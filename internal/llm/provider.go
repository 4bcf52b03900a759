package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/config"
)

// Provider identifies an LLM provider.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderBedrock   Provider = "bedrock"
	ProviderOpenAI    Provider = "openai"
)

// ParseModelString parses a model string into provider and model name.
//
// Supported formats:
//
//	"bedrock:global.anthropic.claude-sonnet-4-5-20250929-v1:0" → (bedrock, "global.anthropic.claude-sonnet-4-5-20250929-v1:0")
//	"openai/gpt-4o"                                            → (openai, "gpt-4o")
//	"claude-sonnet-4-20250514"                                 → (anthropic, "claude-sonnet-4-20250514")
//	"us.anthropic.claude-3-5-haiku-20241022-v1:0"              → (bedrock, "us.anthropic.claude-3-5-haiku-20241022-v1:0")
//	"gpt-4o"                                                   → (openai, "gpt-4o")
//	"llama3.2"                                                 → (anthropic, "llama3.2") fallback
func ParseModelString(model string) (Provider, string) {
	for _, sep := range []string{":", "/"} {
		i := strings.Index(model, sep)
		if i <= 0 {
			continue
		}
		switch p := Provider(strings.ToLower(model[:i])); p {
		case ProviderAnthropic, ProviderBedrock, ProviderOpenAI:
			return p, model[i+1:]
		}
	}

	// No prefix: infer from model name patterns
	lower := strings.ToLower(model)
	if strings.HasPrefix(lower, "claude") {
		return ProviderAnthropic, model
	}
	if strings.Contains(lower, "anthropic.claude") {
		return ProviderBedrock, model
	}
	if strings.HasPrefix(lower, "gpt-") || strings.HasPrefix(lower, "o1") || strings.HasPrefix(lower, "o3") || strings.HasPrefix(lower, "o4") {
		return ProviderOpenAI, model
	}

	return ProviderAnthropic, model
}

// NewClientForModel creates the appropriate LLM client based on the model string.
// region is only consulted for Bedrock-hosted models.
//
// Environment variables used:
//
//	ANTHROPIC_API_KEY  Anthropic API key (read by SDK automatically)
//	OPENAI_API_KEY     OpenAI API key (read by SDK automatically)
//	AWS_*              default AWS credential chain for Bedrock
func NewClientForModel(ctx context.Context, model, region string) (Client, string, error) {
	provider, modelName := ParseModelString(model)
	if modelName == "" {
		return nil, "", fmt.Errorf("model %q has no model name", model)
	}

	switch provider {
	case ProviderBedrock:
		cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
		if err != nil {
			return nil, "", fmt.Errorf("load aws config: %w", err)
		}
		return NewBedrockClient(cfg), modelName, nil

	case ProviderOpenAI:
		return NewOpenAIClient(), modelName, nil

	default: // ProviderAnthropic
		return NewAnthropicClient(), modelName, nil
	}
}
