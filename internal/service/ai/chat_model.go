package ai

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"google.golang.org/genai"

	"github.com/jc2409/jsonify/internal/config"
)

const (
	defaultAzureAPIVersion = "2024-06-01"
	claudeMaxTokens        = 3000
)

// NewChatModel builds the chat model behind the metadata client.
// Sampling temperature is pinned to zero so repeated runs agree.
func NewChatModel(ctx context.Context, provider string, provCfg config.ProviderConfig, modelName string) (model.BaseChatModel, error) {
	if modelName == "" {
		modelName = provCfg.Model
	}
	if modelName == "" {
		return nil, fmt.Errorf("no model configured for provider %s", provider)
	}
	if provCfg.APIKey == "" {
		return nil, fmt.Errorf("no api key configured for provider %s", provider)
	}
	var temperature float32

	var (
		chatModel model.BaseChatModel
		err       error
	)
	switch provider {
	case "openai":
		chatModel, err = openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL:     provCfg.BaseURL,
			APIKey:      provCfg.APIKey,
			Model:       modelName,
			Temperature: &temperature,
		})
	case "azure":
		if provCfg.BaseURL == "" {
			return nil, fmt.Errorf("azure provider requires an endpoint")
		}
		apiVersion := provCfg.APIVersion
		if apiVersion == "" {
			apiVersion = defaultAzureAPIVersion
		}
		chatModel, err = openai.NewChatModel(ctx, &openai.ChatModelConfig{
			ByAzure:     true,
			BaseURL:     provCfg.BaseURL,
			APIVersion:  apiVersion,
			APIKey:      provCfg.APIKey,
			Model:       modelName,
			Temperature: &temperature,
		})
	case "gemini":
		client, cerr := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  provCfg.APIKey,
			Backend: genai.BackendGeminiAPI,
		})
		if cerr != nil {
			return nil, fmt.Errorf("gemini client: %w", cerr)
		}
		chatModel, err = gemini.NewChatModel(ctx, &gemini.Config{
			Client:      client,
			Model:       modelName,
			Temperature: &temperature,
		})
	case "claude":
		var baseURLPtr *string
		if provCfg.BaseURL != "" {
			baseURLPtr = &provCfg.BaseURL
		}
		chatModel, err = claude.NewChatModel(ctx, &claude.Config{
			APIKey:      provCfg.APIKey,
			Model:       modelName,
			BaseURL:     baseURLPtr,
			MaxTokens:   claudeMaxTokens,
			Temperature: &temperature,
		})
	default:
		return nil, fmt.Errorf("invalid provider: %s", provider)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s chat model: %w", provider, err)
	}
	return chatModel, nil
}
