package completion

import (
	"context"
	"net/http"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
	"github.com/pkg/errors"

	"github.com/zhouzirui/streamchat/backend/internal/config"
)

// ModelConfig is the per-exchange part of a chat model's configuration.
type ModelConfig struct {
	Model      string
	Credential string
}

// ModelFactory builds a chat model for one exchange. Models are not cached because
// the credential belongs to the calling session.
type ModelFactory func(ctx context.Context, cfg ModelConfig) (model.ChatModel, error)

// NewModelFactory returns the factory for the configured provider. httpClient may be
// nil to use the provider SDK's default transport.
func NewModelFactory(cfg config.AIConfig, httpClient *http.Client) (ModelFactory, error) {
	switch cfg.Provider {
	case config.ProviderOpenAI, "":
		return openAIFactory(cfg, httpClient), nil
	case config.ProviderArk:
		return arkFactory(cfg, httpClient), nil
	default:
		return nil, errors.Errorf("unsupported provider %q", cfg.Provider)
	}
}

func openAIFactory(cfg config.AIConfig, httpClient *http.Client) ModelFactory {
	return func(_ context.Context, mc ModelConfig) (model.ChatModel, error) {
		return NewOpenAIChatModel(OpenAIConfig{
			APIKey:      mc.Credential,
			BaseURL:     cfg.BaseURL,
			Model:       mc.Model,
			HTTPClient:  httpClient,
			Temperature: toFloat32(cfg.Temperature),
			TopP:        toFloat32(cfg.TopP),
			MaxTokens:   cfg.MaxTokens,
		})
	}
}

func arkFactory(cfg config.AIConfig, httpClient *http.Client) ModelFactory {
	return func(ctx context.Context, mc ModelConfig) (model.ChatModel, error) {
		// single best-effort attempt
		retries := 0
		arkCfg := &ark.ChatModelConfig{
			BaseURL:     cfg.BaseURL,
			Region:      cfg.Region,
			APIKey:      mc.Credential,
			Model:       mc.Model,
			MaxTokens:   cfg.MaxTokens,
			Temperature: toFloat32(cfg.Temperature),
			TopP:        toFloat32(cfg.TopP),
			RetryTimes:  &retries,
		}
		if httpClient != nil {
			arkCfg.HTTPClient = httpClient
		}

		chatModel, err := ark.NewChatModel(ctx, arkCfg)
		if err != nil {
			return nil, errors.Wrap(err, "create ark chat model")
		}
		return chatModel, nil
	}
}

func toFloat32(v *float64) *float32 {
	if v == nil {
		return nil
	}
	val := float32(*v)
	return &val
}

// NewFromConfig builds a Client for the configured provider with the default HTTP client.
func NewFromConfig(cfg config.AIConfig) (*Client, error) {
	factory, err := NewModelFactory(cfg, nil)
	if err != nil {
		return nil, err
	}
	return NewClient(factory, cfg.Model, cfg.SystemInstruction), nil
}
