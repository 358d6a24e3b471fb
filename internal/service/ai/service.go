package ai

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"convochat/internal/config"
	"convochat/internal/models"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog/log"
	"google.golang.org/genai"
)

// Provider produces the next assistant message for an ordered history.
type Provider interface {
	Complete(ctx context.Context, modelName string, history []models.Message) (models.Message, error)
}

// Func adapts a plain function to Provider.
type Func func(ctx context.Context, modelName string, history []models.Message) (models.Message, error)

func (f Func) Complete(ctx context.Context, modelName string, history []models.Message) (models.Message, error) {
	return f(ctx, modelName, history)
}

// ModelBuilder constructs an eino chat model for one provider/model pair.
type ModelBuilder func(ctx context.Context, provider string, cfg config.ProviderConfig, modelName string) (model.BaseChatModel, error)

// ChatProvider calls an eino chat model. Models are built on first use and
// cached per model name, so credentials are not checked until a message is
// actually sent.
type ChatProvider struct {
	name  string
	cfg   config.ProviderConfig
	build ModelBuilder

	mu     sync.Mutex
	models map[string]model.BaseChatModel
}

// NewChatProvider returns a provider for one of the configured backends.
func NewChatProvider(name string, cfg config.ProviderConfig) (*ChatProvider, error) {
	switch name {
	case config.ProviderDashScope, config.ProviderOpenAI, config.ProviderClaude, config.ProviderGemini:
	default:
		return nil, fmt.Errorf("invalid provider: %s", name)
	}
	return newChatProvider(name, cfg, buildChatModel), nil
}

func newChatProvider(name string, cfg config.ProviderConfig, build ModelBuilder) *ChatProvider {
	return &ChatProvider{
		name:   name,
		cfg:    cfg,
		build:  build,
		models: make(map[string]model.BaseChatModel),
	}
}

// DefaultModel is the model used when Complete is called with an empty name.
func (p *ChatProvider) DefaultModel() string {
	return p.cfg.Model
}

func (p *ChatProvider) Complete(ctx context.Context, modelName string, history []models.Message) (models.Message, error) {
	if modelName == "" {
		modelName = p.cfg.Model
	}
	chatModel, err := p.chatModel(ctx, modelName)
	if err != nil {
		return models.Message{}, upstreamError(p.name, modelName, err)
	}

	resp, err := chatModel.Generate(ctx, convertMessages(history))
	if err != nil {
		log.Debug().Err(err).Str("provider", p.name).Str("model", modelName).Msg("completion failed")
		return models.Message{}, upstreamError(p.name, modelName, err)
	}
	if resp == nil {
		return models.Message{}, upstreamErrorf(p.name, modelName, "%s returned an empty response", p.name)
	}
	return models.Message{Role: models.RoleAssistant, Content: resp.Content}, nil
}

func (p *ChatProvider) chatModel(ctx context.Context, modelName string) (model.BaseChatModel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if m, ok := p.models[modelName]; ok {
		return m, nil
	}
	m, err := p.build(ctx, p.name, p.cfg, modelName)
	if err != nil {
		return nil, err
	}
	p.models[modelName] = m
	return m, nil
}

func buildChatModel(ctx context.Context, provider string, cfg config.ProviderConfig, modelName string) (model.BaseChatModel, error) {
	if cfg.APIKey == "" {
		if cfg.APIKeyEnv != "" {
			return nil, fmt.Errorf("%s api key not configured: set %s", provider, cfg.APIKeyEnv)
		}
		return nil, fmt.Errorf("%s api key not configured", provider)
	}

	var (
		chatModel model.BaseChatModel
		err       error
	)
	switch provider {
	case config.ProviderDashScope, config.ProviderOpenAI:
		chatModel, err = openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL: cfg.BaseURL,
			Model:   modelName,
			APIKey:  cfg.APIKey,
		})
	case config.ProviderGemini:
		client, cerr := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey: cfg.APIKey,
		})
		if cerr != nil {
			return nil, fmt.Errorf("create gemini client: %w", cerr)
		}
		chatModel, err = gemini.NewChatModel(ctx, &gemini.Config{
			Client: client,
			Model:  modelName,
		})
	case config.ProviderClaude:
		var baseURLPtr *string
		if cfg.BaseURL != "" {
			baseURLPtr = &cfg.BaseURL
		}
		maxTokens := cfg.MaxTokens
		if maxTokens <= 0 {
			maxTokens = 3000
		}
		chatModel, err = claude.NewChatModel(ctx, &claude.Config{
			APIKey:    cfg.APIKey,
			Model:     modelName,
			BaseURL:   baseURLPtr,
			MaxTokens: maxTokens,
		})
	default:
		return nil, errors.New("invalid provider: " + provider)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s chat model: %w", provider, err)
	}
	return chatModel, nil
}

func convertMessages(history []models.Message) []*schema.Message {
	messages := make([]*schema.Message, 0, len(history))
	for _, msg := range history {
		var role schema.RoleType
		switch msg.Role {
		case models.RoleUser:
			role = schema.User
		case models.RoleAssistant:
			role = schema.Assistant
		case models.RoleSystem:
			role = schema.System
		default:
			role = schema.User
		}

		messages = append(messages, &schema.Message{
			Role:    role,
			Content: msg.Content,
		})
	}
	return messages
}
