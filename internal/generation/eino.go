package generation

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"

	"ragdesk/internal/config"
)

// einoGenerator adapts an eino chat model to Generator.
type einoGenerator struct {
	chatModel model.BaseChatModel
}

func newEinoGenerator(ctx context.Context, provider string, provCfg config.ProviderConfig, maxTokens int) (*einoGenerator, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	var (
		chatModel model.BaseChatModel
		err       error
	)
	switch provider {
	case "openai":
		chatModel, err = openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL: provCfg.BaseURL,
			Model:   provCfg.Model,
			APIKey:  provCfg.APIKey,
		})
	case "gemini":
		var client *genai.Client
		client, err = genai.NewClient(ctx, &genai.ClientConfig{
			APIKey: provCfg.APIKey,
		})
		if err != nil {
			return nil, fmt.Errorf("new gemini client: %w", err)
		}
		chatModel, err = gemini.NewChatModel(ctx, &gemini.Config{
			Client: client,
			Model:  provCfg.Model,
		})
	case "claude":
		var baseURLPtr *string
		if provCfg.BaseURL != "" {
			baseURLPtr = &provCfg.BaseURL
		}
		if maxTokens <= 0 {
			maxTokens = config.DefaultMaxTokens
		}
		chatModel, err = claude.NewChatModel(ctx, &claude.Config{
			APIKey:    provCfg.APIKey,
			Model:     provCfg.Model,
			BaseURL:   baseURLPtr,
			MaxTokens: maxTokens,
		})
	default:
		return nil, fmt.Errorf("invalid provider: %s", provider)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s chat model: %w", provider, err)
	}
	return &einoGenerator{chatModel: chatModel}, nil
}

// Stream relays the model's streamed chunks.
func (g *einoGenerator) Stream(ctx context.Context, messages []Message, opts Options, onDelta func(string) error) error {
	streamReader, err := g.chatModel.Stream(ctx, toSchema(messages), modelOptions(opts)...)
	if err != nil {
		return fmt.Errorf("generate stream failed: %w", err)
	}
	defer streamReader.Close()
	for {
		chunk, err := streamReader.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("receive stream chunk: %w", err)
		}
		if chunk == nil || chunk.Content == "" || onDelta == nil {
			continue
		}
		if err := onDelta(chunk.Content); err != nil {
			return err
		}
	}
}

// Complete runs a non-streaming generation.
func (g *einoGenerator) Complete(ctx context.Context, messages []Message, opts Options) (string, error) {
	resp, err := g.chatModel.Generate(ctx, toSchema(messages), modelOptions(opts)...)
	if err != nil {
		return "", fmt.Errorf("generate failed: %w", err)
	}
	if resp == nil {
		return "", nil
	}
	return resp.Content, nil
}

func modelOptions(opts Options) []model.Option {
	var out []model.Option
	if opts.Temperature > 0 {
		out = append(out, model.WithTemperature(float32(opts.Temperature)))
	}
	if opts.MaxTokens > 0 {
		out = append(out, model.WithMaxTokens(opts.MaxTokens))
	}
	return out
}

func toSchema(messages []Message) []*schema.Message {
	out := make([]*schema.Message, 0, len(messages))
	for _, msg := range messages {
		var role schema.RoleType
		switch msg.Role {
		case "assistant":
			role = schema.Assistant
		case "system":
			role = schema.System
		default:
			role = schema.User
		}
		out = append(out, &schema.Message{
			Role:    role,
			Content: msg.Content,
		})
	}
	return out
}
