// ABOUTME: Streams chat completions from an OpenAI-compatible endpoint
// ABOUTME: Converts turns to chat messages and forwards content deltas as chunks

package completion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIConfig configures the OpenAI-compatible source.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string // empty uses the library default
	Model   string
}

// OpenAI is a Source backed by the chat completions streaming API.
type OpenAI struct {
	client openai.Client
	model  string
	logger *slog.Logger
}

// NewOpenAI creates a streaming source. Retries are disabled: a failed reply
// is reported to the conversation rather than silently retried.
func NewOpenAI(cfg OpenAIConfig, logger *slog.Logger) (*OpenAI, error) {
	if cfg.Model == "" {
		return nil, errors.New("completion model is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	opts := []option.RequestOption{option.WithMaxRetries(0)}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &OpenAI{
		client: openai.NewClient(opts...),
		model:  cfg.Model,
		logger: logger.With("component", "completion", "model", cfg.Model),
	}, nil
}

func toMessages(turns []Turn) []openai.ChatCompletionMessageParamUnion {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(turns))
	for _, t := range turns {
		switch t.Role {
		case RoleSystem:
			msgs = append(msgs, openai.SystemMessage(t.Content))
		case RoleAssistant:
			msgs = append(msgs, openai.AssistantMessage(t.Content))
		default:
			msgs = append(msgs, openai.UserMessage(t.Content))
		}
	}
	return msgs
}

// Stream implements Source.
func (o *OpenAI) Stream(ctx context.Context, turns []Turn) (<-chan Chunk, error) {
	if len(turns) == 0 {
		return nil, ErrNoTurns
	}

	stream := o.client.Chat.Completions.NewStreaming(ctx, openai.ChatCompletionNewParams{
		Messages: toMessages(turns),
		Model:    openai.ChatModel(o.model),
	})

	out := make(chan Chunk, 16)
	go func() {
		defer close(out)
		defer stream.Close()

		n := 0
		for stream.Next() {
			cur := stream.Current()
			if len(cur.Choices) == 0 {
				continue
			}
			text := cur.Choices[0].Delta.Content
			if text == "" {
				continue
			}
			n++
			if !send(ctx, out, Chunk{Text: text}) {
				return
			}
		}
		if err := stream.Err(); err != nil {
			o.logger.Warn("completion stream failed", "error", err, "chunks", n)
			send(ctx, out, Chunk{Err: fmt.Errorf("%w: completion stream: %w", ErrUpstream, err)})
			return
		}
		o.logger.Debug("completion stream finished", "chunks", n)
	}()
	return out, nil
}

var _ Source = (*OpenAI)(nil)
