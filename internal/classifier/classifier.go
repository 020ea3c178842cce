// Package classifier decides from a screenshot or webcam frame whether a user
// is working, using an OpenAI-compatible vision model.
package classifier

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"
)

// DefaultBaseURL is the moondream OpenAI-compatible endpoint.
const DefaultBaseURL = "https://api.moondream.ai/v1"

// DefaultModel is the vision model used when none is configured.
const DefaultModel = "moondream-2B"

// Kind names the image source.
type Kind string

const (
	KindScreen Kind = "screen"
	KindWebcam Kind = "webcam"
)

var (
	ErrInvalidKind = errors.New("classifier: invalid image kind")
	ErrEmptyImage  = errors.New("classifier: image is required")
)

var prompts = map[Kind]string{
	KindScreen: `If you see an IDE, any code or programming, a code editor, documentation, Cursor, a chat window, ` +
		`or "ChatGenius", say "yes". If you see social media, YouTube, any videos, or other related activities, say "no".`,
	KindWebcam: "Is the person looking at the camera?",
}

// Classifier reports whether an image shows productive work.
type Classifier interface {
	Classify(ctx context.Context, image string, kind Kind) (bool, error)
}

// Config configures the vision client.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
}

// Vision implements Classifier with a chat completion carrying the image.
type Vision struct {
	client *openai.Client
	model  string
}

var _ Classifier = (*Vision)(nil)

// New creates a vision classifier.
func New(cfg Config) (*Vision, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("moondream API key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	config := openai.DefaultConfig(cfg.APIKey)
	config.BaseURL = cfg.BaseURL
	return &Vision{client: openai.NewClientWithConfig(config), model: cfg.Model}, nil
}

// Classify accepts raw base64 or a data URL. The answer counts as working
// when the model says yes.
func (v *Vision) Classify(ctx context.Context, image string, kind Kind) (bool, error) {
	if image == "" {
		return false, ErrEmptyImage
	}
	prompt, ok := prompts[kind]
	if !ok {
		return false, fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
	if _, after, found := strings.Cut(image, "base64,"); found {
		image = after
	}

	resp, err := v.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: v.model,
		Messages: []openai.ChatCompletionMessage{{
			Role: openai.ChatMessageRoleUser,
			MultiContent: []openai.ChatMessagePart{
				{
					Type:     openai.ChatMessagePartTypeImageURL,
					ImageURL: &openai.ChatMessageImageURL{URL: "data:image/jpeg;base64," + image},
				},
				{
					Type: openai.ChatMessagePartTypeText,
					Text: prompt,
				},
			},
		}},
	})
	if err != nil {
		return false, fmt.Errorf("classify %s: %w", kind, err)
	}
	if len(resp.Choices) == 0 {
		return false, fmt.Errorf("classify %s: empty response", kind)
	}
	return strings.Contains(strings.ToLower(resp.Choices[0].Message.Content), "yes"), nil
}
