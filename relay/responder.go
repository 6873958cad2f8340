package relay

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
)

// Responder answers questions posted in channels. Opaque, fallible and
// asynchronous; the gateway isolates its failures from the triggering send.
type Responder interface {
	IsQuestion(text string) bool
	// GenerateResponse returns the reply text, or "" when the responder
	// declines to answer.
	GenerateResponse(ctx context.Context, text string, contextMessages []*Message) (string, error)
}

var questionPrefixes = []string{
	"who", "what", "when", "where", "why", "how",
	"is", "are", "can", "could", "should", "would", "does", "do",
}

// IsQuestionText is the shared send-side heuristic.
func IsQuestionText(text string) bool {
	trimmed := strings.ToLower(strings.TrimSpace(text))
	if trimmed == "" {
		return false
	}
	if strings.HasSuffix(trimmed, "?") {
		return true
	}
	firstWord, _, _ := strings.Cut(trimmed, " ")
	for _, prefix := range questionPrefixes {
		if firstWord == prefix {
			return true
		}
	}
	return false
}

type OpenAiResponderSettings struct {
	ApiKey  string
	BaseUrl string
	Model   string
	// most recent channel messages included as prompt context
	ContextMessageCount int
	RequestTimeout      time.Duration
	MaxTokens           int
}

func DefaultOpenAiResponderSettings() *OpenAiResponderSettings {
	return &OpenAiResponderSettings{
		Model:               openai.GPT4oMini,
		ContextMessageCount: 10,
		RequestTimeout:      30 * time.Second,
		MaxTokens:           512,
	}
}

type OpenAiResponder struct {
	client *openai.Client

	settings *OpenAiResponderSettings
}

func NewOpenAiResponder(settings *OpenAiResponderSettings) *OpenAiResponder {
	config := openai.DefaultConfig(settings.ApiKey)
	if settings.BaseUrl != "" {
		config.BaseURL = settings.BaseUrl
	}
	return &OpenAiResponder{
		client:   openai.NewClientWithConfig(config),
		settings: settings,
	}
}

func (self *OpenAiResponder) IsQuestion(text string) bool {
	return IsQuestionText(text)
}

func (self *OpenAiResponder) GenerateResponse(
	ctx context.Context,
	text string,
	contextMessages []*Message,
) (string, error) {
	requestCtx, cancel := context.WithTimeout(ctx, self.settings.RequestTimeout)
	defer cancel()

	messages := []openai.ChatCompletionMessage{
		{
			Role: openai.ChatMessageRoleSystem,
			Content: "You are a helpful assistant in a team chat channel." +
				" Answer the question concisely using the recent channel messages as context." +
				" If you cannot answer, reply with an empty string.",
		},
	}

	contextCount := self.settings.ContextMessageCount
	if contextCount < len(contextMessages) {
		contextMessages = contextMessages[len(contextMessages)-contextCount:]
	}
	for _, message := range contextMessages {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleUser,
			Content: fmt.Sprintf("%s: %s", message.AuthorName, message.Content),
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: text,
	})

	response, err := self.client.CreateChatCompletion(requestCtx, openai.ChatCompletionRequest{
		Model:     self.settings.Model,
		Messages:  messages,
		MaxTokens: self.settings.MaxTokens,
	})
	if err != nil {
		return "", err
	}
	if len(response.Choices) == 0 {
		return "", nil
	}
	return strings.TrimSpace(response.Choices[0].Message.Content), nil
}
