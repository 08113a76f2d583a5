package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/BaSui01/edwflow/types"
)

// OpenAIConfig OpenAI 兼容接口配置。
type OpenAIConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// OpenAIInvoker 通过 OpenAI 兼容的 chat/completions 接口调用模型。
type OpenAIInvoker struct {
	config OpenAIConfig
	client *http.Client
}

// NewOpenAIInvoker creates an invoker for an OpenAI-compatible endpoint.
func NewOpenAIInvoker(config OpenAIConfig) *OpenAIInvoker {
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &OpenAIInvoker{
		config: config,
		client: &http.Client{Timeout: timeout},
	}
}

type chatCompletionMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionRequest struct {
	Model    string                  `json:"model"`
	Messages []chatCompletionMessage `json:"messages"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message chatCompletionMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Invoke sends the context window plus prompt as a chat completion.
// Network and server-side failures come back retryable.
func (o *OpenAIInvoker) Invoke(ctx context.Context, prompt string, contextMsgs []types.Message) (string, error) {
	msgs := make([]chatCompletionMessage, 0, len(contextMsgs)+1)
	for _, m := range contextMsgs {
		msgs = append(msgs, chatCompletionMessage{Role: string(m.Role), Content: m.Content})
	}
	msgs = append(msgs, chatCompletionMessage{Role: string(types.RoleUser), Content: prompt})

	body, err := json.Marshal(chatCompletionRequest{Model: o.config.Model, Messages: msgs})
	if err != nil {
		return "", types.NewError(types.ErrKindInternal, "marshal completion request").WithCause(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		o.config.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", types.NewError(types.ErrKindInternal, "build completion request").WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if o.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+o.config.APIKey)
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return "", types.Transient("model endpoint unreachable", err)
	}
	defer resp.Body.Close()

	var parsed chatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", types.Transient("decode completion response", err)
	}
	if resp.StatusCode >= 500 {
		return "", types.Transient(fmt.Sprintf("model endpoint returned %d", resp.StatusCode), nil)
	}
	if resp.StatusCode != http.StatusOK || parsed.Error != nil {
		msg := "model endpoint rejected request"
		if parsed.Error != nil {
			msg = parsed.Error.Message
		}
		return "", types.NewError(types.ErrKindInternal, msg)
	}
	if len(parsed.Choices) == 0 {
		return "", types.Transient("model returned no choices", nil)
	}
	return parsed.Choices[0].Message.Content, nil
}
