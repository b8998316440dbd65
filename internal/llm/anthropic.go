package llm

import (
	"context"
	"fmt"
	"net/http"
)

const messagesURL = "https://api.anthropic.com/v1/messages"

// Anthropic talks to the Messages API with a raw HTTP client rather
// than an SDK; the surface we need is a single endpoint.
type Anthropic struct {
	apiKey string
	model  string
	hc     *http.Client
}

// NewAnthropic returns a client bound to one model.
func NewAnthropic(apiKey, model string) *Anthropic {
	return &Anthropic{
		apiKey: apiKey,
		model:  model,
		hc:     &http.Client{Timeout: requestTimeout},
	}
}

type messagesRequest struct {
	Model       string        `json:"model"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
	Messages    []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesReply struct {
	Content []struct {
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Complete runs a single-turn user message through the Messages API.
func (a *Anthropic) Complete(ctx context.Context, prompt string) (*Response, error) {
	payload := messagesRequest{
		Model:       a.model,
		MaxTokens:   completionTokens,
		Temperature: completionTemp,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
	}
	headers := map[string]string{
		"x-api-key":         a.apiKey,
		"anthropic-version": "2023-06-01",
	}

	var reply messagesReply
	if err := postJSON(ctx, a.hc, messagesURL, headers, payload, &reply); err != nil {
		return nil, fmt.Errorf("anthropic: %w", err)
	}

	var text string
	if len(reply.Content) > 0 {
		text = reply.Content[0].Text
	}
	return &Response{
		Content:    text,
		Provider:   "anthropic",
		TokensUsed: reply.Usage.InputTokens + reply.Usage.OutputTokens,
	}, nil
}
