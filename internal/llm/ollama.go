package llm

import (
	"context"
	"fmt"
	"net/http"
)

// Ollama completes prompts against a local Ollama daemon.
type Ollama struct {
	baseURL string
	model   string
	hc      *http.Client
}

// NewOllama returns a client for the daemon at url.
func NewOllama(url, model string) *Ollama {
	return &Ollama{
		baseURL: url,
		model:   model,
		hc:      &http.Client{Timeout: requestTimeout},
	}
}

type generateRequest struct {
	Model   string          `json:"model"`
	Prompt  string          `json:"prompt"`
	Stream  bool            `json:"stream"`
	Options generateOptions `json:"options"`
}

type generateOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict"`
}

// Complete sends a non-streaming generate call. Ollama does not report
// token usage on this endpoint, so TokensUsed stays zero.
func (o *Ollama) Complete(ctx context.Context, prompt string) (*Response, error) {
	payload := generateRequest{
		Model:  o.model,
		Prompt: prompt,
		Stream: false,
		Options: generateOptions{
			Temperature: completionTemp,
			NumPredict:  completionTokens,
		},
	}

	var reply struct {
		Response string `json:"response"`
	}
	if err := postJSON(ctx, o.hc, o.baseURL+"/api/generate", nil, payload, &reply); err != nil {
		return nil, fmt.Errorf("ollama: %w", err)
	}

	return &Response{
		Content:  reply.Response,
		Provider: "ollama",
	}, nil
}
