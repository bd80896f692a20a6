package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// OpenAI talks to any OpenAI-compatible chat completions and embeddings API.
type OpenAI struct {
	BaseURL string
	APIKey  string
	Client  *http.Client
}

// NewOpenAI returns a provider for baseURL.
func NewOpenAI(baseURL, apiKey string, timeout time.Duration) *OpenAI {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	return &OpenAI{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		Client:  &http.Client{Timeout: timeout},
	}
}

type openAIMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIChatReq struct {
	Model          string            `json:"model"`
	Messages       []openAIMsg       `json:"messages"`
	ResponseFormat map[string]string `json:"response_format,omitempty"`
	Temperature    float64           `json:"temperature"`
	TopP           float64           `json:"top_p"`
	MaxTokens      int               `json:"max_tokens,omitempty"`
}

type openAIChatResp struct {
	Choices []struct {
		Message openAIMsg `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (p *OpenAI) headers() (http.Header, error) {
	if strings.TrimSpace(p.APIKey) == "" {
		return nil, errors.New("openai: api key is required")
	}
	return http.Header{"Authorization": []string{"Bearer " + p.APIKey}}, nil
}

// Generate implements Generator. Web-grounded requests are not supported.
func (p *OpenAI) Generate(ctx context.Context, req Request) (string, error) {
	if req.GoogleSearch {
		return "", ErrSearchUnavailable
	}
	hdr, err := p.headers()
	if err != nil {
		return "", err
	}
	body := openAIChatReq{
		Model:       req.Model,
		Temperature: 1,
		TopP:        0.95,
		MaxTokens:   8192,
	}
	if req.SystemInstruction != "" {
		body.Messages = append(body.Messages, openAIMsg{Role: "system", Content: req.SystemInstruction})
	}
	prompt := req.Prompt
	if len(req.Schema) > 0 {
		body.ResponseFormat = map[string]string{"type": "json_object"}
		prompt += "\n\nRespond with a JSON object matching this schema:\n" + string(req.Schema)
	}
	body.Messages = append(body.Messages, openAIMsg{Role: "user", Content: prompt})

	var resp openAIChatResp
	if err := postJSON(ctx, p.Client, p.BaseURL+"/chat/completions", hdr, body, &resp); err != nil {
		return "", err
	}
	if resp.Error != nil && resp.Error.Message != "" {
		return "", fmt.Errorf("openai: %s", resp.Error.Message)
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	return resp.Choices[0].Message.Content, nil
}

type openAIEmbedReq struct {
	Model      string `json:"model"`
	Input      string `json:"input"`
	Dimensions int    `json:"dimensions,omitempty"`
}

type openAIEmbedResp struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// EmbedText implements EmbedProvider.
func (p *OpenAI) EmbedText(ctx context.Context, in EmbedInput) ([]float32, error) {
	hdr, err := p.headers()
	if err != nil {
		return nil, err
	}
	var resp openAIEmbedResp
	body := openAIEmbedReq{Model: in.Model, Input: strings.TrimSpace(in.Text), Dimensions: in.Dimensions}
	if err := postJSON(ctx, p.Client, p.BaseURL+"/embeddings", hdr, body, &resp); err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, ErrEmptyResponse
	}
	return resp.Data[0].Embedding, nil
}
