package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const cloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"

// VertexConfig configures the Vertex AI provider.
type VertexConfig struct {
	CredentialsJSON []byte // service account key
	ProjectID       string // overrides the key's project_id
	SearchAPIKey    string // API key for web-grounded generation
	Timeout         time.Duration

	// BaseURL and SearchBaseURL replace the regional and public endpoints.
	// They exist for tests.
	BaseURL       string
	SearchBaseURL string
	HTTPClient    *http.Client
}

// Vertex calls Vertex AI generateContent and predict endpoints with
// service-account credentials. It is safe for concurrent use.
type Vertex struct {
	project    string
	searchKey  string
	baseURL    string
	searchBase string
	client     *http.Client
	plain      *http.Client
}

// NewVertex builds the provider. Credentials are parsed once here.
func NewVertex(ctx context.Context, cfg VertexConfig) (*Vertex, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	v := &Vertex{
		project:    cfg.ProjectID,
		searchKey:  cfg.SearchAPIKey,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		searchBase: strings.TrimRight(cfg.SearchBaseURL, "/"),
		client:     cfg.HTTPClient,
		plain:      &http.Client{Timeout: timeout},
	}
	if v.searchBase == "" {
		v.searchBase = "https://generativelanguage.googleapis.com"
	}
	if v.client == nil {
		if len(cfg.CredentialsJSON) == 0 {
			return nil, errors.New("vertex: credentials are required")
		}
		creds, err := google.CredentialsFromJSON(ctx, cfg.CredentialsJSON, cloudPlatformScope)
		if err != nil {
			return nil, fmt.Errorf("vertex: parse credentials: %w", err)
		}
		if v.project == "" {
			v.project = creds.ProjectID
		}
		hc := oauth2.NewClient(context.WithoutCancel(ctx), creds.TokenSource)
		hc.Timeout = timeout
		v.client = hc
	}
	if v.project == "" {
		return nil, errors.New("vertex: project id is required")
	}
	return v, nil
}

// NewVertexFromFile reads the key at path and calls NewVertex.
func NewVertexFromFile(ctx context.Context, path string, cfg VertexConfig) (*Vertex, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("vertex: read credentials: %w", err)
	}
	cfg.CredentialsJSON = b
	return NewVertex(ctx, cfg)
}

func (v *Vertex) endpoint(location, model, method string) string {
	base := v.baseURL
	if base == "" {
		base = fmt.Sprintf("https://%s-aiplatform.googleapis.com", location)
	}
	return fmt.Sprintf("%s/v1/projects/%s/locations/%s/publishers/google/models/%s:%s",
		base, url.PathEscape(v.project), url.PathEscape(location), url.PathEscape(model), method)
}

type vertexPart struct {
	Text string `json:"text"`
}

type vertexContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []vertexPart `json:"parts"`
}

type generationConfig struct {
	MaxOutputTokens  int             `json:"maxOutputTokens"`
	Temperature      float64         `json:"temperature"`
	TopP             float64         `json:"topP"`
	ResponseMimeType string          `json:"responseMimeType"`
	ResponseSchema   json.RawMessage `json:"responseSchema,omitempty"`
}

type safetySetting struct {
	Category  string `json:"category"`
	Threshold string `json:"threshold"`
}

type generateRequest struct {
	Contents          []vertexContent   `json:"contents"`
	SystemInstruction *vertexContent    `json:"systemInstruction,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
	SafetySettings    []safetySetting   `json:"safetySettings,omitempty"`
	Tools             []map[string]any  `json:"tools,omitempty"`
}

type generateResponse struct {
	Candidates []struct {
		Content vertexContent `json:"content"`
	} `json:"candidates"`
}

var safetyOff = []safetySetting{
	{Category: "HARM_CATEGORY_HATE_SPEECH", Threshold: "OFF"},
	{Category: "HARM_CATEGORY_DANGEROUS_CONTENT", Threshold: "OFF"},
	{Category: "HARM_CATEGORY_SEXUALLY_EXPLICIT", Threshold: "OFF"},
	{Category: "HARM_CATEGORY_HARASSMENT", Threshold: "OFF"},
}

func buildGenerateRequest(req Request) generateRequest {
	gc := &generationConfig{
		MaxOutputTokens:  8192,
		Temperature:      1,
		TopP:             0.95,
		ResponseMimeType: "text/plain",
	}
	if len(req.Schema) > 0 {
		gc.ResponseMimeType = "application/json"
		gc.ResponseSchema = req.Schema
	}
	body := generateRequest{
		Contents:         []vertexContent{{Role: "user", Parts: []vertexPart{{Text: req.Prompt}}}},
		GenerationConfig: gc,
		SafetySettings:   safetyOff,
	}
	if req.SystemInstruction != "" {
		body.SystemInstruction = &vertexContent{Parts: []vertexPart{{Text: req.SystemInstruction}}}
	}
	return body
}

// SearchAvailable reports whether web-grounded generation can run for model.
func (v *Vertex) SearchAvailable(model string) bool {
	return v.searchKey != "" && strings.Contains(model, "gemini-2.0")
}

// Generate implements Generator.
func (v *Vertex) Generate(ctx context.Context, req Request) (string, error) {
	if req.GoogleSearch {
		return v.search(ctx, req)
	}
	var resp generateResponse
	if err := postJSON(ctx, v.client, v.endpoint(req.Location, req.Model, "generateContent"), nil, buildGenerateRequest(req), &resp); err != nil {
		return "", err
	}
	return resp.text(), nil
}

func (v *Vertex) search(ctx context.Context, req Request) (string, error) {
	if !v.SearchAvailable(req.Model) {
		return "", ErrSearchUnavailable
	}
	body := generateRequest{
		Contents: []vertexContent{{Role: "user", Parts: []vertexPart{{Text: req.Prompt}}}},
		Tools:    []map[string]any{{"googleSearch": map[string]any{}}},
	}
	u := fmt.Sprintf("%s/v1alpha/models/%s:generateContent", v.searchBase, url.PathEscape(req.Model))
	hdr := http.Header{"X-Goog-Api-Key": []string{v.searchKey}}
	var resp generateResponse
	if err := postJSON(ctx, v.plain, u, hdr, body, &resp); err != nil {
		return "", err
	}
	return resp.text(), nil
}

func (r generateResponse) text() string {
	if len(r.Candidates) == 0 {
		return ""
	}
	var b strings.Builder
	for _, p := range r.Candidates[0].Content.Parts {
		b.WriteString(p.Text)
	}
	return b.String()
}

type predictRequest struct {
	Instances  []embedInstance `json:"instances"`
	Parameters map[string]any  `json:"parameters,omitempty"`
}

type embedInstance struct {
	Content  string `json:"content"`
	TaskType string `json:"task_type,omitempty"`
}

type predictResponse struct {
	Predictions []struct {
		Embeddings struct {
			Values []float32 `json:"values"`
		} `json:"embeddings"`
	} `json:"predictions"`
}

// EmbedText implements EmbedProvider with the text embedding predict API.
func (v *Vertex) EmbedText(ctx context.Context, in EmbedInput) ([]float32, error) {
	body := predictRequest{
		Instances: []embedInstance{{Content: strings.TrimSpace(in.Text), TaskType: in.Task}},
	}
	if in.Dimensions > 0 {
		body.Parameters = map[string]any{"outputDimensionality": in.Dimensions}
	}
	var resp predictResponse
	if err := postJSON(ctx, v.client, v.endpoint(in.Location, in.Model, "predict"), nil, body, &resp); err != nil {
		return nil, err
	}
	if len(resp.Predictions) == 0 || len(resp.Predictions[0].Embeddings.Values) == 0 {
		return nil, ErrEmptyResponse
	}
	return resp.Predictions[0].Embeddings.Values, nil
}

// postJSON sends body and decodes a 2xx JSON answer into out.
func postJSON(ctx context.Context, hc *http.Client, u string, hdr http.Header, body, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, vs := range hdr {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
		msg := strings.TrimSpace(string(raw))
		if msg == "" {
			msg = fmt.Sprintf("status %d", resp.StatusCode)
		}
		return &StatusError{Code: resp.StatusCode, Body: msg}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// StatusError is a non-2xx answer from a provider.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("gateway: provider returned %d: %s", e.Code, e.Body)
}
