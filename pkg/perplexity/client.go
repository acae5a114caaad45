package perplexity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"time"

	"github.com/rotisserie/eris"
)

const (
	defaultBaseURL = "https://api.perplexity.ai"
	defaultModel   = "sonar-pro"
)

// minExplicitCitations is the citation count below which the response text
// is scanned for URL-shaped substrings to supplement the explicit list.
const minExplicitCitations = 3

var urlPattern = regexp.MustCompile(`https?://[^\s"'<>)\]]+`)

// ErrTimeout reports that a provider call exceeded its deadline.
var ErrTimeout = errors.New("perplexity: request timed out")

// APIError is returned on a non-2xx response from the provider.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("perplexity: unexpected status %d: %s", e.Status, e.Body)
}

// Client performs chat completions against the Perplexity API.
type Client interface {
	ChatCompletion(ctx context.Context, req ChatCompletionRequest) (*ChatCompletionResponse, error)
	Research(ctx context.Context, req ResearchRequest) (*ResearchResponse, error)
	Ping(ctx context.Context) error
}

// ChatCompletionRequest is the request body for POST /chat/completions.
type ChatCompletionRequest struct {
	Model               string    `json:"model"`
	Messages            []Message `json:"messages"`
	Temperature         *float64  `json:"temperature,omitempty"`
	MaxTokens           *int      `json:"max_tokens,omitempty"`
	ReturnCitations     bool      `json:"return_citations,omitempty"`
	SearchRecencyFilter string    `json:"search_recency_filter,omitempty"`
}

// Message represents a single message in the conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatCompletionResponse is the response from POST /chat/completions.
type ChatCompletionResponse struct {
	ID        string   `json:"id"`
	Choices   []Choice `json:"choices"`
	Citations []string `json:"citations"`
	Usage     Usage    `json:"usage"`
}

// Choice is a single completion choice.
type Choice struct {
	Index   int     `json:"index"`
	Message Message `json:"message"`
}

// Usage reports token consumption.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// ResearchRequest is a single research exchange: one system prompt, one
// user prompt, one web-search-augmented answer.
type ResearchRequest struct {
	Prompt       string
	SystemPrompt string
	Temperature  float64
	MaxTokens    int
	Recency      string
}

/// ResearchResponse is the normalized answer: the assistant's text plus an
// ordered, deduplicated list of cited source URLs.
type ResearchResponse struct {
	Text      string
	Citations []string
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the default API base URL.
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithModel overrides the default model.
func WithModel(model string) Option {
	return func(c *httpClient) {
		c.model = model
	}
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

type httpClient struct {
	apiKey  string
	baseURL string
	model   string
	http    *http.Client
}

// NewClient creates a Perplexity API client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		model:   defaultModel,
		http: &http.Client{
			Timeout: 60 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *httpClient) ChatCompletion(ctx context.Context, req ChatCompletionRequest) (*ChatCompletionResponse, error) {
	if req.Model == "" {
		req.Model = c.model
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, eris.Wrap(err, "perplexity: marshal request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "perplexity: create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, eris.Wrap(err, "perplexity: send request")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "perplexity: read response")
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{Status: resp.StatusCode, Body: string(respBody)}
	}

	var result ChatCompletionResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, eris.Wrap(err, "perplexity: unmarshal response")
	}

	return &result, nil
}

// Research issues one web-search-augmented exchange and normalizes the
// payload. The caller controls the timeout through ctx; the client does
// not retry.
func (c *httpClient) Research(ctx context.Context, req ResearchRequest) (*ResearchResponse, error) {
	var messages []Message
	if req.SystemPrompt != "" {
		messages = append(messages, Message{Role: "system", Content: req.SystemPrompt})
	}
	messages = append(messages, Message{Role: "user", Content: req.Prompt})

	ccReq := ChatCompletionRequest{
		Messages:            messages,
		Temperature:         &req.Temperature,
		ReturnCitations:     true,
		SearchRecencyFilter: req.Recency,
	}
	if req.MaxTokens > 0 {
		ccReq.MaxTokens = &req.MaxTokens
	}

	resp, err := c.ChatCompletion(ctx, ccReq)
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, eris.New("perplexity: response contains no choices")
	}

	text := resp.Choices[0].Message.Content
	return &ResearchResponse{
		Text:      text,
		Citations: NormalizeCitations(resp.Citations, text),
	}, nil
}

// Ping issues a trivial exchange to verify credentials and reachability.
func (c *httpClient) Ping(ctx context.Context) error {
	_, err := c.Research(ctx, ResearchRequest{
		Prompt:    `What is 2+2? Respond with JSON: {"answer": number}`,
		MaxTokens: 100,
	})
	return err
}

// NormalizeCitations supplements sparse explicit citation lists by scanning
// the response text for URL-shaped substrings. Dedup is by exact string;
// explicit citations keep their original order.
func NormalizeCitations(explicit []string, text string) []string {
	out := make([]string, 0, len(explicit))
	seen := make(map[string]bool, len(explicit))
	for _, u := range explicit {
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		out = append(out, u)
	}

	if len(out) >= minExplicitCitations {
		return out
	}

	for _, u := range urlPattern.FindAllString(text, -1) {
		if seen[u] {
			continue
		}
		seen[u] = true
		out = append(out, u)
	}
	return out
}
