package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/s1366560/memstack-sub002/internal/platform/resilience"
)

// Config selects the provider, credentials, and model for the OpenAI-
// compatible adapter. BaseURL is empty for the official OpenAI API.
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float32
	MaxRetries  int
}

// OpenAIClient implements Client against any OpenAI-chat-completions-
// compatible endpoint.
type OpenAIClient struct {
	client *openai.Client
	model  string
	temp   float32
	cfg    Config
}

// New constructs an OpenAIClient from cfg.
func New(cfg Config) *OpenAIClient {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	clientCfg.HTTPClient = &http.Client{
		Timeout: 60 * time.Second,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:        100,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}
	model := cfg.Model
	if model == "" {
		model = openai.GPT4oMini
	}
	return &OpenAIClient{
		client: openai.NewClientWithConfig(clientCfg),
		model:  model,
		temp:   cfg.Temperature,
		cfg:    cfg,
	}
}

type entityExtractionResponse struct {
	Entities []ExtractedEntity `json:"entities"`
}

type edgeExtractionResponse struct {
	Edges []ExtractedEdge `json:"edges"`
}

// ExtractEntities asks the model for the node set present in req.Content.
func (c *OpenAIClient) ExtractEntities(ctx context.Context, req ExtractionRequest) ([]ExtractedEntity, error) {
	prompt := fmt.Sprintf(
		"Extract the distinct named entities from the following content. "+
			"Respond with JSON of shape {\"entities\":[{\"name\":...,\"type\":...,\"summary\":...}]}.\n\nSource: %s\n\nContent:\n%s",
		req.SourceDescription, req.Content,
	)

	attempts := c.cfg.MaxRetries
	if attempts <= 0 {
		attempts = 3
	}
	result, err := resilience.Retry(ctx, attempts, 200*time.Millisecond, func() (entityExtractionResponse, error) {
		return c.completeJSON(ctx, prompt)
	})
	if err != nil {
		return nil, fmt.Errorf("llm: extract entities: %w", err)
	}
	return result.Entities, nil
}

// ExtractEdges asks the model for relationships among the already-extracted
// entities.
func (c *OpenAIClient) ExtractEdges(ctx context.Context, req ExtractionRequest, entities []ExtractedEntity) ([]ExtractedEdge, error) {
	names := make([]string, 0, len(entities))
	for _, e := range entities {
		names = append(names, e.Name)
	}
	prompt := fmt.Sprintf(
		"Given these entities: %v, identify relationships evidenced by the content. "+
			"Respond with JSON of shape {\"edges\":[{\"source_name\":...,\"target_name\":...,\"relation\":...}]}.\n\nContent:\n%s",
		names, req.Content,
	)

	attempts := c.cfg.MaxRetries
	if attempts <= 0 {
		attempts = 3
	}
	result, err := resilience.Retry(ctx, attempts, 200*time.Millisecond, func() (edgeExtractionResponse, error) {
		return c.completeEdges(ctx, prompt)
	})
	if err != nil {
		return nil, fmt.Errorf("llm: extract edges: %w", err)
	}
	return result.Edges, nil
}

func (c *OpenAIClient) completeJSON(ctx context.Context, prompt string) (entityExtractionResponse, error) {
	var out entityExtractionResponse
	content, err := c.chat(ctx, prompt)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal([]byte(content), &out); err != nil {
		return out, fmt.Errorf("parse entity extraction response: %w", err)
	}
	return out, nil
}

func (c *OpenAIClient) completeEdges(ctx context.Context, prompt string) (edgeExtractionResponse, error) {
	var out edgeExtractionResponse
	content, err := c.chat(ctx, prompt)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal([]byte(content), &out); err != nil {
		return out, fmt.Errorf("parse edge extraction response: %w", err)
	}
	return out, nil
}

func (c *OpenAIClient) chat(ctx context.Context, prompt string) (string, error) {
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:          c.model,
		Temperature:    c.temp,
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("llm: empty completion")
	}
	return resp.Choices[0].Message.Content, nil
}
