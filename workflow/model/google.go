package model

import (
	"context"
	"errors"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// GoogleClient implements Client on Google's Gemini API.
//
// Unlike the other providers the genai SDK holds a connection, so Close
// must be called when the client is no longer needed.
type GoogleClient struct {
	client *genai.Client
	model  string
}

// NewGoogleClient creates a Gemini-backed client. An empty model name
// selects Gemini 1.5 Flash.
func NewGoogleClient(ctx context.Context, apiKey, modelName string) (*GoogleClient, error) {
	if modelName == "" {
		modelName = "gemini-1.5-flash"
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, classifyErr(err)
	}
	return &GoogleClient{client: client, model: modelName}, nil
}

func (c *GoogleClient) Complete(ctx context.Context, req Request) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	m := c.client.GenerativeModel(c.model)
	m.SetMaxOutputTokens(int32(maxTokens))

	resp, err := m.GenerateContent(ctx, genai.Text(req.Prompt))
	if err != nil {
		return Response{}, classifyErr(err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return Response{}, errors.New("google: no candidates in response")
	}

	var text string
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			text += string(t)
		}
	}
	if text == "" {
		return Response{}, errors.New("google: empty response")
	}

	out := Response{Text: text}
	if resp.UsageMetadata != nil {
		out.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
		out.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	return out, nil
}

// Close releases the underlying connection.
func (c *GoogleClient) Close() error {
	return c.client.Close()
}

func (c *GoogleClient) Name() string { return "google" }
