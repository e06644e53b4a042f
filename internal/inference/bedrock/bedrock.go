// Package bedrock implements inference.Engine over AWS Bedrock, adapted
// from the teacher's multi-model Bedrock client down to the two calls
// the serving core needs: a Claude-style Converse invoke for
// generation, and a Titan embeddings invoke.
package bedrock

import (
	"context"
	"encoding/json"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"modelgate/internal/config"
	"modelgate/internal/inference"
)

// Client is an inference.Engine backed by AWS Bedrock.
type Client struct {
	runtime        *bedrockruntime.Client
	modelID        string
	embeddingModel string
	ready          bool
}

// New creates a Bedrock client from cfg. IAM credentials are required;
// the teacher's Bearer-token fallback path is not carried forward since
// it only supports simulated (non-true) streaming, which this engine's
// synchronous Generate call does not need.
func New(ctx context.Context, cfg config.BedrockConfig) (*Client, error) {
	if cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
		return &Client{modelID: cfg.ModelID, embeddingModel: cfg.EmbeddingModel, ready: false}, nil
	}

	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID, cfg.SecretAccessKey, "",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("bedrock: loading AWS config: %w", err)
	}

	return &Client{
		runtime:        bedrockruntime.NewFromConfig(awsCfg),
		modelID:        cfg.ModelID,
		embeddingModel: cfg.EmbeddingModel,
		ready:          true,
	}, nil
}

// Loaded reports whether IAM credentials were configured successfully.
func (c *Client) Loaded() bool { return c.ready }

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	AnthropicVersion string             `json:"anthropic_version"`
	MaxTokens        int32              `json:"max_tokens"`
	Messages         []anthropicMessage `json:"messages"`
	Temperature      float32            `json:"temperature,omitempty"`
	TopP             float32            `json:"top_p,omitempty"`
}

type anthropicContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicResponse struct {
	Content []anthropicContentBlock `json:"content"`
}

// Generate invokes the configured Claude model on Bedrock.
func (c *Client) Generate(ctx context.Context, req inference.GenerateRequest) (string, error) {
	if !c.ready {
		return "", inference.ErrNotLoaded
	}

	body := anthropicRequest{
		AnthropicVersion: "bedrock-2023-05-31",
		MaxTokens:        req.MaxTokens,
		Messages:         []anthropicMessage{{Role: "user", Content: req.Prompt}},
		Temperature:      req.Temperature,
		TopP:             req.TopP,
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("bedrock: marshaling request: %w", err)
	}

	out, err := c.runtime.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     &c.modelID,
		Body:        payload,
		ContentType: strPtr("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("bedrock: invoke model: %w", err)
	}

	var resp anthropicResponse
	if err := json.Unmarshal(out.Body, &resp); err != nil {
		return "", fmt.Errorf("bedrock: decoding response: %w", err)
	}
	if len(resp.Content) == 0 {
		return "", fmt.Errorf("bedrock: empty response content")
	}
	return resp.Content[0].Text, nil
}

type titanEmbedRequest struct {
	InputText string `json:"inputText"`
}

type titanEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed invokes the configured Titan embedding model on Bedrock.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	if !c.ready {
		return nil, inference.ErrNotLoaded
	}

	payload, err := json.Marshal(titanEmbedRequest{InputText: text})
	if err != nil {
		return nil, fmt.Errorf("bedrock: marshaling embed request: %w", err)
	}

	out, err := c.runtime.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     &c.embeddingModel,
		Body:        payload,
		ContentType: strPtr("application/json"),
	})
	if err != nil {
		return nil, fmt.Errorf("bedrock: invoke embedding model: %w", err)
	}

	var resp titanEmbedResponse
	if err := json.Unmarshal(out.Body, &resp); err != nil {
		return nil, fmt.Errorf("bedrock: decoding embedding response: %w", err)
	}
	return resp.Embedding, nil
}

func strPtr(s string) *string { return &s }
