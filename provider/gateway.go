package provider

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/bedrock"
	"github.com/tmc/langchaingo/llms/googleai"
	"github.com/tmc/langchaingo/llms/googleai/vertex"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/mykhaliev/llm-eval/logger"
	"github.com/mykhaliev/llm-eval/model"
)

// ============================================================================
// PROVIDER GATEWAY
// ============================================================================

// GenerateOptions override the provider's configured sampling parameters for
// a single call.
type GenerateOptions struct {
	Temperature *float64
	MaxTokens   *int
	TopP        *float64
	Tools       []llms.Tool
}

// Gateway abstracts a single LLM backend. Implementations are stateless and
// safe for concurrent use once constructed.
type Gateway interface {
	ID() string
	Generate(ctx context.Context, messages []model.Message, opts *GenerateOptions) (*model.ProviderResponse, error)
}

// GenerateText is a convenience wrapper for single-prompt calls.
func GenerateText(ctx context.Context, gw Gateway, prompt string, opts *GenerateOptions) (*model.ProviderResponse, error) {
	return gw.Generate(ctx, []model.Message{{Role: "user", Content: prompt}}, opts)
}

// ============================================================================
// GATEWAY INITIALIZATION
// ============================================================================

// InitGateways builds one gateway per configured provider. Any construction
// failure is fatal: the error aborts before a single test runs.
func InitGateways(ctx context.Context, providerConfigs []model.ProviderConfig, templateCtx map[string]string) (map[string]Gateway, error) {
	if len(providerConfigs) == 0 {
		return nil, fmt.Errorf("no providers to initialize")
	}

	logger.Logger.Info("Initializing providers", "count", len(providerConfigs))
	gateways := make(map[string]Gateway)

	for i, p := range providerConfigs {
		// Config fields may reference env vars and user variables.
		p.Name = model.RenderLenient(p.Name, templateCtx)
		p.Token = model.RenderLenient(p.Token, templateCtx)
		p.Secret = model.RenderLenient(p.Secret, templateCtx)
		p.Model = model.RenderLenient(p.Model, templateCtx)
		p.BaseURL = model.RenderLenient(p.BaseURL, templateCtx)
		p.Version = model.RenderLenient(p.Version, templateCtx)
		p.ProjectID = model.RenderLenient(p.ProjectID, templateCtx)
		p.Location = model.RenderLenient(p.Location, templateCtx)
		p.CredentialsPath = model.RenderLenient(p.CredentialsPath, templateCtx)
		p.AuthType = model.RenderLenient(p.AuthType, templateCtx)

		logger.Logger.Debug("Initializing provider",
			"index", i+1,
			"total", len(providerConfigs),
			"id", p.ID(),
			"type", p.Type,
			"model", p.Model)

		if _, exists := gateways[p.ID()]; exists {
			return nil, fmt.Errorf("duplicate provider id: %s", p.ID())
		}

		gw, err := New(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("failed to create provider '%s': %w", p.ID(), err)
		}

		gateways[p.ID()] = gw
		logger.Logger.Info("Provider initialized", "id", p.ID())
	}

	return gateways, nil
}

// New constructs a gateway for a single provider config.
func New(ctx context.Context, p model.ProviderConfig) (Gateway, error) {
	if p.Token == "" {
		p.Token = envToken(p.Type)
	}

	// Token required for everything except Vertex (service account file),
	// Bedrock (AWS credential chain) and Azure with Entra ID auth.
	isEntraIdAuth := p.Type == model.ProviderAzure && strings.EqualFold(p.AuthType, "entra_id")
	tokenOptional := p.Type == model.ProviderVertex || p.Type == model.ProviderAmazonAnthropic || isEntraIdAuth
	if !tokenOptional && p.Token == "" {
		return nil, fmt.Errorf("provider token is empty")
	}

	if p.Model == "" {
		return nil, fmt.Errorf("provider model is empty")
	}

	var llmModel llms.Model
	var err error

	switch p.Type {
	case model.ProviderOpenAI:
		opts := []openai.Option{
			openai.WithToken(p.Token),
			openai.WithModel(p.Model),
		}
		if p.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(p.BaseURL))
			logger.Logger.Debug("Using custom base URL", "url", p.BaseURL)
		}
		llmModel, err = openai.New(opts...)

	case model.ProviderGroq:
		opts := []openai.Option{
			openai.WithToken(p.Token),
			openai.WithModel(p.Model),
		}
		if p.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(p.BaseURL))
		} else {
			opts = append(opts, openai.WithBaseURL("https://api.groq.com/openai/v1"))
		}
		llmModel, err = openai.New(opts...)

	case model.ProviderAnthropic:
		llmModel, err = anthropic.New(
			anthropic.WithModel(p.Model),
			anthropic.WithToken(p.Token),
		)

	case model.ProviderGoogle:
		llmModel, err = googleai.New(ctx,
			googleai.WithAPIKey(p.Token),
			googleai.WithDefaultModel(p.Model),
		)

	case model.ProviderVertex:
		llmModel, err = vertex.New(
			ctx,
			googleai.WithDefaultModel(p.Model),
			googleai.WithCloudProject(p.ProjectID),
			googleai.WithCloudLocation(p.Location),
			googleai.WithCredentialsFile(p.CredentialsPath),
		)

	case model.ProviderAzure:
		if p.Version == "" {
			return nil, fmt.Errorf("Azure provider requires version")
		}
		if p.BaseURL == "" {
			return nil, fmt.Errorf("Azure provider requires base URL")
		}

		opts := []openai.Option{
			openai.WithModel(p.Model),
			openai.WithAPIVersion(p.Version),
			openai.WithBaseURL(p.BaseURL),
		}

		if isEntraIdAuth {
			logger.Logger.Debug("Using Entra ID authentication for Azure provider")
			cred, credErr := azidentity.NewDefaultAzureCredential(nil)
			if credErr != nil {
				return nil, fmt.Errorf("failed to create Azure credential: %w", credErr)
			}
			token, tokenErr := cred.GetToken(ctx, policy.TokenRequestOptions{
				Scopes: []string{"https://cognitiveservices.azure.com/.default"},
			})
			if tokenErr != nil {
				return nil, fmt.Errorf("failed to get Azure token: %w", tokenErr)
			}
			opts = append(opts, openai.WithAPIType(openai.APITypeAzureAD))
			opts = append(opts, openai.WithToken(token.Token))
		} else {
			if p.Token == "" {
				return nil, fmt.Errorf("Azure provider requires token when using api_key authentication")
			}
			opts = append(opts, openai.WithAPIType(openai.APITypeAzure))
			opts = append(opts, openai.WithToken(p.Token))
		}

		llmModel, err = openai.New(opts...)

	case model.ProviderAmazonAnthropic:
		var cfg aws.Config
		var cfgErr error
		if p.Token != "" && p.Secret != "" {
			cfg, cfgErr = awsconfig.LoadDefaultConfig(ctx,
				awsconfig.WithRegion(p.Location),
				awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
					p.Token,
					p.Secret,
					"",
				)),
			)
		} else {
			cfg, cfgErr = awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(p.Location))
		}
		if cfgErr != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", cfgErr)
		}
		brc := bedrockruntime.NewFromConfig(cfg)
		llmModel, err = bedrock.New(
			bedrock.WithClient(brc),
			bedrock.WithModel(p.Model),
		)

	default:
		return nil, fmt.Errorf("unsupported provider type: %s", p.Type)
	}

	if err != nil {
		return nil, err
	}
	if llmModel == nil {
		return nil, fmt.Errorf("provider created but model is nil")
	}

	return &langchainGateway{id: p.ID(), cfg: p, llm: llmModel}, nil
}

func envToken(t model.ProviderType) string {
	switch t {
	case model.ProviderOpenAI, model.ProviderAzure:
		return os.Getenv("OPENAI_API_KEY")
	case model.ProviderGroq:
		return os.Getenv("GROQ_API_KEY")
	case model.ProviderAnthropic:
		return os.Getenv("ANTHROPIC_API_KEY")
	case model.ProviderGoogle:
		return os.Getenv("GOOGLE_API_KEY")
	default:
		return ""
	}
}

// ============================================================================
// LANGCHAIN ADAPTER
// ============================================================================

type langchainGateway struct {
	id  string
	cfg model.ProviderConfig
	llm llms.Model
}

func (g *langchainGateway) ID() string {
	return g.id
}

func (g *langchainGateway) Generate(ctx context.Context, messages []model.Message, opts *GenerateOptions) (*model.ProviderResponse, error) {
	msgs := make([]llms.MessageContent, 0, len(messages))
	for _, m := range messages {
		msgs = append(msgs, llms.MessageContent{
			Role:  chatMessageType(m.Role),
			Parts: []llms.ContentPart{llms.TextContent{Text: m.Content}},
		})
	}

	callOpts := g.callOptions(opts)

	start := time.Now()
	resp, err := g.llm.GenerateContent(ctx, msgs, callOpts...)
	latency := time.Since(start).Seconds()

	if err != nil {
		return nil, Classify(g.id, err)
	}
	if len(resp.Choices) == 0 {
		return nil, &ProviderError{Provider: g.id, Kind: ErrUnknown, Err: fmt.Errorf("empty response from model")}
	}

	choice := resp.Choices[0]
	usage := tokenUsage(choice.GenerationInfo)

	toolCalls := make([]model.ToolCall, 0, len(choice.ToolCalls))
	for _, tc := range choice.ToolCalls {
		call := model.ToolCall{ID: tc.ID}
		if tc.FunctionCall != nil {
			call.Name = tc.FunctionCall.Name
			call.Arguments = tc.FunctionCall.Arguments
		}
		toolCalls = append(toolCalls, call)
	}

	return &model.ProviderResponse{
		Content:      choice.Content,
		Role:         "assistant",
		ToolCalls:    toolCalls,
		FinishReason: choice.StopReason,
		Cost:         EstimateCost(g.cfg.Model, usage),
		Latency:      &latency,
		TokenUsage:   usage,
		Model:        g.cfg.Model,
		Provider:     g.id,
	}, nil
}

func (g *langchainGateway) callOptions(opts *GenerateOptions) []llms.CallOption {
	temperature := g.cfg.Temperature
	maxTokens := g.cfg.MaxTokens
	topP := g.cfg.TopP
	var tools []llms.Tool

	if opts != nil {
		if opts.Temperature != nil {
			temperature = opts.Temperature
		}
		if opts.MaxTokens != nil {
			maxTokens = opts.MaxTokens
		}
		if opts.TopP != nil {
			topP = opts.TopP
		}
		tools = opts.Tools
	}

	var callOpts []llms.CallOption
	if temperature != nil {
		callOpts = append(callOpts, llms.WithTemperature(*temperature))
	}
	if maxTokens != nil {
		callOpts = append(callOpts, llms.WithMaxTokens(*maxTokens))
	}
	if topP != nil {
		callOpts = append(callOpts, llms.WithTopP(*topP))
	}
	if len(tools) > 0 {
		callOpts = append(callOpts, llms.WithTools(tools))
	}
	return callOpts
}

func chatMessageType(role string) llms.ChatMessageType {
	switch strings.ToLower(role) {
	case "system":
		return llms.ChatMessageTypeSystem
	case "assistant", "ai":
		return llms.ChatMessageTypeAI
	case "tool":
		return llms.ChatMessageTypeTool
	default:
		return llms.ChatMessageTypeHuman
	}
}

// tokenUsage normalizes the per-SDK GenerationInfo keys.
func tokenUsage(info map[string]any) map[string]int {
	if len(info) == 0 {
		return nil
	}

	usage := map[string]int{}
	read := func(dst string, keys ...string) {
		for _, k := range keys {
			if v, ok := info[k]; ok {
				switch n := v.(type) {
				case int:
					usage[dst] = n
				case int64:
					usage[dst] = int(n)
				case float64:
					usage[dst] = int(n)
				}
				return
			}
		}
	}

	read("prompt_tokens", "PromptTokens", "InputTokens", "input_tokens")
	read("completion_tokens", "CompletionTokens", "OutputTokens", "output_tokens")
	read("total_tokens", "TotalTokens", "total_tokens")

	if len(usage) == 0 {
		return nil
	}
	if _, ok := usage["total_tokens"]; !ok {
		usage["total_tokens"] = usage["prompt_tokens"] + usage["completion_tokens"]
	}
	return usage
}
