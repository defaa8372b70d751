//go:build bedrock

package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"
	"go.opentelemetry.io/otel/trace"

	"codechat/internal/domain"
	"codechat/internal/infra/config"
	"codechat/internal/infra/tracer"
)

// Compile-time interface assertions.
var (
	_ domain.LLMProvider          = (*BedrockProvider)(nil)
	_ domain.StreamingLLMProvider = (*BedrockProvider)(nil)
)

// bedrockConverseAPI abstracts the Bedrock runtime methods for testability.
type bedrockConverseAPI interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
	ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseStreamOutput, error)
}

// bedrockEventStream is the subset of the Converse event stream we read.
type bedrockEventStream interface {
	Events() <-chan types.ConverseStreamOutput
	Close() error
	Err() error
}

// BedrockProvider implements domain.LLMProvider via the AWS Bedrock Converse API.
type BedrockProvider struct {
	name   string
	model  string
	client bedrockConverseAPI
	logger *slog.Logger
	now    func() time.Time

	// stream extracts the event stream from a ConverseStream output.
	stream func(*bedrockruntime.ConverseStreamOutput) bedrockEventStream
}

// NewBedrockProvider creates a Bedrock provider using the default AWS credential chain.
func NewBedrockProvider(cfg config.ProviderConfig, logger *slog.Logger) (*BedrockProvider, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return newBedrockProviderWithClient(cfg.Name, cfg.Model, bedrockruntime.NewFromConfig(awsCfg), logger), nil
}

func newBedrockProviderWithClient(name, model string, client bedrockConverseAPI, logger *slog.Logger) *BedrockProvider {
	return &BedrockProvider{
		name:   name,
		model:  model,
		client: client,
		logger: logger,
		now:    time.Now,
		stream: func(out *bedrockruntime.ConverseStreamOutput) bedrockEventStream { return out.GetStream() },
	}
}

// Name implements domain.LLMProvider.
func (p *BedrockProvider) Name() string { return p.name }

// Chat implements domain.LLMProvider.
func (p *BedrockProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	if req.Model == "" {
		req.Model = p.model
	}

	ctx, span := tracer.StartSpan(ctx, "llm.chat",
		trace.WithAttributes(
			tracer.StringAttr("llm.provider", p.name),
			tracer.StringAttr("llm.model", req.Model),
		),
	)
	defer span.End()

	output, err := p.client.Converse(ctx, toBedrockConverseInput(req))
	if err != nil {
		err = mapBedrockError(err)
		tracer.RecordError(span, err)
		return nil, err
	}

	result := fromBedrockConverseOutput(output, req.Model, p.now())
	setUsageAttrs(span, result.Metadata)
	tracer.SetOK(span)
	logChatCompleted(p.logger, p.name, result)

	return result, nil
}

// ChatStream implements domain.StreamingLLMProvider. Converse returns one
// alternative per call, so multi-choice requests are not streamable.
func (p *BedrockProvider) ChatStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamDelta, error) {
	if req.Choices > 1 {
		return nil, fmt.Errorf("bedrock: %d choices: %w", req.Choices, domain.ErrStreamingUnsupported)
	}
	if req.Model == "" {
		req.Model = p.model
	}

	output, err := p.client.ConverseStream(ctx, toBedrockConverseStreamInput(req))
	if err != nil {
		return nil, mapBedrockError(err)
	}

	stream := p.stream(output)
	ch := make(chan domain.StreamDelta, 16)
	go func() {
		defer close(ch)
		defer stream.Close()

		for evt := range stream.Events() {
			delta := processBedrockStreamEvent(evt)
			if delta == nil {
				continue
			}
			select {
			case ch <- *delta:
			case <-ctx.Done():
				return
			}
		}

		if err := stream.Err(); err != nil && ctx.Err() == nil {
			select {
			case ch <- domain.StreamDelta{Err: fmt.Errorf("%w: %w", domain.ErrStreamBroken, mapBedrockError(err))}:
			case <-ctx.Done():
			}
			return
		}
		select {
		case ch <- domain.StreamDelta{Done: true}:
		case <-ctx.Done():
		}
	}()

	return ch, nil
}

// --- Bedrock request/response conversion ---

func toBedrockConverseInput(req domain.ChatRequest) *bedrockruntime.ConverseInput {
	input := &bedrockruntime.ConverseInput{ModelId: aws.String(req.Model)}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	input.InferenceConfig = &types.InferenceConfiguration{MaxTokens: aws.Int32(int32(maxTokens))}
	if req.Temperature > 0 {
		input.InferenceConfig.Temperature = aws.Float32(float32(req.Temperature))
	}

	for _, m := range req.Messages {
		switch m.Role {
		case domain.RoleSystem:
			input.System = append(input.System, &types.SystemContentBlockMemberText{Value: m.Content})
		case domain.RoleUser, domain.RoleAssistant:
			role := types.ConversationRoleUser
			if m.Role == domain.RoleAssistant {
				role = types.ConversationRoleAssistant
			}
			input.Messages = append(input.Messages, types.Message{
				Role:    role,
				Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: m.Content}},
			})
		}
	}
	return input
}

func toBedrockConverseStreamInput(req domain.ChatRequest) *bedrockruntime.ConverseStreamInput {
	ci := toBedrockConverseInput(req)
	return &bedrockruntime.ConverseStreamInput{
		ModelId:         ci.ModelId,
		Messages:        ci.Messages,
		System:          ci.System,
		InferenceConfig: ci.InferenceConfig,
	}
}

func fromBedrockConverseOutput(output *bedrockruntime.ConverseOutput, model string, now time.Time) *domain.ChatResponse {
	result := &domain.ChatResponse{Model: model, CreatedAt: now}

	var text strings.Builder
	if outMsg, ok := output.Output.(*types.ConverseOutputMemberMessage); ok {
		for _, block := range outMsg.Value.Content {
			if b, ok := block.(*types.ContentBlockMemberText); ok {
				text.WriteString(b.Value)
			}
		}
	}
	result.Choices = []domain.Choice{{Index: 0, Content: text.String(), FinishReason: string(output.StopReason)}}

	md := &domain.MetadataReport{Properties: map[string]any{"model": model}}
	if output.StopReason != "" {
		md.Properties["stop_reason"] = string(output.StopReason)
	}
	if output.Usage != nil {
		md.Usage = bedrockUsage(output.Usage)
	}
	if output.Metrics != nil && output.Metrics.LatencyMs != nil {
		md.Properties["latency_ms"] = aws.ToInt64(output.Metrics.LatencyMs)
	}
	result.Metadata = md
	return result
}

func bedrockUsage(u *types.TokenUsage) *domain.UsageReport {
	var prompt, generation *int
	if u.InputTokens != nil {
		v := int(aws.ToInt32(u.InputTokens))
		prompt = &v
	}
	if u.OutputTokens != nil {
		v := int(aws.ToInt32(u.OutputTokens))
		generation = &v
	}
	return usageReport(prompt, generation)
}

// processBedrockStreamEvent maps one Converse stream event. Usage arrives
// in the trailing metadata event; the stream end marks completion.
func processBedrockStreamEvent(evt types.ConverseStreamOutput) *domain.StreamDelta {
	switch e := evt.(type) {
	case *types.ConverseStreamOutputMemberContentBlockDelta:
		if d, ok := e.Value.Delta.(*types.ContentBlockDeltaMemberText); ok {
			return &domain.StreamDelta{Choices: []domain.Choice{{Index: 0, Content: d.Value}}}
		}
		return nil

	case *types.ConverseStreamOutputMemberMessageStop:
		return &domain.StreamDelta{Metadata: &domain.MetadataReport{
			Properties: map[string]any{"stop_reason": string(e.Value.StopReason)},
		}}

	case *types.ConverseStreamOutputMemberMetadata:
		md := &domain.MetadataReport{}
		if e.Value.Usage != nil {
			md.Usage = bedrockUsage(e.Value.Usage)
		}
		if e.Value.Metrics != nil && e.Value.Metrics.LatencyMs != nil {
			md.Properties = map[string]any{"latency_ms": aws.ToInt64(e.Value.Metrics.LatencyMs)}
		}
		return &domain.StreamDelta{Metadata: md}

	default:
		return nil
	}
}

// --- Error mapping ---

func mapBedrockError(err error) error {
	if err == nil {
		return nil
	}

	msg := err.Error()

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		switch {
		case code == "ThrottlingException" || code == "TooManyRequestsException":
			return fmt.Errorf("%w: %s", domain.ErrRateLimit, msg)
		case code == "AccessDeniedException" || code == "UnrecognizedClientException":
			return fmt.Errorf("%w: %s", domain.ErrAuthInvalid, msg)
		case code == "ValidationException" && strings.Contains(msg, "too long"):
			return fmt.Errorf("%w: %s", domain.ErrContextOverflow, msg)
		case code == "ModelNotReadyException" || code == "ServiceUnavailableException" ||
			code == "InternalServerException" || code == "ModelStreamErrorException":
			return fmt.Errorf("%w: %s", domain.ErrProviderError, msg)
		}
	}

	return domain.WrapOp("bedrock", err)
}
