package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"

	"github.com/Paranoid-AF/ashcmd"
)

// ConverseAPI is the part of the Bedrock runtime client the backend uses.
type ConverseAPI interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// Bedrock generates text with the Bedrock Converse API.
type Bedrock struct {
	client  ConverseAPI
	creds   aws.CredentialsProvider
	modelID string
}

type bedrockSettings struct {
	awsCfg *aws.Config
	client ConverseAPI
}

// BedrockOption configures NewBedrock.
type BedrockOption func(*bedrockSettings)

// WithAWSConfig uses cfg instead of loading the shared AWS configuration.
func WithAWSConfig(cfg aws.Config) BedrockOption {
	return func(s *bedrockSettings) { s.awsCfg = &cfg }
}

// WithConverseClient replaces the Bedrock runtime client.
func WithConverseClient(c ConverseAPI) BedrockOption {
	return func(s *bedrockSettings) { s.client = c }
}

// NewBedrock loads AWS configuration for bc.Region and bc.Profile and
// creates a Bedrock backend. Credentials are resolved on the first call.
func NewBedrock(ctx context.Context, bc ashcmd.BedrockConfig, opts ...BedrockOption) (*Bedrock, error) {
	var s bedrockSettings
	for _, opt := range opts {
		opt(&s)
	}

	if s.awsCfg == nil {
		loadOpts := []func(*awsconfig.LoadOptions) error{}
		if bc.Region != "" {
			loadOpts = append(loadOpts, awsconfig.WithRegion(bc.Region))
		}
		if bc.Profile != "" {
			loadOpts = append(loadOpts, awsconfig.WithSharedConfigProfile(bc.Profile))
		}
		cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
		if err != nil {
			return nil, ashcmd.NewBackendError(ashcmd.BackendBedrock, ashcmd.ErrAuth,
				fmt.Errorf("load AWS config: %w", err))
		}
		s.awsCfg = &cfg
	}
	if s.client == nil {
		s.client = bedrockruntime.NewFromConfig(*s.awsCfg)
	}

	return &Bedrock{
		client:  s.client,
		creds:   s.awsCfg.Credentials,
		modelID: bc.ModelID,
	}, nil
}

func (b *Bedrock) Kind() ashcmd.BackendKind { return ashcmd.BackendBedrock }

// Generate retrieves credentials, then sends one Converse request.
func (b *Bedrock) Generate(ctx context.Context, req ashcmd.GenerationRequest) (ashcmd.BackendResponse, error) {
	if b.creds == nil {
		return ashcmd.BackendResponse{}, ashcmd.NewBackendError(ashcmd.BackendBedrock, ashcmd.ErrAuth,
			errors.New("no AWS credentials configured"))
	}
	if _, err := b.creds.Retrieve(ctx); err != nil {
		if cerr := contextError(ctx, ashcmd.BackendBedrock, err); cerr != nil {
			return ashcmd.BackendResponse{}, cerr
		}
		return ashcmd.BackendResponse{}, ashcmd.NewBackendError(ashcmd.BackendBedrock, ashcmd.ErrAuth,
			fmt.Errorf("retrieve AWS credentials: %w", err))
	}

	out, err := b.client.Converse(ctx, b.converseInput(req))
	if err != nil {
		return ashcmd.BackendResponse{}, classifyBedrockError(ctx, err)
	}

	msg, ok := out.Output.(*types.ConverseOutputMemberMessage)
	if !ok {
		return ashcmd.BackendResponse{}, ashcmd.NewBackendError(ashcmd.BackendBedrock, ashcmd.ErrNetwork,
			fmt.Errorf("unexpected converse output %T", out.Output))
	}
	var sb strings.Builder
	for _, block := range msg.Value.Content {
		if text, ok := block.(*types.ContentBlockMemberText); ok {
			sb.WriteString(text.Value)
		}
	}
	return ashcmd.BackendResponse{RawText: sb.String(), Backend: ashcmd.BackendBedrock, Model: b.modelID}, nil
}

func (b *Bedrock) converseInput(req ashcmd.GenerationRequest) *bedrockruntime.ConverseInput {
	in := &bedrockruntime.ConverseInput{
		ModelId: aws.String(b.modelID),
		Messages: []types.Message{{
			Role:    types.ConversationRoleUser,
			Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: req.Prompt}},
		}},
		InferenceConfig: &types.InferenceConfiguration{
			Temperature: aws.Float32(float32(req.Params.Temperature)),
			TopP:        aws.Float32(float32(req.Params.TopP)),
		},
	}
	if req.Params.MaxTokens > 0 {
		in.InferenceConfig.MaxTokens = aws.Int32(int32(req.Params.MaxTokens))
	}
	if req.SystemInstructions != "" {
		in.System = []types.SystemContentBlock{&types.SystemContentBlockMemberText{Value: req.SystemInstructions}}
	}
	return in
}

// classifyBedrockError maps a Converse failure onto a backend error kind.
func classifyBedrockError(ctx context.Context, err error) error {
	if cerr := contextError(ctx, ashcmd.BackendBedrock, err); cerr != nil {
		return cerr
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AccessDeniedException", "UnrecognizedClientException", "ExpiredTokenException",
			"InvalidSignatureException", "UnauthorizedException":
			return ashcmd.NewBackendError(ashcmd.BackendBedrock, ashcmd.ErrAuth, err)
		case "ResourceNotFoundException", "ValidationException", "ModelNotReadyException", "ModelErrorException":
			return ashcmd.NewBackendError(ashcmd.BackendBedrock, ashcmd.ErrModelUnavailable, err)
		case "ModelTimeoutException":
			return ashcmd.NewBackendError(ashcmd.BackendBedrock, ashcmd.ErrGenerationTimeout, err)
		}
	}
	return ashcmd.NewBackendError(ashcmd.BackendBedrock, ashcmd.ErrNetwork, err)
}
