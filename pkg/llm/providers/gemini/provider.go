// Package gemini adapts the Google Gemini streaming API to the hibari
// provider contract.
package gemini

import (
	"context"
	"fmt"
	"iter"
	"math"
	"net/url"
	"strings"

	"hibari/pkg/hibari"

	"google.golang.org/genai"
)

const defaultAPIVersion = "v1beta"

// ProviderConfig configures one Gemini-backed provider instance.
type ProviderConfig struct {
	// APIKey is the credential used to authenticate requests.
	APIKey string
	// BaseURL optionally overrides the Gemini endpoint.
	BaseURL string
	// APIVersion optionally overrides the Gemini API version.
	//
	// Zero defaults to v1beta.
	APIVersion string
	// GoogleSearch optionally enables the Google Search tool for all requests.
	GoogleSearch *bool
	// ThinkingBudget optionally sets the thinking token budget.
	ThinkingBudget *int
	// IncludeThoughts optionally asks models to include thought parts.
	IncludeThoughts *bool
}

// Provider streams text through the Gemini Developer API.
type Provider struct {
	models   modelsClient
	defaults requestDefaults
}

type modelsClient interface {
	GenerateContentStream(
		ctx context.Context,
		model string,
		contents []*genai.Content,
		config *genai.GenerateContentConfig,
	) iter.Seq2[*genai.GenerateContentResponse, error]
}

type requestDefaults struct {
	googleSearch    bool
	thinkingBudget  *int32
	includeThoughts bool
}

// New builds one Gemini provider instance.
func New(cfg ProviderConfig) (*Provider, error) {
	normalized, defaults, err := normalizeProviderConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("new gemini provider: %w", err)
	}

	clientConfig := &genai.ClientConfig{
		APIKey:  normalized.APIKey,
		Backend: genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{
			BaseURL:    normalized.BaseURL,
			APIVersion: normalized.APIVersion,
		},
	}
	client, err := genai.NewClient(context.Background(), clientConfig)
	if err != nil {
		return nil, fmt.Errorf("new gemini client: %w", err)
	}
	if client == nil || client.Models == nil {
		return nil, fmt.Errorf("new gemini client: models client is nil")
	}

	return &Provider{models: client.Models, defaults: defaults}, nil
}

// GenerateStream starts one streaming generation request.
func (p *Provider) GenerateStream(
	ctx context.Context,
	req hibari.LLMGenerateRequest,
) (hibari.LLMStream, error) {
	if p == nil || p.models == nil {
		return nil, fmt.Errorf("gemini generate stream: nil provider")
	}
	if ctx == nil {
		return nil, fmt.Errorf("gemini generate stream: nil context")
	}
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("gemini generate stream validate request: %w", err)
	}

	contents, config, err := mapGenerateRequest(req, p.defaults)
	if err != nil {
		return nil, fmt.Errorf("gemini generate stream map request: %w", err)
	}

	stream := p.models.GenerateContentStream(ctx, strings.TrimSpace(req.Model), contents, config)
	if stream == nil {
		return nil, fmt.Errorf("gemini generate stream: stream is nil")
	}

	return newStream(stream, p.defaults.includeThoughts), nil
}

func mapGenerateRequest(
	req hibari.LLMGenerateRequest,
	defaults requestDefaults,
) ([]*genai.Content, *genai.GenerateContentConfig, error) {
	systemParts := make([]string, 0, 1)
	contents := make([]*genai.Content, 0, len(req.Messages))
	for index, message := range req.Messages {
		switch message.Role {
		case hibari.LLMMessageRoleSystem:
			systemParts = append(systemParts, message.Content)
		case hibari.LLMMessageRoleUser:
			contents = append(contents, &genai.Content{
				Role:  string(genai.RoleUser),
				Parts: []*genai.Part{{Text: message.Content}},
			})
		case hibari.LLMMessageRoleAssistant:
			contents = append(contents, &genai.Content{
				Role:  string(genai.RoleModel),
				Parts: []*genai.Part{{Text: message.Content}},
			})
		default:
			return nil, nil, fmt.Errorf("messages[%d] role: unsupported role %q", index, message.Role)
		}
	}
	if len(contents) == 0 {
		return nil, nil, fmt.Errorf("missing non-system messages")
	}

	config := &genai.GenerateContentConfig{}
	if len(systemParts) > 0 {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: strings.Join(systemParts, "\n\n")}},
		}
	}
	if req.Temperature > 0 {
		temperature := float32(req.Temperature)
		config.Temperature = &temperature
	}
	if req.MaxOutputTokens > 0 {
		if req.MaxOutputTokens > math.MaxInt32 {
			return nil, nil, fmt.Errorf("max_output_tokens exceeds int32 range")
		}
		config.MaxOutputTokens = int32(req.MaxOutputTokens)
	}
	if defaults.googleSearch {
		config.Tools = []*genai.Tool{{GoogleSearch: &genai.GoogleSearch{}}}
	}
	if defaults.thinkingBudget != nil || defaults.includeThoughts {
		thinking := &genai.ThinkingConfig{IncludeThoughts: defaults.includeThoughts}
		if defaults.thinkingBudget != nil {
			budget := *defaults.thinkingBudget
			thinking.ThinkingBudget = &budget
		}
		config.ThinkingConfig = thinking
	}

	return contents, config, nil
}

func normalizeProviderConfig(cfg ProviderConfig) (ProviderConfig, requestDefaults, error) {
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	cfg.BaseURL = strings.TrimSpace(cfg.BaseURL)
	cfg.APIVersion = strings.TrimSpace(cfg.APIVersion)

	if cfg.APIKey == "" {
		return ProviderConfig{}, requestDefaults{}, fmt.Errorf("missing api_key")
	}
	if cfg.BaseURL != "" {
		parsed, err := url.Parse(cfg.BaseURL)
		if err != nil {
			return ProviderConfig{}, requestDefaults{}, fmt.Errorf("parse base_url: %w", err)
		}
		if parsed.Scheme == "" || parsed.Host == "" {
			return ProviderConfig{}, requestDefaults{}, fmt.Errorf("parse base_url: must include scheme and host")
		}
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = defaultAPIVersion
	}

	defaults := requestDefaults{
		googleSearch:    cfg.GoogleSearch != nil && *cfg.GoogleSearch,
		includeThoughts: cfg.IncludeThoughts != nil && *cfg.IncludeThoughts,
	}
	if cfg.ThinkingBudget != nil {
		if *cfg.ThinkingBudget < 0 {
			return ProviderConfig{}, requestDefaults{}, fmt.Errorf("thinking_budget must be >= 0")
		}
		if *cfg.ThinkingBudget > math.MaxInt32 {
			return ProviderConfig{}, requestDefaults{}, fmt.Errorf("thinking_budget must fit int32")
		}
		budget := int32(*cfg.ThinkingBudget)
		defaults.thinkingBudget = &budget
	}

	return cfg, defaults, nil
}

var _ hibari.LLMProvider = (*Provider)(nil)
