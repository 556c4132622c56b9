// Package config loads and validates the LLM portion of the bot
// configuration: provider profiles plus the assistant persona that
// references one of them.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"text/template"
	"time"
	"unicode"

	"hibari/pkg/hibari"
	"hibari/pkg/llm"
	"hibari/pkg/llm/providers/gemini"
	"hibari/pkg/llm/providers/openai"
)

const (
	defaultRequestTimeout = 90 * time.Second

	providerTypeOpenAI = "openai"
	providerTypeGemini = "gemini"

	defaultGeminiAPIVersion = "v1beta"
)

// Config is the runtime LLM configuration model loaded from JSON.
type Config struct {
	// RequestTimeout bounds one LLM request lifecycle.
	RequestTimeout time.Duration
	// Providers contains provider profiles keyed by profile name.
	Providers map[string]ProviderProfile
	// Assistant describes the single reply persona.
	Assistant Assistant
}

// ProviderProfile describes one named provider profile.
type ProviderProfile struct {
	// Type identifies provider implementation kind.
	Type string
	// APIKey is the provider credential.
	APIKey string
	// BaseURL optionally overrides provider API endpoint.
	BaseURL string
	// OpenAI carries OpenAI-specific options.
	OpenAI *OpenAIOptions
	// Gemini carries Gemini-specific options.
	Gemini *GeminiOptions
}

// OpenAIOptions carries OpenAI-specific profile options.
type OpenAIOptions struct {
	// Organization optionally scopes requests to one OpenAI organization.
	Organization string
	// Project optionally scopes requests to one OpenAI project.
	Project string
	// MaxRetries optionally overrides SDK retry count.
	MaxRetries *int
}

// GeminiOptions carries Gemini-specific profile options.
type GeminiOptions struct {
	// APIVersion selects the Gemini Developer API version.
	APIVersion string
	// GoogleSearch enables the Google Search tool.
	GoogleSearch *bool
	// ThinkingBudget optionally sets thinking token budget.
	ThinkingBudget *int
	// IncludeThoughts requests thought parts when supported.
	IncludeThoughts *bool
}

// Assistant describes the reply persona driven by one provider profile.
type Assistant struct {
	// Provider identifies which provider profile to resolve.
	Provider string
	// Model identifies which provider model name to call.
	Model string
	// SystemPromptTemplate is the system prompt template for replies.
	SystemPromptTemplate string
	// TemplateVariables are additional template variables injected at render time.
	TemplateVariables map[string]string
	// MaxOutputTokens optionally limits generated token count.
	MaxOutputTokens int
	// Temperature optionally controls output randomness.
	Temperature float64
}

type fileConfig struct {
	RequestTimeout string                       `json:"request_timeout"`
	Providers      map[string]fileProviderEntry `json:"providers"`
	Assistant      fileAssistant                `json:"assistant"`
}

type fileProviderEntry struct {
	Type    string           `json:"type"`
	APIKey  string           `json:"api_key"`
	BaseURL string           `json:"base_url"`
	OpenAI  *fileOpenAIEntry `json:"openai"`
	Gemini  *fileGeminiEntry `json:"gemini"`
}

type fileOpenAIEntry struct {
	Organization string `json:"organization"`
	Project      string `json:"project"`
	MaxRetries   *int   `json:"max_retries"`
}

type fileGeminiEntry struct {
	APIVersion      string `json:"api_version"`
	GoogleSearch    *bool  `json:"google_search"`
	ThinkingBudget  *int   `json:"thinking_budget"`
	IncludeThoughts *bool  `json:"include_thoughts"`
}

type fileAssistant struct {
	Provider             string            `json:"provider"`
	Model                string            `json:"model"`
	SystemPromptTemplate string            `json:"system_prompt_template"`
	TemplateVariables    map[string]string `json:"template_variables"`
	MaxOutputTokens      int               `json:"max_output_tokens"`
	Temperature          float64           `json:"temperature"`
}

type rootRaw struct {
	Providers json.RawMessage `json:"providers"`
}

// LoadFile reads and validates runtime LLM configuration from path.
func LoadFile(path string) (Config, error) {
	trimmedPath := strings.TrimSpace(path)
	if trimmedPath == "" {
		return Config{}, fmt.Errorf("load llm config: empty path")
	}

	data, err := os.ReadFile(trimmedPath)
	if err != nil {
		return Config{}, fmt.Errorf("load llm config read %s: %w", trimmedPath, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("load llm config %s: %w", trimmedPath, err)
	}

	return cfg, nil
}

// Parse decodes and validates runtime LLM configuration from raw JSON.
func Parse(data []byte) (Config, error) {
	if err := validateDuplicateProviderKeys(data); err != nil {
		return Config{}, fmt.Errorf("parse llm config: %w", err)
	}

	var parsed fileConfig
	if err := decodeStrictJSON(data, &parsed); err != nil {
		return Config{}, fmt.Errorf("parse llm config: %w", err)
	}

	cfg := Config{
		RequestTimeout: defaultRequestTimeout,
		Providers:      make(map[string]ProviderProfile, len(parsed.Providers)),
	}

	if rawTimeout := strings.TrimSpace(parsed.RequestTimeout); rawTimeout != "" {
		timeout, err := time.ParseDuration(rawTimeout)
		if err != nil {
			return Config{}, fmt.Errorf("parse llm config request_timeout: %w", err)
		}
		if timeout <= 0 {
			return Config{}, fmt.Errorf("parse llm config request_timeout: must be > 0")
		}
		cfg.RequestTimeout = timeout
	}

	for key, rawProvider := range parsed.Providers {
		profileKey := strings.TrimSpace(key)
		if profileKey == "" {
			return Config{}, fmt.Errorf("parse llm config providers: empty provider key")
		}
		if _, exists := cfg.Providers[profileKey]; exists {
			return Config{}, fmt.Errorf("parse llm config providers: duplicate provider key %s", profileKey)
		}

		profile := parseProviderProfile(rawProvider)
		if err := validateProviderProfile(profileKey, profile); err != nil {
			return Config{}, fmt.Errorf("parse llm config providers[%s]: %w", profileKey, err)
		}
		cfg.Providers[profileKey] = profile
	}

	cfg.Assistant = Assistant{
		Provider:             strings.TrimSpace(parsed.Assistant.Provider),
		Model:                strings.TrimSpace(parsed.Assistant.Model),
		SystemPromptTemplate: strings.TrimSpace(parsed.Assistant.SystemPromptTemplate),
		TemplateVariables:    cloneStringMap(parsed.Assistant.TemplateVariables),
		MaxOutputTokens:      parsed.Assistant.MaxOutputTokens,
		Temperature:          parsed.Assistant.Temperature,
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks configuration coherence.
func (cfg Config) Validate() error {
	if cfg.RequestTimeout <= 0 {
		return fmt.Errorf("validate llm config: request_timeout must be > 0")
	}
	if len(cfg.Providers) == 0 {
		return fmt.Errorf("validate llm config: providers is required")
	}

	for key, profile := range cfg.Providers {
		if err := validateProviderProfile(key, profile); err != nil {
			return fmt.Errorf("validate llm config providers[%s]: %w", key, err)
		}
	}

	if err := validateAssistant(cfg.Assistant); err != nil {
		return fmt.Errorf("validate llm config assistant: %w", err)
	}
	if _, exists := cfg.Providers[cfg.Assistant.Provider]; !exists {
		return fmt.Errorf("validate llm config assistant: provider %s is not configured", cfg.Assistant.Provider)
	}

	return nil
}

// BuildRegistry constructs all configured providers and registers them
// under their profile keys.
func BuildRegistry(cfg Config) (*llm.Registry, error) {
	providers := make(map[string]hibari.LLMProvider, len(cfg.Providers))
	for key, profile := range cfg.Providers {
		provider, err := buildProvider(profile)
		if err != nil {
			return nil, fmt.Errorf("build llm registry provider %s: %w", key, err)
		}
		providers[key] = provider
	}

	registry, err := llm.NewRegistry(providers)
	if err != nil {
		return nil, fmt.Errorf("build llm registry: %w", err)
	}

	return registry, nil
}

func buildProvider(profile ProviderProfile) (hibari.LLMProvider, error) {
	switch strings.ToLower(strings.TrimSpace(profile.Type)) {
	case providerTypeOpenAI:
		providerConfig := openai.ProviderConfig{
			APIKey:  profile.APIKey,
			BaseURL: profile.BaseURL,
		}
		if profile.OpenAI != nil {
			providerConfig.Organization = profile.OpenAI.Organization
			providerConfig.Project = profile.OpenAI.Project
			providerConfig.MaxRetries = cloneIntPointer(profile.OpenAI.MaxRetries)
		}
		return openai.New(providerConfig)
	case providerTypeGemini:
		providerConfig := gemini.ProviderConfig{
			APIKey:  profile.APIKey,
			BaseURL: profile.BaseURL,
		}
		if profile.Gemini != nil {
			providerConfig.APIVersion = profile.Gemini.APIVersion
			providerConfig.GoogleSearch = cloneBoolPointer(profile.Gemini.GoogleSearch)
			providerConfig.ThinkingBudget = cloneIntPointer(profile.Gemini.ThinkingBudget)
			providerConfig.IncludeThoughts = cloneBoolPointer(profile.Gemini.IncludeThoughts)
		}
		return gemini.New(providerConfig)
	default:
		return nil, fmt.Errorf("unsupported provider type %q", profile.Type)
	}
}

func parseProviderProfile(raw fileProviderEntry) ProviderProfile {
	profile := ProviderProfile{
		Type:    strings.ToLower(strings.TrimSpace(raw.Type)),
		APIKey:  strings.TrimSpace(raw.APIKey),
		BaseURL: strings.TrimSpace(raw.BaseURL),
		OpenAI:  parseOpenAIOptions(raw.OpenAI),
		Gemini:  parseGeminiOptions(raw.Gemini),
	}

	if profile.Type == providerTypeGemini {
		if profile.Gemini == nil {
			profile.Gemini = &GeminiOptions{APIVersion: defaultGeminiAPIVersion}
		}
		if strings.TrimSpace(profile.Gemini.APIVersion) == "" {
			profile.Gemini.APIVersion = defaultGeminiAPIVersion
		}
	}

	return profile
}

func parseOpenAIOptions(raw *fileOpenAIEntry) *OpenAIOptions {
	if raw == nil {
		return nil
	}

	return &OpenAIOptions{
		Organization: strings.TrimSpace(raw.Organization),
		Project:      strings.TrimSpace(raw.Project),
		MaxRetries:   cloneIntPointer(raw.MaxRetries),
	}
}

func parseGeminiOptions(raw *fileGeminiEntry) *GeminiOptions {
	if raw == nil {
		return nil
	}

	return &GeminiOptions{
		APIVersion:      strings.TrimSpace(raw.APIVersion),
		GoogleSearch:    cloneBoolPointer(raw.GoogleSearch),
		ThinkingBudget:  cloneIntPointer(raw.ThinkingBudget),
		IncludeThoughts: cloneBoolPointer(raw.IncludeThoughts),
	}
}

func validateProviderProfile(profileKey string, profile ProviderProfile) error {
	if strings.TrimSpace(profileKey) == "" {
		return fmt.Errorf("empty provider key")
	}

	providerType := strings.ToLower(strings.TrimSpace(profile.Type))
	if providerType == "" {
		return fmt.Errorf("missing type")
	}

	switch providerType {
	case providerTypeOpenAI:
		if strings.TrimSpace(profile.APIKey) == "" {
			return fmt.Errorf("missing api_key")
		}
		if profile.Gemini != nil {
			return fmt.Errorf("gemini options are only supported for gemini providers")
		}
		if err := validateOpenAIOptions(profile.OpenAI); err != nil {
			return fmt.Errorf("invalid openai options: %w", err)
		}
	case providerTypeGemini:
		if strings.TrimSpace(profile.APIKey) == "" {
			return fmt.Errorf("missing api_key")
		}
		if profile.OpenAI != nil {
			return fmt.Errorf("openai options are only supported for openai providers")
		}
		if err := validateGeminiOptions(profile.Gemini); err != nil {
			return fmt.Errorf("invalid gemini options: %w", err)
		}
	default:
		return fmt.Errorf("unsupported type %q", profile.Type)
	}

	if rawBaseURL := strings.TrimSpace(profile.BaseURL); rawBaseURL != "" {
		parsed, err := url.Parse(rawBaseURL)
		if err != nil {
			return fmt.Errorf("invalid base_url: %w", err)
		}
		if parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("invalid base_url: must include scheme and host")
		}
	}

	return nil
}

func validateOpenAIOptions(options *OpenAIOptions) error {
	if options == nil {
		return nil
	}
	if options.MaxRetries != nil && *options.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be >= 0")
	}

	return nil
}

func validateGeminiOptions(options *GeminiOptions) error {
	if options == nil {
		return nil
	}

	if !isValidAPIVersion(options.APIVersion) {
		return fmt.Errorf("invalid api_version %q", options.APIVersion)
	}
	if options.ThinkingBudget != nil && *options.ThinkingBudget < 0 {
		return fmt.Errorf("thinking_budget must be >= 0")
	}

	return nil
}

func validateAssistant(assistant Assistant) error {
	if strings.TrimSpace(assistant.Provider) == "" {
		return fmt.Errorf("missing provider")
	}
	if strings.TrimSpace(assistant.Model) == "" {
		return fmt.Errorf("missing model")
	}
	if strings.TrimSpace(assistant.SystemPromptTemplate) == "" {
		return fmt.Errorf("missing system_prompt_template")
	}
	if assistant.MaxOutputTokens < 0 {
		return fmt.Errorf("max_output_tokens must be >= 0")
	}
	if assistant.Temperature < 0 {
		return fmt.Errorf("temperature must be >= 0")
	}
	if _, err := template.New("system-prompt").Option("missingkey=error").Parse(assistant.SystemPromptTemplate); err != nil {
		return fmt.Errorf("invalid system_prompt_template: %w", err)
	}

	return nil
}

func validateDuplicateProviderKeys(data []byte) error {
	var raw rootRaw
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode root json: %w", err)
	}
	if len(raw.Providers) == 0 {
		return nil
	}

	seen := make(map[string]struct{})
	decoder := json.NewDecoder(bytes.NewReader(raw.Providers))
	token, err := decoder.Token()
	if err != nil {
		return fmt.Errorf("providers: %w", err)
	}
	delim, ok := token.(json.Delim)
	if !ok || delim != '{' {
		return fmt.Errorf("providers: expected object")
	}

	for decoder.More() {
		rawKey, err := decoder.Token()
		if err != nil {
			return fmt.Errorf("providers: %w", err)
		}
		key, ok := rawKey.(string)
		if !ok {
			return fmt.Errorf("providers: expected string key")
		}
		trimmedKey := strings.TrimSpace(key)
		if _, exists := seen[trimmedKey]; exists {
			return fmt.Errorf("providers: duplicate provider key %s", trimmedKey)
		}
		seen[trimmedKey] = struct{}{}

		var discard json.RawMessage
		if err := decoder.Decode(&discard); err != nil {
			return fmt.Errorf("providers[%s]: %w", trimmedKey, err)
		}
	}
	if _, err := decoder.Token(); err != nil {
		return fmt.Errorf("providers: %w", err)
	}

	return nil
}

func decodeStrictJSON(data []byte, target any) error {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		return fmt.Errorf("decode json: %w", err)
	}

	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return fmt.Errorf("unexpected trailing content")
		}
		return fmt.Errorf("decode trailing json: %w", err)
	}

	return nil
}

func isValidAPIVersion(raw string) bool {
	if strings.TrimSpace(raw) == "" {
		return false
	}
	for _, r := range raw {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			continue
		}
		switch r {
		case '-', '.', '_':
			continue
		default:
			return false
		}
	}

	return true
}

func cloneStringMap(values map[string]string) map[string]string {
	if len(values) == 0 {
		return nil
	}

	cloned := make(map[string]string, len(values))
	for key, value := range values {
		cloned[key] = value
	}

	return cloned
}

func cloneIntPointer(value *int) *int {
	if value == nil {
		return nil
	}
	cloned := *value
	return &cloned
}

func cloneBoolPointer(value *bool) *bool {
	if value == nil {
		return nil
	}
	cloned := *value
	return &cloned
}
