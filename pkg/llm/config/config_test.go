package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validConfigJSON = `{
	"request_timeout": "45s",
	"providers": {
		"main": {
			"type": "openai",
			"api_key": "sk-test",
			"openai": {"organization": "org-1", "max_retries": 2}
		},
		"flash": {
			"type": "gemini",
			"api_key": "g-test",
			"gemini": {"google_search": true, "thinking_budget": 2048, "include_thoughts": true}
		}
	},
	"assistant": {
		"provider": "main",
		"model": "gpt-5-mini",
		"system_prompt_template": "You are {{.BotName}}.",
		"template_variables": {"BotName": "Hibari"},
		"max_output_tokens": 1024,
		"temperature": 0.7
	}
}`

func TestParseValidConfig(t *testing.T) {
	t.Parallel()

	cfg, err := Parse([]byte(validConfigJSON))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.RequestTimeout != 45*time.Second {
		t.Fatalf("RequestTimeout = %s, want 45s", cfg.RequestTimeout)
	}
	if len(cfg.Providers) != 2 {
		t.Fatalf("len(Providers) = %d, want 2", len(cfg.Providers))
	}

	main := cfg.Providers["main"]
	if main.Type != "openai" || main.OpenAI == nil || main.OpenAI.Organization != "org-1" {
		t.Fatalf("main profile = %+v", main)
	}
	if main.OpenAI.MaxRetries == nil || *main.OpenAI.MaxRetries != 2 {
		t.Fatalf("main max retries = %v, want 2", main.OpenAI.MaxRetries)
	}

	flash := cfg.Providers["flash"]
	if flash.Type != "gemini" || flash.Gemini == nil {
		t.Fatalf("flash profile = %+v", flash)
	}
	if flash.Gemini.APIVersion != "v1beta" {
		t.Fatalf("flash api version = %q, want defaulted v1beta", flash.Gemini.APIVersion)
	}
	if flash.Gemini.GoogleSearch == nil || !*flash.Gemini.GoogleSearch {
		t.Fatalf("flash google search = %v, want true", flash.Gemini.GoogleSearch)
	}

	if cfg.Assistant.Provider != "main" || cfg.Assistant.Model != "gpt-5-mini" {
		t.Fatalf("assistant = %+v", cfg.Assistant)
	}
	if cfg.Assistant.TemplateVariables["BotName"] != "Hibari" {
		t.Fatalf("template variables = %v", cfg.Assistant.TemplateVariables)
	}
}

func TestParseDefaultsRequestTimeout(t *testing.T) {
	t.Parallel()

	raw := `{
		"providers": {"main": {"type": "openai", "api_key": "sk-test"}},
		"assistant": {"provider": "main", "model": "gpt-5-mini", "system_prompt_template": "hi"}
	}`

	cfg, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.RequestTimeout != defaultRequestTimeout {
		t.Fatalf("RequestTimeout = %s, want %s", cfg.RequestTimeout, defaultRequestTimeout)
	}
}

func TestParseRejectsInvalidConfigs(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name             string
		raw              string
		wantErrSubstring string
	}{
		{
			name:             "unknown field",
			raw:              `{"surprise": true}`,
			wantErrSubstring: "unknown field",
		},
		{
			name: "negative request timeout",
			raw: `{
				"request_timeout": "-1s",
				"providers": {"main": {"type": "openai", "api_key": "k"}},
				"assistant": {"provider": "main", "model": "m", "system_prompt_template": "p"}
			}`,
			wantErrSubstring: "request_timeout: must be > 0",
		},
		{
			name: "unsupported provider type",
			raw: `{
				"providers": {"main": {"type": "anthropic", "api_key": "k"}},
				"assistant": {"provider": "main", "model": "m", "system_prompt_template": "p"}
			}`,
			wantErrSubstring: "unsupported type",
		},
		{
			name: "missing api key",
			raw: `{
				"providers": {"main": {"type": "openai"}},
				"assistant": {"provider": "main", "model": "m", "system_prompt_template": "p"}
			}`,
			wantErrSubstring: "missing api_key",
		},
		{
			name: "mismatched provider options",
			raw: `{
				"providers": {"main": {"type": "openai", "api_key": "k", "gemini": {"google_search": true}}},
				"assistant": {"provider": "main", "model": "m", "system_prompt_template": "p"}
			}`,
			wantErrSubstring: "gemini options are only supported",
		},
		{
			name: "base url without scheme",
			raw: `{
				"providers": {"main": {"type": "openai", "api_key": "k", "base_url": "example.com"}},
				"assistant": {"provider": "main", "model": "m", "system_prompt_template": "p"}
			}`,
			wantErrSubstring: "must include scheme and host",
		},
		{
			name: "duplicate provider keys",
			raw: `{
				"providers": {"main": {"type": "openai", "api_key": "k"}, "main": {"type": "openai", "api_key": "k"}},
				"assistant": {"provider": "main", "model": "m", "system_prompt_template": "p"}
			}`,
			wantErrSubstring: "duplicate provider key",
		},
		{
			name: "assistant references unknown provider",
			raw: `{
				"providers": {"main": {"type": "openai", "api_key": "k"}},
				"assistant": {"provider": "other", "model": "m", "system_prompt_template": "p"}
			}`,
			wantErrSubstring: "provider other is not configured",
		},
		{
			name: "assistant missing model",
			raw: `{
				"providers": {"main": {"type": "openai", "api_key": "k"}},
				"assistant": {"provider": "main", "system_prompt_template": "p"}
			}`,
			wantErrSubstring: "missing model",
		},
		{
			name: "malformed prompt template",
			raw: `{
				"providers": {"main": {"type": "openai", "api_key": "k"}},
				"assistant": {"provider": "main", "model": "m", "system_prompt_template": "{{.Broken"}
			}`,
			wantErrSubstring: "invalid system_prompt_template",
		},
		{
			name: "negative thinking budget",
			raw: `{
				"providers": {"main": {"type": "gemini", "api_key": "k", "gemini": {"thinking_budget": -5}}},
				"assistant": {"provider": "main", "model": "m", "system_prompt_template": "p"}
			}`,
			wantErrSubstring: "thinking_budget must be >= 0",
		},
	}

	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			_, err := Parse([]byte(testCase.raw))
			if err == nil || !strings.Contains(err.Error(), testCase.wantErrSubstring) {
				t.Fatalf("Parse() error = %v, want substring %q", err, testCase.wantErrSubstring)
			}
		})
	}
}

func TestLoadFileReadsFromDisk(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "llm.json")
	if err := os.WriteFile(path, []byte(validConfigJSON), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if cfg.Assistant.Model != "gpt-5-mini" {
		t.Fatalf("Assistant.Model = %q", cfg.Assistant.Model)
	}
}

func TestLoadFileMissingPath(t *testing.T) {
	t.Parallel()

	if _, err := LoadFile(" "); err == nil {
		t.Fatal("LoadFile() error = nil, want empty path error")
	}
	if _, err := LoadFile(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Fatal("LoadFile() error = nil, want read error")
	}
}

func TestBuildRegistryRejectsUnsupportedType(t *testing.T) {
	t.Parallel()

	cfg := Config{
		RequestTimeout: time.Minute,
		Providers: map[string]ProviderProfile{
			"main": {Type: "unknown", APIKey: "k"},
		},
		Assistant: Assistant{Provider: "main", Model: "m", SystemPromptTemplate: "p"},
	}

	if _, err := BuildRegistry(cfg); err == nil || !strings.Contains(err.Error(), "unsupported provider type") {
		t.Fatalf("BuildRegistry() error = %v, want unsupported provider type", err)
	}
}
