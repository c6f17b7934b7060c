package config

import "time"

type ProvidersConfig struct {
	Providers map[string]ProviderConfig `yaml:"providers"`
}

// Provider types understood by the registry.
const (
	ProviderOpenAICompat = "openai_compat"
	ProviderOpenAI       = "openai"
	ProviderAnthropic    = "anthropic"
	ProviderMock         = "mock"
)

type ProviderConfig struct {
	Type          string `yaml:"type"`
	BaseURL       string `yaml:"base_url"`
	APIKey        string `yaml:"api_key"`
	APIVersion    string `yaml:"api_version,omitempty"`
	MaxConcurrent int    `yaml:"max_concurrent"`
	// Timeout bounds connection setup and response headers, not the stream.
	Timeout time.Duration     `yaml:"timeout"`
	Headers map[string]string `yaml:"headers,omitempty"`
	OAuth2  *OAuth2Config     `yaml:"oauth2,omitempty"`

	// Mock provider settings.
	Message    string        `yaml:"message,omitempty"`
	ChunkDelay time.Duration `yaml:"chunk_delay,omitempty"`
}

// OAuth2Config enables the client-credentials flow for providers fronted by an
// OAuth2 token endpoint instead of a static API key.
type OAuth2Config struct {
	TokenURL     string   `yaml:"token_url"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	Scopes       []string `yaml:"scopes"`
}

// Secrets returns the credentials configured across all providers.
func (p *ProvidersConfig) Secrets() []string {
	var secrets []string
	for _, cfg := range p.Providers {
		if cfg.APIKey != "" {
			secrets = append(secrets, cfg.APIKey)
		}
		if cfg.OAuth2 != nil && cfg.OAuth2.ClientSecret != "" {
			secrets = append(secrets, cfg.OAuth2.ClientSecret)
		}
	}
	return secrets
}
