package models

// APIType identifies the wire protocol a ModelProvider speaks. It is also
// the key used by the provider×model capability quirks table (§9).
type APIType string

const (
	APITypeAnthropic  APIType = "anthropic"
	APITypeOpenAI     APIType = "openai"
	APITypeGoogle     APIType = "google"
	APITypeBedrock    APIType = "bedrock"
	APITypeAzure      APIType = "azure"
	APITypeOllama     APIType = "ollama"
	APITypeOpenRouter APIType = "openrouter"
)

// ModelProvider is provider-level configuration: how to reach the API and
// with which credentials.
type ModelProvider struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	APIType  APIType `json:"api_type"`
	Endpoint string  `json:"endpoint,omitempty"`
	APIKey   string  `json:"api_key,omitempty"`
	UseProxy bool    `json:"use_proxy"`
}

// Model is a per-model capability record under a ModelProvider.
type Model struct {
	ID             string `json:"id"`
	ProviderID     string `json:"provider_id"`
	Code           string `json:"code"`
	Name           string `json:"name"`
	ContextSize    int    `json:"context_size,omitempty"`
	SupportsVision bool   `json:"supports_vision"`
	SupportsAudio  bool   `json:"supports_audio"`
	SupportsVideo  bool   `json:"supports_video"`
}
