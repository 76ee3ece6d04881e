package providerkey

import "time"

// Provider identifies an upstream LLM API family.
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
	ProviderCustom    Provider = "custom"
)

// Valid reports whether the provider is a known value.
func (p Provider) Valid() bool {
	switch p {
	case ProviderOpenAI, ProviderAnthropic, ProviderCustom:
		return true
	}
	return false
}

// Key is a workspace's stored LLM provider credential. Ciphertext holds the
// encrypted secret; the plaintext exists only transiently inside the
// providerkeys service and the proxy's outbound request.
type Key struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspace_id"`
	Provider    Provider  `json:"provider"`
	Label       string    `json:"label"`
	Ciphertext  string    `json:"-"`
	KeyHint     string    `json:"key_hint"`
	BaseURL     string    `json:"base_url,omitempty"`
	Version     int       `json:"version"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
