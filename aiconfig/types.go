// Package aiconfig resolves which AI backend configuration is active for a
// user and capability, and persists configurations, generation parameters,
// the model catalogue and the SQL audit log.
package aiconfig

import (
	"context"
	"strings"
	"time"

	"github.com/m4xw311/fuzz/errors"
)

// Provider identifies a backend vendor.
type Provider int

const (
	ProviderGemini Provider = iota
	ProviderOpenAI
	ProviderLocal
	ProviderElevenLabs
	ProviderReplicate
	ProviderAnthropic
	ProviderBedrock
)

var providerNames = map[Provider]string{
	ProviderGemini:     "gemini",
	ProviderOpenAI:     "openai",
	ProviderLocal:      "local",
	ProviderElevenLabs: "elevenlabs",
	ProviderReplicate:  "replicate",
	ProviderAnthropic:  "anthropic",
	ProviderBedrock:    "bedrock",
}

// Providers lists every known provider in declaration order.
func Providers() []Provider {
	return []Provider{ProviderGemini, ProviderOpenAI, ProviderLocal, ProviderElevenLabs,
		ProviderReplicate, ProviderAnthropic, ProviderBedrock}
}

func (p Provider) String() string {
	if n, ok := providerNames[p]; ok {
		return n
	}
	return "unknown"
}

// DisplayName is the name shown in user-facing messages.
func (p Provider) DisplayName() string {
	switch p {
	case ProviderOpenAI:
		return "OpenAI"
	case ProviderElevenLabs:
		return "ElevenLabs"
	}
	s := p.String()
	return strings.ToUpper(s[:1]) + s[1:]
}

// RequiresAPIKey reports whether the provider cannot be called without a key.
func (p Provider) RequiresAPIKey() bool {
	return p != ProviderLocal && p != ProviderBedrock
}

// ParseProvider accepts a provider name in any case.
func ParseProvider(s string) (Provider, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for p, n := range providerNames {
		if n == s {
			return p, nil
		}
	}
	return 0, errors.New("unknown provider %q", s)
}

func (p Provider) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Provider) UnmarshalText(b []byte) error {
	v, err := ParseProvider(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Capability is a bitmask of modalities a configuration serves.
type Capability uint8

const (
	CapabilityText   Capability = 1
	CapabilityVisual Capability = 2
	CapabilitySound  Capability = 4
	CapabilityVoice  Capability = 8
)

// Has reports whether c covers every bit of requested.
func (c Capability) Has(requested Capability) bool {
	return requested != 0 && c&requested == requested
}

// Overlaps reports whether c and other share at least one bit.
func (c Capability) Overlaps(other Capability) bool {
	return c&other != 0
}

func (c Capability) String() string {
	var parts []string
	for _, b := range []struct {
		bit  Capability
		name string
	}{{CapabilityText, "text"}, {CapabilityVisual, "visual"}, {CapabilitySound, "sound"}, {CapabilityVoice, "voice"}} {
		if c&b.bit != 0 {
			parts = append(parts, b.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// ParseCapability parses "text", "text|visual" or a decimal mask.
func ParseCapability(s string) (Capability, error) {
	var c Capability
	for _, part := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool { return r == '|' || r == ',' }) {
		switch strings.TrimSpace(part) {
		case "text":
			c |= CapabilityText
		case "visual", "vision":
			c |= CapabilityVisual
		case "sound":
			c |= CapabilitySound
		case "voice":
			c |= CapabilityVoice
		default:
			return 0, errors.New("unknown capability %q", part)
		}
	}
	if c == 0 {
		return 0, errors.New("empty capability %q", s)
	}
	return c, nil
}

// Parameters are the generation knobs attached to one configuration.
type Parameters struct {
	Temperature      float64 `json:"temperature"`
	MaxTokens        int     `json:"max_tokens"`
	TopP             float64 `json:"top_p"`
	FrequencyPenalty float64 `json:"frequency_penalty"`
	PresencePenalty  float64 `json:"presence_penalty"`
}

// NewParameters returns the values a freshly stored parameter row starts with.
func NewParameters() Parameters {
	return Parameters{Temperature: 0.7, MaxTokens: 4096, TopP: 1.0}
}

// Configuration is one stored backend configuration owned by a user.
type Configuration struct {
	ID           int64       `json:"id"`
	UserID       string      `json:"user_id"`
	Provider     Provider    `json:"provider"`
	APIKey       string      `json:"api_key,omitempty"`
	ModelID      string      `json:"model_id"`
	APIBase      string      `json:"api_base,omitempty"`
	Capabilities Capability  `json:"capabilities"`
	IsActive     bool        `json:"is_active"`
	UpdatedAt    time.Time   `json:"updated_at"`
	Parameters   *Parameters `json:"parameters,omitempty"`
}

// Params returns the stored parameters, or def when none are stored.
func (c *Configuration) Params(def Parameters) Parameters {
	if c.Parameters == nil {
		return def
	}
	return *c.Parameters
}

// Model is a catalogue entry offered when creating configurations.
type Model struct {
	ID           int64      `json:"id"`
	Provider     Provider   `json:"provider"`
	ModelID      string     `json:"model_id"`
	DisplayName  string     `json:"display_name"`
	IsCustom     bool       `json:"is_custom"`
	Capabilities Capability `json:"capabilities"`
	CreatedAt    time.Time  `json:"created_at"`
}

// SQLLog records a SQL statement produced for a user input.
type SQLLog struct {
	ID           int64     `json:"id"`
	UserID       string    `json:"user_id"`
	InputText    string    `json:"input_text"`
	GeneratedSQL string    `json:"generated_sql"`
	CreatedAt    time.Time `json:"created_at"`
}

// Resolver finds the active configuration for a user and capability.
// A nil configuration with a nil error means none is active.
type Resolver interface {
	ActiveConfig(ctx context.Context, userID string, capability Capability) (*Configuration, error)
}
