package llm

import (
	"errors"
	"strings"
	"time"

	openrouterx "github.com/Rahil-dope/agentic-pharmacy-system/pkg/openrouter"
)

type Config struct {
	BaseURL            string        `envconfig:"BASE_URL" split_words:"true" default:"https://openrouter.ai/api/v1"`
	APIKey             string        `envconfig:"API_KEY" split_words:"true" required:"true"`
	Model              string        `envconfig:"MODEL" split_words:"true" required:"true"`
	MaxCompletionToken int           `envconfig:"MAX_COMPLETION_TOKEN" split_words:"true" default:"1000"`
	Temperature        float32       `envconfig:"TEMPERATURE" split_words:"true" default:"0.2"`
	Timeout            time.Duration `envconfig:"TIMEOUT" split_words:"true" default:"30s"`
	SiteURL            string        `envconfig:"SITE_URL" split_words:"true"`
	SiteName           string        `envconfig:"SITE_NAME" split_words:"true"`
	ExcludeReasoning   bool          `envconfig:"EXCLUDE_REASONING" split_words:"true" default:"false"`

	// Moderation goes to an OpenAI-compatible /moderations endpoint, which OpenRouter lacks.
	ModerationEnabled bool   `envconfig:"MODERATION_ENABLED" split_words:"true" default:"false"`
	ModerationBaseURL string `envconfig:"MODERATION_BASE_URL" split_words:"true" default:"https://api.openai.com/v1"`
	ModerationAPIKey  string `envconfig:"MODERATION_API_KEY" split_words:"true"`
	ModerationModel   string `envconfig:"MODERATION_MODEL" split_words:"true" default:"omni-moderation-latest"`
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.APIKey) == "" {
		return errors.New("llm: openrouter api key is required")
	}
	if strings.TrimSpace(c.Model) == "" {
		return errors.New("llm: model is required")
	}
	if c.ModerationEnabled && strings.TrimSpace(c.ModerationAPIKey) == "" {
		return errors.New("llm: moderation api key is required when moderation is enabled")
	}
	return nil
}

// OpenRouter is the chat model configuration for the pharmacist.
func (c Config) OpenRouter() openrouterx.ChatConfig {
	maxCompletionToken := c.MaxCompletionToken
	return openrouterx.ChatConfig{
		BaseURL:            strings.TrimSpace(c.BaseURL),
		APIKey:             strings.TrimSpace(c.APIKey),
		Model:              strings.TrimSpace(c.Model),
		MaxCompletionToken: &maxCompletionToken,
		Temperature:        c.Temperature,
		Timeout:            c.Timeout,
		SiteURL:            strings.TrimSpace(c.SiteURL),
		SiteName:           strings.TrimSpace(c.SiteName),
		ExcludeReasoning:   c.ExcludeReasoning,
	}
}

// Moderation is the client configuration for the moderation endpoint.
func (c Config) Moderation() openrouterx.ModerationConfig {
	return openrouterx.ModerationConfig{
		BaseURL: strings.TrimSpace(c.ModerationBaseURL),
		APIKey:  strings.TrimSpace(c.ModerationAPIKey),
		Model:   strings.TrimSpace(c.ModerationModel),
		Timeout: c.Timeout,
	}
}
