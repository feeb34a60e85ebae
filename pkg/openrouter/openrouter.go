package openrouter

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openaimodel "github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	openaisdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// ChatConfig is the pharmacist's chat model on OpenRouter.
type ChatConfig struct {
	BaseURL            string
	APIKey             string
	Model              string
	MaxCompletionToken *int
	Temperature        float32
	Timeout            time.Duration
	SiteURL            string
	SiteName           string
	// ExcludeReasoning drops reasoning tokens from replies for models that emit them.
	ExcludeReasoning bool
}

// NewChatModel builds the tool-calling chat model. Tools are bound by the caller.
func NewChatModel(ctx context.Context, cfg ChatConfig) (model.ToolCallingChatModel, error) {
	modelName := strings.TrimSpace(cfg.Model)
	if modelName == "" {
		return nil, errors.New("openrouter: model is required")
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("openrouter: api key is required")
	}

	conf := &openaimodel.ChatModelConfig{
		BaseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		APIKey:      strings.TrimSpace(cfg.APIKey),
		Model:       modelName,
		MaxTokens:   cfg.MaxCompletionToken,
		Temperature: &cfg.Temperature,
		Timeout:     cfg.Timeout,
	}
	if headers := attribution(cfg.SiteURL, cfg.SiteName); len(headers) > 0 {
		conf.HTTPClient = &http.Client{Transport: headerTransport{base: http.DefaultTransport, headers: headers}}
	}
	if cfg.ExcludeReasoning {
		conf.ExtraFields = map[string]any{
			"reasoning": map[string]any{
				"exclude": true,
				"effort":  "none",
			},
		}
	}

	m, err := openaimodel.NewChatModel(ctx, conf)
	if err != nil {
		return nil, fmt.Errorf("openrouter: create chat model: %w", err)
	}
	return m, nil
}

// ModerationConfig points at an OpenAI-compatible /moderations endpoint.
// OpenRouter has none, so this usually targets api.openai.com.
type ModerationConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// DefaultModerationModel is used when ModerationConfig.Model is blank.
const DefaultModerationModel = string(openaisdk.ModerationModelOmniModerationLatest)

// ModerationClient is an openai-go client bound to one moderation model.
type ModerationClient struct {
	Client *openaisdk.Client
	Model  string
}

// NewModerationClient builds the moderation client. extra is applied last.
func NewModerationClient(cfg ModerationConfig, extra ...option.RequestOption) (*ModerationClient, error) {
	key := strings.TrimSpace(cfg.APIKey)
	if key == "" {
		return nil, errors.New("openrouter: moderation api key is required")
	}

	opts := []option.RequestOption{option.WithAPIKey(key)}
	if trimmed := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"); trimmed != "" {
		opts = append(opts, option.WithBaseURL(trimmed))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	}
	opts = append(opts, extra...)

	modelName := strings.TrimSpace(cfg.Model)
	if modelName == "" {
		modelName = DefaultModerationModel
	}
	client := openaisdk.NewClient(opts...)
	return &ModerationClient{Client: &client, Model: modelName}, nil
}

// attribution returns the OpenRouter app attribution headers.
func attribution(siteURL, siteName string) map[string]string {
	headers := map[string]string{}
	if s := strings.TrimSpace(siteURL); s != "" {
		headers["HTTP-Referer"] = s
	}
	if s := strings.TrimSpace(siteName); s != "" {
		headers["X-Title"] = s
	}
	return headers
}

type headerTransport struct {
	base    http.RoundTripper
	headers map[string]string
}

func (t headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	return t.base.RoundTrip(req)
}
