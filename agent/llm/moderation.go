package llm

import (
	"context"
	"fmt"
	"strings"

	openaisdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	contractx "github.com/Rahil-dope/agentic-pharmacy-system/agent/contract"
	openrouterx "github.com/Rahil-dope/agentic-pharmacy-system/pkg/openrouter"
)

var _ contractx.Moderator = (*OpenAIModerator)(nil)

// OpenAIModerator screens user text with the OpenAI moderation endpoint.
type OpenAIModerator struct {
	client *openrouterx.ModerationClient
}

// NewModerator returns nil when moderation is disabled.
func NewModerator(cfg Config, opts ...option.RequestOption) (*OpenAIModerator, error) {
	if !cfg.ModerationEnabled {
		return nil, nil
	}
	client, err := openrouterx.NewModerationClient(cfg.Moderation(), opts...)
	if err != nil {
		return nil, fmt.Errorf("llm: %w", err)
	}
	return &OpenAIModerator{client: client}, nil
}

func (m *OpenAIModerator) Screen(ctx context.Context, text string) (bool, error) {
	if m == nil || strings.TrimSpace(text) == "" {
		return false, nil
	}
	resp, err := m.client.Client.Moderations.New(ctx, openaisdk.ModerationNewParams{
		Input: openaisdk.ModerationNewParamsInputUnion{OfString: openaisdk.String(text)},
		Model: openaisdk.ModerationModel(m.client.Model),
	})
	if err != nil {
		return false, fmt.Errorf("moderation request: %w", err)
	}
	for _, r := range resp.Results {
		if r.Flagged {
			return true, nil
		}
	}
	return false, nil
}
