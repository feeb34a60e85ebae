package orchestratornode

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	contractx "github.com/Rahil-dope/agentic-pharmacy-system/agent/contract"
)

// Moderate screens the user text. A moderation outage lets the text through.
func Moderate(ctx context.Context, in *GraphState, moderator contractx.Moderator) (*GraphState, error) {
	if in == nil {
		return nil, fmt.Errorf("%w: graph state is nil", contractx.ErrInvalidRequest)
	}
	if in.Failed() || moderator == nil {
		return in, nil
	}

	flagged, err := moderator.Screen(ctx, in.Turn.UserText)
	if err != nil {
		log.Ctx(ctx).Warn().Err(err).Msg("moderation unavailable, continuing unscreened")
		return in, nil
	}
	if flagged {
		log.Ctx(ctx).Info().Msg("message flagged by moderation")
		in.Moderated = true
	}
	return in, nil
}
