package pharmacist

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	contractx "github.com/Rahil-dope/agentic-pharmacy-system/agent/contract"
)

type Config struct {
	// ModelTimeout bounds one model request.
	ModelTimeout time.Duration
	// Retries is the number of extra attempts after a failed request.
	Retries        uint
	InitialBackoff time.Duration
	// BreakerFailures consecutive failures open the breaker for BreakerCooldown.
	BreakerFailures uint32
	BreakerCooldown time.Duration
}

func (c Config) withDefaults() Config {
	if c.ModelTimeout <= 0 {
		c.ModelTimeout = 30 * time.Second
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 250 * time.Millisecond
	}
	if c.BreakerFailures == 0 {
		c.BreakerFailures = 5
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 30 * time.Second
	}
	return c
}

var _ contractx.Pharmacist = (*Pharmacist)(nil)

// Pharmacist asks the tool-bound chat model for the next step of a turn.
type Pharmacist struct {
	runner  compose.Runnable[map[string]any, *schema.Message]
	breaker *gobreaker.CircuitBreaker
	cfg     Config
	now     func() time.Time
}

func New(
	ctx context.Context,
	chatModel einomodel.ToolCallingChatModel,
	tools []*schema.ToolInfo,
	systemPrompt string,
	cfg Config,
) (*Pharmacist, error) {
	if chatModel == nil {
		return nil, errors.New("pharmacist: chat model is required")
	}
	if strings.TrimSpace(systemPrompt) == "" {
		return nil, errors.New("pharmacist: system prompt is required")
	}

	toolModel, err := chatModel.WithTools(tools)
	if err != nil {
		return nil, fmt.Errorf("pharmacist: bind tools: %w", err)
	}
	runner, err := compileModelGraph(ctx, toolModel, systemPrompt)
	if err != nil {
		return nil, err
	}

	cfg = cfg.withDefaults()
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "pharmacist_model",
		MaxRequests: 1,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
		},
	})

	return &Pharmacist{runner: runner, breaker: breaker, cfg: cfg, now: time.Now}, nil
}

// Next sends the conversation so far. Each attempt gets its own timeout; failed
// attempts are retried with backoff until Retries is spent or the breaker opens.
func (p *Pharmacist) Next(ctx context.Context, req contractx.PharmacistRequest) (contractx.PharmacistResponse, error) {
	input := map[string]any{
		keyCustomerID: req.CustomerID,
		keyToday:      p.now().UTC().Format(time.DateOnly),
		keyHistory:    req.Messages,
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = p.cfg.InitialBackoff

	attempt := 0
	msg, err := backoff.Retry(ctx, func() (*schema.Message, error) {
		attempt++
		out, err := p.invoke(ctx, input)
		if err == nil {
			return out, nil
		}
		if ctx.Err() != nil || errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	},
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(p.cfg.Retries+1),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Ctx(ctx).Warn().Err(err).Int("attempt", attempt).Dur("retry_in", next).Msg("model request failed, retrying")
		}),
	)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return contractx.PharmacistResponse{}, ctxErr
		}
		return contractx.PharmacistResponse{}, fmt.Errorf("%w: %v", contractx.ErrModelUnavailable, err)
	}
	if msg == nil {
		return contractx.PharmacistResponse{}, fmt.Errorf("%w: empty model response", contractx.ErrModelUnavailable)
	}

	return toResponse(msg), nil
}

func (p *Pharmacist) invoke(ctx context.Context, input map[string]any) (*schema.Message, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, p.cfg.ModelTimeout)
	defer cancel()

	out, err := p.breaker.Execute(func() (any, error) {
		return p.runner.Invoke(attemptCtx, input)
	})
	if err != nil {
		return nil, err
	}
	msg, _ := out.(*schema.Message)
	return msg, nil
}

func toResponse(msg *schema.Message) contractx.PharmacistResponse {
	resp := contractx.PharmacistResponse{
		Message: msg,
		Content: strings.TrimSpace(msg.Content),
	}
	for i, tc := range msg.ToolCalls {
		id := strings.TrimSpace(tc.ID)
		if id == "" {
			id = fmt.Sprintf("call_%d", i)
			msg.ToolCalls[i].ID = id
		}
		resp.ToolCalls = append(resp.ToolCalls, contractx.ToolCall{
			ID:        id,
			Name:      strings.TrimSpace(tc.Function.Name),
			Arguments: []byte(tc.Function.Arguments),
		})
	}
	return resp
}
