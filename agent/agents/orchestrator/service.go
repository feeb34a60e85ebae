package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cloudwego/eino/compose"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	contractx "github.com/Rahil-dope/agentic-pharmacy-system/agent/contract"
	nodex "github.com/Rahil-dope/agentic-pharmacy-system/agent/nodes/orchestrator"
	statex "github.com/Rahil-dope/agentic-pharmacy-system/agent/state"
	"github.com/Rahil-dope/agentic-pharmacy-system/pharmacy/domain"
	"github.com/Rahil-dope/agentic-pharmacy-system/pharmacy/notify"
	"github.com/Rahil-dope/agentic-pharmacy-system/pkg/metrics"
	"github.com/Rahil-dope/agentic-pharmacy-system/pkg/tracing"
)

var (
	ErrInvalidMessage = nodex.ErrInvalidMessage
	ErrMessageTooLong = nodex.ErrMessageTooLong
)

type Config struct {
	MaxToolRounds    int           `split_words:"true" default:"6"`
	ToolTimeout      time.Duration `split_words:"true" default:"10s"`
	MaxMessageLength int           `split_words:"true" default:"2000"`
	NotifyTimeout    time.Duration `split_words:"true" default:"30s"`
}

func (c Config) withDefaults() Config {
	if c.MaxToolRounds <= 0 {
		c.MaxToolRounds = nodex.DefaultMaxToolRounds
	}
	if c.ToolTimeout <= 0 {
		c.ToolTimeout = nodex.DefaultToolTimeout
	}
	if c.MaxMessageLength <= 0 {
		c.MaxMessageLength = nodex.DefaultMaxMessageLength
	}
	if c.NotifyTimeout <= 0 {
		c.NotifyTimeout = 30 * time.Second
	}
	return c
}

// TurnOutcome is what a caller gets back for one message.
type TurnOutcome struct {
	TurnID   string
	Reply    contractx.ChatReply
	TraceURL string
}

type Option func(*Orchestrator)

func WithModerator(m contractx.Moderator) Option {
	return func(o *Orchestrator) { o.moderator = m }
}

func WithNotifier(n notify.Notifier) Option {
	return func(o *Orchestrator) {
		if n != nil {
			o.notifier = n
		}
	}
}

func WithArchive(a statex.Archive) Option {
	return func(o *Orchestrator) {
		if a != nil {
			o.archive = a
		}
	}
}

func WithTracer(t *tracing.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

func WithTurnIDs(next func() string) Option {
	return func(o *Orchestrator) {
		if next != nil {
			o.newID = next
		}
	}
}

// Orchestrator runs one conversation turn per message: validation, moderation,
// the tool loop, the reply and the order notifications it triggers.
type Orchestrator struct {
	pharmacist contractx.Pharmacist
	tools      contractx.ToolDispatcher
	customers  domain.CustomerDirectory
	moderator  contractx.Moderator
	notifier   notify.Notifier
	archive    statex.Archive
	tracer     *tracing.Tracer
	metrics    *metrics.Metrics

	cfg  Config
	loop nodex.Loop

	graphRunner compose.Runnable[nodex.GraphInput, nodex.GraphOutput]

	inflight sync.WaitGroup

	now   func() time.Time
	newID func() string
}

func New(
	pharmacist contractx.Pharmacist,
	tools contractx.ToolDispatcher,
	customers domain.CustomerDirectory,
	cfg Config,
	opts ...Option,
) (*Orchestrator, error) {
	if pharmacist == nil {
		return nil, errors.New("pharmacist is required")
	}
	if tools == nil {
		return nil, errors.New("tool dispatcher is required")
	}
	if customers == nil {
		return nil, errors.New("customer directory is required")
	}

	o := &Orchestrator{
		pharmacist: pharmacist,
		tools:      tools,
		customers:  customers,
		notifier:   notify.Noop{},
		archive:    statex.NewMemoryArchive(),
		cfg:        cfg.withDefaults(),
		now:        time.Now,
		newID:      uuid.NewString,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}

	o.loop = nodex.Loop{
		Pharmacist:  o.pharmacist,
		Tools:       o.tools,
		Tracer:      o.tracer,
		Metrics:     o.metrics,
		MaxRounds:   o.cfg.MaxToolRounds,
		ToolTimeout: o.cfg.ToolTimeout,
	}

	graphRunner, err := o.compileHandleMessageGraph(context.Background())
	if err != nil {
		return nil, err
	}
	o.graphRunner = graphRunner

	return o, nil
}

// HandleMessage runs one turn. A failed turn still returns a reply meant for
// the customer, together with a *contract.TurnError.
func (o *Orchestrator) HandleMessage(ctx context.Context, customerID int64, text string) (TurnOutcome, error) {
	turnID := o.newID()

	ctx, span := o.tracer.StartSpan(ctx, tracing.KindTurn, "handle_message", map[string]any{
		"turn_id":     turnID,
		"customer_id": customerID,
		"message":     text,
	})
	logger := log.Ctx(ctx).With().Str("turn_id", turnID).Int64("customer_id", customerID).Logger()
	ctx = logger.WithContext(ctx)

	outcome := TurnOutcome{TurnID: turnID, TraceURL: o.tracer.TraceURL(span)}

	out, err := o.graphRunner.Invoke(ctx, nodex.GraphInput{
		TurnID:     turnID,
		CustomerID: customerID,
		Text:       text,
		TraceID:    span.TraceID(),
		TraceURL:   outcome.TraceURL,
	})
	if err != nil {
		logger.Error().Err(err).Msg("turn graph failed")
		turnErr := &contractx.TurnError{Kind: contractx.TurnInternal, Err: err}
		outcome.Reply = contractx.ChatReply{
			Status:  contractx.StatusError,
			Message: "I'm sorry, something went wrong while handling your request. No further changes were made.",
		}
		span.End(outcome.Reply, turnErr)
		o.metrics.RecordTurn(ctx, string(contractx.TurnInternal), 0)
		return outcome, turnErr
	}

	outcome.Reply = out.Reply
	for _, order := range out.Notify {
		o.notifyAsync(ctx, order)
	}

	rounds := 0
	if out.Turn != nil {
		rounds = out.Turn.Snapshot().Rounds
		o.save(ctx, out)
	}

	if out.Err != nil {
		logger.Warn().Err(out.Err).Str("kind", string(out.Err.Kind)).Msg("turn failed")
		span.End(outcome.Reply, out.Err)
		o.metrics.RecordTurn(ctx, string(out.Err.Kind), rounds)
		return outcome, out.Err
	}

	logger.Info().Str("status", out.Reply.Status).Int("rounds", rounds).Msg("turn finished")
	span.End(outcome.Reply, nil)
	o.metrics.RecordTurn(ctx, "ok", rounds)
	return outcome, nil
}

// save archives the turn. Turns rejected before a customer was known are not kept.
func (o *Orchestrator) save(ctx context.Context, out nodex.GraphOutput) {
	if out.Err != nil && (out.Err.Kind == contractx.TurnInvalidInput || out.Err.Kind == contractx.TurnCustomerNotFound) {
		return
	}
	if err := o.archive.Save(context.WithoutCancel(ctx), out.Turn); err != nil {
		log.Ctx(ctx).Warn().Err(err).Msg("archive turn failed")
	}
}

// notifyAsync sends the order-created notification without holding up the
// reply. Only the turn that created an order lists it, so each order is sent once.
func (o *Orchestrator) notifyAsync(ctx context.Context, order domain.Order) {
	o.inflight.Add(1)
	go func() {
		defer o.inflight.Done()

		nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.NotifyTimeout)
		defer cancel()
		nctx, span := o.tracer.StartSpan(nctx, tracing.KindWebhook, "order_created", map[string]any{
			"order_id": order.ID,
		})

		err := o.notifier.NotifyOrderCreated(nctx, order)
		outcome := "ok"
		if err != nil {
			outcome = "error"
			log.Ctx(nctx).Error().Err(err).Str("order_id", order.ID).Msg("order notification failed")
		}
		o.metrics.RecordWebhook(nctx, outcome)
		span.End(nil, err)
	}()
}

// Drain waits for in-flight notifications or until ctx is done.
func (o *Orchestrator) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recent returns the customer's archived turns, newest first.
func (o *Orchestrator) Recent(ctx context.Context, customerID int64, limit int) ([]*statex.ConversationTurn, error) {
	return o.archive.Recent(ctx, customerID, limit)
}
