package orchestratornode

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	contractx "github.com/Rahil-dope/agentic-pharmacy-system/agent/contract"
	statex "github.com/Rahil-dope/agentic-pharmacy-system/agent/state"
	"github.com/Rahil-dope/agentic-pharmacy-system/agent/tool"
	"github.com/Rahil-dope/agentic-pharmacy-system/pharmacy/domain"
	"github.com/Rahil-dope/agentic-pharmacy-system/pkg/metrics"
	"github.com/Rahil-dope/agentic-pharmacy-system/pkg/tracing"
)

const (
	DefaultMaxToolRounds = 6
	DefaultToolTimeout   = 10 * time.Second
)

// Loop holds what the tool loop needs. Tracer and Metrics may be nil.
type Loop struct {
	Pharmacist  contractx.Pharmacist
	Tools       contractx.ToolDispatcher
	Tracer      *tracing.Tracer
	Metrics     *metrics.Metrics
	MaxRounds   int
	ToolTimeout time.Duration
}

func (l Loop) maxRounds() int {
	if l.MaxRounds <= 0 {
		return DefaultMaxToolRounds
	}
	return l.MaxRounds
}

func (l Loop) toolTimeout() time.Duration {
	if l.ToolTimeout <= 0 {
		return DefaultToolTimeout
	}
	return l.ToolTimeout
}

// IdempotencyKey derives the key of a tool call from the turn, the tool and its
// arguments. encoding/json sorts map keys, so equal arguments encode equally.
func IdempotencyKey(turnID, toolName string, args map[string]any) string {
	canonical, err := json.Marshal(args)
	if err != nil {
		canonical = []byte(fmt.Sprint(args))
	}
	h := sha256.New()
	h.Write([]byte(turnID))
	h.Write([]byte{0})
	h.Write([]byte(toolName))
	h.Write([]byte{0})
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil))
}

// RunToolLoop alternates model rounds and tool rounds until the model answers
// without tool calls, the round cap is hit, or a fatal error occurs.
// Cancellation is only observed between rounds.
func RunToolLoop(ctx context.Context, in *GraphState, l Loop) (*GraphState, error) {
	if in == nil {
		return nil, fmt.Errorf("%w: graph state is nil", contractx.ErrInvalidRequest)
	}
	if in.Failed() || in.Moderated {
		return in, nil
	}

	logger := log.Ctx(ctx)
	toolRounds := 0
	for {
		if err := ctx.Err(); err != nil {
			in.Fail(contractx.TurnCanceled, err)
			return in, nil
		}

		resp, err := l.askModel(ctx, in, toolRounds+1)
		if err != nil {
			if ctx.Err() != nil {
				in.Fail(contractx.TurnCanceled, err)
			} else {
				in.Fail(contractx.TurnModelUnavailable, err)
			}
			return in, nil
		}
		in.Turn.Rounds++

		if len(resp.ToolCalls) == 0 {
			in.FinalContent = resp.Content
			if err := in.Turn.Transition(statex.EventFinalAnswer); err != nil {
				return nil, err
			}
			return in, nil
		}

		if toolRounds >= l.maxRounds() {
			logger.Warn().Int("rounds", toolRounds).Msg("tool round cap reached")
			in.Fail(contractx.TurnLoopExceeded, fmt.Errorf("%w: cap %d", contractx.ErrToolLoopExceeded, l.maxRounds()))
			return in, nil
		}
		toolRounds++

		if err := in.Turn.Transition(statex.EventToolCalls); err != nil {
			return nil, err
		}
		in.Messages = append(in.Messages, assistantMessage(resp))

		exchanges, fatal := l.executeRound(ctx, in, toolRounds, resp.ToolCalls)
		if err := in.Turn.Append(exchanges...); err != nil {
			return nil, err
		}
		for _, ex := range exchanges {
			in.Messages = append(in.Messages, toolMessage(ex))
			if ex.Result.Order != nil {
				in.addOrder(*ex.Result.Order, ex.Result.Created)
			}
			if alerts, ok := ex.Result.Result.(tool.RefillAlertsOutput); ok {
				in.RefillItems = refillItems(alerts.Alerts)
			}
		}
		if fatal != nil {
			in.Fail(classify(fatal), fatal)
			return in, nil
		}

		if err := in.Turn.Transition(statex.EventToolsDone); err != nil {
			return nil, err
		}
	}
}

func (l Loop) askModel(ctx context.Context, in *GraphState, round int) (contractx.PharmacistResponse, error) {
	spanCtx, span := l.Tracer.StartSpan(ctx, tracing.KindModel, "next", map[string]any{
		"round":    round,
		"messages": len(in.Messages),
	})
	start := time.Now()
	resp, err := l.Pharmacist.Next(spanCtx, contractx.PharmacistRequest{
		CustomerID: in.Turn.CustomerID,
		Messages:   in.Messages,
	})
	l.Metrics.RecordModel(ctx, time.Since(start), err)

	if err != nil {
		span.End(nil, err)
		return resp, err
	}
	names := make([]string, 0, len(resp.ToolCalls))
	for _, c := range resp.ToolCalls {
		names = append(names, c.Name)
	}
	span.End(map[string]any{"tool_calls": names, "content": resp.Content}, nil)
	return resp, nil
}

type pendingCall struct {
	idx  int
	call contractx.ToolCall
	inv  contractx.Invocation
	// parseErr is set when the arguments are not a JSON object.
	parseErr error
}

// executeRound runs one response's tool calls. Read-only calls each get a lane;
// mutating calls sharing a conflict key share one lane and run in request order.
// Exchanges come back in request order.
func (l Loop) executeRound(ctx context.Context, in *GraphState, round int, calls []contractx.ToolCall) ([]statex.ToolExchange, error) {
	exchanges := make([]statex.ToolExchange, len(calls))
	lanes := make(map[string][]pendingCall)
	var laneOrder []string

	for i, call := range calls {
		args, err := tool.ParseArguments(call.Arguments)
		p := pendingCall{
			idx:      i,
			call:     call,
			parseErr: err,
			inv: contractx.Invocation{
				Tool:           call.Name,
				Args:           args,
				CustomerID:     in.Turn.CustomerID,
				IdempotencyKey: IdempotencyKey(in.Turn.ID, call.Name, args),
			},
		}

		lane := fmt.Sprintf("call:%d", i)
		if err == nil && l.Tools.IsMutating(call.Name) {
			lane = "mut:" + l.Tools.ConflictKey(call.Name, args)
		}
		if _, ok := lanes[lane]; !ok {
			laneOrder = append(laneOrder, lane)
		}
		lanes[lane] = append(lanes[lane], p)
	}

	var g errgroup.Group
	for _, lane := range laneOrder {
		queue := lanes[lane]
		g.Go(func() error {
			var laneErr error
			for _, p := range queue {
				result, err := l.runCall(ctx, round, p)
				exchanges[p.idx] = statex.ToolExchange{Round: round, Call: p.call, Result: result}
				if err != nil && laneErr == nil {
					laneErr = err
				}
			}
			return laneErr
		})
	}
	return exchanges, g.Wait()
}

// runCall dispatches one call. The returned error is non-nil only when the
// turn must fail; recoverable errors are folded into the result for the model.
func (l Loop) runCall(ctx context.Context, round int, p pendingCall) (contractx.ToolResult, error) {
	logger := log.Ctx(ctx).With().Str("tool", p.call.Name).Str("call_id", p.call.ID).Int("round", round).Logger()
	spanCtx, span := l.Tracer.StartSpan(ctx, tracing.KindTool, p.call.Name, map[string]any{
		"call_id":   p.call.ID,
		"round":     round,
		"arguments": p.inv.Args,
	})
	start := time.Now()

	var (
		result contractx.ToolResult
		err    error
	)
	if p.parseErr != nil {
		err = p.parseErr
	} else {
		result, err = l.dispatch(spanCtx, p.inv)
	}
	result.CallID = p.call.ID
	result.Tool = p.call.Name

	outcome := "ok"
	switch {
	case err == nil && result.Rejected:
		outcome = "rejected"
	case err == nil:
	case contractx.IsRecoverable(err):
		outcome = "invalid"
		if errors.Is(err, contractx.ErrToolTimeout) {
			outcome = "timeout"
		}
		result.Error = err.Error()
		logger.Warn().Err(err).Msg("tool call returned to model")
		err = nil
	default:
		outcome = "error"
		result.Error = "internal error"
		logger.Error().Err(err).Msg("tool call failed")
	}
	l.Metrics.RecordTool(ctx, p.call.Name, outcome, time.Since(start))

	if result.Order != nil {
		span.Annotate("order_id", result.Order.ID)
		span.Annotate("order_status", string(result.Order.Status))
	}
	span.End(result, err)
	logger.Debug().Str("outcome", outcome).Dur("took", time.Since(start)).Msg("tool call finished")
	return result, err
}

// dispatch applies the per-call timeout. Mutating calls are detached from the
// turn's cancellation so an order in flight always reaches a final status.
func (l Loop) dispatch(ctx context.Context, inv contractx.Invocation) (contractx.ToolResult, error) {
	timeout := l.toolTimeout()

	if l.Tools.IsMutating(inv.Tool) {
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()
		result, err := l.Tools.Dispatch(callCtx, inv)
		if err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && !contractx.IsRecoverable(err) {
			return result, fmt.Errorf("%w: %s after %s: %v", contractx.ErrToolTimeout, inv.Tool, timeout, err)
		}
		return result, err
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result contractx.ToolResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := l.Tools.Dispatch(callCtx, inv)
		done <- outcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		return out.result, out.err
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return contractx.ToolResult{}, ctx.Err()
		}
		return contractx.ToolResult{}, fmt.Errorf("%w: %s after %s", contractx.ErrToolTimeout, inv.Tool, timeout)
	}
}

func classify(err error) contractx.TurnErrorKind {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return contractx.TurnCanceled
	case errors.Is(err, domain.ErrStoreUnavailable):
		return contractx.TurnStoreUnavailable
	default:
		return contractx.TurnInternal
	}
}

func assistantMessage(resp contractx.PharmacistResponse) *schema.Message {
	if resp.Message != nil {
		return resp.Message
	}
	calls := make([]schema.ToolCall, 0, len(resp.ToolCalls))
	for _, c := range resp.ToolCalls {
		calls = append(calls, schema.ToolCall{
			ID:       c.ID,
			Function: schema.FunctionCall{Name: c.Name, Arguments: string(c.Arguments)},
		})
	}
	return schema.AssistantMessage(resp.Content, calls)
}

func toolMessage(ex statex.ToolExchange) *schema.Message {
	payload, err := json.Marshal(ex.Result)
	if err != nil {
		payload = []byte(`{"error":"result could not be encoded"}`)
	}
	return schema.ToolMessage(string(payload), ex.Call.ID, schema.WithToolName(ex.Call.Name))
}

func refillItems(alerts []domain.RefillAlert) []contractx.RefillItem {
	items := make([]contractx.RefillItem, 0, len(alerts))
	for _, a := range alerts {
		items = append(items, contractx.RefillItem{MedicineName: a.MedicineName, DaysOverdue: a.DaysOverdue})
	}
	return items
}
