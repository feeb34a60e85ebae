package state

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	contractx "github.com/Rahil-dope/agentic-pharmacy-system/agent/contract"
)

var (
	ErrTurnArchived      = errors.New("turn is archived")
	ErrNilTurn           = errors.New("turn is nil")
	ErrInvalidTurn       = errors.New("turn id is empty")
	ErrIllegalTransition = errors.New("illegal turn state transition")
)

// TurnState is the position of a turn in the tool loop.
type TurnState string

const (
	AwaitingModel TurnState = "awaiting_model"
	ExecutingTool TurnState = "executing_tool"
	Finalizing    TurnState = "finalizing"
	Done          TurnState = "done"
	Failed        TurnState = "failed"
)

func (s TurnState) Terminal() bool {
	return s == Done || s == Failed
}

// TurnEvent drives a state transition.
type TurnEvent string

const (
	EventToolCalls   TurnEvent = "tool_calls"
	EventToolsDone   TurnEvent = "tools_done"
	EventFinalAnswer TurnEvent = "final_answer"
	EventReplied     TurnEvent = "replied"
	EventFail        TurnEvent = "fail"
)

// NextState is the transition table of the tool loop. Fail is accepted from any
// non-terminal state; everything else must follow
// awaiting_model → executing_tool → awaiting_model … → finalizing → done.
func NextState(from TurnState, ev TurnEvent) (TurnState, error) {
	if from.Terminal() {
		return from, fmt.Errorf("%w: %s is terminal", ErrIllegalTransition, from)
	}
	if ev == EventFail {
		return Failed, nil
	}
	switch {
	case from == AwaitingModel && ev == EventToolCalls:
		return ExecutingTool, nil
	case from == AwaitingModel && ev == EventFinalAnswer:
		return Finalizing, nil
	case from == ExecutingTool && ev == EventToolsDone:
		return AwaitingModel, nil
	case from == Finalizing && ev == EventReplied:
		return Done, nil
	}
	return from, fmt.Errorf("%w: %s on %s", ErrIllegalTransition, ev, from)
}

// ToolExchange is one call and what it produced.
type ToolExchange struct {
	Round  int                  `json:"round"`
	Call   contractx.ToolCall   `json:"call"`
	Result contractx.ToolResult `json:"result"`
}

// ConversationTurn records one user message and everything the agent did for it.
// It is append-only until archived.
type ConversationTurn struct {
	ID         string              `json:"id"`
	CustomerID int64               `json:"customer_id"`
	UserText   string              `json:"user_text"`
	Calls      []ToolExchange      `json:"calls"`
	Reply      contractx.ChatReply `json:"reply"`
	Rounds     int                 `json:"rounds"`
	TraceID    string              `json:"trace_id,omitempty"`
	TraceURL   string              `json:"trace_url,omitempty"`
	State      TurnState           `json:"state"`
	Failure    string              `json:"failure,omitempty"`
	StartedAt  time.Time           `json:"started_at"`
	FinishedAt time.Time           `json:"finished_at,omitempty"`

	mu       sync.Mutex
	archived bool
}

func NewTurn(id string, customerID int64, text string, now time.Time) *ConversationTurn {
	return &ConversationTurn{
		ID:         id,
		CustomerID: customerID,
		UserText:   text,
		Calls:      make([]ToolExchange, 0),
		State:      AwaitingModel,
		StartedAt:  now.UTC(),
	}
}

func (t *ConversationTurn) Validate() error {
	if t == nil {
		return ErrNilTurn
	}
	if strings.TrimSpace(t.ID) == "" {
		return ErrInvalidTurn
	}
	if t.CustomerID <= 0 {
		return fmt.Errorf("turn=%s: customer id must be positive", t.ID)
	}
	return nil
}

// Append records tool exchanges in order.
func (t *ConversationTurn) Append(exchanges ...ToolExchange) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.archived {
		return ErrTurnArchived
	}
	t.Calls = append(t.Calls, exchanges...)
	return nil
}

// Transition applies ev to the turn's state.
func (t *ConversationTurn) Transition(ev TurnEvent) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.archived {
		return ErrTurnArchived
	}
	next, err := NextState(t.State, ev)
	if err != nil {
		return err
	}
	t.State = next
	return nil
}

func (t *ConversationTurn) CurrentState() TurnState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.State
}

// Archive seals the turn with its reply. Later mutations fail with ErrTurnArchived.
func (t *ConversationTurn) Archive(reply contractx.ChatReply, now time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.archived {
		return ErrTurnArchived
	}
	t.Reply = reply
	t.FinishedAt = now.UTC()
	t.archived = true
	return nil
}

func (t *ConversationTurn) Archived() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.archived
}

// Snapshot returns a copy that is safe to encode while the original is in use.
func (t *ConversationTurn) Snapshot() *ConversationTurn {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := &ConversationTurn{
		ID:         t.ID,
		CustomerID: t.CustomerID,
		UserText:   t.UserText,
		Calls:      append([]ToolExchange(nil), t.Calls...),
		Reply:      t.Reply,
		Rounds:     t.Rounds,
		TraceID:    t.TraceID,
		TraceURL:   t.TraceURL,
		State:      t.State,
		Failure:    t.Failure,
		StartedAt:  t.StartedAt,
		FinishedAt: t.FinishedAt,
		archived:   t.archived,
	}
	return cp
}
