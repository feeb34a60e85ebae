package orchestratornode

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cloudwego/eino/schema"

	contractx "github.com/Rahil-dope/agentic-pharmacy-system/agent/contract"
	statex "github.com/Rahil-dope/agentic-pharmacy-system/agent/state"
	"github.com/Rahil-dope/agentic-pharmacy-system/pharmacy/domain"
)

var (
	ErrInvalidMessage  = errors.New("message is empty")
	ErrMessageTooLong  = errors.New("message is too long")
	ErrInvalidCustomer = errors.New("customer id must be positive")
)

const DefaultMaxMessageLength = 2000

type GraphInput struct {
	TurnID     string
	CustomerID int64
	Text       string
	TraceID    string
	TraceURL   string
}

// TurnOrder is an order a create_order call returned during the turn.
type TurnOrder struct {
	Order   domain.Order
	Created bool
}

type GraphState struct {
	Turn *statex.ConversationTurn
	Now  time.Time

	Customer  domain.Customer
	Messages  []*schema.Message
	Moderated bool

	FinalContent string
	Orders       []TurnOrder
	RefillItems  []contractx.RefillItem

	Err *contractx.TurnError
}

// Fail records the first fatal error and moves the turn to failed.
func (s *GraphState) Fail(kind contractx.TurnErrorKind, err error) {
	if s.Err != nil {
		return
	}
	s.Err = &contractx.TurnError{Kind: kind, Err: err}
	s.Turn.Failure = err.Error()
	if !s.Turn.CurrentState().Terminal() {
		_ = s.Turn.Transition(statex.EventFail)
	}
}

func (s *GraphState) Failed() bool {
	return s.Err != nil
}

func (s *GraphState) addOrder(o domain.Order, created bool) {
	for i := range s.Orders {
		if s.Orders[i].Order.ID == o.ID {
			s.Orders[i].Created = s.Orders[i].Created || created
			return
		}
	}
	s.Orders = append(s.Orders, TurnOrder{Order: o, Created: created})
}

type GraphOutput struct {
	Turn  *statex.ConversationTurn
	Reply contractx.ChatReply
	// Notify lists orders created and confirmed in this turn.
	Notify []domain.Order
	Err    *contractx.TurnError
}

func ValidateRequest(in GraphInput, nowFn func() time.Time, maxLen int) (*GraphState, error) {
	if strings.TrimSpace(in.TurnID) == "" {
		return nil, fmt.Errorf("%w: turn id is empty", contractx.ErrInvalidRequest)
	}
	if maxLen <= 0 {
		maxLen = DefaultMaxMessageLength
	}

	now := nowFn().UTC()
	text := strings.TrimSpace(in.Text)
	st := &GraphState{
		Turn: statex.NewTurn(in.TurnID, in.CustomerID, text, now),
		Now:  now,
	}
	st.Turn.TraceID = in.TraceID
	st.Turn.TraceURL = in.TraceURL

	switch {
	case in.CustomerID <= 0:
		st.Fail(contractx.TurnInvalidInput, fmt.Errorf("%w: %w", contractx.ErrInvalidRequest, ErrInvalidCustomer))
	case text == "":
		st.Fail(contractx.TurnInvalidInput, fmt.Errorf("%w: %w", contractx.ErrInvalidRequest, ErrInvalidMessage))
	case utf8.RuneCountInString(text) > maxLen:
		st.Fail(contractx.TurnInvalidInput, fmt.Errorf("%w: %w (max %d characters)", contractx.ErrInvalidRequest, ErrMessageTooLong, maxLen))
	default:
		st.Messages = []*schema.Message{schema.UserMessage(text)}
	}
	return st, nil
}
