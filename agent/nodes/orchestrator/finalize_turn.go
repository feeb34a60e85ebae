package orchestratornode

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	contractx "github.com/Rahil-dope/agentic-pharmacy-system/agent/contract"
	statex "github.com/Rahil-dope/agentic-pharmacy-system/agent/state"
	"github.com/Rahil-dope/agentic-pharmacy-system/pharmacy/domain"
)

const (
	msgModerated   = "I can't help with that request. If you have a question about your medicines or orders, I'm happy to help."
	msgInvalid     = "I couldn't read that message. Please send a short text describing what you need."
	msgNoCustomer  = "I couldn't find your customer record, so I can't look anything up right now."
	msgLoop        = "I'm sorry, I couldn't finish working on your request. Please try again or rephrase it."
	msgUnavailable = "I'm sorry, the pharmacist assistant is unavailable at the moment. Please try again shortly."
	msgGeneric     = "I'm sorry, something went wrong while handling your request. No further changes were made."
)

var validStatuses = map[string]bool{
	contractx.StatusApproved:        true,
	contractx.StatusPending:         true,
	contractx.StatusRejected:        true,
	contractx.StatusRefillSuggested: true,
	contractx.StatusOK:              true,
	contractx.StatusError:           true,
}

// modelReply is the JSON object the pharmacist is asked to end with. order_id
// may be a string or a number; refill_items may be names or objects.
type modelReply struct {
	Message     string            `json:"message"`
	Status      string            `json:"status"`
	OrderID     json.RawMessage   `json:"order_id"`
	RefillItems []json.RawMessage `json:"refill_items"`
}

// FinalizeTurn builds the reply and seals the turn.
func FinalizeTurn(in *GraphState) (GraphOutput, error) {
	if in == nil {
		return GraphOutput{}, fmt.Errorf("%w: graph state is nil", contractx.ErrInvalidRequest)
	}

	var reply contractx.ChatReply
	switch {
	case in.Failed():
		reply = failureReply(in.Err)
	case in.Moderated:
		reply = contractx.ChatReply{Status: contractx.StatusRejected, Message: msgModerated}
		if err := in.Turn.Transition(statex.EventFinalAnswer); err != nil {
			return GraphOutput{}, err
		}
	default:
		reply = buildReply(in)
	}

	if !in.Failed() {
		if err := in.Turn.Transition(statex.EventReplied); err != nil {
			return GraphOutput{}, err
		}
	}
	if err := in.Turn.Archive(reply, in.Now); err != nil && !errors.Is(err, statex.ErrTurnArchived) {
		return GraphOutput{}, err
	}

	out := GraphOutput{Turn: in.Turn, Reply: reply, Err: in.Err}
	for _, o := range in.Orders {
		if o.Created && o.Order.Status == domain.OrderConfirmed {
			out.Notify = append(out.Notify, o.Order)
		}
	}
	return out, nil
}

func failureReply(err *contractx.TurnError) contractx.ChatReply {
	msg := msgGeneric
	switch err.Kind {
	case contractx.TurnInvalidInput:
		msg = msgInvalid
	case contractx.TurnCustomerNotFound:
		msg = msgNoCustomer
	case contractx.TurnLoopExceeded:
		msg = msgLoop
	case contractx.TurnModelUnavailable:
		msg = msgUnavailable
	}
	return contractx.ChatReply{Status: contractx.StatusError, Message: msg}
}

func buildReply(in *GraphState) contractx.ChatReply {
	content := stripFences(in.FinalContent)

	var parsed modelReply
	reply := contractx.ChatReply{Message: content}
	if err := json.Unmarshal([]byte(content), &parsed); err == nil && strings.TrimSpace(parsed.Message) != "" {
		reply.Message = strings.TrimSpace(parsed.Message)
		reply.Status = strings.ToLower(strings.TrimSpace(parsed.Status))
		if id := rawID(parsed.OrderID); id != "" {
			reply.OrderID = &id
		}
		reply.RefillItems = parseRefillItems(parsed.RefillItems, in.RefillItems)
	}

	// Order claims must be backed by an order from this turn.
	if reply.OrderID != nil && in.order(*reply.OrderID) == nil {
		reply.OrderID = nil
	}
	if reply.OrderID == nil {
		if o := in.latestOrder(); o != nil && o.Status != domain.OrderRejected {
			id := o.ID
			reply.OrderID = &id
		}
	}
	if !validStatuses[reply.Status] || (reply.Status == contractx.StatusApproved && !in.hasConfirmed()) {
		reply.Status = derivedStatus(in, reply)
	}
	if len(reply.RefillItems) == 0 && reply.Status == contractx.StatusRefillSuggested {
		reply.RefillItems = in.RefillItems
	}
	if strings.TrimSpace(reply.Message) == "" {
		reply.Message = msgGeneric
		reply.Status = contractx.StatusError
	}
	return reply
}

func derivedStatus(in *GraphState, reply contractx.ChatReply) string {
	if o := in.latestOrder(); o != nil {
		switch o.Status {
		case domain.OrderConfirmed:
			return contractx.StatusApproved
		case domain.OrderRejected:
			return contractx.StatusRejected
		default:
			return contractx.StatusPending
		}
	}
	if len(reply.RefillItems) > 0 || len(in.RefillItems) > 0 {
		return contractx.StatusRefillSuggested
	}
	return contractx.StatusOK
}

func (s *GraphState) order(id string) *domain.Order {
	for i := range s.Orders {
		if s.Orders[i].Order.ID == id {
			return &s.Orders[i].Order
		}
	}
	return nil
}

func (s *GraphState) latestOrder() *domain.Order {
	if len(s.Orders) == 0 {
		return nil
	}
	return &s.Orders[len(s.Orders)-1].Order
}

func (s *GraphState) hasConfirmed() bool {
	for _, o := range s.Orders {
		if o.Order.Status == domain.OrderConfirmed {
			return true
		}
	}
	return false
}

func stripFences(content string) string {
	content = strings.TrimSpace(content)
	if !strings.HasPrefix(content, "```") {
		return content
	}
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	return strings.TrimSpace(content)
}

func rawID(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		if i, err := n.Int64(); err == nil {
			return strconv.FormatInt(i, 10)
		}
		return n.String()
	}
	return ""
}

// parseRefillItems accepts names or {medicine_name, days_overdue} objects. Days
// missing from the model's answer are taken from the tool's alerts.
func parseRefillItems(raw []json.RawMessage, known []contractx.RefillItem) []contractx.RefillItem {
	if len(raw) == 0 {
		return nil
	}
	days := make(map[string]int, len(known))
	for _, k := range known {
		days[domain.NormalizeName(k.MedicineName)] = k.DaysOverdue
	}

	items := make([]contractx.RefillItem, 0, len(raw))
	for _, r := range raw {
		var item contractx.RefillItem
		var name string
		if err := json.Unmarshal(r, &name); err == nil {
			item.MedicineName = strings.TrimSpace(name)
		} else if err := json.Unmarshal(r, &item); err != nil {
			continue
		}
		if item.MedicineName == "" {
			continue
		}
		if item.DaysOverdue == 0 {
			item.DaysOverdue = days[domain.NormalizeName(item.MedicineName)]
		}
		items = append(items, item)
	}
	return items
}
