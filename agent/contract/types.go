package contract

import (
	"encoding/json"

	"github.com/Rahil-dope/agentic-pharmacy-system/pharmacy/domain"
)

// Reply statuses understood by clients.
const (
	StatusApproved        = "approved"
	StatusPending         = "pending"
	StatusRejected        = "rejected"
	StatusRefillSuggested = "refill_suggested"
	StatusOK              = "ok"
	StatusError           = "error"
)

// ToolCall is one function call requested by the model.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ToolResult is what a call produced. Business rejections are results with
// Rejected set; Error carries recoverable dispatch failures for the model.
type ToolResult struct {
	CallID   string `json:"call_id,omitempty"`
	Tool     string `json:"tool"`
	Result   any    `json:"result,omitempty"`
	Rejected bool   `json:"rejected,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Error    string `json:"error,omitempty"`

	Order   *domain.Order `json:"-"`
	Created bool          `json:"-"`
}

// RefillItem is one refill suggestion in a reply.
type RefillItem struct {
	MedicineName string `json:"medicine_name"`
	DaysOverdue  int    `json:"days_overdue"`
}

// ChatReply is the structured answer for one user message.
type ChatReply struct {
	Status      string       `json:"status"`
	Message     string       `json:"message"`
	OrderID     *string      `json:"order_id,omitempty"`
	RefillItems []RefillItem `json:"refill_items,omitempty"`
}
