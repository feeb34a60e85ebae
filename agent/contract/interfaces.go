package contract

import (
	"context"

	"github.com/cloudwego/eino/schema"
)

// PharmacistRequest is the conversation so far for one model round.
type PharmacistRequest struct {
	CustomerID int64
	Messages   []*schema.Message
}

// PharmacistResponse is either a set of tool calls or final content.
type PharmacistResponse struct {
	Message   *schema.Message
	ToolCalls []ToolCall
	Content   string
}

// Pharmacist asks the model for the next step of a turn.
type Pharmacist interface {
	Next(ctx context.Context, req PharmacistRequest) (PharmacistResponse, error)
}

// Invocation is a validated request to run one tool for a customer.
type Invocation struct {
	Tool           string
	Args           map[string]any
	CustomerID     int64
	IdempotencyKey string
}

// ToolDispatcher runs tools by name.
type ToolDispatcher interface {
	Dispatch(ctx context.Context, inv Invocation) (ToolResult, error)
	IsMutating(tool string) bool
	// ConflictKey groups mutating calls that must not run concurrently.
	ConflictKey(tool string, args map[string]any) string
	Infos() []*schema.ToolInfo
}

// Moderator screens user text. Flagged text never reaches the model.
type Moderator interface {
	Screen(ctx context.Context, text string) (flagged bool, err error)
}
