package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/cloudwego/eino/schema"
	"github.com/getkin/kin-openapi/openapi3"

	contractx "github.com/Rahil-dope/agentic-pharmacy-system/agent/contract"
	"github.com/Rahil-dope/agentic-pharmacy-system/pharmacy/domain"
)

// Handler runs a tool whose arguments already passed schema validation.
type Handler func(ctx context.Context, inv contractx.Invocation) (contractx.ToolResult, error)

// Tool is one entry of the dispatch table.
type Tool struct {
	Name   string
	Desc   string
	Params map[string]*schema.ParameterInfo
	// Schema validates arguments; built from Params when nil.
	Schema *openapi3.Schema
	// Mutating tools require an idempotency key.
	Mutating bool
	// ConflictArg names the argument that decides which mutating calls contend.
	ConflictArg string
	Handler     Handler
}

// Catalog is a fixed name → tool table.
type Catalog struct {
	tools map[string]Tool
	order []string
}

var _ contractx.ToolDispatcher = (*Catalog)(nil)

func NewCatalog(tools ...Tool) (*Catalog, error) {
	c := &Catalog{tools: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		if err := c.register(t); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Catalog) register(t Tool) error {
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if t.Handler == nil {
		return fmt.Errorf("tool=%s has no handler", t.Name)
	}
	if _, exists := c.tools[t.Name]; exists {
		return fmt.Errorf("tool=%s registered twice", t.Name)
	}
	if t.Schema == nil {
		t.Schema = schemaFromParams(t.Params)
	}
	c.tools[t.Name] = t
	c.order = append(c.order, t.Name)
	return nil
}

// Infos describes the tools to the model, in registration order.
func (c *Catalog) Infos() []*schema.ToolInfo {
	out := make([]*schema.ToolInfo, 0, len(c.order))
	for _, name := range c.order {
		t := c.tools[name]
		info := &schema.ToolInfo{Name: t.Name, Desc: t.Desc}
		if len(t.Params) > 0 {
			info.ParamsOneOf = schema.NewParamsOneOfByParams(t.Params)
		}
		out = append(out, info)
	}
	return out
}

func (c *Catalog) IsMutating(tool string) bool {
	return c.tools[tool].Mutating
}

func (c *Catalog) ConflictKey(tool string, args map[string]any) string {
	t, ok := c.tools[tool]
	if !ok || !t.Mutating {
		return ""
	}
	if t.ConflictArg == "" {
		return t.Name
	}
	v, _ := args[t.ConflictArg].(string)
	return t.Name + ":" + domain.NormalizeName(v)
}

// Dispatch validates inv and runs the tool. Unknown tools, invalid arguments and
// missing idempotency keys fail before the handler is called.
func (c *Catalog) Dispatch(ctx context.Context, inv contractx.Invocation) (contractx.ToolResult, error) {
	t, ok := c.tools[inv.Tool]
	if !ok {
		return contractx.ToolResult{Tool: inv.Tool}, fmt.Errorf("%w: %q", contractx.ErrUnknownTool, inv.Tool)
	}

	args, err := normalizeArgs(inv.Args)
	if err != nil {
		return contractx.ToolResult{Tool: t.Name}, fmt.Errorf("%w: %v", contractx.ErrInvalidArguments, err)
	}
	if err := t.Schema.VisitJSON(args); err != nil {
		return contractx.ToolResult{Tool: t.Name}, fmt.Errorf("%w: tool=%s: %v", contractx.ErrInvalidArguments, t.Name, err)
	}
	if t.Mutating && strings.TrimSpace(inv.IdempotencyKey) == "" {
		return contractx.ToolResult{Tool: t.Name}, fmt.Errorf("%w: tool=%s", contractx.ErrMissingIdempotencyKey, t.Name)
	}

	inv.Args = args.(map[string]any)
	out, err := t.Handler(ctx, inv)
	out.Tool = t.Name
	return out, err
}

// normalizeArgs round-trips through JSON so numbers and nested values have the
// shapes the schema validator expects.
func normalizeArgs(args map[string]any) (any, error) {
	if args == nil {
		return map[string]any{}, nil
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ParseArguments decodes the raw arguments of a model tool call.
func ParseArguments(raw json.RawMessage) (map[string]any, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return map[string]any{}, nil
	}
	args := map[string]any{}
	if err := json.Unmarshal([]byte(trimmed), &args); err != nil {
		return nil, fmt.Errorf("%w: %v", contractx.ErrInvalidArguments, err)
	}
	return args, nil
}

// maxIntegerArg bounds integer arguments so they convert to int64 without wrapping.
const maxIntegerArg = math.MaxInt32

func schemaFromParams(params map[string]*schema.ParameterInfo) *openapi3.Schema {
	obj := openapi3.NewObjectSchema().WithoutAdditionalProperties()
	var required []string
	for name, p := range params {
		var prop *openapi3.Schema
		switch p.Type {
		case schema.String:
			prop = openapi3.NewStringSchema().WithMinLength(1)
		case schema.Integer:
			prop = openapi3.NewIntegerSchema().WithMin(1).WithMax(maxIntegerArg)
		case schema.Number:
			prop = openapi3.NewFloat64Schema()
		case schema.Boolean:
			prop = openapi3.NewBoolSchema()
		default:
			prop = &openapi3.Schema{}
		}
		obj = obj.WithProperty(name, prop)
		if p.Required {
			required = append(required, name)
		}
	}
	sort.Strings(required)
	obj.Required = required
	return obj
}
