package orchestrator

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/compose"

	nodex "github.com/Rahil-dope/agentic-pharmacy-system/agent/nodes/orchestrator"
)

func (o *Orchestrator) compileHandleMessageGraph(
	ctx context.Context,
) (compose.Runnable[nodex.GraphInput, nodex.GraphOutput], error) {
	graph := compose.NewGraph[nodex.GraphInput, nodex.GraphOutput]()

	if err := graph.AddLambdaNode("validate_request",
		compose.InvokableLambda(func(ctx context.Context, in nodex.GraphInput) (*nodex.GraphState, error) {
			return nodex.ValidateRequest(in, o.now, o.cfg.MaxMessageLength)
		}),
	); err != nil {
		return nil, fmt.Errorf("add node validate_request: %w", err)
	}

	if err := graph.AddLambdaNode("load_customer",
		compose.InvokableLambda(func(ctx context.Context, in *nodex.GraphState) (*nodex.GraphState, error) {
			return nodex.LoadCustomer(ctx, in, o.customers)
		}),
	); err != nil {
		return nil, fmt.Errorf("add node load_customer: %w", err)
	}

	if err := graph.AddLambdaNode("moderate",
		compose.InvokableLambda(func(ctx context.Context, in *nodex.GraphState) (*nodex.GraphState, error) {
			return nodex.Moderate(ctx, in, o.moderator)
		}),
	); err != nil {
		return nil, fmt.Errorf("add node moderate: %w", err)
	}

	if err := graph.AddLambdaNode("tool_loop",
		compose.InvokableLambda(func(ctx context.Context, in *nodex.GraphState) (*nodex.GraphState, error) {
			return nodex.RunToolLoop(ctx, in, o.loop)
		}),
	); err != nil {
		return nil, fmt.Errorf("add node tool_loop: %w", err)
	}

	if err := graph.AddLambdaNode("finalize_turn",
		compose.InvokableLambda(func(ctx context.Context, in *nodex.GraphState) (nodex.GraphOutput, error) {
			return nodex.FinalizeTurn(in)
		}),
	); err != nil {
		return nil, fmt.Errorf("add node finalize_turn: %w", err)
	}

	// Failed or moderated turns skip the model.
	branch := compose.NewGraphBranch(
		func(ctx context.Context, in *nodex.GraphState) (string, error) {
			if in == nil {
				return "", fmt.Errorf("graph state is nil")
			}
			if in.Failed() || in.Moderated {
				return "finalize_turn", nil
			}
			return "tool_loop", nil
		},
		map[string]bool{
			"tool_loop":     true,
			"finalize_turn": true,
		},
	)
	if err := graph.AddBranch("moderate", branch); err != nil {
		return nil, fmt.Errorf("add moderate branch: %w", err)
	}

	edges := [][2]string{
		{compose.START, "validate_request"},
		{"validate_request", "load_customer"},
		{"load_customer", "moderate"},
		{"tool_loop", "finalize_turn"},
		{"finalize_turn", compose.END},
	}

	for _, edge := range edges {
		if err := graph.AddEdge(edge[0], edge[1]); err != nil {
			return nil, fmt.Errorf("add edge %s->%s: %w", edge[0], edge[1], err)
		}
	}

	runner, err := graph.Compile(ctx, compose.WithGraphName("orchestrator.handle_message"))
	if err != nil {
		return nil, fmt.Errorf("compile orchestrator graph: %w", err)
	}
	return runner, nil
}
