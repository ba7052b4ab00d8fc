package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mwhitt/warden/internal/audit"
	"github.com/mwhitt/warden/internal/item"
)

// MCPDeps holds dependencies for the MCP server. This is the external
// reasoning agent's view of the work queue: it can read items, attach plans,
// and resolve informational items, but it can never approve, reject, or
// execute anything.
type MCPDeps struct {
	Store   ItemReader
	Machine Planner
}

// ItemReader is the read side the MCP tools need.
type ItemReader interface {
	Get(ctx context.Context, id string) (item.WorkItem, error)
	List(ctx context.Context, state item.State) ([]item.WorkItem, error)
}

// Planner is the slice of the state machine the reasoning agent may drive.
type Planner interface {
	Advance(ctx context.Context, id string, target item.State, actor audit.Actor, annotate func(*item.WorkItem)) error
	AttachApproval(ctx context.Context, id string, req item.ApprovalRequest) error
	RecordProgress(ctx context.Context, id, note string) error
}

// NewMCPServer creates an MCP server with the work-queue tools registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"warden",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("warden: approval-gated work queue. Plan intake items; a human approves every externally-visible action."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("list_work",
			mcp.WithDescription("List work items in a lifecycle state (default: intake)."),
			mcp.WithString("state", mcp.Description("Lifecycle state to list (intake, planned, pending_approval, ...)")),
		),
		mcpListWork(deps),
	)

	s.AddTool(
		mcp.NewTool("get_work_item",
			mcp.WithDescription("Fetch a single work item including its body."),
			mcp.WithString("id", mcp.Description("Work item id"), mcp.Required()),
		),
		mcpGetWorkItem(deps),
	)

	s.AddTool(
		mcp.NewTool("submit_plan",
			mcp.WithDescription("Attach a plan to an intake item. With a connector, the item is routed to human approval; informational items are resolved directly."),
			mcp.WithString("id", mcp.Description("Work item id"), mcp.Required()),
			mcp.WithBoolean("informational", mcp.Description("True if the item requires no externally-visible action")),
			mcp.WithString("connector", mcp.Description("Action kind to propose (required unless informational)")),
			mcp.WithString("params", mcp.Description("JSON object of connector parameters")),
			mcp.WithString("risk", mcp.Description("Risk classification: low, medium, high")),
			mcp.WithString("expires_at", mcp.Description("RFC3339 expiry for the approval request")),
		),
		mcpSubmitPlan(deps),
	)

	s.AddTool(
		mcp.NewTool("report_progress",
			mcp.WithDescription("Record a free-text progress note on a work item without changing its state."),
			mcp.WithString("id", mcp.Description("Work item id"), mcp.Required()),
			mcp.WithString("note", mcp.Description("Progress note"), mcp.Required()),
		),
		mcpReportProgress(deps),
	)

	return s
}

func mcpReportProgress(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}
		note, err := req.RequireString("note")
		if err != nil {
			return mcpError("note is required"), nil
		}
		if err := deps.Machine.RecordProgress(ctx, id, note); err != nil {
			return mcpError(fmt.Sprintf("failed to record progress: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Progress recorded on %s", id)), nil
	}
}

func mcpListWork(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		stateName := req.GetString("state", string(item.StateIntake))
		st := item.State(stateName)
		if !st.Valid() {
			return mcpError(fmt.Sprintf("unknown state %q", stateName)), nil
		}

		items, err := deps.Store.List(ctx, st)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list items: %v", err)), nil
		}

		summaries := make([]map[string]string, 0, len(items))
		for _, w := range items {
			summaries = append(summaries, map[string]string{
				"id":       w.ID,
				"kind":     string(w.Kind),
				"state":    string(w.State),
				"priority": string(w.Priority),
				"received": w.CreatedAt.Format(time.RFC3339),
			})
		}
		data, err := json.Marshal(summaries)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to encode items: %v", err)), nil
		}
		return mcpText(string(data)), nil
	}
}

func mcpGetWorkItem(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}
		w, err := deps.Store.Get(ctx, id)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to get item: %v", err)), nil
		}
		data, err := json.Marshal(toItemResponse(w))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to encode item: %v", err)), nil
		}
		return mcpText(string(data)), nil
	}
}

func mcpSubmitPlan(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}
		informational := req.GetBool("informational", false)
		connectorName := req.GetString("connector", "")
		if !informational && connectorName == "" {
			return mcpError("connector is required unless informational is true"), nil
		}

		if err := deps.Machine.Advance(ctx, id, item.StatePlanned, audit.ActorLoop, nil); err != nil {
			return mcpError(fmt.Sprintf("failed to mark item planned: %v", err)), nil
		}

		if informational {
			if err := deps.Machine.Advance(ctx, id, item.StateDone, audit.ActorLoop, nil); err != nil {
				return mcpError(fmt.Sprintf("failed to resolve item: %v", err)), nil
			}
			return mcpText(fmt.Sprintf("Item %s resolved as informational", id)), nil
		}

		approval := item.ApprovalRequest{
			Connector: connectorName,
			Risk:      item.Risk(req.GetString("risk", string(item.RiskLow))),
		}
		if paramsJSON := req.GetString("params", ""); paramsJSON != "" {
			if err := json.Unmarshal([]byte(paramsJSON), &approval.Params); err != nil {
				return mcpError(fmt.Sprintf("params must be a JSON object of strings: %v", err)), nil
			}
		}
		if expires := req.GetString("expires_at", ""); expires != "" {
			t, err := time.Parse(time.RFC3339, expires)
			if err != nil {
				return mcpError(fmt.Sprintf("invalid expires_at: %v", err)), nil
			}
			approval.ExpiresAt = t.UTC()
		}

		if err := deps.Machine.AttachApproval(ctx, id, approval); err != nil {
			return mcpError(fmt.Sprintf("failed to attach approval request: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Item %s routed to human approval (connector %s)", id, connectorName)), nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
