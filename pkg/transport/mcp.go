package transport

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// install registers every tool on srv, bound to the agent of h.
func (ts *Toolset) install(srv *mcp.Server, h *Handle) {
	for _, t := range ts.tools {
		name := t.name
		srv.AddTool(&mcp.Tool{
			Name:        name,
			Description: t.description,
			InputSchema: t.schema.jsonSchema(),
		}, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			out, err := ts.Dispatch(ctx, h, name, req.Params.Arguments)
			return toolResult(out, err), nil
		})
	}
}

// toolResult renders a dispatch outcome. Failures are reported in-band so
// the calling agent sees the code and can react.
func toolResult(out any, err error) *mcp.CallToolResult {
	if err != nil {
		code := ErrorCode(err)
		msg := err.Error()
		var te *ToolError
		if errors.As(err, &te) {
			msg = te.Err.Error()
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: code + ": " + msg}},
			StructuredContent: map[string]any{
				"code":  code,
				"error": msg,
			},
			IsError: true,
		}
	}
	b, merr := json.Marshal(out)
	if merr != nil {
		return toolResult(nil, &ToolError{Code: CodeInternal, Err: merr})
	}
	return &mcp.CallToolResult{
		Content:           []mcp.Content{&mcp.TextContent{Text: string(b)}},
		StructuredContent: json.RawMessage(b),
	}
}
