package tools

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/jsonschema"
)

// Tool is one database operation the resolution model may invoke. Inputs
// and outputs are plain JSON-shaped maps; the schemas describe them to the
// model.
type Tool interface {
	Name() string
	Title() string
	Description() string
	InputSchema() *jsonschema.Schema
	OutputSchema() *jsonschema.Schema
	Run(ctx context.Context, input map[string]any) (output map[string]any, err error)
}

// Call is one tool invocation requested by a model turn. ToolUseID pairs
// the eventual result with the request on backends that track it.
type Call struct {
	Name      string         `json:"name"`
	Input     map[string]any `json:"input"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
}
