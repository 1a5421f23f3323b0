package tool

import (
	"fmt"

	"github.com/NickB03/vana-sub003/core"
)

// TransferToolName is the name the dispatcher recognises as a hand-off.
const TransferToolName = "transfer_to_specialist"

// transferTool requests that the run continue with another specialist.
type transferTool struct{}

// NewTransferTool constructs the hand-off tool.
func NewTransferTool() Tool { return &transferTool{} }

func (t *transferTool) Name() string { return TransferToolName }

func (t *transferTool) Description() string {
	return "Hand the conversation to another specialist when it is better suited to the request."
}

func (t *transferTool) Parameters() map[string]any {
	names := make([]string, len(core.Categories))
	for i, c := range core.Categories {
		names[i] = string(c)
	}
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"specialist": map[string]any{
				"type":        "string",
				"description": "Target specialist",
				"enum":        names,
			},
			"reason": map[string]any{"type": "string", "description": "Why the hand-off helps"},
		},
		"required": []string{"specialist"},
	}
}

func (t *transferTool) Call(tc *Context, args map[string]any) (any, error) {
	name, _ := args["specialist"].(string)
	if name == "" {
		return nil, NewToolError(TransferToolName, "field 'specialist' must be a non-empty string", CodeValidation)
	}
	if _, ok := core.ParseSpecialistCategory(name); !ok {
		return nil, NewToolError(TransferToolName, fmt.Sprintf("unknown specialist %q", name), CodeValidation)
	}
	tc.TransferToSpecialist(name)
	return map[string]any{"transferred": true, "specialist": name}, nil
}
