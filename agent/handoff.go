package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hupe1980/meshchat/internal/util"
	"github.com/hupe1980/meshchat/model"
	"github.com/hupe1980/meshchat/topology"
)

type transferArgs struct {
	Agent string `json:"agent" description:"Name of the agent that should continue the conversation"`
}

// NewTransferTool returns the handoff tool restricted to the given routes.
func NewTransferTool(routes []topology.Target) model.ToolDefinition {
	schema := util.CreateSchema(transferArgs{})
	names := make([]string, 0, len(routes))
	descs := make([]string, 0, len(routes))
	for _, r := range routes {
		names = append(names, r.Name())
		if d := r.Member.Agent.Description; d != "" {
			descs = append(descs, fmt.Sprintf("%s: %s", r.Name(), d))
		}
	}
	props := schema["properties"].(map[string]any)
	props["agent"].(map[string]any)["enum"] = names

	desc := "Transfer the conversation to another agent when it is better suited to continue."
	if len(descs) > 0 {
		desc += " Available agents: " + strings.Join(descs, "; ") + "."
	}
	return model.ToolDefinition{Name: model.TransferToolName, Description: desc, Parameters: schema}
}

// ParseTransfer extracts the target of a transfer tool call and validates it
// against the tool's schema.
func ParseTransfer(tool model.ToolDefinition, call model.ToolCall) (string, error) {
	var params map[string]any
	if err := json.Unmarshal(call.Arguments, &params); err != nil {
		return "", fmt.Errorf("decode %s arguments: %w", call.Name, err)
	}
	return validateTransfer(tool, params)
}

// ParseDirectHandoff validates a target named in model.Response.Handoff.
func ParseDirectHandoff(tool model.ToolDefinition, target string) (string, error) {
	return validateTransfer(tool, map[string]any{"agent": target})
}

func validateTransfer(tool model.ToolDefinition, params map[string]any) (string, error) {
	if err := util.ValidateParameters(params, tool.Parameters); err != nil {
		return "", err
	}
	target, _ := params["agent"].(string)
	if strings.TrimSpace(target) == "" {
		return "", fmt.Errorf("field 'agent' must be non-empty string")
	}
	return target, nil
}
