package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hupe1980/meshchat/internal/util"
	"github.com/hupe1980/meshchat/model"
)

// Instructions renders the member's effective system prompt. The prompt is a
// text/template that may reference agent_name, agent_role,
// agent_description, session_title, memory and routes. When handoff routes
// exist a short routing note is appended.
func Instructions(in TurnInput) (string, error) {
	member := in.Target.Member

	var memory map[string]any
	if len(member.Binding.Memory.Data) > 0 {
		if err := json.Unmarshal(member.Binding.Memory.Data, &memory); err != nil {
			return "", fmt.Errorf("decode memory of binding %s: %w", member.Binding.ID, err)
		}
	}

	routes := make([]string, 0, len(in.Routes))
	for _, r := range in.Routes {
		routes = append(routes, r.Name())
	}

	title := ""
	if in.Session != nil {
		title = in.Session.Title
	}

	prompt, err := util.RenderTemplate(member.SystemPrompt(), map[string]any{
		"agent_name":        member.Agent.Name,
		"agent_role":        member.Agent.Role,
		"agent_description": member.Agent.Description,
		"session_title":     title,
		"memory":            memory,
		"routes":            routes,
	})
	if err != nil {
		return "", err
	}

	if len(routes) > 0 {
		prompt = strings.TrimSpace(prompt) + fmt.Sprintf(
			"\n\nIf another agent should continue, call %s with one of: %s.",
			model.TransferToolName, strings.Join(routes, ", "),
		)
	}
	return prompt, nil
}
