package agent

import (
	"fmt"

	"github.com/hupe1980/meshchat/core"
	"github.com/hupe1980/meshchat/model"
)

// buildHistory converts the most recent transcript messages into backend
// messages. Replies of other agents are passed as user turns prefixed with
// the author's name so that the current agent does not mistake them for its
// own. Error messages are left out.
func buildHistory(msgs []core.Message, self core.Member, names map[string]string, limit int) []model.Message {
	filtered := make([]core.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Type == core.MessageError || m.Content == "" {
			continue
		}
		filtered = append(filtered, m)
	}
	if limit > 0 && len(filtered) > limit {
		filtered = filtered[len(filtered)-limit:]
	}

	out := make([]model.Message, 0, len(filtered))
	for _, m := range filtered {
		switch {
		case m.Role == core.RoleAssistant && m.AgentID == self.Binding.ID:
			out = append(out, model.Message{Role: model.RoleAssistant, Name: self.Agent.Name, Content: m.Content})
		case m.Role == core.RoleAssistant:
			name := names[m.AgentID]
			if name == "" {
				name = "agent"
			}
			out = append(out, model.Message{Role: model.RoleUser, Name: name, Content: fmt.Sprintf("[%s] %s", name, m.Content)})
		default:
			out = append(out, model.Message{Role: model.RoleUser, Content: m.Content})
		}
	}
	return out
}
