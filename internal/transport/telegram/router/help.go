package router

import (
	"strings"
)

func (m *CommandManager) helpText(path []string, owner bool) string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	visible := func(c Command) bool { return c.Access != AccessOwnerOnly || owner }

	if len(path) == 0 {
		lines := []string{"Commands (use /help <cmd>):"}
		for _, name := range m.order {
			c := m.cmds[name]
			if !visible(c) {
				continue
			}
			if c.Description != "" {
				lines = append(lines, "/"+name+" - "+c.Description)
			} else {
				lines = append(lines, "/"+name)
			}
		}
		return strings.Join(lines, "\n")
	}

	word := strings.ToLower(strings.TrimPrefix(path[0], "/"))
	c, ok := m.cmds[word]
	if !ok {
		if name, ok2 := m.alias[word]; ok2 {
			c, ok = m.cmds[name]
		}
	}
	if !ok || !visible(c) {
		return "command not found. try /help"
	}

	lines := []string{"/" + c.Name}
	if c.Description != "" {
		lines = append(lines, c.Description)
	}
	if c.Usage != "" {
		lines = append(lines, "Usage: "+c.Usage)
	}
	if len(c.Aliases) > 0 {
		lines = append(lines, "Aliases: /"+strings.Join(c.Aliases, ", /"))
	}
	return strings.Join(lines, "\n")
}
