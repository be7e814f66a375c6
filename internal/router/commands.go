package router

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"notifybot/internal/auth"
	"notifybot/internal/store"
	"notifybot/internal/transport"
)

func (m *Manager) builtinCommands() []Command {
	return []Command{
		{
			Name:        "start",
			Description: "greet and point at /help",
			MinRole:     auth.RoleUser,
			Handle:      m.cmdStart,
		},
		{
			Name:        "help",
			Description: "list available commands",
			MinRole:     auth.RoleUser,
			Handle:      m.cmdHelp,
		},
		{
			Name:        "addtask",
			Description: "create a recurring task (dialogue)",
			Usage:       "/addtask",
			MinRole:     auth.RoleAdmin,
			Handle:      m.cmdAddTask,
		},
		{
			Name:        "cancel",
			Description: "abort the current dialogue",
			MinRole:     auth.RoleAdmin,
			Handle:      m.cmdCancel,
		},
		{
			Name:        "listtask",
			Description: "list stored tasks",
			MinRole:     auth.RoleAdmin,
			Timeout:     10 * time.Second,
			Handle:      m.cmdListTask,
		},
		{
			Name:        "deltask",
			Description: "delete a task",
			Usage:       "/deltask <number|id>",
			MinRole:     auth.RoleAdmin,
			Timeout:     10 * time.Second,
			Handle:      m.cmdDelTask,
		},
		{
			Name:        "enabletask",
			Description: "resume a paused task",
			Usage:       "/enabletask <number|id>",
			MinRole:     auth.RoleAdmin,
			Timeout:     10 * time.Second,
			Handle:      m.cmdEnableTask(true),
		},
		{
			Name:        "disabletask",
			Description: "pause a task without deleting it",
			Usage:       "/disabletask <number|id>",
			MinRole:     auth.RoleAdmin,
			Timeout:     10 * time.Second,
			Handle:      m.cmdEnableTask(false),
		},
		{
			Name:        "addadmin",
			Description: "grant admin to a user",
			Usage:       "/addadmin <user_id>",
			MinRole:     auth.RoleMaintainer,
			Timeout:     10 * time.Second,
			Handle:      m.cmdAddAdmin,
		},
		{
			Name:        "deladmin",
			Description: "revoke admin from a user",
			Usage:       "/deladmin <user_id>",
			MinRole:     auth.RoleMaintainer,
			Timeout:     10 * time.Second,
			Handle:      m.cmdDelAdmin,
		},
		{
			Name:        "addgroup",
			Description: "add a delivery group",
			Usage:       "/addgroup <chat_id>",
			MinRole:     auth.RoleAdmin,
			Timeout:     10 * time.Second,
			Handle:      m.cmdAddGroup,
		},
		{
			Name:        "delgroup",
			Description: "remove a delivery group",
			Usage:       "/delgroup <chat_id>",
			MinRole:     auth.RoleAdmin,
			Timeout:     10 * time.Second,
			Handle:      m.cmdDelGroup,
		},
		{
			Name:        "whitelist",
			Description: "show maintainers, admins and groups",
			MinRole:     auth.RoleAdmin,
			Timeout:     10 * time.Second,
			Handle:      m.cmdWhitelist,
		},
	}
}

func (m *Manager) cmdStart(ctx context.Context, req *Request) error {
	return m.send(ctx, req, "Hi. I deliver recurring messages to the configured groups.\nUse /addtask to create one, /help for everything else.")
}

func (m *Manager) cmdHelp(ctx context.Context, req *Request) error {
	role := m.gate.RoleOf(ctx, req.FromID)

	m.mu.RLock()
	var b strings.Builder
	b.WriteString("Commands:\n")
	for _, name := range m.order {
		c := m.commands[name]
		if role < c.MinRole {
			continue
		}
		usage := c.Usage
		if usage == "" {
			usage = "/" + c.Name
		}
		fmt.Fprintf(&b, "%s — %s\n", usage, c.Description)
	}
	m.mu.RUnlock()
	return m.send(ctx, req, strings.TrimRight(b.String(), "\n"))
}

func (m *Manager) cmdAddTask(ctx context.Context, req *Request) error {
	// Begin discards any half-finished dialogue for this actor.
	res := m.sessions.Begin(req.FromID)
	return m.send(ctx, req, res.Prompt)
}

func (m *Manager) cmdCancel(ctx context.Context, req *Request) error {
	// The dialogue, if any, was already abandoned before dispatch.
	if req.Interrupted {
		return m.send(ctx, req, "Discarded. Nothing was saved.")
	}
	return m.send(ctx, req, "Nothing in progress. Use /addtask to start a dialogue.")
}

func (m *Manager) cmdListTask(ctx context.Context, req *Request) error {
	tasks, err := m.tasks.ListTasks(ctx)
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}
	if len(tasks) == 0 {
		return m.send(ctx, req, "No tasks yet. Use /addtask.")
	}

	var b strings.Builder
	for _, t := range tasks {
		state := "on"
		if !t.Enabled {
			state = "off"
		}
		fmt.Fprintf(&b, "#%d [%s] every %s — %s\n", t.Seq, state, t.Interval, firstLine(t.Text))
		fmt.Fprintf(&b, "    next %s, id %s\n", t.NextFire.Format("2006-01-02 15:04 MST"), t.ID)
	}
	return m.send(ctx, req, strings.TrimRight(b.String(), "\n"))
}

func (m *Manager) cmdDelTask(ctx context.Context, req *Request) error {
	if len(req.Args) != 1 {
		return m.send(ctx, req, "Usage: /deltask <number|id>")
	}
	task, err := m.resolveTask(ctx, req.Args[0])
	if err != nil {
		return m.taskLookupReply(ctx, req, err)
	}
	if err := m.tasks.RemoveTask(ctx, task.ID); err != nil {
		if errors.Is(err, store.ErrTaskNotFound) {
			return m.send(ctx, req, "No such task.")
		}
		return fmt.Errorf("remove task %s: %w", task.ID, err)
	}
	return m.send(ctx, req, fmt.Sprintf("Deleted task #%d.", task.Seq))
}

func (m *Manager) cmdEnableTask(enabled bool) HandlerFunc {
	verb := "Enabled"
	if !enabled {
		verb = "Disabled"
	}
	return func(ctx context.Context, req *Request) error {
		if len(req.Args) != 1 {
			return m.send(ctx, req, "Usage: /"+req.Command+" <number|id>")
		}
		task, err := m.resolveTask(ctx, req.Args[0])
		if err != nil {
			return m.taskLookupReply(ctx, req, err)
		}
		if err := m.tasks.SetTaskEnabled(ctx, task.ID, enabled); err != nil {
			return fmt.Errorf("set task %s enabled=%v: %w", task.ID, enabled, err)
		}
		return m.send(ctx, req, fmt.Sprintf("%s task #%d.", verb, task.Seq))
	}
}

func (m *Manager) cmdAddAdmin(ctx context.Context, req *Request) error {
	id, err := argID(req.Args)
	if err != nil {
		return m.send(ctx, req, "Usage: /addadmin <user_id>")
	}
	if err := m.tasks.AddAdmin(ctx, id, req.FromID); err != nil {
		if errors.Is(err, store.ErrAdminExists) {
			return m.send(ctx, req, "Already an admin.")
		}
		return fmt.Errorf("add admin %d: %w", id, err)
	}
	return m.send(ctx, req, fmt.Sprintf("User %d is now an admin.", id))
}

func (m *Manager) cmdDelAdmin(ctx context.Context, req *Request) error {
	id, err := argID(req.Args)
	if err != nil {
		return m.send(ctx, req, "Usage: /deladmin <user_id>")
	}
	if err := m.tasks.RemoveAdmin(ctx, id); err != nil {
		if errors.Is(err, store.ErrAdminNotFound) {
			return m.send(ctx, req, "Not an admin.")
		}
		return fmt.Errorf("remove admin %d: %w", id, err)
	}
	return m.send(ctx, req, fmt.Sprintf("User %d is no longer an admin.", id))
}

func (m *Manager) cmdAddGroup(ctx context.Context, req *Request) error {
	id, err := argID(req.Args)
	if err != nil {
		return m.send(ctx, req, "Usage: /addgroup <chat_id>")
	}
	if err := m.tasks.AddGroup(ctx, id, req.FromID); err != nil {
		if errors.Is(err, store.ErrGroupExists) {
			return m.send(ctx, req, "That group is already on the list.")
		}
		return fmt.Errorf("add group %d: %w", id, err)
	}
	return m.send(ctx, req, fmt.Sprintf("Group %d added. Tasks will be delivered there.", id))
}

func (m *Manager) cmdDelGroup(ctx context.Context, req *Request) error {
	id, err := argID(req.Args)
	if err != nil {
		return m.send(ctx, req, "Usage: /delgroup <chat_id>")
	}
	if err := m.tasks.RemoveGroup(ctx, id); err != nil {
		if errors.Is(err, store.ErrGroupNotFound) {
			return m.send(ctx, req, "That group is not on the list.")
		}
		return fmt.Errorf("remove group %d: %w", id, err)
	}
	return m.send(ctx, req, fmt.Sprintf("Group %d removed.", id))
}

func (m *Manager) cmdWhitelist(ctx context.Context, req *Request) error {
	admins, err := m.tasks.ListAdmins(ctx)
	if err != nil {
		return fmt.Errorf("list admins: %w", err)
	}
	groups, err := m.tasks.ListGroups(ctx)
	if err != nil {
		return fmt.Errorf("list groups: %w", err)
	}

	var b strings.Builder
	b.WriteString("Maintainers: " + formatIDs(m.gate.Maintainers()) + "\n")
	b.WriteString("Admins: " + formatIDs(admins) + "\n")
	b.WriteString("Groups: " + formatIDs(groups))
	return m.send(ctx, req, b.String())
}

// resolveTask accepts either the short list number (#seq) or the full task id.
func (m *Manager) resolveTask(ctx context.Context, arg string) (store.Task, error) {
	arg = strings.TrimPrefix(strings.TrimSpace(arg), "#")
	if seq, err := strconv.ParseInt(arg, 10, 64); err == nil {
		tasks, err := m.tasks.ListTasks(ctx)
		if err != nil {
			return store.Task{}, err
		}
		for _, t := range tasks {
			if t.Seq == seq {
				return t, nil
			}
		}
		return store.Task{}, store.ErrTaskNotFound
	}
	return m.tasks.GetTask(ctx, arg)
}

func (m *Manager) taskLookupReply(ctx context.Context, req *Request, err error) error {
	if errors.Is(err, store.ErrTaskNotFound) {
		return m.send(ctx, req, "No such task. See /listtask.")
	}
	return fmt.Errorf("resolve task: %w", err)
}

func (m *Manager) send(ctx context.Context, req *Request, text string) error {
	_, err := req.Adapter.SendText(ctx, req.Chat, text, &transport.SendOptions{DisablePreview: true})
	return err
}

func argID(args []string) (int64, error) {
	if len(args) != 1 {
		return 0, errors.New("expected one argument")
	}
	return strconv.ParseInt(args[0], 10, 64)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i] + "…"
	}
	if len(s) > 80 {
		s = s[:80] + "…"
	}
	return s
}

func formatIDs(ids []int64) string {
	if len(ids) == 0 {
		return "(none)"
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ", ")
}
