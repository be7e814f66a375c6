// Package router turns incoming transport updates into command executions and
// session input. Messages starting with "/" are always treated as commands and
// interrupt any open dialogue; other text is fed to the sender's dialogue if
// one is open and dropped otherwise.
package router

import (
	"context"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"notifybot/internal/auth"
	rtsup "notifybot/internal/runtime/supervisor"
	"notifybot/internal/session"
	"notifybot/internal/store"
	"notifybot/internal/transport"
	logx "notifybot/pkg/logx"
)

// TaskStore is the storage surface the command handlers need.
type TaskStore interface {
	CreateTask(ctx context.Context, d store.Draft) (store.Task, error)
	GetTask(ctx context.Context, id string) (store.Task, error)
	ListTasks(ctx context.Context) ([]store.Task, error)
	RemoveTask(ctx context.Context, id string) error
	SetTaskEnabled(ctx context.Context, id string, enabled bool) error

	AddAdmin(ctx context.Context, userID, addedBy int64) error
	RemoveAdmin(ctx context.Context, userID int64) error
	ListAdmins(ctx context.Context) ([]int64, error)

	AddGroup(ctx context.Context, chatID, addedBy int64) error
	RemoveGroup(ctx context.Context, chatID int64) error
	ListGroups(ctx context.Context) ([]int64, error)
}

type Command struct {
	Name        string
	Description string
	Usage       string
	MinRole     auth.Role
	Timeout     time.Duration
	Handle      HandlerFunc
}

type Request struct {
	Update  transport.Update
	Chat    transport.ChatTarget
	FromID  int64
	Command string
	Args    []string
	ReqID   string
	// Interrupted is set when this command cut short an open dialogue.
	Interrupted bool

	Adapter transport.Adapter
	Logger  logx.Logger
}

type Manager struct {
	log      logx.Logger
	adapter  transport.Adapter
	gate     *auth.Gate
	sessions *session.Manager
	tasks    TaskStore

	mu       sync.RWMutex
	commands map[string]Command
	order    []string

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	jobs chan func()
}

func NewManager(log logx.Logger, adapter transport.Adapter, gate *auth.Gate, sessions *session.Manager, tasks TaskStore) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &Manager{
		log:      log,
		adapter:  adapter,
		gate:     gate,
		sessions: sessions,
		tasks:    tasks,
		commands: map[string]Command{},
		jobs:     make(chan func(), 256),
	}
	m.register(m.builtinCommands())
	return m
}

func (m *Manager) register(cmds []Command) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range cmds {
		if c.Name == "" || c.Handle == nil {
			continue
		}
		if _, dup := m.commands[c.Name]; !dup {
			m.order = append(m.order, c.Name)
		}
		m.commands[c.Name] = c
	}
}

func (m *Manager) lookup(name string) (Command, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.commands[name]
	return c, ok
}

// tryEnqueue is a panic-safe enqueue helper (handles the jobs channel being closed).
func (m *Manager) tryEnqueue(fn func()) (ok bool) {
	if fn == nil {
		return false
	}
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	select {
	case m.jobs <- fn:
		return true
	default:
		return false
	}
}

// DispatchLoop consumes updates until ctx is canceled or the channel closes.
// Command handlers run on a bounded worker pool so one slow command cannot
// stall the intake; dialogue input is handled inline to keep each actor's
// replies in order.
func (m *Manager) DispatchLoop(ctx context.Context, updates <-chan transport.Update) error {
	workers := runtime.NumCPU()
	if workers < 2 {
		workers = 2
	}

	sup := rtsup.New(ctx,
		rtsup.WithLogger(m.log.With(logx.String("comp", "router"))),
		rtsup.WithCancelOnError(false),
	)
	m.setSupervisor(sup, true)

	m.log.Info("dispatcher started", logx.Int("workers", workers), logx.Int("job_queue_cap", cap(m.jobs)))

	var closeOnce sync.Once
	closeJobs := func() {
		closeOnce.Do(func() {
			m.setSupervisor(sup, false)
			close(m.jobs)
		})
	}

	for i := 0; i < workers; i++ {
		idx := i
		sup.GoRestart("worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job, ok := <-m.jobs:
					if !ok {
						return nil
					}
					if job == nil {
						continue
					}
					// Middleware already recovers; keep the worker alive anyway.
					func() {
						defer func() {
							if r := recover(); r != nil {
								m.log.Error("panic in job", logx.Int("worker", idx), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
							}
						}()
						job()
					}()
				}
			}
		},
			rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			rtsup.WithPublishFirstError(true),
			rtsup.WithStopOnCleanExit(true),
		)
	}

	defer func() {
		closeJobs()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		m.setSupervisor(nil, false)
		m.log.Info("dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				m.log.Info("updates channel closed")
				return nil
			}
			m.routeUpdate(ctx, up)
		}
	}
}

func (m *Manager) setSupervisor(sup *rtsup.Supervisor, running bool) {
	m.runMu.Lock()
	m.sup = sup
	m.running = running
	m.runMu.Unlock()
}

func (m *Manager) routeUpdate(root context.Context, up transport.Update) {
	if up.Kind != transport.UpdateMessage || up.Message == nil {
		return
	}
	msg := up.Message
	// Group chats are delivery targets only; the bot is driven from private
	// chats.
	if msg.IsGroup {
		return
	}
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}

	if strings.HasPrefix(text, "/") {
		m.routeCommand(root, up, text)
		return
	}
	m.routeSessionInput(root, up, text)
}

func (m *Manager) routeCommand(root context.Context, up transport.Update, text string) {
	msg := up.Message
	parts := strings.Fields(text)
	name := strings.TrimPrefix(parts[0], "/")
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}
	args := parts[1:]

	// A slash message always wins over an in-progress dialogue.
	interrupted := false
	if name != "addtask" {
		interrupted = m.sessions.Abandon(msg.FromID)
		if interrupted {
			m.log.Debug("dialogue interrupted by command",
				logx.Int64("from_id", msg.FromID), logx.String("cmd", name))
		}
	}

	role := m.gate.RoleOf(root, msg.FromID)

	cmd, ok := m.lookup(name)
	if !ok {
		if role < auth.RoleAdmin {
			m.log.Debug("ignored command from unauthorized sender",
				logx.Int64("from_id", msg.FromID), logx.String("cmd", name))
			return
		}
		m.reply(root, msg, "Unknown command. Try /help.")
		return
	}
	if role < cmd.MinRole {
		if role < auth.RoleAdmin {
			// Unknown senders get nothing back, not even an error.
			m.log.Debug("ignored command from unauthorized sender",
				logx.Int64("from_id", msg.FromID), logx.String("cmd", name))
			return
		}
		m.reply(root, msg, "That command is for maintainers only.")
		return
	}

	rid := uuid.NewString()[:8]
	req := &Request{
		Update:      up,
		Chat:        transport.ChatTarget{ChatID: msg.ChatID},
		FromID:      msg.FromID,
		Command:     name,
		Args:        args,
		ReqID:       rid,
		Interrupted: interrupted,
		Adapter:     m.adapter,
		Logger: m.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", msg.ChatID),
			logx.Int64("from_id", msg.FromID),
			logx.String("cmd", name),
		),
	}

	final := Chain(
		cmd.Handle,
		MWPanicRecover(m.log),
		MWRequestLog(m.log),
		MWTimeout(cmd.Timeout),
	)
	if !m.tryEnqueue(func() { _ = final(root, req) }) {
		m.reply(root, msg, "Busy, try again.")
	}
}

func (m *Manager) routeSessionInput(root context.Context, up transport.Update, text string) {
	msg := up.Message
	if !m.sessions.Open(msg.FromID) {
		return
	}
	if m.gate.RoleOf(root, msg.FromID) < auth.RoleAdmin {
		// Role revoked mid-dialogue.
		m.sessions.Abandon(msg.FromID)
		return
	}

	// Dialogue steps run inline on the intake loop so consecutive replies
	// from one actor always bind to the step they were answering. The pool
	// would let a fast second reply overtake the first.
	m.handleSessionInput(root, msg, text)
}

func (m *Manager) handleSessionInput(ctx context.Context, msg *transport.Message, text string) {
	res, err := m.sessions.Input(msg.FromID, text)
	if err != nil {
		// Session evicted between Open and Input; nothing to answer.
		return
	}
	if !res.Done {
		m.reply(ctx, msg, res.Prompt)
		return
	}

	task, err := m.tasks.CreateTask(ctx, res.Draft)
	if err != nil {
		m.log.Error("create task failed", logx.Int64("from_id", msg.FromID), logx.Err(err))
		m.reply(ctx, msg, "Could not save the task, sorry. Try again with /addtask.")
		return
	}
	m.reply(ctx, msg, "Saved task #"+strconv.FormatInt(task.Seq, 10)+". First send at "+task.NextFire.Format("2006-01-02 15:04:05 MST")+".")
}

func (m *Manager) reply(ctx context.Context, msg *transport.Message, text string) {
	_, err := m.adapter.SendText(ctx, transport.ChatTarget{ChatID: msg.ChatID}, text, nil)
	if err != nil {
		m.log.Warn("reply failed", logx.Int64("chat_id", msg.ChatID), logx.Err(err))
	}
}
