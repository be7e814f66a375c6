package router

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"notifybot/internal/auth"
	"notifybot/internal/session"
	"notifybot/internal/store"
	"notifybot/internal/transport"
	logx "notifybot/pkg/logx"
)

const (
	maintainerID = int64(10)
	adminID      = int64(20)
	strangerID   = int64(30)
)

type fakeAdapter struct {
	mu    sync.Mutex
	sent  []string
	chats []int64
}

func (f *fakeAdapter) Start(context.Context, chan<- transport.Update) error { return nil }
func (f *fakeAdapter) Stop(context.Context) error                           { return nil }

func (f *fakeAdapter) SendText(_ context.Context, to transport.ChatTarget, text string, _ *transport.SendOptions) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	f.chats = append(f.chats, to.ChatID)
	return transport.MessageRef{ChatID: to.ChatID, MessageID: len(f.sent)}, nil
}

func (f *fakeAdapter) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeAdapter) lastSent(t *testing.T) string {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		t.Fatal("no messages sent")
	}
	return f.sent[len(f.sent)-1]
}

type memStore struct {
	mu     sync.Mutex
	seq    int64
	tasks  map[string]store.Task
	admins map[int64]bool
	groups map[int64]bool
}

func newMemStore() *memStore {
	return &memStore{
		tasks:  map[string]store.Task{},
		admins: map[int64]bool{},
		groups: map[int64]bool{},
	}
}

func (s *memStore) CreateTask(_ context.Context, d store.Draft) (store.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	t := store.Task{
		ID: "task-" + strconv.FormatInt(s.seq, 10), Seq: s.seq,
		Owner: d.Owner, Text: d.Text, Buttons: d.Buttons,
		Interval: d.Interval, NextFire: d.NextFire, Enabled: true,
	}
	s.tasks[t.ID] = t
	return t, nil
}

func (s *memStore) GetTask(_ context.Context, id string) (store.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return store.Task{}, store.ErrTaskNotFound
	}
	return t, nil
}

func (s *memStore) ListTasks(context.Context) ([]store.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.Task
	for _, t := range s.tasks {
		out = append(out, t)
	}
	return out, nil
}

func (s *memStore) RemoveTask(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return store.ErrTaskNotFound
	}
	delete(s.tasks, id)
	return nil
}

func (s *memStore) SetTaskEnabled(_ context.Context, id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return store.ErrTaskNotFound
	}
	t.Enabled = enabled
	s.tasks[id] = t
	return nil
}

func (s *memStore) AddAdmin(_ context.Context, userID, _ int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.admins[userID] {
		return store.ErrAdminExists
	}
	s.admins[userID] = true
	return nil
}

func (s *memStore) RemoveAdmin(_ context.Context, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.admins[userID] {
		return store.ErrAdminNotFound
	}
	delete(s.admins, userID)
	return nil
}

func (s *memStore) ListAdmins(context.Context) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []int64
	for id := range s.admins {
		out = append(out, id)
	}
	return out, nil
}

func (s *memStore) IsAdmin(_ context.Context, userID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.admins[userID], nil
}

func (s *memStore) AddGroup(_ context.Context, chatID, _ int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.groups[chatID] {
		return store.ErrGroupExists
	}
	s.groups[chatID] = true
	return nil
}

func (s *memStore) RemoveGroup(_ context.Context, chatID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.groups[chatID] {
		return store.ErrGroupNotFound
	}
	delete(s.groups, chatID)
	return nil
}

func (s *memStore) ListGroups(context.Context) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []int64
	for id := range s.groups {
		out = append(out, id)
	}
	return out, nil
}

func (s *memStore) taskCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

func newTestRouter(t *testing.T) (*Manager, *fakeAdapter, *memStore) {
	t.Helper()
	ad := &fakeAdapter{}
	st := newMemStore()
	st.admins[adminID] = true
	gate := auth.NewGate([]int64{maintainerID}, st, logx.Nop())
	sessions := session.NewManager(10*time.Minute, logx.Nop())
	return NewManager(logx.Nop(), ad, gate, sessions, st), ad, st
}

func msgFrom(from int64, text string) transport.Update {
	return transport.Update{
		Kind: transport.UpdateMessage,
		Message: &transport.Message{
			ID: 1, ChatID: from, FromID: from, Text: text,
		},
	}
}

// runPending executes whatever the route step enqueued, synchronously.
func runPending(m *Manager) {
	for {
		select {
		case job := <-m.jobs:
			job()
		default:
			return
		}
	}
}

func route(m *Manager, up transport.Update) {
	m.routeUpdate(context.Background(), up)
	runPending(m)
}

func TestStrangerIsSilentlyIgnoredForGatedCommands(t *testing.T) {
	t.Parallel()
	m, ad, _ := newTestRouter(t)

	route(m, msgFrom(strangerID, "/addadmin 99"))
	route(m, msgFrom(strangerID, "/addtask"))
	route(m, msgFrom(strangerID, "/listtask"))
	route(m, msgFrom(strangerID, "/bogus"))

	if n := ad.sentCount(); n != 0 {
		t.Fatalf("stranger got %d replies, want 0", n)
	}
}

func TestStartAndHelpAnswerEveryone(t *testing.T) {
	t.Parallel()
	m, ad, _ := newTestRouter(t)

	route(m, msgFrom(strangerID, "/start"))
	if n := ad.sentCount(); n != 1 {
		t.Fatalf("stranger /start got %d replies, want 1", n)
	}
	if got := ad.lastSent(t); !strings.Contains(got, "/help") {
		t.Fatalf("start reply = %q, want pointer at /help", got)
	}

	route(m, msgFrom(strangerID, "/help"))
	help := ad.lastSent(t)
	if !strings.Contains(help, "/start") {
		t.Fatalf("user help missing /start:\n%s", help)
	}
	if strings.Contains(help, "/addtask") || strings.Contains(help, "/addadmin") {
		t.Fatalf("user help leaks gated commands:\n%s", help)
	}
}

func TestAdminCannotUseMaintainerCommands(t *testing.T) {
	t.Parallel()
	m, ad, st := newTestRouter(t)

	route(m, msgFrom(adminID, "/addadmin 99"))

	if st.admins[99] {
		t.Fatal("admin must not be able to grant admin")
	}
	if got := ad.lastSent(t); !strings.Contains(got, "maintainers only") {
		t.Fatalf("reply = %q, want maintainers-only notice", got)
	}
}

func TestMaintainerManagesWhitelist(t *testing.T) {
	t.Parallel()
	m, ad, st := newTestRouter(t)

	route(m, msgFrom(maintainerID, "/addadmin 99"))
	if !st.admins[99] {
		t.Fatal("admin 99 not added")
	}
	route(m, msgFrom(maintainerID, "/addgroup -1001"))
	if !st.groups[-1001] {
		t.Fatal("group -1001 not added")
	}

	route(m, msgFrom(maintainerID, "/whitelist"))
	got := ad.lastSent(t)
	if !strings.Contains(got, "99") || !strings.Contains(got, "-1001") {
		t.Fatalf("whitelist output %q missing entries", got)
	}

	route(m, msgFrom(maintainerID, "/deladmin 99"))
	if st.admins[99] {
		t.Fatal("admin 99 not removed")
	}
	route(m, msgFrom(maintainerID, "/delgroup -1001"))
	if st.groups[-1001] {
		t.Fatal("group -1001 not removed")
	}
}

func TestAdminManagesGroups(t *testing.T) {
	t.Parallel()
	m, ad, st := newTestRouter(t)

	route(m, msgFrom(adminID, "/addgroup -1001"))
	if !st.groups[-1001] {
		t.Fatal("admin /addgroup did not add the group")
	}

	route(m, msgFrom(adminID, "/whitelist"))
	if got := ad.lastSent(t); !strings.Contains(got, "-1001") {
		t.Fatalf("whitelist output %q missing the group", got)
	}

	route(m, msgFrom(adminID, "/delgroup -1001"))
	if st.groups[-1001] {
		t.Fatal("admin /delgroup did not remove the group")
	}
}

func TestAddTaskDialogueCreatesOneTask(t *testing.T) {
	t.Parallel()
	m, _, st := newTestRouter(t)

	route(m, msgFrom(adminID, "/addtask"))
	route(m, msgFrom(adminID, "Meeting reminder"))
	route(m, msgFrom(adminID, "30"))
	route(m, msgFrom(adminID, "no buttons"))
	route(m, msgFrom(adminID, "confirm"))

	if n := st.taskCount(); n != 1 {
		t.Fatalf("tasks = %d, want 1", n)
	}
	tasks, _ := st.ListTasks(context.Background())
	got := tasks[0]
	if got.Text != "Meeting reminder" || got.Interval != 30*time.Minute || got.Owner != adminID {
		t.Fatalf("unexpected task %+v", got)
	}
}

func TestDialogueStepsBindInIntakeOrder(t *testing.T) {
	t.Parallel()
	m, _, st := newTestRouter(t)

	route(m, msgFrom(adminID, "/addtask"))

	// Back-to-back replies must not detour through the worker pool, or a
	// fast second reply could be consumed as the text step.
	ctx := context.Background()
	for _, text := range []string{"Standup ping", "30", "no buttons", "confirm"} {
		m.routeUpdate(ctx, msgFrom(adminID, text))
	}

	tasks, _ := st.ListTasks(ctx)
	if len(tasks) != 1 || tasks[0].Text != "Standup ping" || tasks[0].Interval != 30*time.Minute {
		t.Fatalf("tasks = %+v, want one task bound from the first reply", tasks)
	}
}

func TestCommandInterruptsDialogue(t *testing.T) {
	t.Parallel()
	m, _, st := newTestRouter(t)

	route(m, msgFrom(adminID, "/addtask"))
	route(m, msgFrom(adminID, "half-finished text"))
	route(m, msgFrom(adminID, "/listtask"))

	// The dialogue is gone: this text is not session input anymore.
	route(m, msgFrom(adminID, "30"))
	route(m, msgFrom(adminID, "confirm"))

	if n := st.taskCount(); n != 0 {
		t.Fatalf("abandoned dialogue produced %d tasks, want 0", n)
	}
}

func TestAddTaskRestartsDialogue(t *testing.T) {
	t.Parallel()
	m, _, st := newTestRouter(t)

	route(m, msgFrom(adminID, "/addtask"))
	route(m, msgFrom(adminID, "first text"))
	route(m, msgFrom(adminID, "/addtask"))
	route(m, msgFrom(adminID, "second text"))
	route(m, msgFrom(adminID, "15"))
	route(m, msgFrom(adminID, "no"))
	route(m, msgFrom(adminID, "confirm"))

	tasks, _ := st.ListTasks(context.Background())
	if len(tasks) != 1 || tasks[0].Text != "second text" {
		t.Fatalf("tasks = %+v, want single task from restarted dialogue", tasks)
	}
}

func TestCancelDiscardsDialogue(t *testing.T) {
	t.Parallel()
	m, ad, st := newTestRouter(t)

	route(m, msgFrom(adminID, "/addtask"))
	route(m, msgFrom(adminID, "some text"))
	route(m, msgFrom(adminID, "/cancel"))

	if got := ad.lastSent(t); !strings.Contains(got, "Discarded") {
		t.Fatalf("cancel reply = %q", got)
	}
	if st.taskCount() != 0 {
		t.Fatal("cancel must not save a task")
	}
}

func TestPlainTextWithoutDialogueIsDropped(t *testing.T) {
	t.Parallel()
	m, ad, _ := newTestRouter(t)

	route(m, msgFrom(adminID, "hello there"))
	if n := ad.sentCount(); n != 0 {
		t.Fatalf("got %d replies, want 0", n)
	}
}

func TestGroupMessagesIgnored(t *testing.T) {
	t.Parallel()
	m, ad, _ := newTestRouter(t)

	up := msgFrom(adminID, "/listtask")
	up.Message.IsGroup = true
	up.Message.ChatID = -1001
	route(m, up)

	if n := ad.sentCount(); n != 0 {
		t.Fatalf("group command got %d replies, want 0", n)
	}
}

func TestDelTaskBySeqAndByID(t *testing.T) {
	t.Parallel()
	m, ad, st := newTestRouter(t)

	first, _ := st.CreateTask(context.Background(), store.Draft{Owner: adminID, Text: "a", Interval: time.Minute})
	second, _ := st.CreateTask(context.Background(), store.Draft{Owner: adminID, Text: "b", Interval: time.Minute})

	route(m, msgFrom(adminID, "/deltask 1"))
	if _, err := st.GetTask(context.Background(), first.ID); err != store.ErrTaskNotFound {
		t.Fatalf("task #1 should be gone, err = %v", err)
	}

	route(m, msgFrom(adminID, "/deltask "+second.ID))
	if st.taskCount() != 0 {
		t.Fatal("task by id should be gone")
	}

	route(m, msgFrom(adminID, "/deltask 1"))
	if got := ad.lastSent(t); !strings.Contains(got, "No such task") {
		t.Fatalf("reply = %q", got)
	}
}

func TestEnableDisableTask(t *testing.T) {
	t.Parallel()
	m, _, st := newTestRouter(t)

	task, _ := st.CreateTask(context.Background(), store.Draft{Owner: adminID, Text: "a", Interval: time.Minute})

	route(m, msgFrom(adminID, "/disabletask 1"))
	got, _ := st.GetTask(context.Background(), task.ID)
	if got.Enabled {
		t.Fatal("task should be disabled")
	}

	route(m, msgFrom(adminID, "/enabletask 1"))
	got, _ = st.GetTask(context.Background(), task.ID)
	if !got.Enabled {
		t.Fatal("task should be enabled again")
	}
}

func TestHelpHidesMaintainerCommandsFromAdmins(t *testing.T) {
	t.Parallel()
	m, ad, _ := newTestRouter(t)

	route(m, msgFrom(adminID, "/help"))
	adminHelp := ad.lastSent(t)
	if strings.Contains(adminHelp, "/addadmin") {
		t.Fatalf("admin help leaks maintainer commands:\n%s", adminHelp)
	}
	if !strings.Contains(adminHelp, "/addtask") {
		t.Fatalf("admin help missing /addtask:\n%s", adminHelp)
	}

	route(m, msgFrom(maintainerID, "/help"))
	maintHelp := ad.lastSent(t)
	if !strings.Contains(maintHelp, "/addadmin") {
		t.Fatalf("maintainer help missing /addadmin:\n%s", maintHelp)
	}
}

func TestUnknownCommandForAdmin(t *testing.T) {
	t.Parallel()
	m, ad, _ := newTestRouter(t)

	route(m, msgFrom(adminID, "/bogus"))
	if got := ad.lastSent(t); !strings.Contains(got, "Unknown command") {
		t.Fatalf("reply = %q", got)
	}
}

func TestCommandNameStripsBotMention(t *testing.T) {
	t.Parallel()
	m, ad, _ := newTestRouter(t)

	route(m, msgFrom(adminID, "/help@notify_bot"))
	if got := ad.lastSent(t); !strings.Contains(got, "Commands:") {
		t.Fatalf("reply = %q, want help output", got)
	}
}
