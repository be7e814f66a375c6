package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	logx "notifybot/pkg/logx"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{
		Path:        filepath.Join(t.TempDir(), "notify.db"),
		BusyTimeout: time.Second,
	}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func draft(owner int64, text string, interval time.Duration, next time.Time) Draft {
	return Draft{Owner: owner, Text: text, Interval: interval, NextFire: next}
}

func TestCreateAndGetTask(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	next := time.Now().Add(30 * time.Minute).Truncate(time.Millisecond).UTC()

	d := draft(7, "standup", 30*time.Minute, next)
	d.Buttons = []Button{{Label: "Join", URL: "https://example.com/call"}}
	created, err := s.CreateTask(ctx, d)
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if created.ID == "" || created.Seq == 0 || !created.Enabled {
		t.Fatalf("unexpected created task %+v", created)
	}

	got, err := s.GetTask(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Text != "standup" || got.Owner != 7 || got.Interval != 30*time.Minute {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if !got.NextFire.Equal(next) {
		t.Fatalf("NextFire = %v, want %v", got.NextFire, next)
	}
	if len(got.Buttons) != 1 || got.Buttons[0] != d.Buttons[0] {
		t.Fatalf("buttons = %v", got.Buttons)
	}
}

func TestGetTaskNotFound(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	_, err := s.GetTask(context.Background(), "missing")
	if !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("err = %v, want ErrTaskNotFound", err)
	}
}

func TestListTasksOrderedBySeq(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for _, text := range []string{"first", "second", "third"} {
		if _, err := s.CreateTask(ctx, draft(1, text, time.Minute, now)); err != nil {
			t.Fatalf("CreateTask: %v", err)
		}
	}

	tasks, err := s.ListTasks(ctx)
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(tasks) != 3 {
		t.Fatalf("len = %d, want 3", len(tasks))
	}
	for i, want := range []string{"first", "second", "third"} {
		if tasks[i].Text != want {
			t.Fatalf("tasks[%d].Text = %q, want %q", i, tasks[i].Text, want)
		}
		if tasks[i].Seq != int64(i+1) {
			t.Fatalf("tasks[%d].Seq = %d, want %d", i, tasks[i].Seq, i+1)
		}
	}
}

func TestRemoveTask(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	created, err := s.CreateTask(ctx, draft(1, "x", time.Minute, time.Now()))
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if err := s.RemoveTask(ctx, created.ID); err != nil {
		t.Fatalf("RemoveTask: %v", err)
	}
	if err := s.RemoveTask(ctx, created.ID); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("second remove err = %v, want ErrTaskNotFound", err)
	}
}

func TestDueBeforeAndAdvance(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Millisecond).UTC()

	past, err := s.CreateTask(ctx, draft(1, "due", time.Minute, now.Add(-time.Second)))
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if _, err := s.CreateTask(ctx, draft(1, "future", time.Minute, now.Add(time.Hour))); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	due, err := s.DueBefore(ctx, now)
	if err != nil {
		t.Fatalf("DueBefore: %v", err)
	}
	if len(due) != 1 || due[0].ID != past.ID {
		t.Fatalf("due = %+v, want only the past task", due)
	}

	next := now.Add(time.Minute)
	if err := s.AdvanceDue(ctx, past.ID, next); err != nil {
		t.Fatalf("AdvanceDue: %v", err)
	}
	due, err = s.DueBefore(ctx, now)
	if err != nil {
		t.Fatalf("DueBefore: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("due after advance = %+v, want none", due)
	}

	got, err := s.GetTask(ctx, past.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if !got.NextFire.Equal(next) {
		t.Fatalf("NextFire = %v, want %v", got.NextFire, next)
	}
}

func TestDueBeforeSkipsDisabled(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	created, err := s.CreateTask(ctx, draft(1, "x", time.Minute, now.Add(-time.Second)))
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if err := s.SetTaskEnabled(ctx, created.ID, false); err != nil {
		t.Fatalf("SetTaskEnabled: %v", err)
	}

	due, err := s.DueBefore(ctx, now)
	if err != nil {
		t.Fatalf("DueBefore: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("disabled task reported due: %+v", due)
	}

	if err := s.SetTaskEnabled(ctx, created.ID, true); err != nil {
		t.Fatalf("SetTaskEnabled: %v", err)
	}
	due, _ = s.DueBefore(ctx, now)
	if len(due) != 1 {
		t.Fatal("re-enabled task should be due again")
	}
}

func TestSetTaskEnabledNotFound(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	err := s.SetTaskEnabled(context.Background(), "missing", true)
	if !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("err = %v, want ErrTaskNotFound", err)
	}
}

func TestAdminRoundTrip(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.AddAdmin(ctx, 42, 1); err != nil {
		t.Fatalf("AddAdmin: %v", err)
	}
	if err := s.AddAdmin(ctx, 42, 1); !errors.Is(err, ErrAdminExists) {
		t.Fatalf("duplicate add err = %v, want ErrAdminExists", err)
	}

	ok, err := s.IsAdmin(ctx, 42)
	if err != nil || !ok {
		t.Fatalf("IsAdmin(42) = %v, %v", ok, err)
	}
	ok, err = s.IsAdmin(ctx, 43)
	if err != nil || ok {
		t.Fatalf("IsAdmin(43) = %v, %v", ok, err)
	}

	ids, err := s.ListAdmins(ctx)
	if err != nil || len(ids) != 1 || ids[0] != 42 {
		t.Fatalf("ListAdmins = %v, %v", ids, err)
	}

	if err := s.RemoveAdmin(ctx, 42); err != nil {
		t.Fatalf("RemoveAdmin: %v", err)
	}
	if err := s.RemoveAdmin(ctx, 42); !errors.Is(err, ErrAdminNotFound) {
		t.Fatalf("second remove err = %v, want ErrAdminNotFound", err)
	}
}

func TestGroupRoundTrip(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.AddGroup(ctx, -1001, 1); err != nil {
		t.Fatalf("AddGroup: %v", err)
	}
	if err := s.AddGroup(ctx, -1001, 1); !errors.Is(err, ErrGroupExists) {
		t.Fatalf("duplicate add err = %v, want ErrGroupExists", err)
	}

	ids, err := s.ListGroups(ctx)
	if err != nil || len(ids) != 1 || ids[0] != -1001 {
		t.Fatalf("ListGroups = %v, %v", ids, err)
	}

	if err := s.RemoveGroup(ctx, -1001); err != nil {
		t.Fatalf("RemoveGroup: %v", err)
	}
	if err := s.RemoveGroup(ctx, -1001); !errors.Is(err, ErrGroupNotFound) {
		t.Fatalf("second remove err = %v, want ErrGroupNotFound", err)
	}
}

func TestSurvivesReopen(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "notify.db")
	ctx := context.Background()

	s, err := Open(Config{Path: path, BusyTimeout: time.Second}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	created, err := s.CreateTask(ctx, draft(7, "persisted", time.Hour, time.Now().UTC()))
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if err := s.AddGroup(ctx, -5, 7); err != nil {
		t.Fatalf("AddGroup: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := Open(Config{Path: path, BusyTimeout: time.Second}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	got, err := s2.GetTask(ctx, created.ID)
	if err != nil || got.Text != "persisted" {
		t.Fatalf("GetTask after reopen: %+v, %v", got, err)
	}
	groups, err := s2.ListGroups(ctx)
	if err != nil || len(groups) != 1 {
		t.Fatalf("ListGroups after reopen: %v, %v", groups, err)
	}
}
