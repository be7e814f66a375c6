// Package store is the durable persistence layer: the recurring-task table
// plus the mutable admin and group whitelists. Everything an operator changes
// at runtime survives a restart through this package.
package store

import (
	"errors"
	"time"
)

var (
	ErrTaskNotFound  = errors.New("task not found")
	ErrDuplicateID   = errors.New("duplicate task id")
	ErrAdminExists   = errors.New("admin already present")
	ErrAdminNotFound = errors.New("admin not found")
	ErrGroupExists   = errors.New("group already present")
	ErrGroupNotFound = errors.New("group not found")
)

type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// Button is an inline URL button attached to a task's notification.
type Button struct {
	Label string `json:"label"`
	URL   string `json:"url"`
}

// Task is a recurring notification definition.
//
// ID is assigned at creation and never reused. Seq reflects insertion order
// and is what operators see in /listtask. NextFire is the absolute timestamp
// of the next due delivery; only the scheduler advances it, always by
// Interval, never into the past. Destinations are not part of the task:
// a fire broadcasts to the group set current at fire time.
type Task struct {
	ID        string
	Seq       int64
	Owner     int64
	Text      string
	Buttons   []Button
	Interval  time.Duration
	NextFire  time.Time
	Enabled   bool
	CreatedAt time.Time
}

// Draft holds the fields accumulated by an authoring session. A Draft becomes
// a Task only through CreateTask; no partially-built task is ever visible.
type Draft struct {
	Owner    int64
	Text     string
	Buttons  []Button
	Interval time.Duration
	NextFire time.Time
}
