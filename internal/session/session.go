// Package session drives the multi-step /addtask dialogue. Each actor has at
// most one open session; steps collect the task text, repeat interval and
// optional link buttons before a final confirmation.
package session

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"notifybot/internal/store"
	logx "notifybot/pkg/logx"
)

type Step int

const (
	StepText Step = iota
	StepInterval
	StepButtons
	StepConfirm
)

func (s Step) String() string {
	switch s {
	case StepText:
		return "text"
	case StepInterval:
		return "interval"
	case StepButtons:
		return "buttons"
	case StepConfirm:
		return "confirm"
	default:
		return "unknown"
	}
}

var (
	ErrNoSession = errors.New("session: no open session for actor")

	// MinInterval guards against accidental tight loops from typos like "1s".
	MinInterval = 10 * time.Second
)

// Result is what the caller relays back to the actor after feeding input.
type Result struct {
	Prompt string
	// Done is set when the dialogue finished; Draft then holds the collected
	// task fields and the session is already closed.
	Done  bool
	Draft store.Draft
	// Aborted is set when the actor declined at the confirm step.
	Aborted bool
}

type session struct {
	owner    int64
	step     Step
	text     string
	interval time.Duration
	buttons  []store.Button
	touched  time.Time
}

type Manager struct {
	mu       sync.Mutex
	sessions map[int64]*session

	idleTimeout time.Duration
	now         func() time.Time
	log         logx.Logger
}

func NewManager(idleTimeout time.Duration, log logx.Logger) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{
		sessions:    make(map[int64]*session),
		idleTimeout: idleTimeout,
		now:         time.Now,
		log:         log,
	}
}

// Begin opens a fresh dialogue for the actor. An existing open session is
// discarded: /addtask always restarts from the first step.
func (m *Manager) Begin(actor int64) Result {
	m.mu.Lock()
	m.sessions[actor] = &session{owner: actor, step: StepText, touched: m.now()}
	m.mu.Unlock()
	return Result{Prompt: promptText}
}

// Open reports whether the actor currently has a dialogue in progress.
func (m *Manager) Open(actor int64) bool {
	m.mu.Lock()
	_, ok := m.sessions[actor]
	m.mu.Unlock()
	return ok
}

// Abandon closes the actor's dialogue, if any, discarding collected input.
func (m *Manager) Abandon(actor int64) bool {
	m.mu.Lock()
	_, ok := m.sessions[actor]
	delete(m.sessions, actor)
	m.mu.Unlock()
	return ok
}

// Input feeds one plain-text message into the actor's open dialogue. Invalid
// input keeps the session on the same step and re-prompts.
func (m *Manager) Input(actor int64, text string) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[actor]
	if !ok {
		return Result{}, ErrNoSession
	}
	s.touched = m.now()
	text = strings.TrimSpace(text)

	switch s.step {
	case StepText:
		if text == "" {
			return Result{Prompt: "Message text cannot be empty.\n" + promptText}, nil
		}
		s.text = text
		s.step = StepInterval
		return Result{Prompt: promptInterval}, nil

	case StepInterval:
		d, err := ParseInterval(text)
		if err != nil {
			return Result{Prompt: err.Error() + "\n" + promptInterval}, nil
		}
		s.interval = d
		s.step = StepButtons
		return Result{Prompt: promptButtons}, nil

	case StepButtons:
		btns, err := ParseButtons(text)
		if err != nil {
			return Result{Prompt: err.Error() + "\n" + promptButtons}, nil
		}
		s.buttons = btns
		s.step = StepConfirm
		return Result{Prompt: m.summary(s)}, nil

	case StepConfirm:
		switch strings.ToLower(text) {
		case "confirm", "yes", "y", "ok":
			draft := store.Draft{
				Owner:    s.owner,
				Text:     s.text,
				Buttons:  s.buttons,
				Interval: s.interval,
				NextFire: m.now().Add(s.interval),
			}
			delete(m.sessions, actor)
			return Result{Done: true, Draft: draft}, nil
		case "cancel", "no", "n":
			delete(m.sessions, actor)
			return Result{Aborted: true, Prompt: "Discarded. Nothing was saved."}, nil
		default:
			return Result{Prompt: "Reply \"confirm\" to save or \"cancel\" to discard."}, nil
		}
	}
	return Result{}, fmt.Errorf("session: actor %d in unknown step %d", actor, s.step)
}

// EvictIdle drops sessions untouched for longer than the idle timeout and
// returns the affected actors so callers can notify them.
func (m *Manager) EvictIdle() []int64 {
	if m.idleTimeout <= 0 {
		return nil
	}
	cutoff := m.now().Add(-m.idleTimeout)

	m.mu.Lock()
	defer m.mu.Unlock()
	var evicted []int64
	for actor, s := range m.sessions {
		if s.touched.Before(cutoff) {
			delete(m.sessions, actor)
			evicted = append(evicted, actor)
		}
	}
	if len(evicted) > 0 {
		m.log.Debug("evicted idle sessions", logx.Int("count", len(evicted)))
	}
	return evicted
}

const (
	promptText     = "Send the message text for the new task."
	promptInterval = "How often should it repeat? Send minutes (e.g. 30) or a duration (e.g. 1h30m)."
	promptButtons  = "Send link buttons, one per line as \"Label | https://url\", or \"no\" for none."
)

func (m *Manager) summary(s *session) string {
	var b strings.Builder
	b.WriteString("About to create:\n")
	fmt.Fprintf(&b, "Text: %s\n", s.text)
	fmt.Fprintf(&b, "Every: %s\n", s.interval)
	if len(s.buttons) == 0 {
		b.WriteString("Buttons: none\n")
	} else {
		b.WriteString("Buttons:\n")
		for _, btn := range s.buttons {
			fmt.Fprintf(&b, "  %s -> %s\n", btn.Label, btn.URL)
		}
	}
	b.WriteString("Reply \"confirm\" to save or \"cancel\" to discard.")
	return b.String()
}

// ParseInterval accepts a bare integer (minutes) or a Go duration string.
func ParseInterval(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		if n <= 0 {
			return 0, errors.New("interval must be a positive number of minutes")
		}
		return time.Duration(n) * time.Minute, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, errors.New("could not read that as an interval")
	}
	if d < MinInterval {
		return 0, fmt.Errorf("interval must be at least %s", MinInterval)
	}
	return d, nil
}

// ParseButtons reads "Label | URL" lines. "no", "none" and "skip" mean no
// buttons.
func ParseButtons(s string) ([]store.Button, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "no", "none", "skip", "no buttons", "-":
		return nil, nil
	}
	var out []store.Button
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		label, url, ok := strings.Cut(line, "|")
		if !ok {
			return nil, fmt.Errorf("%q is not \"Label | URL\"", line)
		}
		label = strings.TrimSpace(label)
		url = strings.TrimSpace(url)
		if label == "" || url == "" {
			return nil, fmt.Errorf("%q is missing a label or a URL", line)
		}
		if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
			return nil, fmt.Errorf("%q does not look like a URL", url)
		}
		out = append(out, store.Button{Label: label, URL: url})
	}
	if len(out) == 0 {
		return nil, errors.New("no buttons found; send \"no\" to skip")
	}
	return out, nil
}
