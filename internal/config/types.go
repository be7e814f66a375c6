package config

type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Auth      AuthConfig      `json:"auth"`
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Notifier  NotifierConfig  `json:"notifier"`
	Session   SessionConfig   `json:"session"`
	Storage   StorageConfig   `json:"storage"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

// AuthConfig holds the static maintainer list. Maintainers can do everything
// admins can, plus grant/revoke admin. The admin set itself is mutable at
// runtime and lives in storage, not here.
type AuthConfig struct {
	Maintainers []int64 `json:"maintainers"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the dispatch loop.
//
// Enabled defaults to true when the key is absent; a minimal config still
// dispatches. Tick is the scan granularity (Go duration string). It should
// be coarser than or equal to the smallest task interval you intend to use.
// DispatchTimeout bounds a single delivery to one destination.
type SchedulerConfig struct {
	Enabled         *bool  `json:"enabled,omitempty"`
	Tick            string `json:"tick,omitempty"`
	DispatchTimeout string `json:"dispatch_timeout,omitempty"`
}

// NotifierConfig controls outbound delivery pacing and retries.
// All durations are Go duration strings (e.g. "500ms", "10s").
type NotifierConfig struct {
	RatePerSec  int    `json:"rate_per_sec,omitempty"`
	RetryMax    int    `json:"retry_max,omitempty"`
	RetryBase   string `json:"retry_base,omitempty"`
	SendTimeout string `json:"send_timeout,omitempty"`
}

type SessionConfig struct {
	// IdleTimeout evicts authoring sessions with no activity for this long.
	// "0s" disables eviction.
	IdleTimeout string `json:"idle_timeout,omitempty"`
}

type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite busy_timeout, Go duration string
}
