package config

type Config struct {
	Telegram Telegram `json:"telegram"`
	Logging  Logging  `json:"logging"`

	// Limits holds the system-wide permission/quota defaults applied to
	// users without an explicit per-user override.
	Limits Limits `json:"limits"`

	// AutoLike controls the daily scheduling loop.
	AutoLike AutoLike `json:"autolike"`

	Dispatcher Dispatcher `json:"dispatcher"`
	Notifier   Notifier   `json:"notifier"`
	Storage    Storage    `json:"storage"`
}

type Telegram struct {
	Token        string  `json:"token"`
	AdminUserIDs []int64 `json:"admin_user_ids"`
	GroupLog     string  `json:"group_log,omitempty"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type Logging struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id,omitempty"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// Limits configures the quota ledger defaults.
type Limits struct {
	// DefaultDaily is the like-unit ceiling per user per day when no
	// per-user override is set.
	DefaultDaily int `json:"default_daily"`
}

// AutoLike controls the daily trigger loop.
//
// All durations are Go duration strings (e.g. "30s", "1m").
type AutoLike struct {
	Enabled bool `json:"enabled"`

	// Timezone anchors the scheduling day. Default "Asia/Dhaka" (UTC+6).
	Timezone string `json:"timezone,omitempty"`

	// DefaultTime is the HH:MM wall-clock firing time used when a task
	// is registered without an explicit time. Default "07:00".
	DefaultTime string `json:"default_time,omitempty"`

	// Workers bounds concurrent dispatches per cycle. Default 5.
	Workers int `json:"workers,omitempty"`

	// ShutdownGrace bounds how long in-flight dispatches may drain on stop.
	ShutdownGrace string `json:"shutdown_grace,omitempty"`
}

// Dispatcher configures the outbound like API client.
type Dispatcher struct {
	// BaseURL of the like provider, e.g. "https://host/like".
	BaseURL    string `json:"base_url"`
	ServerName string `json:"server_name,omitempty"`
	Key        string `json:"key,omitempty"`

	// Timeout per HTTP attempt. Default "30s".
	Timeout string `json:"timeout,omitempty"`

	// RetryMax is the number of retries after the first attempt. Default 3
	// when absent; an explicit 0 disables retries.
	RetryMax *int `json:"retry_max,omitempty"`
	// RetryBase / RetryMaxDelay shape the exponential backoff (2s .. 30s).
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`

	// RatePerSec bounds outbound calls to the provider. Default 1.
	RatePerSec int `json:"rate_per_sec,omitempty"`
}

// Notifier controls the async outcome-message pipeline.
type Notifier struct {
	Enabled    bool   `json:"enabled"`
	Workers    int    `json:"workers,omitempty"`
	QueueSize  int    `json:"queue_size,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
	RetryMax   int    `json:"retry_max,omitempty"`
	RetryBase  string `json:"retry_base,omitempty"`
}

// Storage configures the persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./likebot.db" }
type Storage struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}
