// Package config loads and hot-reloads the relay configuration from a
// JSON or YAML file. Decoding is strict: unknown fields are rejected so
// typos fail loudly at startup instead of silently disabling features.
package config

type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	HTTP      HTTPConfig      `json:"http"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Dispatch  DispatchConfig  `json:"dispatch,omitempty"`
	AMQP      *AMQPConfig     `json:"amqp,omitempty"`
	Retention RetentionConfig `json:"retention,omitempty"`
}

// TelegramConfig configures the outbound gateway and the registration
// poller. All durations are Go duration strings (e.g. "10s", "1m").
type TelegramConfig struct {
	Token       string `json:"token"`
	PollTimeout string `json:"poll_timeout,omitempty"`
	RatePerSec  int    `json:"rate_per_sec,omitempty"`
}

// HTTPConfig configures the webhook intake.
//
// Secret is compared against the X-Gitlab-Token header on every delivery;
// leave it empty to disable the gate (not recommended outside localhost).
type HTTPConfig struct {
	Addr   string `json:"addr,omitempty"` // default: "127.0.0.1:8080"
	Secret string `json:"secret,omitempty"`
}

type LoggingConfig struct {
	Level   string        `json:"level,omitempty"`
	Console bool          `json:"console"`
	File    FileLogConfig `json:"file,omitempty"`
}

type FileLogConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// StorageConfig controls the sqlite persistence layer.
//
// Example:
//
//	"storage": { "path": "./gitrelay.db" }
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

// DispatchConfig tunes the state machine's time bounds.
//
// Defaults (when fields are omitted):
//   - handle_ttl: "24h" (leak bound for units that never finalize)
//   - buffer_ttl: "60s" (pipeline pending-coalescing window)
type DispatchConfig struct {
	HandleTTL string `json:"handle_ttl,omitempty"`
	BufferTTL string `json:"buffer_ttl,omitempty"`
}

// AMQPConfig controls the optional audit fan-out. If the whole section is
// omitted, fan-out is disabled.
type AMQPConfig struct {
	Enabled  bool   `json:"enabled"`
	URL      string `json:"url,omitempty"`
	Exchange string `json:"exchange,omitempty"`
}

// RetentionConfig controls the periodic sweep.
type RetentionConfig struct {
	Schedule    string `json:"schedule,omitempty"`      // cron spec, default "@hourly"
	MaxEventAge string `json:"max_event_age,omitempty"` // Go duration string, default "720h"
}
