package config

import (
	"path/filepath"
	"time"
)

// Config is the complete starbridge configuration.
type Config struct {
	Service ServiceConfig `yaml:"service"`
	API     APIConfig     `yaml:"api"`
	Auth    AuthConfig    `yaml:"auth"`
	Bridge  BridgeConfig  `yaml:"bridge"`
	Jobs    JobsConfig    `yaml:"jobs"`
	Stream  StreamConfig  `yaml:"stream"`
	Vocab   VocabConfig   `yaml:"vocab,omitempty"`
	History HistoryConfig `yaml:"history,omitempty"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name     string `yaml:"name"`
	LogLevel string `yaml:"log_level"`
	DataDir  string `yaml:"data_dir"`
}

// APIConfig defines HTTP server settings.
type APIConfig struct {
	Listen        string `yaml:"listen"`
	SecureCookies bool   `yaml:"secure_cookies"`
}

// AuthConfig defines the two trust boundaries.
type AuthConfig struct {
	// AppPasswordHash is the bcrypt hash the submitting client logs in
	// against. Empty disables session auth entirely (dev mode).
	AppPasswordHash string `yaml:"app_password_hash"`
	// BridgeSecret authenticates the remote worker.
	BridgeSecret string        `yaml:"bridge_secret"`
	SessionTTL   time.Duration `yaml:"session_ttl"`
}

// BridgeConfig defines liveness settings.
type BridgeConfig struct {
	OnlineTTL time.Duration `yaml:"online_ttl"`
}

// JobsConfig defines ledger settings.
type JobsConfig struct {
	StaleTTL       time.Duration `yaml:"stale_ttl"`
	MaxUploadBytes int64         `yaml:"max_upload_bytes"`
}

// StreamConfig defines tail-follow settings.
type StreamConfig struct {
	MaxFollow time.Duration `yaml:"max_follow"`
}

// VocabConfig overrides the closed actor/tag vocabularies.
type VocabConfig struct {
	Actors       []string `yaml:"actors,omitempty"`
	Tags         []string `yaml:"tags,omitempty"`
	DefaultActor string   `yaml:"default_actor,omitempty"`
	ReplyActor   string   `yaml:"reply_actor,omitempty"`
}

// HistoryConfig defines the turn archive location.
type HistoryConfig struct {
	// Path defaults to <data_dir>/history.db.
	Path string `yaml:"path,omitempty"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:     "starbridge",
			LogLevel: "INFO",
			DataDir:  "./data",
		},
		API: APIConfig{
			Listen: ":8780",
		},
		Auth: AuthConfig{
			SessionTTL: 12 * time.Hour,
		},
		Bridge: BridgeConfig{
			OnlineTTL: 8 * time.Second,
		},
		Jobs: JobsConfig{
			StaleTTL:       300 * time.Second,
			MaxUploadBytes: 16 << 20,
		},
		Stream: StreamConfig{
			MaxFollow: 110 * time.Second,
		},
	}
}

// JobsDir is the job ledger directory.
func (c *Config) JobsDir() string { return filepath.Join(c.Service.DataDir, "jobs") }

// UploadsDir holds temporary attachments.
func (c *Config) UploadsDir() string { return filepath.Join(c.Service.DataDir, "uploads_tmp") }

// StateDir holds the bridge record, lock files, stream files and trigger.
func (c *Config) StateDir() string { return filepath.Join(c.Service.DataDir, "state") }

// TriggerPath is touched on submit to wake a cron-driven worker.
func (c *Config) TriggerPath() string { return filepath.Join(c.StateDir(), "trigger") }

// HistoryPath is the turn archive database.
func (c *Config) HistoryPath() string {
	if c.History.Path != "" {
		return c.History.Path
	}
	return filepath.Join(c.Service.DataDir, "history.db")
}
