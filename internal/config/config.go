// Package config provides the configuration schema and loader for the
// Huddle conferencing server.
package config

import "time"

// LogLevel controls log verbosity for the Huddle server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for the Huddle server.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Media    MediaConfig    `yaml:"media"`
	Transfer TransferConfig `yaml:"transfer"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig holds control-plane network settings.
type ServerConfig struct {
	// Host is the address all listeners bind to (e.g. "0.0.0.0").
	Host string `yaml:"host"`

	// ControlPort is the TCP port for the line-delimited JSON control
	// channel.
	ControlPort int `yaml:"control_port"`

	// MetricsAddr is an optional HTTP listen address serving /metrics,
	// /healthz and /readyz. Empty disables the endpoint.
	MetricsAddr string `yaml:"metrics_addr"`
}

// MediaConfig holds the UDP media-plane settings.
type MediaConfig struct {
	// AudioPort is the UDP port receiving Opus audio datagrams.
	AudioPort int `yaml:"audio_port"`

	// VideoPort is the UDP port receiving chunked JPEG video and
	// screen-share datagrams.
	VideoPort int `yaml:"video_port"`
}

// TransferConfig holds file-transfer broker settings.
type TransferConfig struct {
	// UploadDir is the directory completed uploads are stored in. Created
	// on startup if missing.
	UploadDir string `yaml:"upload_dir"`

	// PortStart is the lowest TCP port used for ephemeral transfer
	// listeners.
	PortStart int `yaml:"port_start"`

	// MaxFileSize is the largest accepted file offer in bytes.
	MaxFileSize int64 `yaml:"max_file_size"`

	// Timeout is how long an ephemeral listener waits for its single
	// connection and transfer to complete.
	Timeout time.Duration `yaml:"timeout"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	// Level controls verbosity.
	Level LogLevel `yaml:"level"`

	// Dir is the directory for the append-only event logs (chat history,
	// file transfers, screen sharing). Created on startup if missing.
	Dir string `yaml:"dir"`
}

// Default configuration values.
const (
	DefaultHost        = "0.0.0.0"
	DefaultControlPort = 9000
	DefaultVideoPort   = 10000
	DefaultAudioPort   = 11000
	DefaultPortStart   = 10000
	DefaultUploadDir   = "uploads"
	DefaultLogDir      = "logs"

	// DefaultMaxFileSize caps file offers at 100 MiB.
	DefaultMaxFileSize int64 = 100 << 20

	// DefaultTransferTimeout is the ephemeral-listener deadline.
	DefaultTransferTimeout = 5 * time.Minute
)

// Default returns a Config populated with the documented defaults, so the
// server can run without a config file.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:        DefaultHost,
			ControlPort: DefaultControlPort,
		},
		Media: MediaConfig{
			AudioPort: DefaultAudioPort,
			VideoPort: DefaultVideoPort,
		},
		Transfer: TransferConfig{
			UploadDir:   DefaultUploadDir,
			PortStart:   DefaultPortStart,
			MaxFileSize: DefaultMaxFileSize,
			Timeout:     DefaultTransferTimeout,
		},
		Log: LogConfig{
			Level: LogInfo,
			Dir:   DefaultLogDir,
		},
	}
}
