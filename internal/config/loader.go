package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path, merges it over [Default],
// and returns a validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r over the defaults and validates
// the result. Useful in tests where configs are constructed from string
// literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.Host == "" {
		errs = append(errs, errors.New("server.host must not be empty"))
	}
	if err := validPort("server.control_port", cfg.Server.ControlPort); err != nil {
		errs = append(errs, err)
	}
	if err := validPort("media.audio_port", cfg.Media.AudioPort); err != nil {
		errs = append(errs, err)
	}
	if err := validPort("media.video_port", cfg.Media.VideoPort); err != nil {
		errs = append(errs, err)
	}
	if cfg.Media.AudioPort == cfg.Media.VideoPort {
		errs = append(errs, errors.New("media.audio_port and media.video_port must differ"))
	}

	if cfg.Transfer.UploadDir == "" {
		errs = append(errs, errors.New("transfer.upload_dir must not be empty"))
	}
	if cfg.Transfer.PortStart < 1024 || cfg.Transfer.PortStart > 65535 {
		errs = append(errs, fmt.Errorf("transfer.port_start %d out of range [1024, 65535]", cfg.Transfer.PortStart))
	}
	if cfg.Transfer.MaxFileSize <= 0 {
		errs = append(errs, errors.New("transfer.max_file_size must be positive"))
	}
	if cfg.Transfer.Timeout <= 0 {
		errs = append(errs, errors.New("transfer.timeout must be positive"))
	}

	if cfg.Log.Level != "" && !cfg.Log.Level.IsValid() {
		errs = append(errs, fmt.Errorf("log.level %q is invalid; valid values: debug, info, warn, error", cfg.Log.Level))
	}
	if cfg.Log.Dir == "" {
		errs = append(errs, errors.New("log.dir must not be empty"))
	}

	return errors.Join(errs...)
}

func validPort(field string, port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("%s %d out of range [1, 65535]", field, port)
	}
	return nil
}
