package client

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

const ClientVersion = "2.0.0"

type Settings struct {
	BaseURL       string `yaml:"base_url"`
	Session       string `yaml:"session"`
	ClientVersion string `yaml:"client_version"`

	Workers        int           `yaml:"workers"`
	RetryMax       int           `yaml:"retry_max"`
	RetryWaitMin   time.Duration `yaml:"retry_wait_min"`
	RetryWaitMax   time.Duration `yaml:"retry_wait_max"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	EventQueueSize int           `yaml:"event_queue_size"`

	// MonitorInterval of zero disables the monitor.
	MonitorInterval time.Duration `yaml:"monitor_interval"`
	LeakAge         time.Duration `yaml:"leak_age"`
	PendingWarn     int           `yaml:"pending_warn"`

	LogFile   string `yaml:"log_file"`
	Debug     bool   `yaml:"debug"`
	SentryDSN string `yaml:"sentry_dsn"`
	TapAddr   string `yaml:"tap_addr"`
}

func NewSettings() *Settings {
	logDir := os.TempDir()
	if cacheDir, err := os.UserCacheDir(); err == nil {
		logDir = filepath.Join(cacheDir, "serverbridge")
	}

	return &Settings{
		BaseURL:         "http://127.0.0.1:8888",
		Session:         uuid.New().String(),
		ClientVersion:   ClientVersion,
		Workers:         8,
		RetryMax:        0,
		RetryWaitMin:    1 * time.Second,
		RetryWaitMax:    30 * time.Second,
		RequestTimeout:  60 * time.Second,
		EventQueueSize:  256,
		MonitorInterval: 30 * time.Second,
		LeakAge:         5 * time.Minute,
		PendingWarn:     1000,
		LogFile:         filepath.Join(logDir, "bridge-debug.log"),
	}
}

// LoadSettings starts from the defaults, applies the YAML file at path (a
// missing file is not an error) and then the environment.
func LoadSettings(path string) (*Settings, error) {
	settings := NewSettings()

	if path != "" {
		content, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("client: read settings: %w", err)
		default:
			if err := yaml.Unmarshal(content, settings); err != nil {
				return nil, fmt.Errorf("client: parse settings %s: %w", path, err)
			}
		}
	}

	if err := settings.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return settings, settings.Validate()
}

func (s *Settings) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("BRIDGE_BASE_URL"); ok {
		s.BaseURL = v
	}
	if v, ok := lookup("BRIDGE_SESSION"); ok {
		s.Session = v
	}
	if v, ok := lookup("BRIDGE_SENTRY_DSN"); ok {
		s.SentryDSN = v
	}
	if v, ok := lookup("BRIDGE_TAP_ADDR"); ok {
		s.TapAddr = v
	}
	if v, ok := lookup("BRIDGE_DEBUG"); ok && v != "" {
		debug, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("client: BRIDGE_DEBUG: %w", err)
		}
		s.Debug = debug
	}
	return nil
}

func (s *Settings) Validate() error {
	if s.BaseURL == "" {
		return errors.New("client: base_url is required")
	}
	if s.Workers < 1 {
		return fmt.Errorf("client: workers must be positive, got %d", s.Workers)
	}
	if s.RetryMax < 0 {
		return fmt.Errorf("client: retry_max must not be negative, got %d", s.RetryMax)
	}
	if s.EventQueueSize < 0 {
		return fmt.Errorf("client: event_queue_size must not be negative, got %d", s.EventQueueSize)
	}
	return nil
}
