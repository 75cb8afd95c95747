package settings

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/huandu/go-clone"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/turnstream/pkg/stream"
)

const (
	FeedRedis     = "redis"
	FeedWatermill = "watermill"
)

// Settings holds the runtime configuration of the transport, the store and the API client.
type Settings struct {
	RedisURL      string        `yaml:"redis_url" mapstructure:"redis_url"`
	StreamMaxLen  int64         `yaml:"stream_max_len" mapstructure:"stream_max_len"`
	StreamTTL     time.Duration `yaml:"stream_ttl" mapstructure:"stream_ttl"`
	BlockTimeout  time.Duration `yaml:"block_timeout" mapstructure:"block_timeout"`
	ReadCount     int64         `yaml:"read_count" mapstructure:"read_count"`
	DBPath        string        `yaml:"db_path" mapstructure:"db_path"`
	APIURL        string        `yaml:"api_url" mapstructure:"api_url"`
	SettleTimeout time.Duration `yaml:"settle_timeout" mapstructure:"settle_timeout"`
	// Feed selects the event transport, FeedRedis or FeedWatermill.
	Feed    string `yaml:"feed" mapstructure:"feed"`
	Retries int    `yaml:"retries" mapstructure:"retries"`
}

func NewSettings() *Settings {
	return &Settings{
		RedisURL:      "redis://localhost:6379",
		StreamMaxLen:  1000,
		StreamTTL:     24 * time.Hour,
		BlockTimeout:  5 * time.Second,
		ReadCount:     100,
		DBPath:        "~/.turnstream/turnstream.db",
		APIURL:        "http://localhost:8000",
		SettleTimeout: 30 * time.Second,
		Feed:          FeedRedis,
		Retries:       0,
	}
}

func (s *Settings) Clone() *Settings {
	return clone.Clone(s).(*Settings)
}

// LoadFile reads a YAML settings file over the defaults.
func LoadFile(path string) (*Settings, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read settings %s", path)
	}
	ret := NewSettings()
	if err := yaml.Unmarshal(b, ret); err != nil {
		return nil, errors.Wrapf(err, "failed to parse settings %s", path)
	}
	if err := ret.Validate(); err != nil {
		return nil, err
	}
	return ret, nil
}

func (s *Settings) Validate() error {
	switch s.Feed {
	case FeedRedis, FeedWatermill:
	default:
		return errors.Errorf("unknown feed %q", s.Feed)
	}
	if s.StreamMaxLen <= 0 {
		return errors.Errorf("stream_max_len must be positive, got %d", s.StreamMaxLen)
	}
	if s.ReadCount <= 0 {
		return errors.Errorf("read_count must be positive, got %d", s.ReadCount)
	}
	if s.BlockTimeout <= 0 || s.SettleTimeout <= 0 {
		return errors.New("block_timeout and settle_timeout must be positive")
	}
	if s.Retries < 0 {
		return errors.Errorf("retries must not be negative, got %d", s.Retries)
	}
	if err := validateURL("api_url", s.APIURL, "http", "https"); err != nil {
		return err
	}
	if s.Feed == FeedRedis {
		if err := validateURL("redis_url", s.RedisURL, "redis", "rediss", "unix"); err != nil {
			return err
		}
	}
	return nil
}

// ResolvedDBPath expands a leading ~ in DBPath.
func (s *Settings) ResolvedDBPath() (string, error) {
	if s.DBPath == "~" || strings.HasPrefix(s.DBPath, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", errors.Wrap(err, "could not resolve home directory")
		}
		return filepath.Join(home, strings.TrimPrefix(s.DBPath, "~")), nil
	}
	return s.DBPath, nil
}

func (s *Settings) RedisOptions() stream.RedisOptions {
	return stream.RedisOptions{
		MaxLen: s.StreamMaxLen,
		TTL:    s.StreamTTL,
		Block:  s.BlockTimeout,
		Count:  s.ReadCount,
	}
}
