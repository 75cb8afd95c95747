package cmds

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/turnstream/pkg/api"
	"github.com/go-go-golems/turnstream/pkg/settings"
	"github.com/go-go-golems/turnstream/pkg/store"
	"github.com/go-go-golems/turnstream/pkg/stream"
)

// settingsFlags maps command line flags to settings keys.
var settingsFlags = map[string]string{
	"redis-url":      "redis_url",
	"stream-max-len": "stream_max_len",
	"stream-ttl":     "stream_ttl",
	"block-timeout":  "block_timeout",
	"read-count":     "read_count",
	"db-path":        "db_path",
	"api-url":        "api_url",
	"settle-timeout": "settle_timeout",
	"feed":           "feed",
	"retries":        "retries",
}

func AddSettingsFlags(cmd *cobra.Command) {
	d := settings.NewSettings()
	fs := cmd.PersistentFlags()
	fs.String("redis-url", d.RedisURL, "Redis URL of the event feed")
	fs.Int64("stream-max-len", d.StreamMaxLen, "Approximate maximum length of a session stream")
	fs.Duration("stream-ttl", d.StreamTTL, "Expiry of a session stream, refreshed on publish")
	fs.Duration("block-timeout", d.BlockTimeout, "How long a single stream read blocks")
	fs.Int64("read-count", d.ReadCount, "Maximum number of entries per stream read")
	fs.String("db-path", d.DBPath, "Path of the local sessions database")
	fs.String("api-url", d.APIURL, "Base URL of the sessions API")
	fs.Duration("settle-timeout", d.SettleTimeout, "How long to wait for the end of a turn after it was submitted")
	fs.String("feed", d.Feed, "Event feed (redis, watermill)")
	fs.Int("retries", d.Retries, "How often a dropped subscription is resumed")
}

// BindSettingsFlags binds the settings flags to the keys used in config files and
// TURNSTREAM_ environment variables.
func BindSettingsFlags(cmd *cobra.Command) error {
	for flag, key := range settingsFlags {
		if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
			return errors.Wrapf(err, "could not bind flag %s", flag)
		}
	}
	return nil
}

func LoadSettings() (*settings.Settings, error) {
	s := settings.NewSettings()
	if err := viper.Unmarshal(s); err != nil {
		return nil, errors.Wrap(err, "could not load settings")
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// redisFeed connects to the configured Redis server.
func redisFeed(ctx context.Context, s *settings.Settings) (*stream.RedisFeed, func(), error) {
	client, err := stream.NewRedisClient(s.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, errors.Wrapf(err, "could not reach redis at %s", s.RedisURL)
	}
	return stream.NewRedisFeed(client, s.RedisOptions()), func() { _ = client.Close() }, nil
}

func openStore(s *settings.Settings) (*store.Store, error) {
	path, err := s.ResolvedDBPath()
	if err != nil {
		return nil, err
	}
	return store.OpenPath(path)
}

func apiClient(s *settings.Settings) *api.Client {
	return api.NewClient(s.APIURL)
}

func addOutputFlag(cmd *cobra.Command) {
	cmd.Flags().StringP("output", "o", "text", "Output format (text, yaml, json)")
}

// writeStructured writes v as yaml or json. It returns false for the text format.
func writeStructured(w io.Writer, format string, v any) (bool, error) {
	switch format {
	case "text", "":
		return false, nil
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer func() { _ = enc.Close() }()
		return true, enc.Encode(v)
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return true, enc.Encode(v)
	default:
		return false, fmt.Errorf("unknown output format %q", format)
	}
}
