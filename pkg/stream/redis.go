package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/turnstream/pkg/events"
)

// RedisOptions tunes the Redis Streams transport.
type RedisOptions struct {
	// MaxLen caps each session stream (approximate trimming).
	MaxLen int64
	// TTL is refreshed on every publish.
	TTL time.Duration
	// Block is how long a single XREAD waits. Close returns after at most one Block.
	Block time.Duration
	// Count is the maximum number of entries per XREAD.
	Count int64
}

func DefaultRedisOptions() RedisOptions {
	return RedisOptions{
		MaxLen: 1000,
		TTL:    24 * time.Hour,
		Block:  5 * time.Second,
		Count:  100,
	}
}

// RedisFeed publishes and reads session events on Redis Streams, one stream per session.
// Entries carry a "type" and a JSON "data" field; the entry ID is the resume cursor.
type RedisFeed struct {
	client  redis.UniversalClient
	options RedisOptions
	logger  zerolog.Logger
}

func NewRedisFeed(client redis.UniversalClient, options RedisOptions) *RedisFeed {
	defaults := DefaultRedisOptions()
	if options.MaxLen <= 0 {
		options.MaxLen = defaults.MaxLen
	}
	if options.TTL <= 0 {
		options.TTL = defaults.TTL
	}
	if options.Block <= 0 {
		options.Block = defaults.Block
	}
	if options.Count <= 0 {
		options.Count = defaults.Count
	}
	return &RedisFeed{
		client:  client,
		options: options,
		logger:  log.With().Str("component", "redis-feed").Logger(),
	}
}

// NewRedisClient parses a redis:// URL into a client.
func NewRedisClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid redis url %q", url)
	}
	return redis.NewClient(opts), nil
}

// Publish appends e to the session stream, trims it and refreshes its expiry.
func (f *RedisFeed) Publish(ctx context.Context, sessionID string, e events.Event) (string, error) {
	m, err := MessageFromEvent(sessionID, e)
	if err != nil {
		return "", err
	}
	return f.PublishMessage(ctx, sessionID, m)
}

// PublishMessage appends a raw message. Its ID is assigned by Redis.
func (f *RedisFeed) PublishMessage(ctx context.Context, sessionID string, m Message) (string, error) {
	key := StreamKey(sessionID)
	values := map[string]interface{}{
		"type": m.Kind,
		"data": string(m.Data),
	}
	if m.TurnID != "" {
		values["turn_id"] = m.TurnID
	}

	id, err := f.client.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: f.options.MaxLen,
		Approx: true,
		Values: values,
	}).Result()
	if err != nil {
		return "", errors.Wrapf(err, "failed to append to %s", key)
	}
	if err := f.client.Expire(ctx, key, f.options.TTL).Err(); err != nil {
		return "", errors.Wrapf(err, "failed to set expiry of %s", key)
	}

	f.logger.Trace().Str("stream", key).Str("entry_id", id).Str("event_type", m.Kind).Msg("published event")
	return id, nil
}

// Delete removes the stream of a session.
func (f *RedisFeed) Delete(ctx context.Context, sessionID string) error {
	return errors.Wrap(f.client.Del(ctx, StreamKey(sessionID)).Err(), "failed to delete stream")
}

func (f *RedisFeed) latestID(ctx context.Context, key string) (string, error) {
	entries, err := f.client.XRevRangeN(ctx, key, "+", "-", 1).Result()
	if err != nil {
		return "", errors.Wrapf(err, "failed to read last entry of %s", key)
	}
	if len(entries) == 0 {
		return CursorStart, nil
	}
	return entries[0].ID, nil
}

// Subscribe runs an XREAD loop from cursor. Read timeouts just loop; any other Redis
// error ends the subscription.
func (f *RedisFeed) Subscribe(ctx context.Context, sessionID string, cursor string, handler Handler) (*Subscription, error) {
	key := StreamKey(sessionID)
	switch cursor {
	case "":
		cursor = CursorStart
	case CursorLatest:
		// resolve now so that entries published between two reads are not skipped
		id, err := f.latestID(ctx, key)
		if err != nil {
			return nil, err
		}
		cursor = id
	}

	run := func(ctx context.Context, deliver func(Message) error) error {
		lastID := cursor
		for {
			if err := ctx.Err(); err != nil {
				return err
			}
			streams, err := f.client.XRead(ctx, &redis.XReadArgs{
				Streams: []string{key, lastID},
				Count:   f.options.Count,
				Block:   f.options.Block,
			}).Result()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					continue
				}
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return errors.Wrapf(err, "failed to read %s", key)
			}
			for _, s := range streams {
				for _, entry := range s.Messages {
					lastID = entry.ID
					if err := deliver(entryToMessage(sessionID, entry)); err != nil {
						return err
					}
				}
			}
		}
	}

	f.logger.Debug().Str("stream", key).Str("cursor", cursor).Msg("subscribing")
	return startSubscription(ctx, cursor, handler, run), nil
}

func entryToMessage(sessionID string, entry redis.XMessage) Message {
	m := Message{
		ID:        entry.ID,
		SessionID: sessionID,
	}
	if v, ok := entry.Values["type"]; ok {
		m.Kind = fmt.Sprint(v)
	}
	if v, ok := entry.Values["data"]; ok {
		m.Data = json.RawMessage(fmt.Sprint(v))
	}
	if v, ok := entry.Values["turn_id"]; ok {
		m.TurnID = fmt.Sprint(v)
	}
	return m
}

var _ Feed = (*RedisFeed)(nil)
var _ Publisher = (*RedisFeed)(nil)
