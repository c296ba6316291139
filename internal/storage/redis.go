package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/agentworkforce/relayindex/internal/indexer"
)

const (
	defaultRedisPrefix    = "relayindex"
	redisOperationTimeout = 5 * time.Second
)

// redisCore keys everything under one prefix: a hash of cursors per consumer,
// a dead-letter stream, and a hash from entry id to stream id for purges.
type redisCore struct {
	client *redis.Client
	prefix string
}

// OpenRedis accepts redis:// and rediss:// URLs. A "prefix" query parameter
// namespaces the keys.
func OpenRedis(dsn string) (*Backend, error) {
	parsed, err := url.Parse(strings.TrimSpace(dsn))
	if err != nil {
		return nil, err
	}
	prefix := strings.TrimSpace(parsed.Query().Get("prefix"))
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	query := parsed.Query()
	query.Del("prefix")
	parsed.RawQuery = query.Encode()

	opts, err := redis.ParseURL(parsed.String())
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return newRedisBackend(redis.NewClient(opts), prefix), nil
}

func newRedisBackend(client *redis.Client, prefix string) *Backend {
	core := &redisCore{client: client, prefix: prefix}
	return &Backend{
		Scheme:      "redis",
		Cursors:     &RedisCursorStore{core: core},
		DeadLetters: &RedisDeadLetterQueue{core: core},
		closers:     []func() error{client.Close},
	}
}

func (c *redisCore) cursorKey(consumer string) string {
	return c.prefix + ":cursors:" + consumer
}

func (c *redisCore) cursorPattern() string {
	return c.prefix + ":cursors:*"
}

func (c *redisCore) streamKey() string {
	return c.prefix + ":dead-letters"
}

func (c *redisCore) indexKey() string {
	return c.prefix + ":dead-letters:index"
}

func (c *redisCore) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, redisOperationTimeout)
}

type RedisCursorStore struct {
	core *redisCore
}

func (s *RedisCursorStore) Load(ctx context.Context, consumer, relay string) (indexer.Cursor, bool, error) {
	ctx, cancel := s.core.opContext(ctx)
	defer cancel()
	raw, err := s.core.client.HGet(ctx, s.core.cursorKey(consumer), relay).Result()
	if errors.Is(err, redis.Nil) {
		return indexer.Cursor{}, false, nil
	}
	if err != nil {
		return indexer.Cursor{}, false, err
	}
	var cursor indexer.Cursor
	if err := json.Unmarshal([]byte(raw), &cursor); err != nil {
		return indexer.Cursor{}, false, err
	}
	return cursor, true, nil
}

func (s *RedisCursorStore) Save(ctx context.Context, cursors []indexer.Cursor) error {
	if len(cursors) == 0 {
		return nil
	}
	ctx, cancel := s.core.opContext(ctx)
	defer cancel()
	_, err := s.core.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, cursor := range cursors {
			value, err := json.Marshal(cursor)
			if err != nil {
				return err
			}
			pipe.HSet(ctx, s.core.cursorKey(cursor.Consumer), cursor.Relay, string(value))
		}
		return nil
	})
	return err
}

func (s *RedisCursorStore) List(ctx context.Context, consumer string) ([]indexer.Cursor, error) {
	ctx, cancel := s.core.opContext(ctx)
	defer cancel()

	keys := []string{s.core.cursorKey(consumer)}
	if consumer == "" {
		var err error
		keys, err = s.core.client.Keys(ctx, s.core.cursorPattern()).Result()
		if err != nil {
			return nil, err
		}
	}
	var out []indexer.Cursor
	for _, key := range keys {
		rows, err := s.core.client.HGetAll(ctx, key).Result()
		if err != nil {
			return nil, err
		}
		for _, raw := range rows {
			var cursor indexer.Cursor
			if err := json.Unmarshal([]byte(raw), &cursor); err != nil {
				return nil, err
			}
			out = append(out, cursor)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Consumer != out[j].Consumer {
			return out[i].Consumer < out[j].Consumer
		}
		return out[i].Relay < out[j].Relay
	})
	return out, nil
}

func (s *RedisCursorStore) Close() error { return nil }

type RedisDeadLetterQueue struct {
	core *redisCore
}

func (q *RedisDeadLetterQueue) Add(ctx context.Context, entry indexer.DeadLetterEntry) error {
	if strings.TrimSpace(entry.ID) == "" {
		entry.ID = uuid.NewString()
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	ctx, cancel := q.core.opContext(ctx)
	defer cancel()

	streamID, err := q.core.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.core.streamKey(),
		Values: map[string]any{
			"id":         entry.ID,
			"class":      string(entry.Class),
			"attempts":   entry.Attempts,
			"last_error": entry.LastError,
			"entry":      string(payload),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("xadd dead letter (stream=%s): %w", q.core.streamKey(), err)
	}
	return q.core.client.HSet(ctx, q.core.indexKey(), entry.ID, streamID).Err()
}

func (q *RedisDeadLetterQueue) List(ctx context.Context, limit int) ([]indexer.DeadLetterEntry, error) {
	ctx, cancel := q.core.opContext(ctx)
	defer cancel()

	var (
		messages []redis.XMessage
		err      error
	)
	if limit > 0 {
		messages, err = q.core.client.XRevRangeN(ctx, q.core.streamKey(), "+", "-", int64(limit)).Result()
	} else {
		messages, err = q.core.client.XRevRange(ctx, q.core.streamKey(), "+", "-").Result()
	}
	if err != nil {
		return nil, err
	}
	out := make([]indexer.DeadLetterEntry, 0, len(messages))
	for _, message := range messages {
		entry, err := parseDeadLetterMessage(message)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, nil
}

func (q *RedisDeadLetterQueue) Count(ctx context.Context) (int, error) {
	ctx, cancel := q.core.opContext(ctx)
	defer cancel()
	n, err := q.core.client.XLen(ctx, q.core.streamKey()).Result()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (q *RedisDeadLetterQueue) Purge(ctx context.Context, id string) error {
	ctx, cancel := q.core.opContext(ctx)
	defer cancel()
	streamID, err := q.core.client.HGet(ctx, q.core.indexKey(), id).Result()
	if errors.Is(err, redis.Nil) {
		return indexer.ErrNotFound
	}
	if err != nil {
		return err
	}
	_, err = q.core.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XDel(ctx, q.core.streamKey(), streamID)
		pipe.HDel(ctx, q.core.indexKey(), id)
		return nil
	})
	return err
}

func (q *RedisDeadLetterQueue) Close() error { return nil }

func parseDeadLetterMessage(message redis.XMessage) (indexer.DeadLetterEntry, error) {
	raw, ok := message.Values["entry"].(string)
	if !ok {
		return indexer.DeadLetterEntry{}, fmt.Errorf("dead letter %s: missing entry field", message.ID)
	}
	var entry indexer.DeadLetterEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return indexer.DeadLetterEntry{}, fmt.Errorf("dead letter %s: %w", message.ID, err)
	}
	return entry, nil
}
