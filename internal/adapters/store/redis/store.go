package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	goredis "github.com/redis/go-redis/v9"

	"github.com/bnema/placepool/internal/domain"
	"github.com/bnema/placepool/internal/ports"
)

const (
	valueField    = "value"
	metadataField = "metadata"
	scanBatch     = 100
)

var _ ports.KeyValueStore = (*Store)(nil)

type Options struct {
	Addr     string
	Password string
	DB       int
}

// Store keeps each entry in a hash holding the value and its JSON metadata.
// Expiry is delegated to Redis key TTLs.
type Store struct {
	client *goredis.Client
}

func NewStore(client *goredis.Client) *Store {
	return &Store{client: client}
}

// Open connects and pings the server.
func Open(ctx context.Context, opts Options) (*Store, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}

	return NewStore(client), nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := s.client.HGet(ctx, key, valueField).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, domain.ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis hget %s: %w", key, err)
	}

	return []byte(value), nil
}

func (s *Store) Put(ctx context.Context, key string, value []byte, opts ports.PutOptions) error {
	metadata, err := encodeMetadata(opts.Metadata)
	if err != nil {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSet(ctx, key, valueField, string(value), metadataField, metadata)
		if opts.TTL > 0 {
			pipe.Expire(ctx, key, opts.TTL)
		} else {
			pipe.Persist(ctx, key)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis put %s: %w", key, err)
	}

	return nil
}

func (s *Store) List(ctx context.Context, prefix string) ([]ports.Entry, error) {
	pattern := escapeGlob(prefix) + "*"

	var keys []string
	var cursor uint64
	for {
		batch, next, err := s.client.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			return nil, fmt.Errorf("redis scan %s: %w", pattern, err)
		}
		keys = append(keys, batch...)
		if next == 0 {
			break
		}
		cursor = next
	}
	sort.Strings(keys)

	entries := make([]ports.Entry, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}

		raw, err := s.client.HGet(ctx, key, metadataField).Result()
		if errors.Is(err, goredis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("redis hget %s: %w", key, err)
		}

		metadata, err := decodeMetadata(raw)
		if err != nil {
			return nil, fmt.Errorf("decode metadata of %s: %w", key, err)
		}
		entries = append(entries, ports.Entry{Key: key, Metadata: metadata})
	}

	return entries, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

func encodeMetadata(metadata map[string]string) (string, error) {
	if len(metadata) == 0 {
		return "{}", nil
	}

	raw, err := json.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	return string(raw), nil
}

func decodeMetadata(raw string) (map[string]string, error) {
	if raw == "" || raw == "{}" {
		return nil, nil
	}

	var metadata map[string]string
	if err := json.Unmarshal([]byte(raw), &metadata); err != nil {
		return nil, err
	}
	return metadata, nil
}

func escapeGlob(value string) string {
	var b strings.Builder
	for _, r := range value {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteRune('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
