// Package redis is a tokenstore.Backend on Redis, for hosts that keep
// session state outside the process (e.g. a desktop shell and its helper).
package redis

import (
	"context"
	"errors"

	rdb "github.com/redis/go-redis/v9"
)

type Config struct {
	Addr     string
	Password string
	DB       int

	// Prefix is prepended to every key.
	Prefix string
}

type Store struct {
	c      rdb.UniversalClient
	prefix string
}

func New(cfg Config) *Store {
	return NewWithClient(rdb.NewClient(&rdb.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}), cfg.Prefix)
}

// NewWithClient wraps an existing client. Close will close it.
func NewWithClient(c rdb.UniversalClient, prefix string) *Store {
	return &Store{c: c, prefix: prefix}
}

func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.c.Get(ctx, s.prefix+key).Result()
	if errors.Is(err, rdb.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// Set stores without a TTL; token expiry is tracked by the TokenStore.
func (s *Store) Set(ctx context.Context, key, value string) error {
	return s.c.Set(ctx, s.prefix+key, value, 0).Err()
}

func (s *Store) Remove(ctx context.Context, key string) error {
	return s.c.Del(ctx, s.prefix+key).Err()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.c.Ping(ctx).Err()
}

func (s *Store) Close() error { return s.c.Close() }
