package redis

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/drachma/drachma-bridge/pkg/kv"
	"github.com/redis/go-redis/v9"
)

// Store is a Redis-backed implementation of the kv.Store interface
type Store struct {
	client *redis.Client
}

// IsConnectionError reports whether err means Redis itself could not be reached.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}

	// redis.Nil means "key not found"
	if errors.Is(err, redis.Nil) {
		return false
	}

	if errors.Is(err, context.Canceled) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var sysErr syscall.Errno
	if errors.As(err, &sysErr) {
		switch sysErr {
		case syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.ECONNABORTED, syscall.ETIMEDOUT:
			return true
		}
	}

	errStr := strings.ToLower(err.Error())
	for _, connErr := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"no such host",
		"network is unreachable",
		"i/o timeout",
		"connection closed",
		"eof",
	} {
		if strings.Contains(errStr, connErr) {
			return true
		}
	}

	return false
}

// wrapConnectionError wraps connection errors with ErrBackendUnavailable
func wrapConnectionError(err error) error {
	if err == nil {
		return nil
	}
	if IsConnectionError(err) {
		return fmt.Errorf("%w: %v", kv.ErrBackendUnavailable, err)
	}
	return err
}

// New creates a new Redis-backed store
func New(redisURL string) (*Store, error) {
	opt, err := parseOptions(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, wrapConnectionError(err)
	}

	return &Store{client: client}, nil
}

// NewFromClient wraps an existing client. The store takes ownership of it.
func NewFromClient(client *redis.Client) *Store {
	return &Store{client: client}
}

// Client exposes the underlying client for pub/sub consumers sharing the connection pool.
func (s *Store) Client() *redis.Client {
	return s.client
}

// parseOptions accepts both redis:// URLs and bare host:port[/db] addresses.
func parseOptions(redisURL string) (*redis.Options, error) {
	opt, err := redis.ParseURL(redisURL)
	if err == nil {
		return opt, nil
	}

	u, parseErr := url.Parse("redis://" + redisURL)
	if parseErr != nil {
		return nil, err
	}

	db := 0
	if u.Path != "" && u.Path != "/" {
		if dbNum, dbErr := strconv.Atoi(u.Path[1:]); dbErr == nil {
			db = dbNum
		}
	}

	opt = &redis.Options{
		Addr: u.Host,
		DB:   db,
	}
	if u.User != nil {
		if password, hasPassword := u.User.Password(); hasPassword {
			opt.Password = password
		}
	}
	return opt, nil
}

// String operations

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	return wrapConnectionError(s.client.Set(ctx, key, value, 0).Err())
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	result, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, kv.ErrNotFound
		}
		return nil, wrapConnectionError(err)
	}
	return result, nil
}

// Key operations

func (s *Store) Exists(ctx context.Context, keys ...string) (int64, error) {
	n, err := s.client.Exists(ctx, keys...).Result()
	return n, wrapConnectionError(err)
}

// List operations

func (s *Store) RPush(ctx context.Context, key string, values ...[]byte) (int64, error) {
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	n, err := s.client.RPush(ctx, key, args...).Result()
	return n, wrapConnectionError(err)
}

func (s *Store) LRange(ctx context.Context, key string, start, stop int64) ([][]byte, error) {
	result, err := s.client.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, wrapConnectionError(err)
	}

	if len(result) == 0 {
		// Distinguish an empty range from a missing key
		exists, err := s.client.Exists(ctx, key).Result()
		if err != nil {
			return nil, wrapConnectionError(err)
		}
		if exists == 0 {
			return nil, kv.ErrNotFound
		}
	}

	values := make([][]byte, len(result))
	for i, value := range result {
		values[i] = []byte(value)
	}

	return values, nil
}

// Multi operations

func (s *Store) MGet(ctx context.Context, keys ...string) ([][]byte, error) {
	if len(keys) == 0 {
		return [][]byte{}, nil
	}

	result, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, wrapConnectionError(err)
	}

	values := make([][]byte, len(result))
	for i, value := range result {
		if str, ok := value.(string); ok {
			values[i] = []byte(str)
		}
		// nil values remain nil (missing keys)
	}

	return values, nil
}

// Ping checks if Redis is reachable
func (s *Store) Ping(ctx context.Context) error {
	return wrapConnectionError(s.client.Ping(ctx).Err())
}

// Close closes the Redis connection
func (s *Store) Close() error {
	return s.client.Close()
}
