package kv

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/valkey-io/valkey-go"
)

// incrByWithExpiryScript atomically adds ARGV[1] (delta) to KEYS[1] and
// attaches the TTL in ARGV[2] (milliseconds) only the first time the key
// is created, i.e. when the post-increment counter equals the delta
// itself. Subsequent increments within the same window leave the existing
// TTL untouched. ARGV[2] <= 0 means no expiry at all (used by the
// uncapped usage/model_usage counters), so the script skips PEXPIRE
// rather than calling it with a non-positive value, which would expire
// the key immediately.
const incrByWithExpiryScript = `
local delta = tonumber(ARGV[1])
local current = redis.call('INCRBY', KEYS[1], delta)
if current == delta and tonumber(ARGV[2]) > 0 then
    redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return current
`

// Valkey is a Store backed by a real Redis/Valkey wire client. It is the
// production KV backend; Memory stands in for it in tests and single-node
// deployments.
type Valkey struct {
	client    valkey.Client
	incrByTTL *valkey.Lua
}

// ValkeyConfig configures the production KV backend.
type ValkeyConfig struct {
	Addr        string
	Password    string
	DB          int
	DialTimeout time.Duration
}

// DefaultValkeyConfig returns sensible defaults, overridden by REDIS_URL.
func DefaultValkeyConfig() ValkeyConfig {
	return ValkeyConfig{
		Addr:        "localhost:6379",
		DialTimeout: 5 * time.Second,
	}
}

// NewValkey dials the configured Valkey/Redis instance and verifies
// connectivity before returning.
func NewValkey(cfg ValkeyConfig) (*Valkey, error) {
	if cfg.Addr == "" {
		cfg = DefaultValkeyConfig()
	}

	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress: []string{cfg.Addr},
		Password:    cfg.Password,
		SelectDB:    cfg.DB,
		Dialer: net.Dialer{
			Timeout:   cfg.DialTimeout,
			KeepAlive: 30 * time.Second,
		},
		DisableCache: true,
	})
	if err != nil {
		return nil, fmt.Errorf("kv: create valkey client: %w", err)
	}

	v := &Valkey{
		client:    client,
		incrByTTL: valkey.NewLuaScript(incrByWithExpiryScript),
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	if err := v.Ping(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("kv: valkey health check: %w", err)
	}
	return v, nil
}

// Close releases the underlying connection pool.
func (v *Valkey) Close() { v.client.Close() }

// ParseValkeyURL turns a REDIS_URL of the form
// "redis://[:password@]host:port[/db]" into a ValkeyConfig. A bare
// "host:port" with no scheme is accepted too, for callers that already
// stripped the scheme.
func ParseValkeyURL(raw string) (ValkeyConfig, error) {
	cfg := DefaultValkeyConfig()
	if raw == "" {
		return cfg, nil
	}

	if !strings.Contains(raw, "://") {
		cfg.Addr = raw
		return cfg, nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return ValkeyConfig{}, fmt.Errorf("kv: parse redis url: %w", err)
	}
	cfg.Addr = u.Host
	if pw, ok := u.User.Password(); ok {
		cfg.Password = pw
	}
	if db := strings.TrimPrefix(u.Path, "/"); db != "" {
		n, err := strconv.Atoi(db)
		if err != nil {
			return ValkeyConfig{}, fmt.Errorf("kv: parse redis db %q: %w", db, err)
		}
		cfg.DB = n
	}
	return cfg, nil
}

// IncrWithExpiry implements Store.
func (v *Valkey) IncrWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	return v.IncrByWithExpiry(ctx, key, 1, ttl)
}

// IncrByWithExpiry implements Store.
func (v *Valkey) IncrByWithExpiry(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	result := v.incrByTTL.Exec(ctx, v.client, []string{key}, []string{
		fmt.Sprintf("%d", delta),
		fmt.Sprintf("%d", ttl.Milliseconds()),
	})
	if err := result.Error(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	n, err := result.AsInt64()
	if err != nil {
		return 0, fmt.Errorf("kv: unexpected incr result: %w", err)
	}
	return n, nil
}

// Get implements Store.
func (v *Valkey) Get(ctx context.Context, key string) (string, bool, error) {
	resp := v.client.Do(ctx, v.client.B().Get().Key(key).Build())
	if err := resp.Error(); err != nil {
		if valkey.IsValkeyNil(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	s, err := resp.ToString()
	if err != nil {
		return "", false, fmt.Errorf("kv: decode get result: %w", err)
	}
	return s, true, nil
}

// SetWithTTL implements Store.
func (v *Valkey) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	cmd := v.client.B().Set().Key(key).Value(value)
	var built valkey.Completed
	if ttl > 0 {
		built = cmd.Px(ttl).Build()
	} else {
		built = cmd.Build()
	}
	resp := v.client.Do(ctx, built)
	if err := resp.Error(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Delete implements Store: every key matching pattern is scanned then
// removed.
func (v *Valkey) Delete(ctx context.Context, pattern string) (int, error) {
	keys, err := v.Scan(ctx, pattern)
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}
	resp := v.client.Do(ctx, v.client.B().Del().Key(keys...).Build())
	if err := resp.Error(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	n, err := resp.AsInt64()
	if err != nil {
		return 0, fmt.Errorf("kv: decode del result: %w", err)
	}
	return int(n), nil
}

// Scan implements Store using a cursor-based SCAN rather than the blocking
// KEYS command, so a large keyspace never stalls the event loop.
func (v *Valkey) Scan(ctx context.Context, pattern string) ([]string, error) {
	var (
		cursor uint64
		keys   []string
	)
	for {
		resp := v.client.Do(ctx, v.client.B().Scan().Cursor(cursor).Match(pattern).Count(1000).Build())
		if err := resp.Error(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		entry, err := resp.AsScanEntry()
		if err != nil {
			return nil, fmt.Errorf("kv: decode scan result: %w", err)
		}
		keys = append(keys, entry.Elements...)
		cursor = entry.Cursor
		if cursor == 0 {
			return keys, nil
		}
	}
}

// TTL implements Store.
func (v *Valkey) TTL(ctx context.Context, key string) (time.Duration, error) {
	resp := v.client.Do(ctx, v.client.B().Pttl().Key(key).Build())
	if err := resp.Error(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	ms, err := resp.AsInt64()
	if err != nil {
		return 0, fmt.Errorf("kv: decode pttl result: %w", err)
	}
	if ms < 0 {
		return 0, nil
	}
	return time.Duration(ms) * time.Millisecond, nil
}

// Ping implements Store.
func (v *Valkey) Ping(ctx context.Context) error {
	resp := v.client.Do(ctx, v.client.B().Ping().Build())
	if err := resp.Error(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}
