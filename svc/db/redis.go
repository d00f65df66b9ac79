package db

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"pasteforge/cfg"
	"pasteforge/pkg/domain"
)

const (
	pasteKeyPrefix   = "pf:paste:"
	usedKeyPrefix    = "pf:used_token:"
	revokedKeyPrefix = "pf:revoked:"
)

type Redis struct {
	client  *redis.Client
	timeout time.Duration
}

func NewRedis(c *cfg.Cfg) (*Redis, error) {
	opt, err := redis.ParseURL(c.RedisURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	opt.PoolSize = 50
	opt.MinIdleConns = 10
	opt.PoolTimeout = 4 * time.Second
	opt.ConnMaxIdleTime = 5 * time.Minute
	opt.MaxRetries = 3
	opt.MinRetryBackoff = 8 * time.Millisecond
	opt.MaxRetryBackoff = 512 * time.Millisecond
	if c.RedisTLS {
		tlsConfig, err := redisTLS()
		if err != nil {
			return nil, err
		}
		opt.TLSConfig = tlsConfig
	}
	if c.RedisUsername != "" {
		opt.Username = c.RedisUsername
	}
	if pw := c.RedisPassword.Value(); pw != "" {
		opt.Password = pw
	}
	r := NewRedisClient(redis.NewClient(opt), c.RedisTimeout)
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.client.Ping(pingCtx).Err(); err != nil {
		r.client.Close()
		return nil, errors.Wrap(err, "ping redis")
	}
	return r, nil
}

// NewRedisClient wraps an existing client.
func NewRedisClient(client *redis.Client, timeout time.Duration) *Redis {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Redis{client: client, timeout: timeout}
}

func redisTLS() (*tls.Config, error) {
	host := os.Getenv("REDIS_HOSTNAME")
	if host == "" {
		return nil, errors.New("REDIS_HOSTNAME must be set when REDIS_TLS=true")
	}
	conf := &tls.Config{MinVersion: tls.VersionTLS12, ServerName: host}
	if path := os.Getenv("REDIS_TLS_CA_CERT"); path != "" {
		pem, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, "read redis CA cert")
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.New("invalid redis CA cert")
		}
		conf.RootCAs = pool
	}
	return conf, nil
}

// cachedPaste is the Redis form of a paste: content stays sealed.
type cachedPaste struct {
	*domain.Paste
	Blob         []byte `json:"blob"`
	DEK          []byte `json:"dek"`
	PasswordHash string `json:"password_hash,omitempty"`
	TokenHash    string `json:"token_hash,omitempty"`
}

// CachePaste stores the encrypted row. Plaintext is never written to Redis.
func (r *Redis) CachePaste(ctx context.Context, p *domain.Paste, ttl time.Duration) error {
	if p.BurnAfterRead {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	row := *p
	row.Content = ""
	data, err := json.Marshal(cachedPaste{
		Paste: &row, Blob: p.EncryptedBlob, DEK: p.EncryptedDEK,
		PasswordHash: p.PasswordHash, TokenHash: p.DeletionTokenHash,
	})
	if err != nil {
		return errors.Wrap(err, "marshal paste")
	}
	return errors.Wrap(r.client.Set(ctx, pasteKeyPrefix+p.ID, data, ttl).Err(), "set paste")
}

// GetPaste returns nil, nil on a miss.
func (r *Redis) GetPaste(ctx context.Context, id string) (*domain.Paste, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	data, err := r.client.Get(ctx, pasteKeyPrefix+id).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "get paste")
	}
	var c cachedPaste
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, errors.Wrap(err, "unmarshal paste")
	}
	if c.Paste == nil {
		return nil, nil
	}
	p := c.Paste
	p.EncryptedBlob, p.EncryptedDEK = c.Blob, c.DEK
	p.PasswordHash, p.DeletionTokenHash = c.PasswordHash, c.TokenHash
	p.HasPassword = p.PasswordHash != ""
	return p, nil
}

func (r *Redis) DeletePaste(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return errors.Wrap(r.client.Del(ctx, pasteKeyPrefix+id).Err(), "delete paste")
}

var rateScript = redis.NewScript(`
	local current = redis.call("GET", KEYS[1])
	if current == false then
		current = 0
	else
		current = tonumber(current)
	end
	if current >= tonumber(ARGV[2]) then
		return current + 1
	end
	local new_val = redis.call("INCR", KEYS[1])
	if new_val == 1 then
		redis.call("PEXPIRE", KEYS[1], ARGV[1])
	end
	return new_val
`)

// RateLimit counts a hit in a fixed window and returns the usage so far.
// A refused hit is not counted and reports limit+1.
func (r *Redis) RateLimit(ctx context.Context, key string, limit int, window time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	usage, err := rateScript.Run(ctx, r.client, []string{"pf:rl:" + key}, window.Milliseconds(), limit).Int()
	if err != nil {
		return 0, errors.Wrap(err, "rate limit lua")
	}
	return usage, nil
}

func (r *Redis) MarkUsed(ctx context.Context, tokenHash string, ttl time.Duration) error {
	if tokenHash == "" {
		return errors.New("token hash cannot be empty")
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.client.Set(ctx, usedKeyPrefix+tokenHash, "1", ttl).Err()
}

func (r *Redis) IsUsed(ctx context.Context, tokenHash string) (bool, error) {
	if tokenHash == "" {
		return false, errors.New("token hash cannot be empty")
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	n, err := r.client.Exists(ctx, usedKeyPrefix+tokenHash).Result()
	return n > 0, err
}

func (r *Redis) RevokeToken(ctx context.Context, jti string, until time.Time) error {
	ttl := time.Until(until)
	if ttl <= 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return errors.Wrap(r.client.Set(ctx, revokedKeyPrefix+jti, "1", ttl).Err(), "revoke token")
}

func (r *Redis) IsRevoked(ctx context.Context, jti string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	n, err := r.client.Exists(ctx, revokedKeyPrefix+jti).Result()
	return n > 0, errors.Wrap(err, "is revoked")
}

func (r *Redis) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}
