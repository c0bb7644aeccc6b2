package backplane

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gomodule/redigo/redis"
	"go.uber.org/zap"
)

// RedisConfig describes how to reach the Redis server used as backplane.
type RedisConfig struct {
	Addr        string
	Password    string
	DB          int
	DialTimeout time.Duration
}

// NewRedisPool builds a redigo pool for cfg and checks it with PING.
func NewRedisPool(cfg RedisConfig) (*redis.Pool, error) {
	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	pool := &redis.Pool{
		MaxIdle:     8,
		IdleTimeout: 4 * time.Minute,
		Dial: func() (redis.Conn, error) {
			return redis.Dial("tcp", cfg.Addr,
				redis.DialPassword(cfg.Password),
				redis.DialDatabase(cfg.DB),
				redis.DialConnectTimeout(timeout),
			)
		},
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			if time.Since(t) < time.Minute {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
	}

	conn := pool.Get()
	defer conn.Close()
	if _, err := conn.Do("PING"); err != nil {
		_ = pool.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return pool, nil
}

// RedisOptionFunc configures a Redis backplane.
type RedisOptionFunc func(*Redis)

// RedisSetChannelPrefix sets the prefix prepended to every group channel.
func RedisSetChannelPrefix(prefix string) RedisOptionFunc {
	return func(r *Redis) {
		r.prefix = prefix
	}
}

// RedisSetReconnectBackoff sets the delay between resubscribe attempts.
func RedisSetReconnectBackoff(d time.Duration) RedisOptionFunc {
	return func(r *Redis) {
		if d > 0 {
			r.backoff = d
		}
	}
}

// RedisSetLogger sets the logger.
func RedisSetLogger(log *zap.SugaredLogger) RedisOptionFunc {
	return func(r *Redis) {
		if log != nil {
			r.log = log
		}
	}
}

// Redis is a Backplane over Redis PUBLISH / PSUBSCRIBE. Each process holds a
// single pattern subscription; Redis delivers messages on it in publish order.
type Redis struct {
	pool    *redis.Pool
	prefix  string
	backoff time.Duration
	log     *zap.SugaredLogger

	mu         sync.Mutex
	psc        *redis.PubSubConn
	subscribed bool
	closed     bool
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewRedis returns a Redis backplane publishing and subscribing through pool.
func NewRedis(pool *redis.Pool, opts ...RedisOptionFunc) *Redis {
	r := &Redis{
		pool:    pool,
		prefix:  "bugtracker:",
		backoff: time.Second,
		log:     zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Publish implements Backplane.
func (r *Redis) Publish(ctx context.Context, group string, payload []byte) error {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return ErrClosed
	}

	conn, err := r.pool.GetContext(ctx)
	if err != nil {
		return fmt.Errorf("redis publish %s: %w", group, err)
	}
	defer conn.Close()

	if _, err := conn.Do("PUBLISH", r.prefix+group, payload); err != nil {
		return fmt.Errorf("redis publish %s: %w", group, err)
	}
	return nil
}

// Subscribe implements Backplane. The receive loop runs until Close or until
// ctx is cancelled, resubscribing after connection loss.
func (r *Redis) Subscribe(ctx context.Context, h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if r.subscribed {
		return ErrAlreadySubscribed
	}

	psc, err := r.subscribe()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	r.psc = psc
	r.subscribed = true
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.run(ctx, psc, h)
	return nil
}

func (r *Redis) subscribe() (*redis.PubSubConn, error) {
	psc := &redis.PubSubConn{Conn: r.pool.Get()}
	pattern := r.prefix + "*"
	if err := psc.PSubscribe(pattern); err != nil {
		_ = psc.Close()
		return nil, fmt.Errorf("redis psubscribe %s: %w", pattern, err)
	}

	switch v := psc.Receive().(type) {
	case redis.Subscription:
		return psc, nil
	case error:
		_ = psc.Close()
		return nil, fmt.Errorf("redis psubscribe %s: %w", pattern, v)
	default:
		_ = psc.Close()
		return nil, fmt.Errorf("redis psubscribe %s: unexpected reply %T", pattern, v)
	}
}

func (r *Redis) run(ctx context.Context, psc *redis.PubSubConn, h Handler) {
	defer close(r.done)

	for {
		err := r.receive(psc, h)
		_ = psc.Close()
		if ctx.Err() != nil {
			return
		}
		r.log.Warnw("backplane subscription lost", "error", err)

		psc = r.resubscribe(ctx)
		if psc == nil {
			return
		}
	}
}

func (r *Redis) resubscribe(ctx context.Context) *redis.PubSubConn {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(r.backoff):
		}

		psc, err := r.subscribe()
		if err != nil {
			r.log.Warnw("backplane resubscribe failed", "error", err)
			continue
		}

		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			_ = psc.Close()
			return nil
		}
		r.psc = psc
		r.mu.Unlock()
		r.log.Infow("backplane resubscribed", "pattern", r.prefix+"*")
		return psc
	}
}

func (r *Redis) receive(psc *redis.PubSubConn, h Handler) error {
	for {
		switch v := psc.Receive().(type) {
		case redis.Message:
			if !strings.HasPrefix(v.Channel, r.prefix) {
				continue
			}
			h(strings.TrimPrefix(v.Channel, r.prefix), v.Data)
		case redis.Subscription:
			if v.Count == 0 {
				return fmt.Errorf("redis: subscription dropped")
			}
		case error:
			return v
		}
	}
}

// Health implements Backplane.
func (r *Redis) Health(ctx context.Context) error {
	conn, err := r.pool.GetContext(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	_, err = conn.Do("PING")
	return err
}

// Close stops the receive loop and closes the pool.
func (r *Redis) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	cancel, done, psc := r.cancel, r.done, r.psc
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if psc != nil {
		_ = psc.Close()
	}
	if done != nil {
		<-done
	}
	return r.pool.Close()
}
