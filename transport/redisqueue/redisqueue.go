// Package redisqueue keeps work queues in Redis lists. A fetched entry is
// moved atomically onto a processing list owned by the consumer and stays
// there until it is acknowledged (removed) or rejected (pushed back).
package redisqueue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/redis/go-redis/v9"

	"github.com/fenderchamp/bullfinch/internal/ids"
	"github.com/fenderchamp/bullfinch/internal/jsoncodec"
	"github.com/fenderchamp/bullfinch/transport"
)

const (
	TransportName = "redis"

	DefaultPort         = 6379
	DefaultKeyPrefix    = "bullfinch:"
	DefaultBlockTimeout = time.Second
	DefaultRetryDelay   = time.Second

	settleTimeout = 5 * time.Second
)

var errClosed = errors.New("redis queue is closed")

// Commands is the part of the go-redis client the queue uses.
type Commands interface {
	Ping(ctx context.Context) *redis.StatusCmd
	LPush(ctx context.Context, key string, values ...any) *redis.IntCmd
	RPush(ctx context.Context, key string, values ...any) *redis.IntCmd
	LRem(ctx context.Context, key string, count int64, value any) *redis.IntCmd
	LMove(ctx context.Context, source, destination, srcpos, destpos string) *redis.StringCmd
	BLMove(ctx context.Context, source, destination, srcpos, destpos string, timeout time.Duration) *redis.StringCmd
	Close() error
}

// NewClient allows overriding the Redis client for testing.
var NewClient = func(opts *redis.Options) Commands {
	return redis.NewClient(opts)
}

func init() {
	Register()
}

// Register registers the redis transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.RedisCapabilities)
}

// Build creates a queue for the endpoint, serving as publisher and
// subscriber.
func Build(ctx context.Context, endpoint transport.Endpoint, logger watermill.LoggerAdapter) (transport.Transport, error) {
	cfg, err := ConfigFromEndpoint(endpoint)
	if err != nil {
		return transport.Transport{}, err
	}
	q, err := New(ctx, cfg, logger)
	if err != nil {
		return transport.Transport{}, err
	}
	return transport.Transport{Publisher: q, Subscriber: q}, nil
}

// Config describes one Redis server and how queues are laid out in it.
type Config struct {
	Addr     string
	Username string
	Password string
	DB       int

	// KeyPrefix is prepended to every queue name.
	KeyPrefix string
	// Consumer names this process's processing lists. A stable name lets a
	// restarted consumer put back what it held when it died; the default
	// is unique per queue instance.
	Consumer     string
	BlockTimeout time.Duration
	RetryDelay   time.Duration
}

// ConfigFromEndpoint reads the username, password, db, key_prefix and
// consumer options.
func ConfigFromEndpoint(endpoint transport.Endpoint) (Config, error) {
	if endpoint.Host == "" {
		return Config{}, fmt.Errorf("redis queue needs broker_host")
	}
	cfg := Config{
		Addr:      endpoint.AddressOr(DefaultPort),
		Username:  endpoint.Option("username", ""),
		Password:  endpoint.Option("password", ""),
		KeyPrefix: endpoint.Option("key_prefix", DefaultKeyPrefix),
		Consumer:  endpoint.Option("consumer", ""),
	}
	if v := endpoint.Option("db", ""); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return Config{}, fmt.Errorf("db: %q is not a database number", v)
		}
		cfg.DB = n
	}
	return cfg, nil
}

func (c Config) withDefaults() Config {
	if c.BlockTimeout <= 0 {
		c.BlockTimeout = DefaultBlockTimeout
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.Consumer == "" {
		c.Consumer = ids.New()
	}
	return c
}

// Queue implements both Publisher and Subscriber.
type Queue struct {
	rdb    Commands
	config Config
	logger watermill.LoggerAdapter

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New dials Redis and checks the connection.
func New(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (*Queue, error) {
	rdb := NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}
	return newQueue(rdb, cfg, logger), nil
}

func newQueue(rdb Commands, cfg Config, logger watermill.LoggerAdapter) *Queue {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{rdb: rdb, config: cfg.withDefaults(), logger: logger, ctx: ctx, cancel: cancel}
}

func (q *Queue) queueKey(topic string) string {
	return q.config.KeyPrefix + topic
}

func (q *Queue) processingKey(topic string) string {
	return q.config.KeyPrefix + topic + ":processing:" + q.config.Consumer
}

type envelope struct {
	UUID     string            `json:"uuid"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Payload  []byte            `json:"payload"`
}

// Publish pushes messages onto the head of the list; consumers take from
// the tail.
func (q *Queue) Publish(topic string, messages ...*message.Message) error {
	if q.ctx.Err() != nil {
		return errClosed
	}
	for _, msg := range messages {
		raw, err := jsoncodec.MarshalString(envelope{UUID: msg.UUID, Metadata: msg.Metadata, Payload: msg.Payload})
		if err != nil {
			return fmt.Errorf("failed to encode message: %w", err)
		}
		if err := q.rdb.LPush(msg.Context(), q.queueKey(topic), raw).Err(); err != nil {
			return fmt.Errorf("failed to push message onto %s: %w", q.queueKey(topic), err)
		}
	}
	return nil
}

// Subscribe hands over one entry at a time. Entries left on this
// consumer's processing list by an earlier run are put back first.
func (q *Queue) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if q.ctx.Err() != nil {
		return nil, errClosed
	}
	if err := q.restore(ctx, topic); err != nil {
		return nil, err
	}

	out := make(chan *message.Message)
	subCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(q.ctx, cancel)

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		defer close(out)
		defer stop()
		defer cancel()
		q.consume(subCtx, topic, out)
	}()
	return out, nil
}

func (q *Queue) restore(ctx context.Context, topic string) error {
	for {
		_, err := q.rdb.LMove(ctx, q.processingKey(topic), q.queueKey(topic), "RIGHT", "RIGHT").Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to restore unacknowledged entries of %s: %w", topic, err)
		}
	}
}

func (q *Queue) consume(ctx context.Context, topic string, out chan<- *message.Message) {
	queueKey, processingKey := q.queueKey(topic), q.processingKey(topic)
	fields := watermill.LogFields{"topic": topic, "consumer": q.config.Consumer}

	for ctx.Err() == nil {
		raw, err := q.rdb.BLMove(ctx, queueKey, processingKey, "RIGHT", "LEFT", q.config.BlockTimeout).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			q.logger.Error("failed to take entry", err, fields)
			select {
			case <-ctx.Done():
				return
			case <-time.After(q.config.RetryDelay):
			}
			continue
		}

		var env envelope
		if err := jsoncodec.Unmarshal([]byte(raw), &env); err != nil {
			q.logger.Error("dropping undecodable entry", err, fields)
			q.settle(processingKey, raw, "")
			continue
		}
		msg := message.NewMessage(env.UUID, env.Payload)
		for k, v := range env.Metadata {
			msg.Metadata.Set(k, v)
		}

		select {
		case out <- msg:
		case <-ctx.Done():
			q.settle(processingKey, raw, queueKey)
			return
		}

		select {
		case <-msg.Acked():
			q.settle(processingKey, raw, "")
		case <-msg.Nacked():
			q.settle(processingKey, raw, queueKey)
		case <-ctx.Done():
			q.settle(processingKey, raw, queueKey)
			return
		}
	}
}

// settle removes raw from the processing list and, when requeue names a
// queue, puts it back at the tail so it is taken next.
func (q *Queue) settle(processingKey, raw, requeue string) {
	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()

	if requeue != "" {
		if err := q.rdb.RPush(ctx, requeue, raw).Err(); err != nil {
			q.logger.Error("failed to requeue entry", err, watermill.LogFields{"queue": requeue})
			return
		}
	}
	if err := q.rdb.LRem(ctx, processingKey, 1, raw).Err(); err != nil {
		q.logger.Error("failed to clear processing entry", err, watermill.LogFields{"list": processingKey})
	}
}

// Close stops every subscription, waits for them and closes the client.
func (q *Queue) Close() error {
	var err error
	q.closeOnce.Do(func() {
		q.cancel()
		q.wg.Wait()
		err = q.rdb.Close()
	})
	return err
}
