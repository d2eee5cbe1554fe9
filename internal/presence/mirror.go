package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/weiawesome/wes-chat-relay/pkg/log"
)

// MirrorConfig configures the Redis presence mirror.
type MirrorConfig struct {
	Prefix            string
	InstanceID        string
	HeartbeatInterval time.Duration
	KeyTTL            time.Duration
	QueueSize         int
}

// RosterEvent is published on {prefix}:roster for every presence change.
type RosterEvent struct {
	Identity   string `json:"identity"`
	Online     bool   `json:"online"`
	InstanceID string `json:"instance_id"`
}

// Redis key patterns:
// {prefix}:instance:{instance_id}:users  SET<identity>  - identities online on this instance
// {prefix}:roster                        CHANNEL        - RosterEvent JSON

// RedisMirror mirrors this instance's roster into Redis. It implements
// Observer: changes are queued without blocking and written by a single
// worker goroutine. On each heartbeat the same goroutine rewrites the whole
// set from the local registry and refreshes the key TTL, which repairs any
// dropped events.
type RedisMirror struct {
	client  *redis.Client
	cfg     MirrorConfig
	source  func() []string
	events  chan RosterEvent
	dropped atomic.Int64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRedisMirror wraps an existing client. source supplies the authoritative
// roster for heartbeat resyncs.
func NewRedisMirror(client *redis.Client, cfg MirrorConfig, source func() []string) *RedisMirror {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "relay:presence"
	}
	return &RedisMirror{
		client: client,
		cfg:    cfg,
		source: source,
		events: make(chan RosterEvent, cfg.QueueSize),
	}
}

// NewRedisClient creates a client and verifies the connection.
func NewRedisClient(address, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

func (m *RedisMirror) usersKey() string {
	return fmt.Sprintf("%s:instance:%s:users", m.cfg.Prefix, m.cfg.InstanceID)
}

func (m *RedisMirror) channel() string {
	return m.cfg.Prefix + ":roster"
}

// PresenceChanged implements Observer.
func (m *RedisMirror) PresenceChanged(identity string, online bool) {
	ev := RosterEvent{Identity: identity, Online: online, InstanceID: m.cfg.InstanceID}
	select {
	case m.events <- ev:
	default:
		m.dropped.Add(1)
	}
}

// Dropped returns how many events were discarded because the queue was full.
func (m *RedisMirror) Dropped() int64 {
	return m.dropped.Load()
}

// Start launches the writer goroutine.
func (m *RedisMirror) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.wg.Add(1)
	go m.run(ctx)

	l := log.L()
	l.Info().
		Str("key", m.usersKey()).
		Dur("interval", m.cfg.HeartbeatInterval).
		Dur("ttl", m.cfg.KeyTTL).
		Msg("presence mirror started")
}

// run applies queued changes and heartbeat resyncs on one goroutine, so a
// resync is never overtaken by an older queued change.
func (m *RedisMirror) run(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-m.events:
			if err := m.apply(ctx, ev); err != nil {
				l := log.L()
				l.Warn().Err(err).Str(log.FieldIdentity, ev.Identity).Bool("online", ev.Online).Msg("failed to mirror presence change")
			}
		case <-ticker.C:
			m.drain(ctx)
			if err := m.resync(ctx); err != nil {
				l := log.L()
				l.Error().Err(err).Str("key", m.usersKey()).Msg("failed to refresh presence mirror")
			}
		}
	}
}

// drain publishes queued changes without writing the set; the resync that
// follows rewrites it from the registry.
func (m *RedisMirror) drain(ctx context.Context) {
	for {
		select {
		case ev := <-m.events:
			if err := m.publish(ctx, ev); err != nil {
				l := log.L()
				l.Warn().Err(err).Str(log.FieldIdentity, ev.Identity).Msg("failed to publish roster event")
			}
		default:
			return
		}
	}
}

func (m *RedisMirror) apply(ctx context.Context, ev RosterEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	pipe := m.client.TxPipeline()
	if ev.Online {
		pipe.SAdd(ctx, m.usersKey(), ev.Identity)
	} else {
		pipe.SRem(ctx, m.usersKey(), ev.Identity)
	}
	pipe.Expire(ctx, m.usersKey(), m.cfg.KeyTTL)
	pipe.Publish(ctx, m.channel(), string(data))
	_, err = pipe.Exec(ctx)
	return err
}

func (m *RedisMirror) publish(ctx context.Context, ev RosterEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return m.client.Publish(ctx, m.channel(), string(data)).Err()
}

func (m *RedisMirror) resync(ctx context.Context) error {
	roster := m.source()

	pipe := m.client.TxPipeline()
	pipe.Del(ctx, m.usersKey())
	if len(roster) > 0 {
		members := make([]interface{}, len(roster))
		for i, identity := range roster {
			members[i] = identity
		}
		pipe.SAdd(ctx, m.usersKey(), members...)
		pipe.Expire(ctx, m.usersKey(), m.cfg.KeyTTL)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Close stops the writer, removes this instance's set and closes the
// client.
func (m *RedisMirror) Close(ctx context.Context) error {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()

	if err := m.client.Del(ctx, m.usersKey()).Err(); err != nil {
		l := log.L()
		l.Warn().Err(err).Str("key", m.usersKey()).Msg("failed to remove presence mirror key")
	}
	return m.client.Close()
}
