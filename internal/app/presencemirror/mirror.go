/*
Package presencemirror copies the relay's online-user set into Redis so processes outside
the relay can ask whether a user is connected.

The relay's in-memory hub stays authoritative. Mirror writes are queued and applied by a
background worker; a full queue or an unreachable Redis drops updates and never blocks
the caller. Keys carry a TTL and are refreshed while the user stays connected, so a
crashed relay's entries expire on their own.
*/
package presencemirror

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"noterelay/internal/pkg/logx"
)

// DefaultTTL is the lifetime of an online key between refreshes.
const DefaultTTL = 90 * time.Second

const (
	keyPrefix    = "noterelay:presence:"
	queueSize    = 1024
	writeTimeout = 2 * time.Second
)

// Mirror receives online/offline transitions from the hub. Implementations must not block.
type Mirror interface {
	Online(userID, email string)
	Offline(userID string)
}

// Nop discards all updates. It is used when no Redis is configured.
type Nop struct{}

func (Nop) Online(string, string) {}
func (Nop) Offline(string)        {}

// Key returns the Redis key holding userID's online entry.
func Key(userID string) string { return keyPrefix + userID }

type opKind int

const (
	opOnline opKind = iota
	opOffline
)

type op struct {
	kind   opKind
	userID string
	email  string
}

// Redis mirrors online users into Redis with SET ... EX and DEL.
type Redis struct {
	rdb    *redis.Client
	ttl    time.Duration
	ops    chan op
	logger zerolog.Logger
}

// Connect parses url, pings the server and returns a mirror. Call Run to start it.
func Connect(ctx context.Context, url string, ttl time.Duration) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return New(rdb, ttl), nil
}

// New wraps an existing client.
func New(rdb *redis.Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{
		rdb:    rdb,
		ttl:    ttl,
		ops:    make(chan op, queueSize),
		logger: logx.Component("presencemirror"),
	}
}

// Online implements Mirror.
func (m *Redis) Online(userID, email string) {
	m.enqueue(op{kind: opOnline, userID: userID, email: email})
}

// Offline implements Mirror.
func (m *Redis) Offline(userID string) {
	m.enqueue(op{kind: opOffline, userID: userID})
}

func (m *Redis) enqueue(o op) {
	select {
	case m.ops <- o:
	default:
		m.logger.Warn().Str("user_id", o.userID).Msg("Presence mirror queue full, dropping update")
	}
}

// Lookup reports whether userID is mirrored as online and returns the stored email.
func (m *Redis) Lookup(ctx context.Context, userID string) (string, bool, error) {
	val, err := m.rdb.Get(ctx, Key(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// Run applies queued updates and refreshes TTLs until ctx is done. On exit it removes the
// keys of users it still holds online and closes the client.
func (m *Redis) Run(ctx context.Context) {
	conns := newCounter()

	ticker := time.NewTicker(m.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.clear(conns)
			if err := m.rdb.Close(); err != nil {
				m.logger.Warn().Err(err).Msg("Failed to close redis client")
			}
			return

		case o := <-m.ops:
			switch o.kind {
			case opOnline:
				if conns.add(o.userID, o.email) {
					m.set(o.userID, o.email)
				}
			case opOffline:
				if conns.remove(o.userID) {
					m.del(o.userID)
				}
			}

		case <-ticker.C:
			for userID, email := range conns.emails {
				m.set(userID, email)
			}
		}
	}
}

func (m *Redis) set(userID, email string) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := m.rdb.Set(ctx, Key(userID), email, m.ttl).Err(); err != nil {
		m.logger.Warn().Err(err).Str("user_id", userID).Msg("Failed to mirror online user")
	}
}

func (m *Redis) del(userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := m.rdb.Del(ctx, Key(userID)).Err(); err != nil {
		m.logger.Warn().Err(err).Str("user_id", userID).Msg("Failed to mirror offline user")
	}
}

func (m *Redis) clear(conns *counter) {
	for userID := range conns.emails {
		m.del(userID)
	}
}

// counter tracks open connections per user; a user is online while the count is positive.
type counter struct {
	counts map[string]int
	emails map[string]string
}

func newCounter() *counter {
	return &counter{counts: make(map[string]int), emails: make(map[string]string)}
}

// add reports whether the user went from offline to online.
func (c *counter) add(userID, email string) bool {
	c.counts[userID]++
	c.emails[userID] = email
	return c.counts[userID] == 1
}

// remove reports whether the user's last connection closed.
func (c *counter) remove(userID string) bool {
	n, ok := c.counts[userID]
	if !ok {
		return false
	}
	if n > 1 {
		c.counts[userID] = n - 1
		return false
	}
	delete(c.counts, userID)
	delete(c.emails, userID)
	return true
}
