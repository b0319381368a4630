package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	// ticketBytes is the number of random bytes in a push ticket.
	ticketBytes = 32

	defaultTicketTTL = 60 * time.Second

	redisTicketPrefix = "iotgw:ticket:"
)

// TicketStore issues and redeems single-use push tickets.
type TicketStore interface {
	// Issue creates a ticket bound to userID.
	Issue(ctx context.Context, userID string) (string, error)
	// Redeem consumes a ticket and returns its user. A ticket redeems at
	// most once.
	Redeem(ctx context.Context, ticket string) (string, error)
	// TTL is how long an unredeemed ticket stays valid.
	TTL() time.Duration
}

// generateTicket creates a cryptographically random ticket string.
func generateTicket() (string, error) {
	b := make([]byte, ticketBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating ticket: %w", err)
	}
	return hex.EncodeToString(b), nil
}

type ticketEntry struct {
	userID    string
	expiresAt time.Time
}

// MemoryTickets keeps tickets in process memory.
type MemoryTickets struct {
	ttl time.Duration
	now func() time.Time

	mu        sync.Mutex
	tickets   map[string]ticketEntry
	lastSweep time.Time
}

// NewMemoryTickets creates an in-memory ticket store.
func NewMemoryTickets(ttl time.Duration) *MemoryTickets {
	if ttl <= 0 {
		ttl = defaultTicketTTL
	}
	return &MemoryTickets{
		ttl:     ttl,
		now:     time.Now,
		tickets: make(map[string]ticketEntry),
	}
}

// TTL returns the ticket lifetime.
func (m *MemoryTickets) TTL() time.Duration { return m.ttl }

// Issue creates a ticket for userID.
func (m *MemoryTickets) Issue(_ context.Context, userID string) (string, error) {
	ticket, err := generateTicket()
	if err != nil {
		return "", err
	}

	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()

	// Unredeemed tickets are swept at most once per TTL.
	if now.Sub(m.lastSweep) >= m.ttl {
		for k, e := range m.tickets {
			if !now.Before(e.expiresAt) {
				delete(m.tickets, k)
			}
		}
		m.lastSweep = now
	}

	m.tickets[ticket] = ticketEntry{userID: userID, expiresAt: now.Add(m.ttl)}
	return ticket, nil
}

// Redeem consumes ticket.
func (m *MemoryTickets) Redeem(_ context.Context, ticket string) (string, error) {
	m.mu.Lock()
	entry, ok := m.tickets[ticket]
	delete(m.tickets, ticket)
	m.mu.Unlock()

	if !ok || !m.now().Before(entry.expiresAt) {
		return "", ErrTicketInvalid
	}
	return entry.userID, nil
}

// Len returns the number of stored tickets, expired ones included.
func (m *MemoryTickets) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tickets)
}

// RedisTickets keeps tickets in Redis so any gateway instance can redeem
// them.
type RedisTickets struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisTickets creates a Redis-backed ticket store over client.
func NewRedisTickets(client *redis.Client, ttl time.Duration) *RedisTickets {
	if ttl <= 0 {
		ttl = defaultTicketTTL
	}
	return &RedisTickets{client: client, ttl: ttl}
}

// ConnectRedis opens a Redis client and pings it.
func ConnectRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close() //nolint:errcheck // already failing
		return nil, fmt.Errorf("connecting to redis at %s: %w", addr, err)
	}
	return client, nil
}

// TTL returns the ticket lifetime.
func (r *RedisTickets) TTL() time.Duration { return r.ttl }

// Issue stores a ticket for userID with the store's TTL.
func (r *RedisTickets) Issue(ctx context.Context, userID string) (string, error) {
	ticket, err := generateTicket()
	if err != nil {
		return "", err
	}
	if err := r.client.Set(ctx, redisTicketPrefix+ticket, userID, r.ttl).Err(); err != nil {
		return "", fmt.Errorf("storing ticket: %w", err)
	}
	return ticket, nil
}

// Redeem atomically reads and deletes ticket.
func (r *RedisTickets) Redeem(ctx context.Context, ticket string) (string, error) {
	userID, err := r.client.GetDel(ctx, redisTicketPrefix+ticket).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrTicketInvalid
	}
	if err != nil {
		return "", fmt.Errorf("redeeming ticket: %w", err)
	}
	return userID, nil
}

// HealthCheck pings Redis.
func (r *RedisTickets) HealthCheck(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close releases the Redis client.
func (r *RedisTickets) Close() error {
	return r.client.Close()
}
