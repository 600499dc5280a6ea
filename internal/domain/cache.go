package domain

import (
	"context"
	"time"
)

// BuyerReputation is the read-only buyer view served to dashboards.
type BuyerReputation struct {
	Account   AccountID   `json:"account"`
	Level     string      `json:"level"`
	Tier      string      `json:"tier"`
	Risk      uint16      `json:"risk"`
	Completed uint32      `json:"completed"`
	Defaults  uint32      `json:"defaults"`
	Limits    BuyerLimits `json:"limits"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// MakerReputation is the read-only maker view served to dashboards.
type MakerReputation struct {
	Account         AccountID `json:"account"`
	Score           uint16    `json:"score"`
	Level           string    `json:"level"`
	Status          string    `json:"status"`
	DepositDiscount int       `json:"deposit_discount"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// ReputationCache keeps the latest reputation views for fast reads.
type ReputationCache interface {
	SetBuyer(ctx context.Context, r BuyerReputation) error
	GetBuyer(ctx context.Context, account AccountID) (BuyerReputation, error)
	SetMaker(ctx context.Context, r MakerReputation) error
	GetMaker(ctx context.Context, account AccountID) (MakerReputation, error)
	Invalidate(ctx context.Context, account AccountID) error
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	Wait(ctx context.Context, key string) error
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// StreamMessage represents a single entry from a Redis stream. Payload is
// nil for entries without a payload field.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub and durable streams.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) (string, error)
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}
