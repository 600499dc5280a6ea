package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/otcsettle/internal/domain"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const defaultReputationTTL = 10 * time.Minute

// ReputationCache implements domain.ReputationCache using Redis hashes with
// JSON-serialized views. The engine refreshes an entry after every committed
// batch that touches the account; the TTL bounds staleness if a refresh is
// lost.
//
// Key schema:
//
//	rep:buyer:{account} - hash with field "data" containing JSON
//	rep:maker:{account} - hash with field "data" containing JSON
type ReputationCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewReputationCache creates a ReputationCache backed by the given Client.
// A non-positive ttl selects the default.
func NewReputationCache(c *Client, ttl time.Duration) *ReputationCache {
	if ttl <= 0 {
		ttl = defaultReputationTTL
	}
	return &ReputationCache{rdb: c.Underlying(), ttl: ttl}
}

func buyerKey(a domain.AccountID) string { return "rep:buyer:" + string(a) }
func makerKey(a domain.AccountID) string { return "rep:maker:" + string(a) }

// SetBuyer stores a buyer view.
func (rc *ReputationCache) SetBuyer(ctx context.Context, r domain.BuyerReputation) error {
	return rc.set(ctx, buyerKey(r.Account), r)
}

// GetBuyer returns a buyer view or domain.ErrNotFound.
func (rc *ReputationCache) GetBuyer(ctx context.Context, account domain.AccountID) (domain.BuyerReputation, error) {
	var r domain.BuyerReputation
	err := rc.get(ctx, buyerKey(account), &r)
	return r, err
}

// SetMaker stores a maker view.
func (rc *ReputationCache) SetMaker(ctx context.Context, r domain.MakerReputation) error {
	return rc.set(ctx, makerKey(r.Account), r)
}

// GetMaker returns a maker view or domain.ErrNotFound.
func (rc *ReputationCache) GetMaker(ctx context.Context, account domain.AccountID) (domain.MakerReputation, error) {
	var r domain.MakerReputation
	err := rc.get(ctx, makerKey(account), &r)
	return r, err
}

// Invalidate removes both views of an account.
func (rc *ReputationCache) Invalidate(ctx context.Context, account domain.AccountID) error {
	if err := rc.rdb.Del(ctx, buyerKey(account), makerKey(account)).Err(); err != nil {
		return fmt.Errorf("redis: invalidate reputation %s: %w", account, err)
	}
	return nil
}

func (rc *ReputationCache) set(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("redis: marshal %s: %w", key, err)
	}

	pipe := rc.rdb.TxPipeline()
	pipe.HSet(ctx, key, "data", data)
	pipe.Expire(ctx, key, rc.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set %s: %w", key, err)
	}
	return nil
}

func (rc *ReputationCache) get(ctx context.Context, key string, dst any) error {
	data, err := rc.rdb.HGet(ctx, key, "data").Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.ErrNotFound
		}
		return fmt.Errorf("redis: get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("redis: unmarshal %s: %w", key, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.ReputationCache = (*ReputationCache)(nil)
