package machine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rackgate/rackgate/internal/obs"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "rackgate:machine:"

// redisStore persists machine records in Redis so several gateway instances
// can share one node store. A small positive cache keeps the admission path
// from hitting Redis on every reconnect of the same console.
type redisStore struct {
	client *redis.Client

	mu    sync.Mutex
	cache map[string]cacheEntry

	cacheTTL time.Duration
}

type cacheEntry struct {
	m       *Machine
	fetched time.Time
}

func NewRedisStore(addr, password string, db int) (Store, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return &redisStore{
		client:   rdb,
		cache:    make(map[string]cacheEntry),
		cacheTTL: 5 * time.Second,
	}, nil
}

var _ Store = (*redisStore)(nil)

func (s *redisStore) Get(ctx context.Context, id string) (*Machine, error) {
	s.mu.Lock()
	if e, ok := s.cache[id]; ok && time.Since(e.fetched) < s.cacheTTL {
		copy := *e.m
		s.mu.Unlock()
		return &copy, nil
	}
	s.mu.Unlock()

	val, err := s.client.Get(ctx, keyPrefix+id).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("redis get machine: %w", err)
	}
	var m Machine
	if err := json.Unmarshal([]byte(val), &m); err != nil {
		obs.Error("redis.unmarshal_machine", obs.Fields{"err": err.Error(), "machine": id})
		return nil, fmt.Errorf("unmarshal machine %s: %w", id, err)
	}
	s.mu.Lock()
	s.cache[id] = cacheEntry{m: &m, fetched: time.Now()}
	s.mu.Unlock()
	copy := m
	return &copy, nil
}

func (s *redisStore) Save(ctx context.Context, m *Machine) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal machine %s: %w", m.ID, err)
	}
	if err := s.client.Set(ctx, keyPrefix+m.ID, data, 0).Err(); err != nil {
		return fmt.Errorf("redis set machine: %w", err)
	}
	// Token writes must be visible immediately; drop the stale cache entry.
	s.mu.Lock()
	delete(s.cache, m.ID)
	s.mu.Unlock()
	return nil
}

func (s *redisStore) Delete(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, keyPrefix+id).Err(); err != nil {
		return fmt.Errorf("redis del machine: %w", err)
	}
	s.mu.Lock()
	delete(s.cache, id)
	s.mu.Unlock()
	return nil
}

func (s *redisStore) List(ctx context.Context) ([]*Machine, error) {
	var out []*Machine
	iter := s.client.Scan(ctx, 0, keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		val, err := s.client.Get(ctx, iter.Val()).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			return nil, fmt.Errorf("redis get machine: %w", err)
		}
		var m Machine
		if err := json.Unmarshal([]byte(val), &m); err != nil {
			obs.Error("redis.unmarshal_machine", obs.Fields{"err": err.Error(), "key": iter.Val()})
			continue
		}
		out = append(out, &m)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan machines: %w", err)
	}
	return out, nil
}

func (s *redisStore) Close() error { return s.client.Close() }
