package machine

import "github.com/rackgate/rackgate/internal/obs"

// NewStore creates either an in-memory or Redis-backed machine store based on
// configuration.
func NewStore(redisAddr, redisPassword string, redisDB int) (Store, error) {
	if redisAddr == "" {
		obs.Info("store.backend", obs.Fields{"type": "in-memory"})
		return NewMemoryStore(), nil
	}
	obs.Info("store.backend", obs.Fields{"type": "redis", "addr": redisAddr})
	return NewRedisStore(redisAddr, redisPassword, redisDB)
}
